package heartbeat

import "google.golang.org/grpc"

// Beat is a streamed ambulance liveness update.
type Beat struct {
	AmbulanceId string
	Lat         float64
	Lng         float64
	Ts          int64
}

// Ack is returned when the stream closes.
type Ack struct{}

// HeartbeatServer defines the gRPC contract.
type HeartbeatServer interface {
	StreamBeats(Heartbeat_StreamBeatsServer) error
}

// RegisterHeartbeatServer registers the service implementation.
func RegisterHeartbeatServer(s *grpc.Server, srv HeartbeatServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "fleet.Heartbeat",
		HandlerType: (*HeartbeatServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "StreamBeats",
			Handler:       _Heartbeat_StreamBeats_Handler,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, srv)
}

// Heartbeat_StreamBeatsServer defines the bidi stream interface.
type Heartbeat_StreamBeatsServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*Beat, error)
}

func _Heartbeat_StreamBeats_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(HeartbeatServer).StreamBeats(&heartbeatStreamServer{ServerStream: stream})
}

type heartbeatStreamServer struct {
	grpc.ServerStream
}

func (s *heartbeatStreamServer) SendAndClose(*Ack) error { return nil }

func (s *heartbeatStreamServer) Recv() (*Beat, error) {
	msg := new(Beat)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
