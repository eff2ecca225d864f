// Package heartbeat ingests the ambulance liveness stream and feeds it to the
// fleet registry.
package heartbeat

import (
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/mella/internal/domain"
	"github.com/example/mella/internal/fleet"
)

// Server implements HeartbeatServer on top of the fleet registry.
type Server struct {
	registry *fleet.Registry
	logger   *zap.Logger
}

// NewServer constructs a Server.
func NewServer(registry *fleet.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{registry: registry, logger: logger}
}

// StreamBeats consumes beats until the client closes the stream. Malformed
// beats are skipped rather than tearing the stream down; a flaky mobile
// client should not lose its session over one bad message.
func (s *Server) StreamBeats(stream Heartbeat_StreamBeatsServer) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&Ack{})
		}
		if err != nil {
			return err
		}
		id, err := uuid.Parse(msg.AmbulanceId)
		if err != nil {
			s.logger.Debug("beat with bad ambulance id", zap.String("ambulance_id", msg.AmbulanceId))
			continue
		}
		at := time.Unix(msg.Ts, 0).UTC()
		if msg.Ts == 0 {
			at = time.Time{}
		}
		point := domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng}
		if err := s.registry.Heartbeat(stream.Context(), id, point, at); err != nil {
			s.logger.Debug("beat rejected", zap.String("ambulance_id", msg.AmbulanceId), zap.Error(err))
		}
	}
}
