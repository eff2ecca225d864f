package heartbeat

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/example/mella/internal/domain"
	"github.com/example/mella/internal/fleet"
)

type fakeStream struct {
	grpc.ServerStream
	beats  []*Beat
	closed bool
}

func (f *fakeStream) Context() context.Context { return context.Background() }

func (f *fakeStream) SendAndClose(*Ack) error {
	f.closed = true
	return nil
}

func (f *fakeStream) Recv() (*Beat, error) {
	if len(f.beats) == 0 {
		return nil, io.EOF
	}
	beat := f.beats[0]
	f.beats = f.beats[1:]
	return beat, nil
}

func newRegistry(t *testing.T) (*fleet.Registry, domain.Ambulance) {
	t.Helper()
	registry := fleet.NewRegistry(fleet.NewMemoryGeoIndex(), nil, nil, nil, fleet.Config{})
	amb, err := registry.Register(context.Background(), domain.Ambulance{
		Plate:       "AA-12345",
		Capability:  domain.CapabilityBasic,
		DriverName:  "driver",
		DriverPhone: "+251911000000",
		Location:    domain.GeoPoint{Lat: 9.0, Lng: 38.7},
	})
	require.NoError(t, err)
	return registry, amb
}

func TestStreamBeatsUpdatesRegistry(t *testing.T) {
	registry, amb := newRegistry(t)
	srv := NewServer(registry, nil)

	ts := time.Now().Add(-time.Second).Unix()
	stream := &fakeStream{beats: []*Beat{
		{AmbulanceId: amb.ID.String(), Lat: 9.01, Lng: 38.71, Ts: ts},
	}}
	require.NoError(t, srv.StreamBeats(stream))
	require.True(t, stream.closed)

	got, err := registry.Get(context.Background(), amb.ID)
	require.NoError(t, err)
	require.InDelta(t, 9.01, got.Location.Lat, 1e-9)
	require.InDelta(t, 38.71, got.Location.Lng, 1e-9)
	require.Equal(t, time.Unix(ts, 0).UTC(), got.LastHeartbeat)
}

func TestStreamBeatsSkipsMalformedAndUnknown(t *testing.T) {
	registry, amb := newRegistry(t)
	srv := NewServer(registry, nil)

	stream := &fakeStream{beats: []*Beat{
		{AmbulanceId: "not-a-uuid", Lat: 9.0, Lng: 38.7, Ts: 1},
		{AmbulanceId: uuid.NewString(), Lat: 9.0, Lng: 38.7, Ts: 1},
		{AmbulanceId: amb.ID.String(), Lat: 200.0, Lng: 38.7, Ts: 1},
		{AmbulanceId: amb.ID.String(), Lat: 9.02, Lng: 38.72, Ts: 2},
	}}
	require.NoError(t, srv.StreamBeats(stream))

	got, err := registry.Get(context.Background(), amb.ID)
	require.NoError(t, err)
	require.InDelta(t, 9.02, got.Location.Lat, 1e-9)
}
