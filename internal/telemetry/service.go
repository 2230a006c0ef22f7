package telemetry

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/domain"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

// Vehicle status thresholds.
const (
	DefaultOfflineAfter = 5 * time.Minute
	DefaultParkedAfter  = 10 * time.Minute
)

const (
	StatusActive  = "active"
	StatusParked  = "parked"
	StatusOffline = "offline"
)

// Thresholds decide the status of a vehicle from its latest fix.
type Thresholds struct {
	OfflineAfter time.Duration
	ParkedAfter  time.Duration
}

// Status is offline when the latest fix is older than OfflineAfter, parked
// when the vehicle reports no speed and has not moved for ParkedAfter, and
// active otherwise.
func (th Thresholds) Status(f Fix, now time.Time) string {
	if now.Sub(f.RecordedAt) > th.OfflineAfter {
		return StatusOffline
	}
	if f.Speed == 0 && now.Sub(f.StationarySince()) > th.ParkedAfter {
		return StatusParked
	}
	return StatusActive
}

// GPSReport is the POST /gps-data payload.
type GPSReport struct {
	DeviceID  string   `json:"pi_id"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Speed     float64  `json:"speed"`
	Heading   float64  `json:"heading"`
	Timestamp *float64 `json:"timestamp"`
}

// VehicleLocation is one vehicle on the map.
type VehicleLocation struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	DeviceID   string    `json:"pi"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Speed      float64   `json:"speed"`
	Heading    float64   `json:"heading"`
	Status     string    `json:"status"`
	LastUpdate time.Time `json:"last_update"`
}

// PositionStore persists fixes.
type PositionStore interface {
	Create(ctx context.Context, p *Position) error
	LatestPerDevice(ctx context.Context) ([]Fix, error)
}

// Service records GPS fixes and derives vehicle status.
type Service struct {
	store PositionStore
	th    Thresholds
	now   func() time.Time
}

// NewService returns a Service over store.
func NewService(store PositionStore, th Thresholds, now func() time.Time) *Service {
	if th.OfflineAfter <= 0 {
		th.OfflineAfter = DefaultOfflineAfter
	}
	if th.ParkedAfter <= 0 {
		th.ParkedAfter = DefaultParkedAfter
	}
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, th: th, now: now}
}

// Record validates and stores a fix for the authenticated device.
func (s *Service) Record(ctx context.Context, device string, r GPSReport) (*Position, error) {
	const op = "telemetry.Record"
	if r.DeviceID != "" && r.DeviceID != device {
		return nil, domain.E(domain.KindUnauthorized, op, "pi_id does not match credentials", nil)
	}
	if r.Latitude == nil || r.Longitude == nil || r.Timestamp == nil {
		return nil, domain.E(domain.KindMalformedInput, op, "latitude, longitude and timestamp are required", nil)
	}
	lat, lng := *r.Latitude, *r.Longitude
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return nil, domain.E(domain.KindMalformedInput, op, "coordinates out of range", nil)
	}
	if *r.Timestamp <= 0 {
		return nil, domain.E(domain.KindMalformedInput, op, "timestamp must be positive", nil)
	}

	p := &Position{
		DeviceID:   device,
		Latitude:   lat,
		Longitude:  lng,
		Speed:      r.Speed,
		Heading:    r.Heading,
		RecordedAt: models.FromUnixSeconds(*r.Timestamp).UTC(),
		ReceivedAt: s.now().UTC(),
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, domain.E(domain.KindStorageUnavailable, op, "store position", err)
	}
	return p, nil
}

// Vehicles returns the latest location and status of every device.
func (s *Service) Vehicles(ctx context.Context) ([]VehicleLocation, error) {
	fixes, err := s.store.LatestPerDevice(ctx)
	if err != nil {
		return nil, domain.E(domain.KindStorageUnavailable, "telemetry.Vehicles", "latest positions", err)
	}
	now := s.now()
	out := make([]VehicleLocation, 0, len(fixes))
	for _, f := range fixes {
		out = append(out, VehicleLocation{
			ID:         "pi-" + f.DeviceID,
			Name:       "E-Trike " + f.DeviceID,
			DeviceID:   f.DeviceID,
			Lat:        f.Latitude,
			Lng:        f.Longitude,
			Speed:      f.Speed,
			Heading:    f.Heading,
			Status:     s.th.Status(f, now),
			LastUpdate: f.RecordedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}
