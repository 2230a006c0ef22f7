// Package telemetry tracks where vehicles are and whether their devices are
// alive: GPS fixes, heartbeats and the live broadcast of vehicle positions.
// Nothing here is on the ingest path; a failure only degrades the map.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Position is one GPS fix reported by a device.
type Position struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID   string    `gorm:"not null;index" json:"pi_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`
	Heading    float64   `json:"heading"`
	RecordedAt time.Time `gorm:"index;not null" json:"recorded_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// TableName implements gorm's tabler.
func (Position) TableName() string {
	return "vehicle_positions"
}

// BeforeCreate assigns an ID when missing.
func (p *Position) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Fix is the latest position of a device together with when it last moved.
type Fix struct {
	Position
	LastMovingAt *time.Time
	FirstSeenAt  time.Time
}

// StationarySince is the last time the device reported movement, or its
// first fix when it never moved.
func (f Fix) StationarySince() time.Time {
	if f.LastMovingAt != nil {
		return *f.LastMovingAt
	}
	return f.FirstSeenAt
}

// PositionRepository stores positions with gorm.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository returns a repository on db.
func NewPositionRepository(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Create inserts p.
func (r *PositionRepository) Create(ctx context.Context, p *Position) error {
	return r.db.WithContext(ctx).Create(p).Error
}

// GetLastByDeviceID returns nil when the device never reported a fix.
func (r *PositionRepository) GetLastByDeviceID(ctx context.Context, deviceID string) (*Position, error) {
	var pos Position
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("recorded_at DESC").
		First(&pos).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pos, nil
}

const latestPerDeviceSQL = `
	SELECT DISTINCT ON (p.device_id)
	       p.id, p.device_id, p.latitude, p.longitude, p.speed, p.heading,
	       p.recorded_at, p.received_at,
	       m.last_moving_at, m.first_seen_at
	FROM vehicle_positions p
	JOIN (
		SELECT device_id,
		       MAX(recorded_at) FILTER (WHERE speed > 0) AS last_moving_at,
		       MIN(recorded_at) AS first_seen_at
		FROM vehicle_positions
		GROUP BY device_id
	) m ON m.device_id = p.device_id
	ORDER BY p.device_id, p.recorded_at DESC
`

// LatestPerDevice returns the most recent fix of every device.
func (r *PositionRepository) LatestPerDevice(ctx context.Context) ([]Fix, error) {
	var out []Fix
	err := r.db.WithContext(ctx).Raw(latestPerDeviceSQL).Scan(&out).Error
	return out, err
}
