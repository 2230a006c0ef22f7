package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/capture"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/telemetry"
)

// MinMovementDegrees is the distance, in plain degrees, a vehicle must move
// before a new fix is sent.
const MinMovementDegrees = 0.0001

// Moved reports whether b is far enough from a to be worth sending.
func Moved(a, b capture.GPSFix) bool {
	return math.Hypot(b.Latitude-a.Latitude, b.Longitude-a.Longitude) > MinMovementDegrees
}

// GPSRelay forwards position fixes to /gps-data from its own goroutine. The
// capture loop hands fixes over with OfferGPS, which never blocks.
type GPSRelay struct {
	client *client
	fixes  chan capture.GPSFix
	log    zerolog.Logger

	last    *capture.GPSFix
	sent    atomic.Uint64
	skipped atomic.Uint64
	dropped atomic.Uint64
}

// NewGPSRelay returns a relay posting to cfg.ServerURL.
func NewGPSRelay(cfg Config, log zerolog.Logger) *GPSRelay {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GPSRelay{
		client: &client{
			baseURL:      cfg.ServerURL,
			device:       cfg.DeviceID,
			key:          cfg.DeviceKey,
			signedTokens: cfg.SignedTokens,
			httpClient:   &http.Client{Timeout: timeout},
			now:          time.Now,
		},
		fixes: make(chan capture.GPSFix, 1),
		log:   log.With().Str("component", "gps").Str("device_id", cfg.DeviceID).Logger(),
	}
}

// OfferGPS queues fix without blocking. It is dropped while another fix is waiting.
func (r *GPSRelay) OfferGPS(fix capture.GPSFix) bool {
	select {
	case r.fixes <- fix:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Run sends queued fixes until ctx is done.
func (r *GPSRelay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fix := <-r.fixes:
			if r.last != nil && !Moved(*r.last, fix) {
				r.skipped.Add(1)
				continue
			}
			if err := r.send(ctx, fix); err != nil {
				r.log.Warn().Err(err).Msg("gps send failed")
				continue
			}
			f := fix
			r.last = &f
			r.sent.Add(1)
		}
	}
}

func (r *GPSRelay) send(ctx context.Context, fix capture.GPSFix) error {
	ts := fix.TS
	if ts <= 0 {
		ts = models.UnixSeconds(time.Now())
	}
	lat, lng := fix.Latitude, fix.Longitude
	body, err := json.Marshal(telemetry.GPSReport{
		DeviceID:  r.client.device,
		Latitude:  &lat,
		Longitude: &lng,
		Speed:     fix.Speed,
		Heading:   fix.Heading,
		Timestamp: &ts,
	})
	if err != nil {
		return err
	}
	return r.client.post(ctx, "/gps-data", "application/json", bytes.NewReader(body), nil)
}

// Sent is the number of fixes delivered.
func (r *GPSRelay) Sent() uint64 { return r.sent.Load() }

// Skipped is the number of fixes too close to the last one sent.
func (r *GPSRelay) Skipped() uint64 { return r.skipped.Load() }
