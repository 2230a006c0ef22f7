package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/occupancy"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/zone"
)

// Observer receives one classified observation per tracked person.
type Observer interface {
	Observe(personID int64, z zone.Zone, passengerType string, now time.Time) occupancy.Outcome
}

// GPSSink takes position fixes. OfferGPS must not block.
type GPSSink interface {
	OfferGPS(fix GPSFix) bool
}

// Options configures a Pipeline. Zero values take defaults.
type Options struct {
	QueueSize     int
	Stride        int
	ChildHeightPx int
}

// Stats counts pipeline activity.
type Stats struct {
	Received    uint64
	Dropped     uint64
	Skipped     uint64
	Processed   uint64
	Transitions uint64
	Diagnostics uint64
}

// Pipeline classifies frames and feeds the occupancy machine.
type Pipeline struct {
	zones    *zone.Live
	observer Observer
	opts     Options
	log      zerolog.Logger

	mu     sync.RWMutex
	queue  chan Frame
	closed bool

	received    atomic.Uint64
	dropped     atomic.Uint64
	skipped     atomic.Uint64
	processed   atomic.Uint64
	transitions atomic.Uint64
	diagnostics atomic.Uint64
}

// NewPipeline returns a pipeline classifying frames against zones.
func NewPipeline(zones *zone.Live, observer Observer, opts Options, log zerolog.Logger) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 8
	}
	if opts.Stride <= 0 {
		opts.Stride = 1
	}
	if opts.ChildHeightPx <= 0 {
		opts.ChildHeightPx = 125
	}
	return &Pipeline{
		zones:    zones,
		observer: observer,
		opts:     opts,
		log:      log.With().Str("component", "capture").Logger(),
		queue:    make(chan Frame, opts.QueueSize),
	}
}

// Offer queues f without blocking. When the queue is full or the pipeline
// is closed f is dropped.
func (p *Pipeline) Offer(f Frame) bool {
	p.received.Add(1)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return false
	}
	select {
	case p.queue <- f:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Close stops accepting frames; Run returns after the queue is drained.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

// Run processes queued frames in order until the queue is closed and drained
// or ctx is done. Only one Run may be active.
func (p *Pipeline) Run(ctx context.Context) {
	var n uint64
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-p.queue:
			if !ok {
				return
			}
			n++
			if (n-1)%uint64(p.opts.Stride) != 0 {
				p.skipped.Add(1)
				continue
			}
			p.process(f)
		}
	}
}

func (p *Pipeline) process(f Frame) {
	p.processed.Add(1)
	now := time.Now()
	if f.TS > 0 {
		now = models.FromUnixSeconds(f.TS)
	}

	for _, d := range f.Detections {
		z := p.zones.Classify(d.ReferencePoint())
		typ := zone.ClassifyPassenger(d.Keypoints, p.opts.ChildHeightPx)
		out := p.observer.Observe(d.TrackID, z, typ, now)
		if out.Transition {
			p.transitions.Add(1)
			p.log.Debug().Int64("person_id", d.TrackID).Str("zone", string(z)).Msg("zone transition")
		}
		if out.Diagnostic != nil {
			p.diagnostics.Add(1)
		}
	}
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:    p.received.Load(),
		Dropped:     p.dropped.Load(),
		Skipped:     p.skipped.Load(),
		Processed:   p.processed.Load(),
		Transitions: p.transitions.Load(),
		Diagnostics: p.diagnostics.Load(),
	}
}

// Pump reads the feed until EOF or ctx is done, offering frames to p and fixes
// to gps (which may be nil). It closes p when the feed ends.
func Pump(ctx context.Context, r *Reader, p *Pipeline, gps GPSSink) error {
	defer p.Close()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		msg, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case msg.Frame != nil:
			p.Offer(*msg.Frame)
		case msg.GPS != nil && gps != nil:
			gps.OfferGPS(*msg.GPS)
		}
	}
}
