package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrSubscriberExists = errors.New("subscriber id already exists")
	ErrAlreadyRunning   = errors.New("broadcaster already running")
)

// DefaultErrorBackoff is the pause after a failed poll.
const DefaultErrorBackoff = 5 * time.Second

// Snapshot is one broadcast of every vehicle location.
type Snapshot struct {
	At       time.Time         `json:"at"`
	Vehicles []VehicleLocation `json:"vehicles"`
}

// LocationSource is polled by the broadcaster.
type LocationSource interface {
	Vehicles(ctx context.Context) ([]VehicleLocation, error)
}

// BroadcastStats counts broadcaster activity.
type BroadcastStats struct {
	Polls       uint64
	PollErrors  uint64
	Sent        uint64
	Dropped     uint64
	Subscribers int
}

// Broadcaster polls the latest vehicle locations on a fixed interval and fans
// them out to subscribers. A subscriber whose channel is full misses that
// snapshot; publishing never blocks.
type Broadcaster struct {
	src      LocationSource
	interval time.Duration
	backoff  time.Duration
	log      zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]chan Snapshot
	cancel context.CancelFunc
	done   chan struct{}

	polls      atomic.Uint64
	pollErrors atomic.Uint64
	sent       atomic.Uint64
	dropped    atomic.Uint64
}

// NewBroadcaster polls src every interval.
func NewBroadcaster(src LocationSource, interval time.Duration, log zerolog.Logger) *Broadcaster {
	if interval <= 0 {
		interval = time.Second
	}
	return &Broadcaster{
		src:      src,
		interval: interval,
		backoff:  DefaultErrorBackoff,
		log:      log.With().Str("component", "broadcaster").Logger(),
		subs:     map[string]chan Snapshot{},
	}
}

// SetErrorBackoff changes the pause after a failed poll. Call before Start.
func (b *Broadcaster) SetErrorBackoff(d time.Duration) {
	b.backoff = d
}

// Subscribe registers a subscriber with a channel of the given buffer size.
// The returned function unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(id string, buffer int) (<-chan Snapshot, func(), error) {
	if buffer <= 0 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; ok {
		return nil, nil, ErrSubscriberExists
	}
	ch := make(chan Snapshot, buffer)
	b.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur, ok := b.subs[id]; ok && cur == ch {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, unsubscribe, nil
}

// Publish sends s to every subscriber that has room.
func (b *Broadcaster) Publish(s Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- s:
			b.sent.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}

// Start runs the poll loop until ctx is cancelled or Stop is called. It can
// be started again after Stop.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.cancel, b.done = cancel, done
	b.mu.Unlock()

	go func() {
		defer close(done)
		b.run(ctx)
	}()
	b.log.Info().Dur("interval", b.interval).Msg("broadcaster started")
	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	b.log.Info().Msg("broadcaster stopped")
}

// Running reports whether the poll loop is active.
func (b *Broadcaster) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cancel != nil
}

func (b *Broadcaster) run(ctx context.Context) {
	for {
		wait := b.interval
		if err := b.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn().Err(err).Dur("retry_in", b.backoff).Msg("vehicle poll failed")
			wait = b.backoff
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (b *Broadcaster) pollOnce(ctx context.Context) error {
	b.polls.Add(1)
	pollCtx, cancel := context.WithTimeout(ctx, b.interval+b.backoff)
	defer cancel()

	vehicles, err := b.src.Vehicles(pollCtx)
	if err != nil {
		b.pollErrors.Add(1)
		return err
	}
	b.Publish(Snapshot{At: time.Now().UTC(), Vehicles: vehicles})
	return nil
}

// Stats returns a snapshot of the counters.
func (b *Broadcaster) Stats() BroadcastStats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return BroadcastStats{
		Polls:       b.polls.Load(),
		PollErrors:  b.pollErrors.Load(),
		Sent:        b.sent.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}
