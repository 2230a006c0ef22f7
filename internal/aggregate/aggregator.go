package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/domain"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

// MaxCacheTTL bounds how stale a served report may be.
const MaxCacheTTL = 60 * time.Second

// referenceLookback is how far back the latest completed event is searched
// when no reference time is given.
const referenceLookback = 62 * 24 * time.Hour

// Source supplies events whose entry time is in [from, to).
type Source interface {
	EventsBetween(ctx context.Context, from, to time.Time) ([]models.PassengerEvent, error)
}

// NamedSource labels a source in logs.
type NamedSource struct {
	Name string
	Source
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLocation sets the time zone of calendar windows (time.Local by default).
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) { a.loc = loc }
}

// WithCacheTTL enables the report cache; values above MaxCacheTTL are clamped.
func WithCacheTTL(ttl time.Duration) Option {
	return func(a *Aggregator) {
		if ttl > MaxCacheTTL {
			ttl = MaxCacheTTL
		}
		a.ttl = ttl
	}
}

// Aggregator serves reports over the union of its sources.
type Aggregator struct {
	sources []NamedSource
	log     zerolog.Logger
	now     func() time.Time
	loc     *time.Location
	ttl     time.Duration
	cache   *ttlCache
}

// New returns an Aggregator over sources, merged in order.
func New(sources []NamedSource, log zerolog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		sources: sources,
		log:     log.With().Str("component", "aggregate").Logger(),
		now:     time.Now,
		loc:     time.Local,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.cache = newTTLCache(a.ttl, a.now)
	return a
}

// Location returns the time zone of calendar windows.
func (a *Aggregator) Location() *time.Location { return a.loc }

// Events loads and merges the events of w from every source, restricted to f.
// A failing source is skipped with a warning as long as another one answered,
// so an outage shows stale counts instead of none.
func (a *Aggregator) Events(ctx context.Context, w Window, f Filter) ([]models.PassengerEvent, error) {
	var (
		sets    [][]models.PassengerEvent
		lastErr error
	)
	for _, src := range a.sources {
		events, err := src.EventsBetween(ctx, w.From, w.To)
		if err != nil {
			lastErr = err
			a.log.Warn().Err(err).Str("source", src.Name).Msg("event source unavailable")
			continue
		}
		sets = append(sets, events)
	}
	if len(sets) == 0 && lastErr != nil {
		if !domain.IsKind(lastErr, domain.KindStorageUnavailable) {
			lastErr = domain.E(domain.KindStorageUnavailable, "aggregate.Events", "no event source available", lastErr)
		}
		return nil, lastErr
	}

	merged := Merge(sets...)
	out := merged[:0]
	for _, ev := range merged {
		if f.Match(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Counts returns the hour/day/week/month summary. With a zero ref the latest
// completed event (within about two months) is the reference, falling back to now.
func (a *Aggregator) Counts(ctx context.Context, ref time.Time, f Filter) (Counts, error) {
	key := fmt.Sprintf("counts|%d|%s", ref.Unix(), f.key())
	return cached(a.cache, key, func() (Counts, error) {
		var loaded []models.PassengerEvent
		var loadedWindow Window

		if ref.IsZero() {
			now := a.now()
			loadedWindow = Window{From: now.Add(-referenceLookback), To: now.Add(time.Second)}
			events, err := a.Events(ctx, loadedWindow, f)
			if err != nil {
				return Counts{}, err
			}
			loaded = events
			ref = now
			if latest, ok := LatestCompleted(events); ok {
				ref = latest
			}
		}

		need := CountsWindow(ref, a.loc)
		if loaded == nil || need.From.Before(loadedWindow.From) || need.To.After(loadedWindow.To) {
			events, err := a.Events(ctx, need, f)
			if err != nil {
				return Counts{}, err
			}
			loaded = events
		}
		return ComputeCounts(loaded, ref, a.loc), nil
	})
}

// Population returns the thirty minute buckets of the day containing day.
func (a *Aggregator) Population(ctx context.Context, day time.Time, f Filter) (Population, error) {
	w := DayWindow(day, a.loc)
	key := fmt.Sprintf("population|%d|%s", w.From.Unix(), f.key())
	return cached(a.cache, key, func() (Population, error) {
		events, err := a.Events(ctx, w, f)
		if err != nil {
			return Population{}, err
		}
		return ComputePopulation(events, day, a.loc), nil
	})
}

// History returns the last days, weeks and months up to now.
func (a *Aggregator) History(ctx context.Context, f Filter) (History, error) {
	now := a.now()
	key := fmt.Sprintf("history|%s|%s", DayWindow(now, a.loc).From.Format("2006-01-02"), f.key())
	return cached(a.cache, key, func() (History, error) {
		events, err := a.Events(ctx, HistoryWindow(now, a.loc), f)
		if err != nil {
			return History{}, err
		}
		return ComputeHistory(events, now, a.loc), nil
	})
}

// Details returns the individual records of the period containing t.
func (a *Aggregator) Details(ctx context.Context, p Period, t time.Time, f Filter) ([]models.PassengerEvent, error) {
	w, ok := PeriodWindow(p, t, a.loc)
	if !ok {
		return nil, domain.E(domain.KindMalformedInput, "aggregate.Details", "unknown period "+string(p), nil)
	}
	key := fmt.Sprintf("details|%d|%d|%s", w.From.Unix(), w.To.Unix(), f.key())
	return cached(a.cache, key, func() ([]models.PassengerEvent, error) {
		events, err := a.Events(ctx, w, f)
		if err != nil {
			return nil, err
		}
		if events == nil {
			events = []models.PassengerEvent{}
		}
		return events, nil
	})
}
