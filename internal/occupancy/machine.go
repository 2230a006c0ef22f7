// Package occupancy turns per-frame zone observations into passenger events.
//
// Each tracked person has a last known state (Unknown, Inside, Outside) and at
// most one open event. Moving into Inside opens an event; moving out of Inside
// closes it, computes the dwell time and hands it to the Recorder. Frames must
// be fed in arrival order from a single goroutine: an entry has to be seen
// before its exit.
//
// A person who disappears while Inside keeps the event open. There is no
// timeout; Open lists those events for whoever wants to reconcile them.
package occupancy

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/domain"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/zone"
)

// State is the collapsed zone of a person.
type State int

const (
	Unknown State = iota
	Inside
	Outside
)

func (s State) String() string {
	switch s {
	case Inside:
		return "inside"
	case Outside:
		return "outside"
	default:
		return "unknown"
	}
}

// StateOf collapses a zone. ok is false for zone.None, which is a missing
// observation and never evidence of movement.
func StateOf(z zone.Zone) (s State, ok bool) {
	switch {
	case z == zone.Inside:
		return Inside, true
	case z.IsExit():
		return Outside, true
	default:
		return Unknown, false
	}
}

// Recorder persists completed events.
type Recorder interface {
	Record(ev models.PassengerEvent) error
}

// Identity describes the device events are attributed to.
type Identity struct {
	DeviceID string
	Metadata models.Metadata
}

// Outcome is what a single observation produced.
type Outcome struct {
	Transition bool
	Entered    *models.PassengerEvent
	Exited     *models.PassengerEvent
	Diagnostic error
}

// Stats counts machine activity since start.
type Stats struct {
	Entries       uint64
	Exits         uint64
	OrphanExits   uint64
	DoubleEntries uint64
	RecordErrors  uint64
	Open          int
}

type track struct {
	last State
	open *models.PassengerEvent
}

// Option configures a Machine.
type Option func(*Machine)

// WithIDGenerator replaces the event id generator (uuid by default).
func WithIDGenerator(fn func() string) Option {
	return func(m *Machine) { m.newID = fn }
}

// Machine is the per-device occupancy state machine.
type Machine struct {
	mu       sync.Mutex
	identity Identity
	recorder Recorder
	log      zerolog.Logger
	newID    func() string

	tracks     map[int64]*track
	unrecorded []models.PassengerEvent
	stats      Stats
}

// New returns a machine that hands completed events to rec.
func New(identity Identity, rec Recorder, log zerolog.Logger, opts ...Option) *Machine {
	m := &Machine{
		identity: identity,
		recorder: rec,
		log:      log.With().Str("component", "occupancy").Logger(),
		newID:    uuid.NewString,
		tracks:   map[int64]*track{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetIdentity changes the attribution of events created from now on.
func (m *Machine) SetIdentity(identity Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = identity
}

// Observe feeds one classified observation of personID at time now.
func (m *Machine) Observe(personID int64, z zone.Zone, passengerType string, now time.Time) Outcome {
	next, ok := StateOf(z)
	if !ok {
		return Outcome{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tr := m.tracks[personID]
	last := Unknown
	if tr != nil {
		last = tr.last
	}

	var out Outcome
	switch {
	case next == Inside && last != Inside:
		out.Transition = true
		ev, err := m.enterLocked(personID, passengerType, now)
		if err != nil {
			out.Diagnostic = err
		} else {
			out.Entered = &ev
		}
	case next == Outside && last == Inside:
		out.Transition = true
		ev, err := m.exitLocked(personID, now)
		if domain.IsKind(err, domain.KindOrphanExit) {
			out.Diagnostic = err
		} else {
			out.Exited = &ev
			if err != nil {
				out.Diagnostic = err
			}
		}
	}

	m.setStateLocked(personID, next)
	return out
}

// Enter opens an event for personID. An already open event is kept and a
// DoubleEntry error is returned.
func (m *Machine) Enter(personID int64, passengerType string, now time.Time) (models.PassengerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, err := m.enterLocked(personID, passengerType, now)
	if err == nil {
		m.setStateLocked(personID, Inside)
	}
	return ev, err
}

// Exit closes the open event of personID and records it. Without an open event
// nothing is produced and an OrphanExit error is returned.
func (m *Machine) Exit(personID int64, now time.Time) (models.PassengerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, err := m.exitLocked(personID, now)
	m.setStateLocked(personID, Outside)
	return ev, err
}

func (m *Machine) enterLocked(personID int64, passengerType string, now time.Time) (models.PassengerEvent, error) {
	tr := m.tracks[personID]
	if tr == nil {
		tr = &track{last: Unknown}
		m.tracks[personID] = tr
	}

	if tr.open != nil {
		m.stats.DoubleEntries++
		m.log.Warn().
			Int64("person_id", personID).
			Str("open_event_id", tr.open.EventID).
			Msg("entry while an event is already open, keeping the first")
		return *tr.open, domain.E(domain.KindDoubleEntry, "occupancy.Enter", "event already open", nil)
	}

	ev := models.PassengerEvent{
		EventID:        m.newID(),
		DeviceID:       m.identity.DeviceID,
		PersonID:       personID,
		PassengerType:  passengerType,
		EntryTimestamp: models.UnixSeconds(now),
		Metadata:       m.identity.Metadata,
	}
	tr.open = &ev
	m.stats.Entries++

	m.log.Debug().Int64("person_id", personID).Str("event_id", ev.EventID).Msg("passenger entered")
	return ev, nil
}

func (m *Machine) exitLocked(personID int64, now time.Time) (models.PassengerEvent, error) {
	tr := m.tracks[personID]
	if tr == nil || tr.open == nil {
		m.stats.OrphanExits++
		m.log.Debug().Int64("person_id", personID).Msg("exit without open event dropped")
		return models.PassengerEvent{}, domain.E(domain.KindOrphanExit, "occupancy.Exit", "no open event", nil)
	}

	ev := *tr.open
	ev.Close(now)
	tr.open = nil
	m.stats.Exits++

	m.log.Debug().
		Int64("person_id", personID).
		Str("event_id", ev.EventID).
		Float64("dwell_seconds", *ev.DwellSeconds).
		Msg("passenger exited")

	return ev, m.recordLocked(ev)
}

// recordLocked hands ev to the recorder after any earlier events that failed.
func (m *Machine) recordLocked(ev models.PassengerEvent) error {
	pending := append(m.unrecorded, ev)
	m.unrecorded = nil

	var firstErr error
	for _, p := range pending {
		if err := m.recorder.Record(p); err != nil {
			m.stats.RecordErrors++
			m.unrecorded = append(m.unrecorded, p)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		m.log.Error().Err(firstErr).Int("unrecorded", len(m.unrecorded)).Msg("failed to record completed event")
	}
	return firstErr
}

// Flush retries events the recorder rejected earlier.
func (m *Machine) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.unrecorded) == 0 {
		return nil
	}
	pending := m.unrecorded
	m.unrecorded = nil

	var firstErr error
	for _, p := range pending {
		if err := m.recorder.Record(p); err != nil {
			m.unrecorded = append(m.unrecorded, p)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// setStateLocked stores the new state. Outside tracks without an open event
// behave exactly like unseen tracks, so they are dropped to bound memory.
func (m *Machine) setStateLocked(personID int64, s State) {
	tr := m.tracks[personID]
	if s == Outside && (tr == nil || tr.open == nil) {
		delete(m.tracks, personID)
		return
	}
	if tr == nil {
		tr = &track{}
		m.tracks[personID] = tr
	}
	tr.last = s
}

// Open returns the events currently open, ordered by entry time.
func (m *Machine) Open() []models.PassengerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.PassengerEvent, 0, len(m.tracks))
	for _, tr := range m.tracks {
		if tr.open != nil {
			out = append(out, *tr.open)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTimestamp < out[j].EntryTimestamp })
	return out
}

// InsideCount is the number of people currently classified Inside.
func (m *Machine) InsideCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, tr := range m.tracks {
		if tr.last == Inside {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the counters.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	for _, tr := range m.tracks {
		if tr.open != nil {
			s.Open++
		}
	}
	return s
}
