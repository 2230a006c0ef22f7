// Package ingest is the central side of the sync protocol: it validates
// batches and streams of events from devices, stores them insert-if-absent by
// (device_id, event_id) and computes the acknowledged seq.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/domain"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

// Skip reasons reported per record.
const (
	ReasonMissingID       = "missing_event_id"
	ReasonMalformed       = "malformed"
	ReasonMissingEntry    = "missing_entry_timestamp"
	ReasonDeviceMismatch  = "device_mismatch"
	ReasonDuplicate       = "duplicate"
	ReasonStreamTruncated = "stream_truncated"
)

// DefaultStreamChunk is how many stream records are sent to the store per insert.
const DefaultStreamChunk = 200

// EventStore is the durable central store.
//
// WithinTx runs fn in one transaction: inserts made through the InsertFunc are
// committed only when fn returns nil, so a failed call leaves nothing written.
// The InsertFunc skips records whose (device_id, event_id) already exists and
// reports per record whether a row was created, already existed or was refused.
type EventStore interface {
	WithinTx(ctx context.Context, fn func(insert models.InsertFunc) error) error
	Health(ctx context.Context) (models.IngestHealth, error)
}

// Candidate is one decoded record of a batch or stream. Err is set when the
// record could not be decoded; the rest of the call continues.
type Candidate struct {
	Event   models.PassengerEvent
	Payload []byte
	Err     error
}

// Source yields candidates until io.EOF. Any other error ends the stream early
// and is reported as a truncated stream.
type Source interface {
	Next() (Candidate, error)
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithStaleAfter sets when a device is reported as stale by Health.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Service) { s.staleAfter = d }
}

// WithStreamChunk sets how many stream records go to the store per insert.
func WithStreamChunk(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.chunk = n
		}
	}
}

// Service validates and stores events received from devices.
type Service struct {
	store      EventStore
	log        zerolog.Logger
	now        func() time.Time
	staleAfter time.Duration
	chunk      int
}

// New returns a Service storing into store.
func New(store EventStore, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		log:        log.With().Str("component", "ingest").Logger(),
		now:        time.Now,
		staleAfter: 10 * time.Minute,
		chunk:      DefaultStreamChunk,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest stores one batch for the authenticated device caller. The whole batch
// is committed in one transaction: a storage failure writes nothing. Records
// the store refuses are skipped as malformed.
func (s *Service) Ingest(ctx context.Context, caller string, req models.IngestRequest) (models.IngestResponse, error) {
	device, err := s.authorize(caller, req.DeviceID, "ingest.Ingest")
	if err != nil {
		return models.IngestResponse{}, err
	}
	return s.run(ctx, device, req.SinceSeq, NewRawSource(req.Events), 0, "ingest.Ingest")
}

// IngestStream stores a stream of events for the authenticated device. Records
// are inserted in chunks as they arrive, inside one transaction for the whole
// call: a storage failure rolls back every chunk. A stream that ends early is
// not a failure; the complete records before the break are committed.
func (s *Service) IngestStream(ctx context.Context, caller, device string, sinceSeq int64, src Source) (models.IngestResponse, error) {
	device, err := s.authorize(caller, device, "ingest.IngestStream")
	if err != nil {
		return models.IngestResponse{}, err
	}
	return s.run(ctx, device, sinceSeq, src, s.chunk, "ingest.IngestStream")
}

// authorize returns the device the call is for. An empty device defaults to the caller.
func (s *Service) authorize(caller, device, op string) (string, error) {
	if caller == "" {
		return "", domain.E(domain.KindUnauthorized, op, "unauthenticated", nil)
	}
	device = strings.TrimSpace(device)
	if device == "" {
		return caller, nil
	}
	if device != caller {
		return "", domain.E(domain.KindUnauthorized, op, "device_id does not match credentials", nil)
	}
	return device, nil
}

type tally struct {
	resp      models.IngestResponse
	processed bool
	maxSeq    int64
}

func (t *tally) skip(index int, eventID, reason string) {
	t.resp.SkippedCount++
	if reason == ReasonDuplicate {
		t.resp.DuplicateCount++
	} else {
		t.resp.InvalidCount++
	}
	t.resp.Skipped = append(t.resp.Skipped, models.SkippedItem{Index: index, EventID: eventID, Reason: reason})
}

func (t *tally) seen(seq int64) {
	if !t.processed || seq > t.maxSeq {
		t.maxSeq = seq
	}
	t.processed = true
}

// run validates candidates and inserts them in chunks (chunk 0 means one
// insert for everything) inside one transaction.
func (s *Service) run(ctx context.Context, device string, sinceSeq int64, src Source, chunk int, op string) (models.IngestResponse, error) {
	var t tally
	receivedAt := s.now().UTC()

	err := s.store.WithinTx(ctx, func(insert models.InsertFunc) error {
		var (
			records []models.IngestRecord
			indexes []int
		)
		flush := func() error {
			if len(records) == 0 {
				return nil
			}
			outcomes, err := insert(ctx, records)
			if err != nil {
				return err
			}
			for i, rec := range records {
				switch outcomeAt(outcomes, i) {
				case models.InsertCreated:
					t.resp.AddedCount++
				case models.InsertRejected:
					t.skip(indexes[i], rec.EventID, ReasonMalformed)
				default:
					t.skip(indexes[i], rec.EventID, ReasonDuplicate)
				}
				t.seen(rec.Seq)
			}
			records, indexes = records[:0], indexes[:0]
			return nil
		}

		for index := 0; ; index++ {
			c, err := src.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				t.skip(index, "", ReasonStreamTruncated)
				s.log.Warn().Err(err).Str("device_id", device).Int("index", index).Msg("stream ended early")
				break
			}

			rec, reason := s.validate(device, c, receivedAt)
			if reason != "" {
				t.skip(index, c.Event.EventID, reason)
				// A refused record of this device still counts toward the ack.
				if c.Err == nil && reason != ReasonDeviceMismatch && c.Event.Seq > 0 {
					t.seen(c.Event.Seq)
				}
				continue
			}
			records = append(records, rec)
			indexes = append(indexes, index)

			if chunk > 0 && len(records) >= chunk {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindUnknown {
			err = domain.E(domain.KindStorageUnavailable, op, "insert batch", err)
		}
		return models.IngestResponse{}, err
	}

	t.resp.AckSeq = sinceSeq
	if t.processed {
		t.resp.AckSeq = t.maxSeq
	}

	s.log.Info().
		Str("device_id", device).
		Int64("since_seq", sinceSeq).
		Int64("ack_seq", t.resp.AckSeq).
		Int("added", t.resp.AddedCount).
		Int("duplicates", t.resp.DuplicateCount).
		Int("invalid", t.resp.InvalidCount).
		Msg("ingest processed")
	return t.resp, nil
}

// outcomeAt treats a missing outcome as a duplicate: nothing is known to have
// been written.
func outcomeAt(outcomes []models.InsertOutcome, i int) models.InsertOutcome {
	if i < len(outcomes) {
		return outcomes[i]
	}
	return models.InsertDuplicate
}

// hasNUL reports text Postgres cannot store in TEXT or JSONB.
func hasNUL(ev models.PassengerEvent, payload []byte) bool {
	for _, f := range []string{ev.EventID, ev.DeviceID, ev.PassengerType, ev.City, ev.TodaID, ev.EtrikeID, ev.Location} {
		if strings.IndexByte(f, 0) >= 0 {
			return true
		}
	}
	return bytes.Contains(payload, []byte(`\u0000`))
}

func (s *Service) validate(device string, c Candidate, receivedAt time.Time) (models.IngestRecord, string) {
	if c.Err != nil {
		return models.IngestRecord{}, ReasonMalformed
	}
	ev := c.Event
	ev.EventID = strings.TrimSpace(ev.EventID)
	if ev.EventID == "" {
		return models.IngestRecord{}, ReasonMissingID
	}
	if ev.DeviceID == "" {
		ev.DeviceID = device
	}
	if ev.DeviceID != device {
		return models.IngestRecord{}, ReasonDeviceMismatch
	}
	if ev.EntryTimestamp <= 0 {
		return models.IngestRecord{}, ReasonMissingEntry
	}

	payload := c.Payload
	if len(payload) == 0 {
		var err error
		if payload, err = json.Marshal(ev); err != nil {
			return models.IngestRecord{}, ReasonMalformed
		}
	}
	if hasNUL(ev, payload) {
		return models.IngestRecord{}, ReasonMalformed
	}
	return models.IngestRecord{
		DeviceID:   device,
		EventID:    ev.EventID,
		Seq:        ev.Seq,
		Event:      ev,
		Payload:    payload,
		ReceivedAt: receivedAt,
	}, ""
}

// Health reports row counts and the sync position of every device. Devices
// that have not synced within the stale window are flagged.
func (s *Service) Health(ctx context.Context) (models.IngestHealth, error) {
	h, err := s.store.Health(ctx)
	if err != nil {
		if !domain.IsKind(err, domain.KindStorageUnavailable) {
			err = domain.E(domain.KindStorageUnavailable, "ingest.Health", "read health", err)
		}
		return models.IngestHealth{}, err
	}
	now := s.now()
	for i := range h.Devices {
		h.Devices[i].Stale = now.Sub(h.Devices[i].LastReceived) > s.staleAfter
	}
	if h.Devices == nil {
		h.Devices = []models.DeviceSyncStats{}
	}
	return h, nil
}
