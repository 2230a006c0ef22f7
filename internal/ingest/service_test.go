package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/domain"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

type memStore struct {
	mu        sync.Mutex
	rows      map[string]models.IngestRecord
	fail      error
	failAfter int             // fail the insert call after this many succeeded, 0 never
	refuse    map[string]bool // event ids the store refuses
	inserts   int
	commits   int
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]models.IngestRecord{}, refuse: map[string]bool{}}
}

// WithinTx holds the lock for the whole transaction, like a row lock on conflict.
func (m *memStore) WithinTx(ctx context.Context, fn func(insert models.InsertFunc) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	pending := map[string]models.IngestRecord{}
	calls := 0
	insert := func(_ context.Context, records []models.IngestRecord) ([]models.InsertOutcome, error) {
		calls++
		if m.failAfter > 0 && calls > m.failAfter {
			return nil, errors.New("connection reset by peer")
		}
		m.inserts++
		out := make([]models.InsertOutcome, len(records))
		for i, r := range records {
			key := r.DeviceID + "|" + r.EventID
			_, stored := m.rows[key]
			_, queued := pending[key]
			switch {
			case m.refuse[r.EventID]:
				out[i] = models.InsertRejected
			case stored || queued:
				out[i] = models.InsertDuplicate
			default:
				pending[key] = r
				out[i] = models.InsertCreated
			}
		}
		return out, nil
	}
	if err := fn(insert); err != nil {
		return err
	}
	for k, r := range pending {
		m.rows[k] = r
	}
	m.commits++
	return nil
}

func (m *memStore) Health(context.Context) (models.IngestHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDevice := map[string]*models.DeviceSyncStats{}
	var h models.IngestHealth
	for _, r := range m.rows {
		h.TotalEvents++
		st := byDevice[r.DeviceID]
		if st == nil {
			st = &models.DeviceSyncStats{DeviceID: r.DeviceID}
			byDevice[r.DeviceID] = st
		}
		st.RowCount++
		if r.Seq > st.MaxSeq {
			st.MaxSeq = r.Seq
		}
		if r.ReceivedAt.After(st.LastReceived) {
			st.LastReceived = r.ReceivedAt
		}
	}
	for _, st := range byDevice {
		h.Devices = append(h.Devices, *st)
	}
	return h, nil
}

func event(id string, seq int64) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"event_id":        id,
		"seq":             seq,
		"pi_id":           "PI001",
		"person_id":       seq,
		"type":            "Adult",
		"entry_timestamp": 1709632800 + seq,
		"exit_timestamp":  1709632860 + seq,
	})
	return b
}

func batch(since int64, events ...json.RawMessage) models.IngestRequest {
	return models.IngestRequest{DeviceID: "PI001", SinceSeq: since, Events: events}
}

func TestIngest_IdempotentResend(t *testing.T) {
	store := newMemStore()
	svc := New(store, zerolog.Nop())
	req := batch(0, event("a", 1), event("b", 2), event("c", 3))

	resp, err := svc.Ingest(context.Background(), "PI001", req)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.AckSeq != 3 || resp.AddedCount != 3 || resp.SkippedCount != 0 {
		t.Fatalf("first call: %+v", resp)
	}

	resp, err = svc.Ingest(context.Background(), "PI001", req)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if resp.AckSeq != 3 || resp.AddedCount != 0 || resp.SkippedCount != 3 || resp.DuplicateCount != 3 {
		t.Fatalf("second call: %+v", resp)
	}
	if len(store.rows) != 3 {
		t.Fatalf("row count changed: %d", len(store.rows))
	}
}

func TestIngest_EmptyBatchAcksSinceSeq(t *testing.T) {
	svc := New(newMemStore(), zerolog.Nop())
	resp, err := svc.Ingest(context.Background(), "PI001", batch(41))
	if err != nil {
		t.Fatal(err)
	}
	if resp.AckSeq != 41 {
		t.Fatalf("expected since_seq back, got %d", resp.AckSeq)
	}
}

func TestIngest_PerRecordErrorsDoNotAbort(t *testing.T) {
	store := newMemStore()
	svc := New(store, zerolog.Nop())

	noID := json.RawMessage(`{"seq": 9, "person_id": 1, "entry_timestamp": 1709632800}`)
	garbage := json.RawMessage(`{"seq": "nine"}`)
	foreign := json.RawMessage(`{"event_id": "x", "seq": 10, "pi_id": "PI002", "entry_timestamp": 1709632800}`)

	resp, err := svc.Ingest(context.Background(), "PI001", batch(0, event("a", 1), noID, garbage, foreign, event("b", 2)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.AddedCount != 2 || resp.InvalidCount != 3 || resp.SkippedCount != 3 {
		t.Fatalf("unexpected counts %+v", resp)
	}
	// seq 9 is settled for PI001; seq 10 belongs to another device.
	if resp.AckSeq != 9 {
		t.Fatalf("expected ack 9, got %d", resp.AckSeq)
	}
	reasons := map[int]string{}
	for _, s := range resp.Skipped {
		reasons[s.Index] = s.Reason
	}
	if reasons[1] != ReasonMissingID || reasons[2] != ReasonMalformed || reasons[3] != ReasonDeviceMismatch {
		t.Fatalf("unexpected reasons %v", reasons)
	}
}

func TestIngest_Unauthorized(t *testing.T) {
	store := newMemStore()
	svc := New(store, zerolog.Nop())

	_, err := svc.Ingest(context.Background(), "", batch(0, event("a", 1)))
	if !domain.IsKind(err, domain.KindUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	_, err = svc.Ingest(context.Background(), "PI002", batch(0, event("a", 1)))
	if !domain.IsKind(err, domain.KindUnauthorized) {
		t.Fatalf("caller must match device_id, got %v", err)
	}
	if len(store.rows) != 0 || store.commits != 0 {
		t.Fatal("unauthorized calls must have no side effects")
	}
}

func TestIngest_StorageFailureIsRetryable(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("connection refused")
	svc := New(store, zerolog.Nop())

	_, err := svc.Ingest(context.Background(), "PI001", batch(0, event("a", 1)))
	if !domain.IsKind(err, domain.KindStorageUnavailable) || !domain.IsRetryable(err) {
		t.Fatalf("expected retryable storage error, got %v", err)
	}
}

func TestIngest_ConcurrentRetriesDoNotDuplicate(t *testing.T) {
	store := newMemStore()
	svc := New(store, zerolog.Nop())
	req := batch(0, event("a", 1), event("b", 2))

	var wg sync.WaitGroup
	var mu sync.Mutex
	added := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.Ingest(context.Background(), "PI001", req)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			added += resp.AddedCount
			mu.Unlock()
		}()
	}
	wg.Wait()

	if added != 2 || len(store.rows) != 2 {
		t.Fatalf("expected exactly 2 rows, added=%d rows=%d", added, len(store.rows))
	}
}

func TestIngestStream_ChunksAndCodecs(t *testing.T) {
	var events []models.PassengerEvent
	for i := 1; i <= 5; i++ {
		var ev models.PassengerEvent
		json.Unmarshal(event(string(rune('a'+i)), int64(i)), &ev)
		events = append(events, ev)
	}

	for _, ct := range []string{ContentTypeMsgpack, "application/x-ndjson"} {
		t.Run(ct, func(t *testing.T) {
			store := newMemStore()
			svc := New(store, zerolog.Nop(), WithStreamChunk(2))

			var body bytes.Buffer
			if err := EncodeStream(&body, ct, events); err != nil {
				t.Fatal(err)
			}
			resp, err := svc.IngestStream(context.Background(), "PI001", "PI001", 0, NewStreamSource(ct, &body))
			if err != nil {
				t.Fatal(err)
			}
			if resp.AddedCount != 5 || resp.AckSeq != 5 {
				t.Fatalf("unexpected response %+v", resp)
			}
			if store.inserts != 3 || store.commits != 1 {
				t.Fatalf("expected 3 chunk inserts in 1 commit, got %d/%d", store.inserts, store.commits)
			}
			row := store.rows["PI001|c"]
			if row.Event.ExitTimestamp == nil || row.Event.PersonID != 2 {
				t.Fatalf("event not decoded faithfully: %+v", row.Event)
			}
		})
	}
}

func TestIngestStream_TruncatedStreamKeepsCommittedPart(t *testing.T) {
	store := newMemStore()
	svc := New(store, zerolog.Nop())

	body := string(event("a", 1)) + "\n" + string(event("b", 2)) + "\n" + `{"event_id": "c", "se`
	resp, err := svc.IngestStream(context.Background(), "PI001", "", 0, NewNDJSONSource(strings.NewReader(body)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.AddedCount != 2 || resp.AckSeq != 2 || resp.InvalidCount != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestIngest_RefusedRecordDoesNotStallTheBatch(t *testing.T) {
	store := newMemStore()
	store.refuse["b"] = true
	svc := New(store, zerolog.Nop())

	resp, err := svc.Ingest(context.Background(), "PI001", batch(0, event("a", 1), event("b", 2), event("c", 3)))
	if err != nil {
		t.Fatalf("a refused record must not fail the call: %v", err)
	}
	if resp.AddedCount != 2 || resp.InvalidCount != 1 || resp.AckSeq != 3 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(resp.Skipped) != 1 || resp.Skipped[0].Index != 1 || resp.Skipped[0].Reason != ReasonMalformed {
		t.Fatalf("unexpected skipped %+v", resp.Skipped)
	}

	// The device resends from its new cursor and moves on.
	resp, err = svc.Ingest(context.Background(), "PI001", batch(3, event("d", 4)))
	if err != nil || resp.AckSeq != 4 || resp.AddedCount != 1 {
		t.Fatalf("unexpected follow-up %+v err=%v", resp, err)
	}
}

func TestIngest_NULTextIsMalformed(t *testing.T) {
	store := newMemStore()
	svc := New(store, zerolog.Nop())

	bad := json.RawMessage(`{"event_id": "n", "seq": 2, "pi_id": "PI001", "person_id": 2, "entry_timestamp": 1709632802, "location": "Cubao\u0000"}`)
	resp, err := svc.Ingest(context.Background(), "PI001", batch(0, event("a", 1), bad))
	if err != nil {
		t.Fatal(err)
	}
	if resp.AddedCount != 1 || resp.InvalidCount != 1 || resp.AckSeq != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if _, ok := store.rows["PI001|n"]; ok {
		t.Fatal("NUL text must not reach the store")
	}
}

func TestIngest_CallLevelErrorKeepsItsKind(t *testing.T) {
	store := newMemStore()
	store.fail = domain.E(domain.KindMalformedInput, "store.WithinTx", "bad request", nil)
	svc := New(store, zerolog.Nop())

	_, err := svc.Ingest(context.Background(), "PI001", batch(0, event("a", 1)))
	if !domain.IsKind(err, domain.KindMalformedInput) || domain.IsRetryable(err) {
		t.Fatalf("expected non-retryable malformed input, got %v", err)
	}
}

func TestIngestStream_FailureRollsBackEveryChunk(t *testing.T) {
	store := newMemStore()
	store.failAfter = 1
	svc := New(store, zerolog.Nop(), WithStreamChunk(2))

	var body bytes.Buffer
	for i := 1; i <= 4; i++ {
		body.Write(event(string(rune('a'+i)), int64(i)))
		body.WriteByte('\n')
	}
	_, err := svc.IngestStream(context.Background(), "PI001", "PI001", 0, NewNDJSONSource(&body))
	if !domain.IsKind(err, domain.KindStorageUnavailable) || !domain.IsRetryable(err) {
		t.Fatalf("expected retryable storage error, got %v", err)
	}
	if len(store.rows) != 0 || store.commits != 0 {
		t.Fatalf("failed call left %d rows", len(store.rows))
	}
}

func TestHealth_FlagsStaleDevices(t *testing.T) {
	store := newMemStore()
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	clock := now
	svc := New(store, zerolog.Nop(), WithClock(func() time.Time { return clock }), WithStaleAfter(10*time.Minute))

	if _, err := svc.Ingest(context.Background(), "PI001", batch(0, event("a", 1), event("b", 4))); err != nil {
		t.Fatal(err)
	}

	h, err := svc.Health(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h.TotalEvents != 2 || len(h.Devices) != 1 || h.Devices[0].MaxSeq != 4 || h.Devices[0].Stale {
		t.Fatalf("unexpected health %+v", h)
	}

	clock = now.Add(11 * time.Minute)
	h, _ = svc.Health(context.Background())
	if !h.Devices[0].Stale {
		t.Fatal("device must be stale after the window")
	}
}
