package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

// 2024-03-05 10:00:00 UTC
var day0 = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zerolog.Nop(), WithLocation(time.UTC))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func completed(device string, person int64, entry time.Time, dwell time.Duration) models.PassengerEvent {
	ev := models.PassengerEvent{
		EventID:        fmt.Sprintf("%s-%d-%d", device, person, entry.Unix()),
		DeviceID:       device,
		PersonID:       person,
		PassengerType:  "Adult",
		EntryTimestamp: models.UnixSeconds(entry),
	}
	ev.Close(entry.Add(dwell))
	return ev
}

func TestAppend_IsIdempotent(t *testing.T) {
	s := openStore(t)
	ev := completed("PI001", 7, day0, 12*time.Second)

	res, err := s.Append(ev)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.Status != StatusAdded || res.Seq != 1 {
		t.Fatalf("expected added seq 1 got %+v", res)
	}

	// Same signature, different event id: still the same passenger.
	again := ev
	again.EventID = "other"
	res, err = s.Append(again)
	if err != nil {
		t.Fatalf("append again: %v", err)
	}
	if res.Status != StatusDuplicateSkipped || res.Seq != 1 {
		t.Fatalf("expected duplicate_skipped got %+v", res)
	}

	res, _ = s.Append(completed("PI001", 8, day0.Add(time.Minute), time.Minute))
	if res.Seq != 2 {
		t.Fatalf("duplicates must not consume a seq, got %d", res.Seq)
	}

	events, err := s.ReadDay("PI001", 2024, 3, 5)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events got %d", len(events))
	}
}

func TestAppend_PartitionLayout(t *testing.T) {
	s := openStore(t)
	if _, err := s.Append(completed("PI001", 1, day0, time.Second)); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(s.Root(), "devices", "PI001", "2024", "3", "5.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("partition not written at %s: %v", path, err)
	}
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("partition is not a JSON array: %v", err)
	}
	for _, field := range []string{"person_id", "type", "entry_timestamp", "exit_timestamp", "dwell_time_minutes", "pi_id", "event_id", "seq"} {
		if _, ok := raw[0][field]; !ok {
			t.Errorf("missing field %s", field)
		}
	}
}

func TestAppend_RejectsBadDevice(t *testing.T) {
	s := openStore(t)
	for _, id := range []string{"", "..", "a/b"} {
		if _, err := s.Append(completed(id, 1, day0, time.Second)); err == nil {
			t.Errorf("device %q must be rejected", id)
		}
	}
}

func TestReadDay_CorruptPartitionReturnsWhatParses(t *testing.T) {
	s := openStore(t)
	path := filepath.Join(s.Root(), "devices", "PI001", "2024", "3", "5.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	content := `[
    {"person_id": 1, "type": "Adult", "entry_timestamp": 1709632800, "exit_timestamp": 1709632860, "pi_id": "PI001"},
    {"person_id": "two", "pi_id": "PI001"},
    {"person_id": 3, "type": "Child", "entry_timestamp": 1709632900, "exit_timestamp": null, "pi_id": "PI001"},
    {"person_id": 4, "ty`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	events, err := s.ReadDay("PI001", 2024, 3, 5)
	if err != nil {
		t.Fatalf("corrupt partitions must not fail the read: %v", err)
	}
	if len(events) != 2 || events[0].PersonID != 1 || events[1].PersonID != 3 {
		t.Fatalf("expected persons 1 and 3, got %+v", events)
	}
	if s.Corruptions() != 1 {
		t.Fatalf("expected one corruption reported, got %d", s.Corruptions())
	}
}

func TestReadDay_MissingPartitionIsEmpty(t *testing.T) {
	s := openStore(t)
	events, err := s.ReadDay("PI009", 2024, 1, 1)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected empty read, got %v %v", events, err)
	}
}

func TestAppend_CorruptPartitionIsMovedAside(t *testing.T) {
	s := openStore(t)
	path := filepath.Join(s.Root(), "devices", "PI001", "2024", "3", "5.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`[{"person_id": 1, "entry_timestamp": 1709632800, "pi_id": "PI001"}, {`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Append(completed("PI001", 2, day0, time.Second)); err != nil {
		t.Fatalf("append: %v", err)
	}

	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Fatalf("expected the original to be kept aside, got %v", matches)
	}
	events, _ := s.ReadDay("PI001", 2024, 3, 5)
	if len(events) != 2 {
		t.Fatalf("expected recovered record plus the new one, got %d", len(events))
	}
}

func TestMerge_CompletesOpenRecordAndNeverOverwrites(t *testing.T) {
	s := openStore(t)

	open := models.PassengerEvent{DeviceID: "PI001", PersonID: 5, PassengerType: "Adult", EntryTimestamp: models.UnixSeconds(day0)}
	closed := completed("PI001", 6, day0, time.Minute)
	if _, err := s.Merge("PI001", []models.PassengerEvent{open, closed}); err != nil {
		t.Fatal(err)
	}

	done := open
	done.Close(day0.Add(2 * time.Minute))
	rewritten := closed
	rewritten.Close(day0.Add(time.Hour))
	foreign := completed("PI002", 1, day0, time.Second)

	stats, err := s.Merge("PI001", []models.PassengerEvent{done, rewritten, foreign})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 1 || stats.Duplicates != 1 || stats.Invalid != 1 || stats.Added != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	events, _ := s.ReadDay("PI001", 2024, 3, 5)
	for _, ev := range events {
		switch ev.PersonID {
		case 5:
			if !ev.Completed() {
				t.Fatal("open record must be completed")
			}
		case 6:
			if d, _ := ev.Dwell(); d != time.Minute {
				t.Fatalf("completed record must not be overwritten, dwell %v", d)
			}
		}
	}
}

func TestPending_OrderAndLimit(t *testing.T) {
	s := openStore(t)
	// Spread over two days so the scan crosses partitions.
	for i := 0; i < 5; i++ {
		entry := day0.Add(time.Duration(i) * 12 * time.Hour)
		if _, err := s.Append(completed("PI001", int64(i), entry, time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.Pending("PI001", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 || events[0].Seq != 3 || events[2].Seq != 5 {
		t.Fatalf("unexpected pending %+v", events)
	}

	events, _ = s.Pending("PI001", 0, 2)
	if len(events) != 2 || events[1].Seq != 2 {
		t.Fatalf("limit not honoured %+v", events)
	}
}

func TestAck_IsMonotonicAndClamped(t *testing.T) {
	s := openStore(t)
	for i := 0; i < 3; i++ {
		s.Append(completed("PI001", int64(i), day0.Add(time.Duration(i)*time.Minute), time.Second))
	}

	c, err := s.Ack("PI001", 2)
	if err != nil || c.LastAckedSeq != 2 {
		t.Fatalf("ack 2: %+v %v", c, err)
	}
	if c, _ = s.Ack("PI001", 1); c.LastAckedSeq != 2 {
		t.Fatalf("ack must not move backwards, got %d", c.LastAckedSeq)
	}
	if c, _ = s.Ack("PI001", 99); c.LastAckedSeq != 3 {
		t.Fatalf("ack must not pass the last seq, got %d", c.LastAckedSeq)
	}

	reopened, err := Open(s.Root(), zerolog.Nop(), WithLocation(time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	c, err = reopened.Cursor("PI001")
	if err != nil || c.LastAckedSeq != 3 || c.LastSeq != 3 {
		t.Fatalf("cursor must survive restarts, got %+v %v", c, err)
	}
}

func TestCursor_RebuiltWhenUnreadable(t *testing.T) {
	s := openStore(t)
	s.Append(completed("PI001", 1, day0, time.Second))
	s.Append(completed("PI001", 2, day0.Add(time.Minute), time.Second))

	if err := os.WriteFile(filepath.Join(s.Root(), "devices", "PI001", "cursor.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := s.Append(completed("PI001", 3, day0.Add(2*time.Minute), time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if res.Seq != 3 {
		t.Fatalf("seq must continue after rebuild, got %d", res.Seq)
	}
}

func TestAppend_SeqNeverReusedAfterLostCursorWrite(t *testing.T) {
	s := openStore(t)
	if _, err := s.Append(completed("PI001", 1, day0, time.Second)); err != nil {
		t.Fatal(err)
	}
	// The partition holds seq 1 but the cursor update did not land.
	if err := os.WriteFile(filepath.Join(s.Root(), "devices", "PI001", "cursor.json"), []byte(`{"last_seq":0,"last_acked_seq":0}`), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := s.Append(completed("PI001", 2, day0.Add(time.Minute), time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if res.Seq != 2 {
		t.Fatalf("seq 1 reused, got %d", res.Seq)
	}
	c, err := s.Cursor("PI001")
	if err != nil || c.LastSeq != 2 {
		t.Fatalf("cursor %+v %v", c, err)
	}
}

func TestAppend_ConcurrentWritersGetDistinctSeqs(t *testing.T) {
	s := openStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Append(completed("PI001", int64(i), day0.Add(time.Duration(i)*time.Second), time.Second)); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	events, _ := s.Pending("PI001", 0, 0)
	if len(events) != 20 {
		t.Fatalf("expected 20 events got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("seqs must be 1..20 without gaps, got %d at %d", ev.Seq, i)
		}
	}
}

func TestEventsBetween_ReadsLegacyAndDevicePartitions(t *testing.T) {
	s := openStore(t)
	ev := completed("PI001", 7, day0, time.Minute)
	if _, err := s.Append(ev); err != nil {
		t.Fatal(err)
	}
	if err := writePartitionFile(filepath.Join(s.Root(), "2024", "3", "5.json"), []models.PassengerEvent{ev}); err != nil {
		t.Fatal(err)
	}
	s.Append(completed("PI001", 8, day0.AddDate(0, 0, 3), time.Minute))

	from := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	events, err := s.EventsBetween(context.Background(), from, from.AddDate(0, 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	// Both copies are returned; deduplication is the reader's job.
	if len(events) != 2 || events[0].Signature() != events[1].Signature() {
		t.Fatalf("expected the same event from both layouts, got %+v", events)
	}

	files, err := s.PartitionFiles("PI001")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 partition files, got %+v", files)
	}
}
