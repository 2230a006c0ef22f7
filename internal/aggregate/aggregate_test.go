package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/eventlog"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

// Wednesday 2024-03-06 10:00 UTC
var ref = time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)

func trip(device string, person int64, entry time.Time, typ string) models.PassengerEvent {
	ev := models.PassengerEvent{DeviceID: device, PersonID: person, PassengerType: typ, EntryTimestamp: models.UnixSeconds(entry)}
	ev.Close(entry.Add(5 * time.Minute))
	return ev
}

func open(device string, person int64, entry time.Time) models.PassengerEvent {
	return models.PassengerEvent{DeviceID: device, PersonID: person, PassengerType: "Adult", EntryTimestamp: models.UnixSeconds(entry)}
}

func writeLegacy(path string, events ...models.PassengerEvent) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(events, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

type sliceSource struct {
	events []models.PassengerEvent
	err    error
	calls  int
}

func (s *sliceSource) EventsBetween(_ context.Context, from, to time.Time) ([]models.PassengerEvent, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var out []models.PassengerEvent
	for _, ev := range s.events {
		t := ev.EntryTime()
		if !t.Before(from) && t.Before(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestWindows(t *testing.T) {
	week := WeekWindow(ref, time.UTC)
	if week.From != time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC) || week.To != time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC) {
		t.Fatalf("week must start on Monday, got %+v", week)
	}
	sunday := time.Date(2024, 3, 10, 23, 0, 0, 0, time.UTC)
	if WeekWindow(sunday, time.UTC) != week {
		t.Fatal("sunday belongs to the week that started on monday")
	}
	month := MonthWindow(ref, time.UTC)
	if month.From.Day() != 1 || month.To != time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC) {
		t.Fatalf("unexpected month %+v", month)
	}
}

func TestComputeCounts(t *testing.T) {
	events := []models.PassengerEvent{
		trip("PI001", 1, ref.Add(-10*time.Minute), "Adult"),
		trip("PI001", 2, ref.Add(-30*time.Minute), "Child"),
		trip("PI001", 3, ref.Add(-3*time.Hour), "Adult"),    // same day
		trip("PI001", 4, ref.AddDate(0, 0, -2), "Adult"),    // monday
		trip("PI001", 5, ref.AddDate(0, 0, -5), "Adult"),    // previous week, same month
		trip("PI001", 6, ref.AddDate(0, -1, 0), "Adult"),    // previous month
		open("PI001", 7, ref.Add(-5*time.Minute)),           // open, never counted
		trip("PI002", 1, ref.Add(-10*time.Minute), "Adult"), // same person id, other device
	}

	c := ComputeCounts(events, ref, time.UTC)
	if c.Hourly.Total != 3 || c.Hourly.ByType["Child"] != 1 {
		t.Fatalf("hourly %+v", c.Hourly)
	}
	if c.Daily.Total != 4 || c.Weekly.Total != 5 || c.Monthly.Total != 6 {
		t.Fatalf("unexpected counts %+v", c)
	}
}

func TestMerge_CompletedCopyWins(t *testing.T) {
	entry := ref.Add(-time.Hour)
	merged := Merge(
		[]models.PassengerEvent{open("PI001", 9, entry)},
		[]models.PassengerEvent{trip("PI001", 9, entry, "Adult"), trip("PI001", 10, entry, "Adult")},
	)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged events, got %d", len(merged))
	}
	for _, ev := range merged {
		if !ev.Completed() {
			t.Fatalf("open copy kept for %d", ev.PersonID)
		}
	}
}

func TestAggregator_LegacyAndDevicePartitionsCountOnce(t *testing.T) {
	root := t.TempDir()
	log, err := eventlog.Open(root, zerolog.Nop(), eventlog.WithLocation(time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	ev := trip("PI001", 7, ref.Add(-20*time.Minute), "Adult")
	if _, err := log.Append(ev); err != nil {
		t.Fatal(err)
	}
	// The same record in the old single-file layout.
	legacyPath := filepath.Join(root, "2024", "3", "6.json")
	if err := writeLegacy(legacyPath, ev); err != nil {
		t.Fatal(err)
	}

	agg := New([]NamedSource{{Name: "archive", Source: log}}, zerolog.Nop(), WithLocation(time.UTC), WithClock(func() time.Time { return ref }))
	c, err := agg.Counts(context.Background(), ref, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Daily.Total != 1 {
		t.Fatalf("expected the event once, got %d", c.Daily.Total)
	}
}

func TestAggregator_MergesSourcesAndFilters(t *testing.T) {
	db := &sliceSource{events: []models.PassengerEvent{
		trip("PI001", 1, ref.Add(-time.Hour), "Adult"),
		trip("PI002", 1, ref.Add(-time.Hour), "Adult"),
	}}
	db.events[1].TodaID = "T9"
	archive := &sliceSource{events: []models.PassengerEvent{
		trip("PI001", 1, ref.Add(-time.Hour), "Adult"),
		trip("PI001", 2, ref.Add(-2*time.Hour), "Adult"),
	}}

	agg := New([]NamedSource{{"db", db}, {"archive", archive}}, zerolog.Nop(), WithLocation(time.UTC), WithClock(func() time.Time { return ref }))

	c, err := agg.Counts(context.Background(), ref, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Daily.Total != 3 {
		t.Fatalf("expected 3 unique passengers, got %d", c.Daily.Total)
	}

	c, _ = agg.Counts(context.Background(), ref, Filter{TodaID: "T9"})
	if c.Daily.Total != 1 {
		t.Fatalf("toda filter: got %d", c.Daily.Total)
	}
}

func TestAggregator_DefaultReferenceIsLatestEvent(t *testing.T) {
	last := ref.AddDate(0, 0, -3)
	src := &sliceSource{events: []models.PassengerEvent{trip("PI001", 1, last, "Adult")}}
	agg := New([]NamedSource{{"db", src}}, zerolog.Nop(), WithLocation(time.UTC), WithClock(func() time.Time { return ref }))

	c, err := agg.Counts(context.Background(), time.Time{}, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if !c.Reference.Equal(last) || c.Hourly.Total != 1 || c.Daily.Total != 1 {
		t.Fatalf("unexpected counts %+v", c)
	}
}

func TestAggregator_OneSourceDownStillServes(t *testing.T) {
	down := &sliceSource{err: errors.New("connection refused")}
	up := &sliceSource{events: []models.PassengerEvent{trip("PI001", 1, ref.Add(-time.Minute), "Adult")}}
	agg := New([]NamedSource{{"db", down}, {"archive", up}}, zerolog.Nop(), WithLocation(time.UTC))

	c, err := agg.Counts(context.Background(), ref, Filter{})
	if err != nil || c.Hourly.Total != 1 {
		t.Fatalf("expected counts from the remaining source, got %+v %v", c, err)
	}

	agg = New([]NamedSource{{"db", down}}, zerolog.Nop())
	if _, err := agg.Counts(context.Background(), ref, Filter{}); err == nil {
		t.Fatal("expected an error when no source answers")
	}
}

func TestAggregator_CacheExpires(t *testing.T) {
	now := ref
	src := &sliceSource{}
	agg := New([]NamedSource{{"db", src}}, zerolog.Nop(), WithLocation(time.UTC), WithClock(func() time.Time { return now }), WithCacheTTL(5*time.Minute))
	if agg.ttl != MaxCacheTTL {
		t.Fatalf("ttl must be clamped, got %v", agg.ttl)
	}

	agg.Population(context.Background(), ref, Filter{})
	agg.Population(context.Background(), ref, Filter{})
	if src.calls != 1 {
		t.Fatalf("second call must be cached, got %d source calls", src.calls)
	}
	now = now.Add(61 * time.Second)
	agg.Population(context.Background(), ref, Filter{})
	if src.calls != 2 {
		t.Fatalf("cache must expire, got %d source calls", src.calls)
	}
}

func TestComputePopulation(t *testing.T) {
	day := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)
	events := []models.PassengerEvent{
		trip("PI001", 1, day.Add(8*time.Hour+10*time.Minute), "Adult"),
		trip("PI001", 2, day.Add(8*time.Hour+29*time.Minute), "Adult"),
		trip("PI001", 3, day.Add(8*time.Hour+30*time.Minute), "Adult"),
		trip("PI001", 4, day.Add(-time.Minute), "Adult"),
	}
	p := ComputePopulation(events, day, time.UTC)
	if len(p.Buckets) != BucketsPerDay || p.Date != "2024-03-06" {
		t.Fatalf("unexpected population header %+v", p)
	}
	if p.Buckets[16].Hour != "08:00" || p.Buckets[16].Count != 2 || p.Buckets[17].Count != 1 {
		t.Fatalf("unexpected buckets %+v %+v", p.Buckets[16], p.Buckets[17])
	}
}

func TestComputeHistory(t *testing.T) {
	events := []models.PassengerEvent{
		trip("PI001", 1, ref, "Adult"),
		trip("PI001", 2, ref.AddDate(0, 0, -1), "Adult"),
		trip("PI001", 3, ref.AddDate(0, 0, -10), "Adult"),
		trip("PI001", 4, ref.AddDate(0, -2, 0), "Adult"),
	}
	h := ComputeHistory(events, ref, time.UTC)
	if len(h.Daily) != 2 || h.Daily[0].Date != "2024-03-06" {
		t.Fatalf("daily %+v", h.Daily)
	}
	if len(h.Weekly) != 2 || h.Weekly[0].WeekOf != "2024-03-04" || h.Weekly[0].Total != 2 {
		t.Fatalf("weekly %+v", h.Weekly)
	}
	if len(h.Monthly) != 3 || h.Monthly[0].MonthOf != "2024-03" || h.Monthly[0].Total != 2 {
		t.Fatalf("monthly %+v", h.Monthly)
	}
}
