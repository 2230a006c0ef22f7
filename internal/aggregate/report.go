// Package aggregate computes unique passenger counts from the event sources
// of the central service. Everything is recomputed on demand from the merged
// event list; the only state is a short lived cache.
package aggregate

import (
	"sort"
	"time"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

// Filter narrows a report to one device, TODA or e-trike. Empty fields match all.
type Filter struct {
	DeviceID string `form:"pi_id" json:"pi_id,omitempty"`
	TodaID   string `form:"toda_id" json:"toda_id,omitempty"`
	EtrikeID string `form:"etrike_id" json:"etrike_id,omitempty"`
}

// Match reports whether ev passes every set field of f.
func (f Filter) Match(ev models.PassengerEvent) bool {
	if f.DeviceID != "" && ev.DeviceID != f.DeviceID {
		return false
	}
	if f.TodaID != "" && ev.TodaID != f.TodaID {
		return false
	}
	if f.EtrikeID != "" && ev.EtrikeID != f.EtrikeID {
		return false
	}
	return true
}

func (f Filter) key() string {
	return f.DeviceID + "|" + f.TodaID + "|" + f.EtrikeID
}

// Merge combines event lists from several sources into one list with one
// record per signature. A completed copy wins over an open one; otherwise the
// first copy seen is kept. The result is ordered by entry time.
func Merge(sets ...[]models.PassengerEvent) []models.PassengerEvent {
	index := map[string]int{}
	var out []models.PassengerEvent
	for _, set := range sets {
		for _, ev := range set {
			sig := ev.Signature()
			at, ok := index[sig]
			if !ok {
				index[sig] = len(out)
				out = append(out, ev)
				continue
			}
			if !out[at].Completed() && ev.Completed() {
				out[at] = ev
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntryTimestamp < out[j].EntryTimestamp })
	return out
}

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t is in [From, To).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// DayWindow is the calendar day containing t.
func DayWindow(t time.Time, loc *time.Location) Window {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return Window{From: start, To: start.AddDate(0, 0, 1)}
}

// WeekWindow is the week containing t. Weeks start on Monday.
func WeekWindow(t time.Time, loc *time.Location) Window {
	day := DayWindow(t, loc)
	offset := (int(day.From.Weekday()) + 6) % 7
	start := day.From.AddDate(0, 0, -offset)
	return Window{From: start, To: start.AddDate(0, 0, 7)}
}

// MonthWindow is the calendar month containing t.
func MonthWindow(t time.Time, loc *time.Location) Window {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	return Window{From: start, To: start.AddDate(0, 1, 0)}
}

// Count is the number of unique completed passengers of a window.
type Count struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

// CountUnique counts distinct signatures of completed events whose entry time
// falls in w. Open events are not counted.
func CountUnique(events []models.PassengerEvent, w Window) Count {
	c := Count{ByType: map[string]int{}}
	seen := map[string]struct{}{}
	for _, ev := range events {
		if !ev.Completed() || !w.Contains(ev.EntryTime()) {
			continue
		}
		sig := ev.Signature()
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		c.Total++
		typ := ev.PassengerType
		if typ == "" {
			typ = "Unknown"
		}
		c.ByType[typ]++
	}
	return c
}

// Counts is the dashboard summary for one reference time.
type Counts struct {
	Reference time.Time `json:"reference_time"`
	Hourly    Count     `json:"hourly"`
	Daily     Count     `json:"daily"`
	Weekly    Count     `json:"weekly"`
	Monthly   Count     `json:"monthly"`
}

// HourWindow is the rolling hour ending at ref, inclusive of ref.
func HourWindow(ref time.Time) Window {
	return Window{From: ref.Add(-time.Hour), To: ref.Add(time.Nanosecond)}
}

// CountsWindow covers every window ComputeCounts needs for ref.
func CountsWindow(ref time.Time, loc *time.Location) Window {
	w := MonthWindow(ref, loc)
	week := WeekWindow(ref, loc)
	hour := HourWindow(ref)
	for _, o := range []Window{week, hour} {
		if o.From.Before(w.From) {
			w.From = o.From
		}
		if o.To.After(w.To) {
			w.To = o.To
		}
	}
	return w
}

// ComputeCounts returns the hourly, daily, weekly and monthly totals at ref.
func ComputeCounts(events []models.PassengerEvent, ref time.Time, loc *time.Location) Counts {
	return Counts{
		Reference: ref,
		Hourly:    CountUnique(events, HourWindow(ref)),
		Daily:     CountUnique(events, DayWindow(ref, loc)),
		Weekly:    CountUnique(events, WeekWindow(ref, loc)),
		Monthly:   CountUnique(events, MonthWindow(ref, loc)),
	}
}

// LatestCompleted returns the latest entry time of a completed event, false
// when there is none.
func LatestCompleted(events []models.PassengerEvent) (time.Time, bool) {
	var (
		latest float64
		found  bool
	)
	for _, ev := range events {
		if ev.Completed() && (!found || ev.EntryTimestamp > latest) {
			latest = ev.EntryTimestamp
			found = true
		}
	}
	if !found {
		return time.Time{}, false
	}
	return models.FromUnixSeconds(latest), true
}

// BucketsPerDay is the number of thirty minute population buckets.
const BucketsPerDay = 48

// Bucket is one 30-minute slot of a population curve.
type Bucket struct {
	Hour string `json:"hour"`
	// Minute is minutes since midnight of the bucket start.
	Minute int `json:"timestamp"`
	Count  int `json:"count"`
}

// Population is the per-bucket passenger curve of one day.
type Population struct {
	Date    string   `json:"date"`
	Buckets []Bucket `json:"hourly_data"`
}

// ComputePopulation counts unique completed passengers per thirty minute
// bucket of the day containing day, by entry time.
func ComputePopulation(events []models.PassengerEvent, day time.Time, loc *time.Location) Population {
	w := DayWindow(day, loc)
	p := Population{Date: w.From.Format("2006-01-02"), Buckets: make([]Bucket, BucketsPerDay)}
	for i := range p.Buckets {
		minute := i * 30
		p.Buckets[i] = Bucket{Hour: formatClock(minute), Minute: minute}
	}

	seen := map[string]struct{}{}
	for _, ev := range events {
		if !ev.Completed() {
			continue
		}
		t := ev.EntryTime().In(loc)
		if !w.Contains(t) {
			continue
		}
		sig := ev.Signature()
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		idx := t.Hour()*2 + t.Minute()/30
		if idx >= 0 && idx < BucketsPerDay {
			p.Buckets[idx].Count++
		}
	}
	return p
}

func formatClock(minute int) string {
	return time.Date(2000, 1, 1, minute/60, minute%60, 0, 0, time.UTC).Format("15:04")
}

// DayTotal is the count for one calendar day.
type DayTotal struct {
	Date  string `json:"date"`
	Total int    `json:"total"`
}

// WeekTotal is the count for one Monday-started week.
type WeekTotal struct {
	WeekOf string `json:"week_of"`
	Total  int    `json:"total"`
}

// MonthTotal is the count for one calendar month.
type MonthTotal struct {
	MonthOf string `json:"month_of"`
	Total   int    `json:"total"`
}

// History holds the recent totals, most recent first. Periods without
// passengers are omitted.
type History struct {
	Daily   []DayTotal   `json:"daily"`
	Weekly  []WeekTotal  `json:"weekly"`
	Monthly []MonthTotal `json:"monthly"`
}

const (
	HistoryDays   = 7
	HistoryWeeks  = 4
	HistoryMonths = 6
)

// HistoryWindow covers every period ComputeHistory reports for now.
func HistoryWindow(now time.Time, loc *time.Location) Window {
	month := MonthWindow(now, loc)
	from := month.From.AddDate(0, -(HistoryMonths - 1), 0)
	week := WeekWindow(now, loc)
	if w := week.From.AddDate(0, 0, -7*(HistoryWeeks-1)); w.Before(from) {
		from = w
	}
	to := month.To
	if week.To.After(to) {
		to = week.To
	}
	return Window{From: from, To: to}
}

// ComputeHistory returns the non-empty days, weeks and months of the history
// ending at now.
func ComputeHistory(events []models.PassengerEvent, now time.Time, loc *time.Location) History {
	h := History{Daily: []DayTotal{}, Weekly: []WeekTotal{}, Monthly: []MonthTotal{}}

	today := DayWindow(now, loc)
	for i := 0; i < HistoryDays; i++ {
		w := Window{From: today.From.AddDate(0, 0, -i), To: today.To.AddDate(0, 0, -i)}
		if c := CountUnique(events, w); c.Total > 0 {
			h.Daily = append(h.Daily, DayTotal{Date: w.From.Format("2006-01-02"), Total: c.Total})
		}
	}

	week := WeekWindow(now, loc)
	for i := 0; i < HistoryWeeks; i++ {
		w := Window{From: week.From.AddDate(0, 0, -7*i), To: week.To.AddDate(0, 0, -7*i)}
		if c := CountUnique(events, w); c.Total > 0 {
			h.Weekly = append(h.Weekly, WeekTotal{WeekOf: w.From.Format("2006-01-02"), Total: c.Total})
		}
	}

	month := MonthWindow(now, loc)
	for i := 0; i < HistoryMonths; i++ {
		from := month.From.AddDate(0, -i, 0)
		w := Window{From: from, To: from.AddDate(0, 1, 0)}
		if c := CountUnique(events, w); c.Total > 0 {
			h.Monthly = append(h.Monthly, MonthTotal{MonthOf: w.From.Format("2006-01"), Total: c.Total})
		}
	}
	return h
}

// Period selects the window of a details query.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// PeriodWindow returns the window of period containing t. ok is false for an
// unknown period.
func PeriodWindow(p Period, t time.Time, loc *time.Location) (Window, bool) {
	switch p {
	case PeriodDaily, "":
		return DayWindow(t, loc), true
	case PeriodWeekly:
		return WeekWindow(t, loc), true
	case PeriodMonthly:
		return MonthWindow(t, loc), true
	}
	return Window{}, false
}
