package models

import (
	"fmt"
	"math"
	"time"
)

// Metadata is the fleet attribution attached to an event when it is created.
type Metadata struct {
	City     string `json:"city"`
	TodaID   string `json:"toda_id"`
	EtrikeID string `json:"etrike_id"`
	Location string `json:"location"`
}

// PassengerEvent is one boarding of one tracked person.
//
// Timestamps are unix seconds (float) on the wire. ExitTimestamp and the dwell
// fields stay nil while the passenger is still inside.
type PassengerEvent struct {
	EventID        string   `json:"event_id,omitempty"`
	Seq            int64    `json:"seq,omitempty"`
	DeviceID       string   `json:"pi_id"`
	PersonID       int64    `json:"person_id"`
	PassengerType  string   `json:"type"`
	EntryTimestamp float64  `json:"entry_timestamp"`
	ExitTimestamp  *float64 `json:"exit_timestamp"`
	DwellMinutes   *float64 `json:"dwell_time_minutes"`
	DwellSeconds   *float64 `json:"dwell_seconds,omitempty"`
	Metadata
}

// UnixSeconds converts t to the float representation used on the wire.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromUnixSeconds converts a wire timestamp to time.Time.
func FromUnixSeconds(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}

// EntryTime returns the entry timestamp as time.Time.
func (e PassengerEvent) EntryTime() time.Time {
	return FromUnixSeconds(e.EntryTimestamp)
}

// ExitTime returns the exit timestamp, false while the event is open.
func (e PassengerEvent) ExitTime() (time.Time, bool) {
	if e.ExitTimestamp == nil {
		return time.Time{}, false
	}
	return FromUnixSeconds(*e.ExitTimestamp), true
}

// Completed reports whether the exit fields have been filled.
func (e PassengerEvent) Completed() bool {
	return e.ExitTimestamp != nil
}

// Signature identifies an event across merges independently of event_id and seq.
// person_id alone is reused by the tracker, so the device and entry time are part of the key.
func (e PassengerEvent) Signature() string {
	return fmt.Sprintf("%s|%d|%.6f", e.DeviceID, e.PersonID, e.EntryTimestamp)
}

// Close fills the exit fields. Dwell minutes are rounded to one decimal like the
// device logs always were.
func (e *PassengerEvent) Close(exit time.Time) {
	ts := UnixSeconds(exit)
	dwell := ts - e.EntryTimestamp
	if dwell < 0 {
		dwell = 0
	}
	minutes := math.Round(dwell/60*10) / 10
	e.ExitTimestamp = &ts
	e.DwellSeconds = &dwell
	e.DwellMinutes = &minutes
}

// Dwell returns the dwell duration of a completed event.
func (e PassengerEvent) Dwell() (time.Duration, bool) {
	if e.DwellSeconds != nil {
		return time.Duration(*e.DwellSeconds * float64(time.Second)), true
	}
	if e.ExitTimestamp != nil {
		return time.Duration((*e.ExitTimestamp - e.EntryTimestamp) * float64(time.Second)), true
	}
	return 0, false
}
