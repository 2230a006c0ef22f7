package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestClose_FillsDwell(t *testing.T) {
	entry := time.Unix(1_700_000_000, 0)
	ev := PassengerEvent{DeviceID: "PI001", PersonID: 7, EntryTimestamp: UnixSeconds(entry)}

	ev.Close(entry.Add(90 * time.Second))

	if !ev.Completed() {
		t.Fatal("expected completed event")
	}
	if *ev.DwellSeconds != 90 {
		t.Fatalf("dwell seconds expected 90 got %v", *ev.DwellSeconds)
	}
	if *ev.DwellMinutes != 1.5 {
		t.Fatalf("dwell minutes expected 1.5 got %v", *ev.DwellMinutes)
	}
}

func TestSignature_IgnoresEventIDAndSeq(t *testing.T) {
	a := PassengerEvent{EventID: "a", Seq: 1, DeviceID: "PI001", PersonID: 3, EntryTimestamp: 1700000000.25}
	b := PassengerEvent{EventID: "b", Seq: 9, DeviceID: "PI001", PersonID: 3, EntryTimestamp: 1700000000.25}
	c := PassengerEvent{DeviceID: "PI002", PersonID: 3, EntryTimestamp: 1700000000.25}

	if a.Signature() != b.Signature() {
		t.Fatal("same person/entry/device must share a signature")
	}
	if a.Signature() == c.Signature() {
		t.Fatal("different devices must not share a signature")
	}
}

// Field names must stay compatible with logs written by older devices.
func TestPassengerEvent_LegacyJSON(t *testing.T) {
	raw := `{"person_id": 4, "type": "Adult", "entry_timestamp": 1700000000.5,
		"exit_timestamp": null, "dwell_time_minutes": null, "pi_id": "PI001",
		"city": "Manila", "toda_id": "T1", "etrike_id": "E9", "location": "Depot"}`

	var ev PassengerEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Completed() || ev.City != "Manila" || ev.EtrikeID != "E9" || ev.PassengerType != "Adult" {
		t.Fatalf("unexpected decode %+v", ev)
	}
	if got := ev.EntryTime().UnixMilli(); got != 1700000000500 {
		t.Fatalf("entry time decode got %d", got)
	}
}
