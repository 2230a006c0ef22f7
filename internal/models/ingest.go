package models

import (
	"context"
	"encoding/json"
	"time"
)

// IngestRequest is the POST /ingest payload.
// Events are kept raw so one undecodable record does not reject the whole batch.
type IngestRequest struct {
	DeviceID string            `json:"device_id"`
	SinceSeq int64             `json:"since_seq"`
	Events   []json.RawMessage `json:"events"`
}

// IngestResponse is returned by POST /ingest and POST /ingest/stream.
// SkippedCount covers duplicates and invalid records.
type IngestResponse struct {
	AckSeq         int64         `json:"ack_seq"`
	AddedCount     int           `json:"added_count"`
	SkippedCount   int           `json:"skipped_count"`
	DuplicateCount int           `json:"duplicate_count"`
	InvalidCount   int           `json:"invalid_count"`
	Skipped        []SkippedItem `json:"skipped,omitempty"`
}

// SkippedItem explains why a record of a batch was not stored.
type SkippedItem struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Reason  string `json:"reason"`
}

// IngestRecord is the central durable representation of a received event.
type IngestRecord struct {
	DeviceID   string
	EventID    string
	Seq        int64
	Event      PassengerEvent
	Payload    []byte
	ReceivedAt time.Time
}

// InsertOutcome is what the central store did with one record.
type InsertOutcome int

const (
	// InsertCreated means a new row was written.
	InsertCreated InsertOutcome = iota + 1
	// InsertDuplicate means a row with the same (device_id, event_id) already existed.
	InsertDuplicate
	// InsertRejected means the store refused the record's data; retrying cannot help.
	InsertRejected
)

// InsertFunc inserts records inside an open transaction and reports the
// outcome of each, in order.
type InsertFunc func(ctx context.Context, records []IngestRecord) ([]InsertOutcome, error)

// DeviceSyncStats is the per-device diagnostic row of GET /ingest/health.
type DeviceSyncStats struct {
	DeviceID     string    `json:"device_id"`
	MaxSeq       int64     `json:"max_seq"`
	RowCount     int64     `json:"row_count"`
	LastReceived time.Time `json:"last_received_at"`
	Stale        bool      `json:"stale"`
}

// IngestHealth is returned by GET /ingest/health.
type IngestHealth struct {
	TotalEvents     int64             `json:"total_events"`
	LatestEventTime *time.Time        `json:"latest_event_timestamp"`
	Devices         []DeviceSyncStats `json:"devices"`
}
