// Package syncer ships the device event log to the central service.
//
// The cursor only moves forward, and only to a seq the server acknowledged
// that was also part of what was sent. Nothing is deleted locally after a
// successful transmission.
package syncer

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/config"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/eventlog"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/ingest"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

// EventLog is the local log the transmitter reads from.
type EventLog interface {
	Cursor(device string) (eventlog.Cursor, error)
	Pending(device string, since int64, limit int) ([]models.PassengerEvent, error)
	Ack(device string, seq int64) (eventlog.Cursor, error)
	PartitionFiles(device string) ([]eventlog.PartitionFile, error)
}

// Config configures a Transmitter.
type Config struct {
	ServerURL        string
	DeviceID         string
	DeviceKey        string
	SignedTokens     bool
	Interval         time.Duration
	Timeout          time.Duration
	BatchSize        int
	Mode             string
	SnapshotInterval time.Duration
}

// FromEdge builds the transmitter config of an edge device.
func FromEdge(cfg config.EdgeConfig) Config {
	return Config{
		ServerURL:        cfg.Sync.ServerURL,
		DeviceID:         cfg.Device.PiID,
		DeviceKey:        cfg.Sync.DeviceKey,
		SignedTokens:     cfg.Sync.SignedTokens,
		Interval:         cfg.Sync.Interval,
		Timeout:          cfg.Sync.Timeout,
		BatchSize:        cfg.Sync.BatchSize,
		Mode:             cfg.Sync.Mode,
		SnapshotInterval: cfg.Sync.SnapshotInterval,
	}
}

// CycleResult describes one sync cycle.
type CycleResult struct {
	Sent     int
	MaxSent  int64
	AckSeq   int64
	Cursor   eventlog.Cursor
	Response models.IngestResponse
}

// Stats counts transmitter activity.
type Stats struct {
	Cycles    uint64
	Failures  uint64
	Sent      uint64
	Snapshots uint64
}

// Option configures a Transmitter.
type Option func(*Transmitter)

// WithHTTPClient replaces the HTTP client (its timeout is left as is).
func WithHTTPClient(hc *http.Client) Option {
	return func(t *Transmitter) { t.client.httpClient = hc }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Transmitter) {
		t.now = now
		t.client.now = now
	}
}

// Transmitter runs the periodic sync of one device.
type Transmitter struct {
	cfg    Config
	events EventLog
	client *client
	log    zerolog.Logger
	now    func() time.Time

	lastSnapshot time.Time
	failures     int

	cycles    atomic.Uint64
	failed    atomic.Uint64
	sent      atomic.Uint64
	snapshots atomic.Uint64
}

// New returns a Transmitter for events. Zero config values take defaults.
func New(cfg Config, events EventLog, log zerolog.Logger, opts ...Option) *Transmitter {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Mode == "" {
		cfg.Mode = config.SyncModeBatch
	}
	t := &Transmitter{
		cfg:    cfg,
		events: events,
		client: &client{
			baseURL:      cfg.ServerURL,
			device:       cfg.DeviceID,
			key:          cfg.DeviceKey,
			signedTokens: cfg.SignedTokens,
			httpClient:   &http.Client{Timeout: cfg.Timeout},
			now:          time.Now,
		},
		log: log.With().Str("component", "syncer").Str("device_id", cfg.DeviceID).Logger(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run syncs every Interval until ctx is done. A cycle never overlaps the next
// one; a slow cycle makes the ticker skip.
func (t *Transmitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	t.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Transmitter) tick(ctx context.Context) {
	res, err := t.SyncOnce(ctx)
	if err != nil {
		t.failures++
		t.log.Warn().Err(err).Int("consecutive_failures", t.failures).Msg("sync cycle failed, cursor not advanced")
	} else {
		if t.failures > 0 {
			t.log.Info().Int("after_failures", t.failures).Msg("sync recovered")
		}
		t.failures = 0
		if res.Sent > 0 {
			t.log.Info().
				Int("sent", res.Sent).
				Int("added", res.Response.AddedCount).
				Int("skipped", res.Response.SkippedCount).
				Int64("ack_seq", res.AckSeq).
				Int64("last_acked_seq", res.Cursor.LastAckedSeq).
				Msg("sync cycle")
		}
	}

	if t.snapshotDue() {
		if err := t.Snapshot(ctx); err != nil {
			t.log.Warn().Err(err).Msg("snapshot upload failed")
		}
	}
	if err := t.Heartbeat(ctx); err != nil {
		t.log.Debug().Err(err).Msg("heartbeat failed")
	}
}

// SyncOnce sends the next batch of unacknowledged events and advances the
// cursor to what the server confirmed. On error the cursor is untouched.
func (t *Transmitter) SyncOnce(ctx context.Context) (CycleResult, error) {
	t.cycles.Add(1)
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	cur, err := t.events.Cursor(t.cfg.DeviceID)
	if err != nil {
		t.failed.Add(1)
		return CycleResult{}, fmt.Errorf("read cursor: %w", err)
	}
	res := CycleResult{Cursor: cur, AckSeq: cur.LastAckedSeq}

	pending, err := t.events.Pending(t.cfg.DeviceID, cur.LastAckedSeq, t.cfg.BatchSize)
	if err != nil {
		t.failed.Add(1)
		return res, fmt.Errorf("read pending events: %w", err)
	}
	if len(pending) == 0 {
		return res, nil
	}
	res.Sent = len(pending)
	res.MaxSent = pending[len(pending)-1].Seq

	var resp models.IngestResponse
	if t.cfg.Mode == config.SyncModeStream {
		err = t.sendStream(ctx, cur.LastAckedSeq, pending, &resp)
	} else {
		err = t.sendBatch(ctx, cur.LastAckedSeq, pending, &resp)
	}
	if err != nil {
		t.failed.Add(1)
		return res, err
	}
	t.sent.Add(uint64(len(pending)))
	res.Response = resp

	ack := min(resp.AckSeq, res.MaxSent)
	res.AckSeq = ack
	if ack > cur.LastAckedSeq {
		next, err := t.events.Ack(t.cfg.DeviceID, ack)
		if err != nil {
			t.failed.Add(1)
			return res, fmt.Errorf("persist cursor: %w", err)
		}
		res.Cursor = next
	}
	return res, nil
}

func (t *Transmitter) sendBatch(ctx context.Context, since int64, events []models.PassengerEvent, out *models.IngestResponse) error {
	req := models.IngestRequest{DeviceID: t.cfg.DeviceID, SinceSeq: since, Events: make([]json.RawMessage, 0, len(events))}
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.EventID, err)
		}
		req.Events = append(req.Events, raw)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	return t.client.post(ctx, "/ingest", "application/json", bytes.NewReader(body), out)
}

func (t *Transmitter) sendStream(ctx context.Context, since int64, events []models.PassengerEvent, out *models.IngestResponse) error {
	var body bytes.Buffer
	if err := ingest.EncodeStream(&body, ingest.ContentTypeMsgpack, events); err != nil {
		return fmt.Errorf("encode stream: %w", err)
	}
	q := url.Values{}
	q.Set("since_seq", strconv.FormatInt(since, 10))
	q.Set("device_id", t.cfg.DeviceID)
	return t.client.post(ctx, "/ingest/stream?"+q.Encode(), ingest.ContentTypeMsgpack, &body, out)
}

func (t *Transmitter) snapshotDue() bool {
	if t.cfg.SnapshotInterval <= 0 {
		return false
	}
	return t.lastSnapshot.IsZero() || t.now().Sub(t.lastSnapshot) >= t.cfg.SnapshotInterval
}

// Snapshot uploads a zip of every partition of the device to /upload-data.
func (t *Transmitter) Snapshot(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	files, err := t.events.PartitionFiles(t.cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	if len(files) == 0 {
		t.lastSnapshot = t.now()
		return nil
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writePackage(mw, files))
	}()

	var out map[string]any
	if err := t.client.post(ctx, "/upload-data", mw.FormDataContentType(), pr, &out); err != nil {
		pr.CloseWithError(err)
		return err
	}
	t.lastSnapshot = t.now()
	t.snapshots.Add(1)
	t.log.Info().Int("files", len(files)).Interface("result", out).Msg("snapshot uploaded")
	return nil
}

// writePackage streams the multipart body holding the zipped partitions.
func writePackage(mw *multipart.Writer, files []eventlog.PartitionFile) error {
	fw, err := mw.CreateFormFile("data_package", "logs.zip")
	if err != nil {
		return err
	}
	zw := zip.NewWriter(fw)
	for _, f := range files {
		if err := addFile(zw, f); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return mw.Close()
}

func addFile(zw *zip.Writer, f eventlog.PartitionFile) error {
	src, err := os.Open(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer src.Close()

	w, err := zw.Create(f.Name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// Heartbeat tells the central service the device is alive.
func (t *Transmitter) Heartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	return t.client.post(ctx, "/pi-heartbeat", "application/json", bytes.NewReader([]byte("{}")), nil)
}

// Stats returns a snapshot of the counters.
func (t *Transmitter) Stats() Stats {
	return Stats{
		Cycles:    t.cycles.Load(),
		Failures:  t.failed.Load(),
		Sent:      t.sent.Load(),
		Snapshots: t.snapshots.Load(),
	}
}
