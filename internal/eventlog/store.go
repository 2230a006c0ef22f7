// Package eventlog is the append-only local event store of a device.
//
// Events live in one JSON partition per (device, calendar day):
//
//	<root>/devices/<device>/<year>/<month>/<day>.json
//
// The older single-file layout <root>/<year>/<month>/<day>.json (all devices
// mixed, identified by pi_id) is still read and merged.
//
// Every write is a read-modify-write under an exclusive file lock of the
// device, so the capture loop and a concurrent sync pass (possibly another
// process) never corrupt a partition. Readers take the shared lock.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/domain"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

const (
	devicesDir = "devices"
	lockFile   = ".lock"
	// LegacyDevice addresses the single-file layout in ReadDay.
	LegacyDevice = ""
)

// Status is the outcome of writing one event.
type Status string

const (
	StatusAdded            Status = "added"
	StatusDuplicateSkipped Status = "duplicate_skipped"
	// StatusCompleted means an open record with the same signature received its exit.
	StatusCompleted Status = "completed"
)

// Result describes a single Append.
type Result struct {
	Status Status
	Seq    int64
}

// MergeStats summarizes a Merge.
type MergeStats struct {
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
	Completed  int `json:"completed"`
	Invalid    int `json:"invalid"`
}

// Store is a directory of device partitions.
type Store struct {
	root        string
	loc         *time.Location
	log         zerolog.Logger
	now         func() time.Time
	corruptions atomic.Uint64
}

// Option configures a Store.
type Option func(*Store)

// WithLocation sets the time zone used to pick a partition day (time.Local by default).
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open prepares a store rooted at dir, creating it when missing.
func Open(dir string, log zerolog.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, devicesDir), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create root: %w", err)
	}
	s := &Store{
		root: dir,
		loc:  time.Local,
		log:  log.With().Str("component", "eventlog").Logger(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Location returns the partition time zone.
func (s *Store) Location() *time.Location { return s.loc }

// Corruptions counts partitions that failed to parse since Open.
func (s *Store) Corruptions() uint64 { return s.corruptions.Load() }

func validDeviceID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func (s *Store) deviceDir(device string) string {
	return filepath.Join(s.root, devicesDir, device)
}

func (s *Store) partitionPath(device string, d Day) string {
	if device == LegacyDevice {
		return filepath.Join(s.root, d.relPath())
	}
	return filepath.Join(s.deviceDir(device), d.relPath())
}

func (s *Store) lockPath(device string) string {
	if device == LegacyDevice {
		return filepath.Join(s.root, ".legacy"+lockFile)
	}
	return filepath.Join(s.deviceDir(device), lockFile)
}

// withLock runs fn holding the device lock, exclusive or shared.
func (s *Store) withLock(device string, exclusive bool, fn func() error) error {
	path := s.lockPath(device)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	fl := flock.New(path)
	var err error
	if exclusive {
		err = fl.Lock()
	} else {
		err = fl.RLock()
	}
	if err != nil {
		return fmt.Errorf("eventlog: lock %s: %w", device, err)
	}
	defer fl.Unlock()
	return fn()
}

// Append stores a new event for its device. It is idempotent: an event whose
// signature (person_id, entry_timestamp, device_id) is already present is
// skipped and StatusDuplicateSkipped is returned. Added events get the next
// device seq.
func (s *Store) Append(ev models.PassengerEvent) (Result, error) {
	if !validDeviceID(ev.DeviceID) {
		return Result{}, domain.E(domain.KindMalformedInput, "eventlog.Append", "invalid device id", nil)
	}

	var res Result
	err := s.withLock(ev.DeviceID, true, func() error {
		cur, err := s.readCursor(ev.DeviceID)
		if err != nil {
			return err
		}

		status, seq, err := s.applyLocked(ev.DeviceID, []models.PassengerEvent{ev}, &cur.LastSeq, true)
		if err != nil {
			return err
		}
		res = Result{Status: status[0], Seq: seq[0]}

		if res.Status == StatusAdded {
			return s.writeCursor(ev.DeviceID, cur)
		}
		return nil
	})
	return res, err
}

// Record implements occupancy.Recorder.
func (s *Store) Record(ev models.PassengerEvent) error {
	res, err := s.Append(ev)
	if err != nil {
		return err
	}
	if res.Status == StatusDuplicateSkipped {
		s.log.Debug().Str("signature", ev.Signature()).Msg("duplicate event skipped")
	}
	return nil
}

// Merge folds events received from elsewhere (a snapshot upload) into the
// device partitions. Existing records are never overwritten; seqs are kept as
// received.
func (s *Store) Merge(device string, events []models.PassengerEvent) (MergeStats, error) {
	var stats MergeStats
	if !validDeviceID(device) {
		return stats, domain.E(domain.KindMalformedInput, "eventlog.Merge", "invalid device id", nil)
	}

	valid := make([]models.PassengerEvent, 0, len(events))
	for _, ev := range events {
		if ev.DeviceID == "" {
			ev.DeviceID = device
		}
		if ev.DeviceID != device || ev.EntryTimestamp <= 0 {
			stats.Invalid++
			continue
		}
		valid = append(valid, ev)
	}
	if len(valid) == 0 {
		return stats, nil
	}

	err := s.withLock(device, true, func() error {
		statuses, _, err := s.applyLocked(device, valid, nil, false)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			switch st {
			case StatusAdded:
				stats.Added++
			case StatusCompleted:
				stats.Completed++
			default:
				stats.Duplicates++
			}
		}
		return nil
	})
	return stats, err
}

// applyLocked writes events partition by partition. When assignSeq is set,
// added events take *lastSeq+1 and advance it. Caller holds the device lock.
func (s *Store) applyLocked(device string, events []models.PassengerEvent, lastSeq *int64, assignSeq bool) ([]Status, []int64, error) {
	statuses := make([]Status, len(events))
	seqs := make([]int64, len(events))

	byDay := map[Day][]int{}
	var days []Day
	for i, ev := range events {
		d := DayOf(ev.EntryTime(), s.loc)
		if _, ok := byDay[d]; !ok {
			days = append(days, d)
		}
		byDay[d] = append(byDay[d], i)
	}

	for _, d := range days {
		path := s.partitionPath(device, d)
		content, err := readPartitionFile(path)
		if err != nil {
			return nil, nil, err
		}
		if content.corrupt() {
			s.reportCorrupt(path, content)
			if moved, err := quarantine(path, s.now()); err == nil {
				s.log.Warn().Str("partition", path).Str("moved_to", moved).Msg("corrupt partition moved aside before rewrite")
			}
		}

		existing := content.events
		index := make(map[string]int, len(existing))
		for i, ev := range existing {
			index[ev.Signature()] = i
			// A partition written before its cursor update failed holds seqs
			// the cursor never saw.
			if assignSeq && ev.Seq > *lastSeq {
				*lastSeq = ev.Seq
			}
		}

		changed := false
		for _, i := range byDay[d] {
			ev := events[i]
			sig := ev.Signature()

			if at, ok := index[sig]; ok {
				// The one permitted mutation: an open record receives its exit.
				if !existing[at].Completed() && ev.Completed() {
					completeRecord(&existing[at], ev)
					statuses[i] = StatusCompleted
					seqs[i] = existing[at].Seq
					changed = true
					continue
				}
				statuses[i] = StatusDuplicateSkipped
				seqs[i] = existing[at].Seq
				continue
			}

			if assignSeq {
				*lastSeq++
				ev.Seq = *lastSeq
			}
			existing = append(existing, ev)
			index[sig] = len(existing) - 1
			statuses[i] = StatusAdded
			seqs[i] = ev.Seq
			changed = true
		}

		if changed || content.corrupt() {
			if err := writePartitionFile(path, existing); err != nil {
				return nil, nil, fmt.Errorf("eventlog: write %s: %w", path, err)
			}
		}
	}
	return statuses, seqs, nil
}

func completeRecord(dst *models.PassengerEvent, src models.PassengerEvent) {
	dst.ExitTimestamp = src.ExitTimestamp
	dst.DwellMinutes = src.DwellMinutes
	dst.DwellSeconds = src.DwellSeconds
	if dst.EventID == "" {
		dst.EventID = src.EventID
	}
	if dst.Seq == 0 {
		dst.Seq = src.Seq
	}
}

func (s *Store) reportCorrupt(path string, c partitionContent) {
	s.corruptions.Add(1)
	ev := s.log.Warn().Str("partition", path).Int("recovered", len(c.events)).Int("bad_records", c.badRecs)
	if c.syntax != nil {
		ev = ev.AnErr("syntax", c.syntax)
	}
	ev.Str("kind", domain.KindPartitionCorrupt.String()).Msg("partition partially unreadable")
}

// ReadDay returns every event of one partition. A corrupt partition yields
// whatever parsed; the rest is logged as PartitionCorrupt. Use LegacyDevice
// for the single-file layout.
func (s *Store) ReadDay(device string, year, month, day int) ([]models.PassengerEvent, error) {
	if device != LegacyDevice && !validDeviceID(device) {
		return nil, domain.E(domain.KindMalformedInput, "eventlog.ReadDay", "invalid device id", nil)
	}
	d := Day{Year: year, Month: month, Day: day}

	var events []models.PassengerEvent
	err := s.withLock(device, false, func() error {
		var err error
		events, err = s.readPartitionLocked(s.partitionPath(device, d))
		return err
	})
	return events, err
}

func (s *Store) readPartitionLocked(path string) ([]models.PassengerEvent, error) {
	content, err := readPartitionFile(path)
	if err != nil {
		return nil, err
	}
	if content.corrupt() {
		s.reportCorrupt(path, content)
	}
	return content.events, nil
}

// Devices lists the devices that have a partition directory.
func (s *Store) Devices() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, devicesDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && validDeviceID(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// partition is one day file found on disk.
type partition struct {
	Day  Day
	Path string
}

// partitions lists the day files of device, oldest first.
func (s *Store) partitions(device string) ([]partition, error) {
	base := s.root
	if device != LegacyDevice {
		base = s.deviceDir(device)
	}

	var out []partition
	years, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	for _, y := range years {
		if !y.IsDir() || y.Name() == devicesDir {
			continue
		}
		months, err := os.ReadDir(filepath.Join(base, y.Name()))
		if err != nil {
			return nil, err
		}
		for _, m := range months {
			if !m.IsDir() {
				continue
			}
			files, err := os.ReadDir(filepath.Join(base, y.Name(), m.Name()))
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if f.IsDir() {
					continue
				}
				d, ok := parseDayPath([]string{y.Name(), m.Name(), f.Name()})
				if !ok {
					continue
				}
				out = append(out, partition{Day: d, Path: filepath.Join(base, y.Name(), m.Name(), f.Name())})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Day, out[j].Day
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.Month != b.Month {
			return a.Month < b.Month
		}
		return a.Day < b.Day
	})
	return out, nil
}

// Pending returns the events of device with seq > since, lowest seq first,
// at most limit (0 means no limit). The scan holds the shared lock for its
// whole duration, so it sees a consistent snapshot even while the capture
// loop appends.
func (s *Store) Pending(device string, since int64, limit int) ([]models.PassengerEvent, error) {
	if !validDeviceID(device) {
		return nil, domain.E(domain.KindMalformedInput, "eventlog.Pending", "invalid device id", nil)
	}

	var out []models.PassengerEvent
	err := s.withLock(device, false, func() error {
		parts, err := s.partitions(device)
		if err != nil {
			return err
		}
		for _, p := range parts {
			events, err := s.readPartitionLocked(p.Path)
			if err != nil {
				return err
			}
			for _, ev := range events {
				if ev.Seq > since {
					out = append(out, ev)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EventsBetween returns all events of every device and of the legacy layout whose
// entry time is in [from, to). Partitions outside the window are not read.
func (s *Store) EventsBetween(ctx context.Context, from, to time.Time) ([]models.PassengerEvent, error) {
	devices, err := s.Devices()
	if err != nil {
		return nil, err
	}
	devices = append(devices, LegacyDevice)

	var out []models.PassengerEvent
	for _, device := range devices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.withLock(device, false, func() error {
			parts, err := s.partitions(device)
			if err != nil {
				return err
			}
			for _, p := range parts {
				start := p.Day.Start(s.loc)
				end := start.AddDate(0, 0, 1)
				if !start.Before(to) || !end.After(from) {
					continue
				}
				events, err := s.readPartitionLocked(p.Path)
				if err != nil {
					return err
				}
				for _, ev := range events {
					t := ev.EntryTime()
					if !t.Before(from) && t.Before(to) {
						out = append(out, ev)
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// PartitionFile is one partition to include in a snapshot archive.
type PartitionFile struct {
	Path string
	// Name is the archive path, relative to the parent of the store root.
	Name string
}

// PartitionFiles lists the partitions of device plus any legacy partitions.
func (s *Store) PartitionFiles(device string) ([]PartitionFile, error) {
	var out []PartitionFile
	for _, dev := range []string{device, LegacyDevice} {
		parts, err := s.partitions(dev)
		if err != nil {
			return nil, err
		}
		for _, p := range parts {
			rel, err := filepath.Rel(filepath.Dir(filepath.Clean(s.root)), p.Path)
			if err != nil {
				return nil, err
			}
			out = append(out, PartitionFile{Path: p.Path, Name: filepath.ToSlash(rel)})
		}
	}
	return out, nil
}
