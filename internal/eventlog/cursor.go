package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/domain"
)

const cursorFile = "cursor.json"

// Cursor is the persisted sync position of a device.
type Cursor struct {
	// LastSeq is the highest seq assigned locally.
	LastSeq int64 `json:"last_seq"`
	// LastAckedSeq is the highest seq the central service confirmed.
	LastAckedSeq int64 `json:"last_acked_seq"`
}

func (s *Store) cursorPath(device string) string {
	return filepath.Join(s.deviceDir(device), cursorFile)
}

func (s *Store) readCursor(device string) (Cursor, error) {
	var c Cursor
	data, err := os.ReadFile(s.cursorPath(device))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return s.rebuildCursor(device, err)
	}
	return c, nil
}

// rebuildCursor recovers LastSeq from the partitions when cursor.json is
// unreadable. The acked position restarts at zero, so everything is resent and
// deduplicated by the server.
func (s *Store) rebuildCursor(device string, cause error) (Cursor, error) {
	s.corruptions.Add(1)
	parts, err := s.partitions(device)
	if err != nil {
		return Cursor{}, domain.E(domain.KindPartitionCorrupt, "eventlog.Cursor", "cursor file unreadable", cause)
	}
	var c Cursor
	for _, p := range parts {
		content, err := readPartitionFile(p.Path)
		if err != nil {
			continue
		}
		for _, ev := range content.events {
			if ev.Seq > c.LastSeq {
				c.LastSeq = ev.Seq
			}
		}
	}
	s.log.Warn().
		Str("device_id", device).
		AnErr("cause", cause).
		Int64("last_seq", c.LastSeq).
		Str("kind", domain.KindPartitionCorrupt.String()).
		Msg("cursor file unreadable, rebuilt from partitions")
	return c, nil
}

func (s *Store) writeCursor(device string, c Cursor) error {
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return err
	}
	dir := s.deviceDir(device)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".cursor-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.cursorPath(device))
}

// Cursor returns the sync position of device.
func (s *Store) Cursor(device string) (Cursor, error) {
	if !validDeviceID(device) {
		return Cursor{}, domain.E(domain.KindMalformedInput, "eventlog.Cursor", "invalid device id", nil)
	}
	var c Cursor
	err := s.withLock(device, false, func() error {
		var err error
		c, err = s.readCursor(device)
		return err
	})
	return c, err
}

// Ack records that the central service confirmed everything up to seq. The
// acknowledged position never moves backwards and never passes the last
// assigned seq. It returns the stored cursor.
func (s *Store) Ack(device string, seq int64) (Cursor, error) {
	if !validDeviceID(device) {
		return Cursor{}, domain.E(domain.KindMalformedInput, "eventlog.Ack", "invalid device id", nil)
	}
	var c Cursor
	err := s.withLock(device, true, func() error {
		var err error
		c, err = s.readCursor(device)
		if err != nil {
			return err
		}
		next := seq
		if next > c.LastSeq {
			next = c.LastSeq
		}
		if next <= c.LastAckedSeq {
			return nil
		}
		c.LastAckedSeq = next
		if err := s.writeCursor(device, c); err != nil {
			return fmt.Errorf("eventlog: write cursor: %w", err)
		}
		return nil
	})
	return c, err
}
