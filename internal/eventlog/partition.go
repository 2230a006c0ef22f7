package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

// Day identifies one calendar-day partition.
type Day struct {
	Year  int
	Month int
	Day   int
}

// DayOf returns the partition day of t in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	t = t.In(loc)
	return Day{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
}

// Start returns midnight of the day in loc.
func (d Day) Start(loc *time.Location) time.Time {
	return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, loc)
}

// relPath is the year/month/day.json path used by device logs. Month and day
// are not zero padded.
func (d Day) relPath() string {
	return filepath.Join(strconv.Itoa(d.Year), strconv.Itoa(d.Month), strconv.Itoa(d.Day)+".json")
}

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// parseDayPath parses "<year>/<month>/<day>.json".
func parseDayPath(parts []string) (Day, bool) {
	if len(parts) != 3 || !strings.HasSuffix(parts[2], ".json") {
		return Day{}, false
	}
	y, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	d, err3 := strconv.Atoi(strings.TrimSuffix(parts[2], ".json"))
	if err1 != nil || err2 != nil || err3 != nil {
		return Day{}, false
	}
	if y < 1970 || m < 1 || m > 12 || d < 1 || d > 31 {
		return Day{}, false
	}
	return Day{Year: y, Month: m, Day: d}, true
}

// partitionContent is what could be recovered from one partition file.
type partitionContent struct {
	events  []models.PassengerEvent
	badRecs int
	syntax  error
}

func (p partitionContent) corrupt() bool {
	return p.badRecs > 0 || p.syntax != nil
}

// DecodePartition decodes a JSON array of events element by element. Records
// with the wrong shape are counted and skipped; a syntax error stops decoding
// and keeps everything read before it.
func DecodePartition(data []byte) (events []models.PassengerEvent, badRecords int, err error) {
	c := decodePartition(data)
	return c.events, c.badRecs, c.syntax
}

func decodePartition(data []byte) partitionContent {
	var out partitionContent
	if len(bytes.TrimSpace(data)) == 0 {
		return out
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		out.syntax = err
		return out
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		out.syntax = errors.New("partition is not a JSON array")
		return out
	}

	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			out.syntax = err
			return out
		}
		var ev models.PassengerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			out.badRecs++
			continue
		}
		out.events = append(out.events, ev)
	}

	if _, err := dec.Token(); err != nil {
		out.syntax = err
	}
	return out
}

func readPartitionFile(path string) (partitionContent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return partitionContent{}, nil
		}
		return partitionContent{}, err
	}
	return decodePartition(data), nil
}

// writePartitionFile replaces path atomically: readers see the old or the new
// file, never a torn one.
func writePartitionFile(path string, events []models.PassengerEvent) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if events == nil {
		events = []models.PassengerEvent{}
	}
	data, err := json.MarshalIndent(events, "", "    ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".partition-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// quarantine moves a corrupt partition aside before it is rewritten.
func quarantine(path string, now time.Time) (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%d", path, now.Unix())
	return dst, os.Rename(path, dst)
}
