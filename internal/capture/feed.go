// Package capture turns the tracker feed into occupancy transitions.
//
// The tracker writes one JSON object per line. Frame lines carry the tracked
// people of one video frame; gps lines carry a position fix. Frames are
// processed by a single goroutine in arrival order, and when it falls behind
// new frames are dropped rather than queued.
package capture

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/zone"
)

const (
	lineFrame = "frame"
	lineGPS   = "gps"
)

// maxLineBytes bounds one feed line (17 keypoints for dozens of people fits easily).
const maxLineBytes = 1 << 20

// Detection is one tracked person in a frame.
type Detection struct {
	TrackID   int64        `json:"track_id"`
	Keypoints [][2]float64 `json:"keypoints"`
	// Box is [cx, cy, w, h]; empty when the tracker has no box.
	Box []float64 `json:"box,omitempty"`
}

// ReferencePoint places the detection for zone classification.
func (d Detection) ReferencePoint() zone.Point {
	var box *zone.Box
	if len(d.Box) == 4 {
		box = &zone.Box{CX: d.Box[0], CY: d.Box[1], W: d.Box[2], H: d.Box[3]}
	}
	return zone.ReferencePoint(d.Keypoints, box)
}

// Frame is one processed video frame.
type Frame struct {
	TS         float64     `json:"ts"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Detections []Detection `json:"detections"`
}

// GPSFix is one position fix from the vehicle GPS.
type GPSFix struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
	TS        float64 `json:"ts"`
}

// Message is one decoded feed line; exactly one field is set.
type Message struct {
	Frame *Frame
	GPS   *GPSFix
}

type line struct {
	Type string `json:"type"`
	Frame
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Speed     float64  `json:"speed"`
	Heading   float64  `json:"heading"`
}

// Reader decodes the tracker feed. Lines that do not decode are counted and skipped.
type Reader struct {
	sc      *bufio.Scanner
	line    int
	skipped int
}

// NewReader reads a tracker feed from r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Reader{sc: sc}
}

// Next returns the next message, io.EOF at the end of the feed.
func (r *Reader) Next() (Message, error) {
	for r.sc.Scan() {
		r.line++
		raw := r.sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		msg, err := decodeLine(raw)
		if err != nil {
			r.skipped++
			continue
		}
		return msg, nil
	}
	if err := r.sc.Err(); err != nil {
		return Message{}, fmt.Errorf("feed line %d: %w", r.line+1, err)
	}
	return Message{}, io.EOF
}

// Skipped is the number of lines that could not be decoded.
func (r *Reader) Skipped() int { return r.skipped }

func decodeLine(raw []byte) (Message, error) {
	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return Message{}, err
	}
	switch l.Type {
	case lineFrame, "":
		f := l.Frame
		return Message{Frame: &f}, nil
	case lineGPS:
		if l.Latitude == nil || l.Longitude == nil {
			return Message{}, fmt.Errorf("gps line without coordinates")
		}
		return Message{GPS: &GPSFix{
			Latitude:  *l.Latitude,
			Longitude: *l.Longitude,
			Speed:     l.Speed,
			Heading:   l.Heading,
			TS:        l.TS,
		}}, nil
	default:
		return Message{}, fmt.Errorf("unknown line type %q", l.Type)
	}
}
