package capture

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/occupancy"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/zone"
)

type recorder struct {
	mu     sync.Mutex
	events []models.PassengerEvent
}

func (r *recorder) Record(ev models.PassengerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type gpsSink struct{ fixes []GPSFix }

func (g *gpsSink) OfferGPS(f GPSFix) bool {
	g.fixes = append(g.fixes, f)
	return true
}

var margins = zone.Margins{SideMargin: 100, BottomMargin: 100, FrameWidth: 640, FrameHeight: 480}

func TestReader(t *testing.T) {
	feed := strings.Join([]string{
		`{"type":"frame","ts":10.5,"width":640,"height":480,"detections":[{"track_id":7,"keypoints":[[320,200]],"box":[320,200,80,200]}]}`,
		`not json`,
		``,
		`{"type":"gps","latitude":14.6,"longitude":121.0,"speed":3,"heading":180,"ts":11}`,
		`{"type":"gps","speed":3}`,
		`{"type":"audio"}`,
	}, "\n")
	r := NewReader(strings.NewReader(feed))

	msg, err := r.Next()
	if err != nil || msg.Frame == nil {
		t.Fatalf("first message: %+v %v", msg, err)
	}
	if msg.Frame.TS != 10.5 || len(msg.Frame.Detections) != 1 || msg.Frame.Detections[0].TrackID != 7 {
		t.Fatalf("frame: %+v", msg.Frame)
	}
	if p := msg.Frame.Detections[0].ReferencePoint(); !p.Valid || p.X != 320 || p.Y != 200 {
		t.Fatalf("reference point: %+v", p)
	}

	msg, err = r.Next()
	if err != nil || msg.GPS == nil || msg.GPS.Latitude != 14.6 || msg.GPS.TS != 11 {
		t.Fatalf("gps message: %+v %v", msg, err)
	}

	if _, err := r.Next(); err == nil {
		t.Fatalf("expected EOF")
	}
	if r.Skipped() != 3 {
		t.Fatalf("skipped %d, want 3", r.Skipped())
	}
}

func frameAt(ts float64, id int64, x, y float64) Frame {
	return Frame{TS: ts, Detections: []Detection{{TrackID: id, Box: []float64{x, y, 80, 200}}}}
}

func TestPipeline_ProducesOneEventInOrder(t *testing.T) {
	rec := &recorder{}
	m := occupancy.New(occupancy.Identity{DeviceID: "PI001"}, rec, zerolog.Nop())
	p := NewPipeline(zone.NewLive(margins), m, Options{QueueSize: 8}, zerolog.Nop())

	const base = 1709632800.0
	for _, f := range []Frame{
		frameAt(base, 7, 50, 200),
		frameAt(base+5, 7, 320, 200),
		frameAt(base+8, 7, 0, 0),
		frameAt(base+12, 7, 50, 200),
	} {
		if !p.Offer(f) {
			t.Fatalf("frame dropped")
		}
	}
	p.Close()
	p.Run(context.Background())

	if len(rec.events) != 1 {
		t.Fatalf("events %d, want 1", len(rec.events))
	}
	ev := rec.events[0]
	if ev.PersonID != 7 || ev.EntryTimestamp != base+5 || *ev.ExitTimestamp != base+12 {
		t.Fatalf("event: %+v", ev)
	}
	if st := p.Stats(); st.Processed != 4 || st.Transitions != 2 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestPipeline_DropsNewestWhenFull(t *testing.T) {
	p := NewPipeline(zone.NewLive(margins), occupancy.New(occupancy.Identity{DeviceID: "PI001"}, &recorder{}, zerolog.Nop()), Options{QueueSize: 2}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		if !p.Offer(frameAt(float64(i+1), 1, 320, 200)) {
			t.Fatalf("frame %d dropped", i)
		}
	}
	if p.Offer(frameAt(3, 1, 320, 200)) {
		t.Fatalf("third frame accepted by a full queue")
	}
	if st := p.Stats(); st.Received != 3 || st.Dropped != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestPipeline_Stride(t *testing.T) {
	p := NewPipeline(zone.NewLive(margins), occupancy.New(occupancy.Identity{DeviceID: "PI001"}, &recorder{}, zerolog.Nop()), Options{QueueSize: 8, Stride: 2}, zerolog.Nop())
	for i := 0; i < 4; i++ {
		p.Offer(frameAt(float64(i+1), 1, 320, 200))
	}
	p.Close()
	p.Run(context.Background())

	if st := p.Stats(); st.Processed != 2 || st.Skipped != 2 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestPump(t *testing.T) {
	feed := `{"type":"frame","ts":1,"detections":[]}
{"type":"gps","latitude":14.6,"longitude":121.0,"ts":2}
{"type":"frame","ts":3,"detections":[]}
`
	p := NewPipeline(zone.NewLive(margins), occupancy.New(occupancy.Identity{DeviceID: "PI001"}, &recorder{}, zerolog.Nop()), Options{}, zerolog.Nop())
	gps := &gpsSink{}

	if err := Pump(context.Background(), NewReader(strings.NewReader(feed)), p, gps); err != nil {
		t.Fatalf("pump: %v", err)
	}
	p.Run(context.Background())

	if st := p.Stats(); st.Received != 2 || st.Processed != 2 {
		t.Fatalf("stats: %+v", st)
	}
	if len(gps.fixes) != 1 {
		t.Fatalf("fixes %d, want 1", len(gps.fixes))
	}
}
