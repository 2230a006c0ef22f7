package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

// DefaultLiveWindow is how recent a heartbeat must be for a device to count as live.
const DefaultLiveWindow = 15 * time.Second

// Heartbeats records the last time each device reached the service.
type Heartbeats struct {
	mu     sync.RWMutex
	last   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewHeartbeats tracks devices seen within window.
func NewHeartbeats(window time.Duration, now func() time.Time) *Heartbeats {
	if window <= 0 {
		window = DefaultLiveWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Heartbeats{last: map[string]time.Time{}, window: window, now: now}
}

// Touch records that device was seen now.
func (h *Heartbeats) Touch(device string) {
	if device == "" {
		return
	}
	t := h.now()
	h.mu.Lock()
	h.last[device] = t
	h.mu.Unlock()
}

// DeviceLiveness is the heartbeat state of one device.
type DeviceLiveness struct {
	DeviceID      string  `json:"pi_id"`
	LastHeartbeat float64 `json:"last_heartbeat"`
	IsLive        bool    `json:"is_live"`
}

// LiveStatus is the GET /pi-live-status payload. LastHeartbeat is unix
// seconds of the most recent heartbeat of any device, 0 when none was seen.
type LiveStatus struct {
	IsLive        bool             `json:"is_live"`
	LastHeartbeat float64          `json:"last_heartbeat"`
	Devices       []DeviceLiveness `json:"devices"`
}

// Status returns the liveness of every known device.
func (h *Heartbeats) Status() LiveStatus {
	now := h.now()
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := LiveStatus{Devices: make([]DeviceLiveness, 0, len(h.last))}
	var latest time.Time
	for device, t := range h.last {
		live := now.Sub(t) <= h.window
		st.Devices = append(st.Devices, DeviceLiveness{DeviceID: device, LastHeartbeat: models.UnixSeconds(t), IsLive: live})
		if t.After(latest) {
			latest = t
		}
	}
	if !latest.IsZero() {
		st.LastHeartbeat = models.UnixSeconds(latest)
		st.IsLive = now.Sub(latest) <= h.window
	}
	sort.Slice(st.Devices, func(i, j int) bool { return st.Devices[i].DeviceID < st.Devices[j].DeviceID })
	return st
}
