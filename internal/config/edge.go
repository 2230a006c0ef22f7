package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	SyncModeBatch  = "batch"
	SyncModeStream = "stream"
)

// DeviceIdentity is attached to every event the device creates.
type DeviceIdentity struct {
	PiID     string
	City     string
	TodaID   string
	EtrikeID string
	Location string
}

// ZoneConfig holds the zone margins in pixels.
type ZoneConfig struct {
	SideMargin   int
	BottomMargin int
	FrameWidth   int
	FrameHeight  int
}

// SyncConfig configures the transmitter.
type SyncConfig struct {
	ServerURL        string
	DeviceKey        string
	SignedTokens     bool
	Interval         time.Duration
	Timeout          time.Duration
	BatchSize        int
	Mode             string
	SnapshotInterval time.Duration
}

// CaptureConfig configures the frame pipeline.
type CaptureConfig struct {
	FrameQueue    int
	FrameStride   int
	ChildHeightPx int
}

// EdgeConfig is the configuration of one Pi unit.
type EdgeConfig struct {
	Environment string
	Device      DeviceIdentity
	Zones       ZoneConfig
	LogDir      string
	Sync        SyncConfig
	Capture     CaptureConfig
}

// EdgeSource loads the device config file (config.json) with environment overrides.
type EdgeSource struct {
	v         *viper.Viper
	fileFound bool
}

// NewEdgeSource prepares a source for the given config file path.
func NewEdgeSource(path string) *EdgeSource {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.AutomaticEnv()

	v.SetDefault("app_env", "development")
	v.SetDefault("pi_id", "unknown")
	v.SetDefault("city", "unknown")
	v.SetDefault("toda_id", "unknown")
	v.SetDefault("etrike_id", "unknown")
	v.SetDefault("location", "unknown")
	v.SetDefault("bottom_margin", 100)
	v.SetDefault("frame_width", 640)
	v.SetDefault("frame_height", 480)
	v.SetDefault("log_dir", "logs")
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("sync_interval", "5s")
	v.SetDefault("sync_timeout", "10s")
	v.SetDefault("sync_batch_size", 500)
	v.SetDefault("sync_mode", SyncModeBatch)
	v.SetDefault("snapshot_interval", "1h")
	v.SetDefault("frame_queue", 8)
	v.SetDefault("frame_stride", 1)
	v.SetDefault("child_height_px", 125)

	return &EdgeSource{v: v}
}

// Load reads the file (a missing file falls back to defaults) and returns the config.
func (s *EdgeSource) Load() (EdgeConfig, error) {
	if err := s.v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return EdgeConfig{}, fmt.Errorf("read edge config: %w", err)
		}
		s.fileFound = false
	} else {
		s.fileFound = true
	}
	return s.current()
}

// Watch calls fn with the new config each time the file changes.
// Invalid edits are ignored so the running config stays in effect.
func (s *EdgeSource) Watch(fn func(EdgeConfig, error)) {
	if !s.fileFound {
		return
	}
	s.v.OnConfigChange(func(fsnotify.Event) {
		fn(s.current())
	})
	s.v.WatchConfig()
}

func (s *EdgeSource) current() (EdgeConfig, error) {
	v := s.v

	// Older device files call the side margin "zone_margin".
	side := 100
	switch {
	case v.IsSet("side_margin"):
		side = v.GetInt("side_margin")
	case v.IsSet("zone_margin"):
		side = v.GetInt("zone_margin")
	}

	cfg := EdgeConfig{
		Environment: v.GetString("app_env"),
		Device: DeviceIdentity{
			PiID:     v.GetString("pi_id"),
			City:     v.GetString("city"),
			TodaID:   v.GetString("toda_id"),
			EtrikeID: v.GetString("etrike_id"),
			Location: v.GetString("location"),
		},
		Zones: ZoneConfig{
			SideMargin:   side,
			BottomMargin: v.GetInt("bottom_margin"),
			FrameWidth:   v.GetInt("frame_width"),
			FrameHeight:  v.GetInt("frame_height"),
		},
		LogDir: v.GetString("log_dir"),
		Sync: SyncConfig{
			ServerURL:        strings.TrimRight(v.GetString("server_url"), "/"),
			DeviceKey:        v.GetString("device_key"),
			SignedTokens:     v.GetBool("signed_tokens"),
			Interval:         v.GetDuration("sync_interval"),
			Timeout:          v.GetDuration("sync_timeout"),
			BatchSize:        v.GetInt("sync_batch_size"),
			Mode:             strings.ToLower(v.GetString("sync_mode")),
			SnapshotInterval: v.GetDuration("snapshot_interval"),
		},
		Capture: CaptureConfig{
			FrameQueue:    v.GetInt("frame_queue"),
			FrameStride:   v.GetInt("frame_stride"),
			ChildHeightPx: v.GetInt("child_height_px"),
		},
	}

	if err := validateEdge(cfg); err != nil {
		return EdgeConfig{}, err
	}
	return cfg, nil
}

func validateEdge(cfg EdgeConfig) error {
	if cfg.Device.PiID == "" {
		return errors.New("pi_id is required")
	}
	if cfg.Zones.SideMargin < 0 || cfg.Zones.BottomMargin < 0 {
		return errors.New("zone margins must not be negative")
	}
	if cfg.Zones.FrameWidth <= 0 || cfg.Zones.FrameHeight <= 0 {
		return errors.New("frame dimensions must be positive")
	}
	if cfg.Sync.Interval <= 0 || cfg.Sync.Timeout <= 0 {
		return errors.New("sync_interval and sync_timeout must be positive")
	}
	if cfg.Sync.BatchSize <= 0 {
		return errors.New("sync_batch_size must be positive")
	}
	if cfg.Sync.Mode != SyncModeBatch && cfg.Sync.Mode != SyncModeStream {
		return fmt.Errorf("sync_mode must be %q or %q", SyncModeBatch, SyncModeStream)
	}
	if cfg.Capture.FrameQueue <= 0 || cfg.Capture.FrameStride <= 0 {
		return errors.New("frame_queue and frame_stride must be positive")
	}
	return nil
}
