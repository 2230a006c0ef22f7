package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MaxAggregateCacheTTL caps how stale a served count may be.
const MaxAggregateCacheTTL = 60 * time.Second

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Host string
	Port int
}

// Addr returns host:port for http.Server.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// TelemetryConfig configures vehicle status and broadcasting.
type TelemetryConfig struct {
	BroadcastInterval time.Duration
	OfflineAfter      time.Duration
	ParkedAfter       time.Duration
	LiveWindow        time.Duration
}

// MQTTConfig configures the optional broadcast publisher.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
}

// ServerConfig contains runtime configuration of the central service.
type ServerConfig struct {
	Environment       string
	HTTP              HTTPConfig
	DBURL             string
	DeviceKeys        map[string]string // key -> deviceID
	ArchiveDir        string
	MaxUploadBytes    int64
	AggregateCacheTTL time.Duration
	StaleDeviceAfter  time.Duration
	Telemetry         TelemetryConfig
	MQTT              MQTTConfig
}

// LoadServer reads the central service configuration from the environment
// and an optional app.env file.
// DEVICE_KEYS format: "PI001:key1,PI002:key2"
func LoadServer() (ServerConfig, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("ARCHIVE_DIR", "logs")
	v.SetDefault("MAX_UPLOAD_BYTES", 64<<20)
	v.SetDefault("AGGREGATE_CACHE_TTL", "30s")
	v.SetDefault("STALE_DEVICE_AFTER", "10m")
	v.SetDefault("BROADCAST_INTERVAL", "1s")
	v.SetDefault("OFFLINE_AFTER", "5m")
	v.SetDefault("PARKED_AFTER", "10m")
	v.SetDefault("LIVE_WINDOW", "15s")
	v.SetDefault("MQTT_TOPIC", "etrike/vehicles")
	v.SetDefault("MQTT_CLIENT_ID", "etrike-api")

	_ = v.ReadInConfig()

	keys, err := ParseDeviceKeys(v.GetString("DEVICE_KEYS"))
	if err != nil {
		return ServerConfig{}, err
	}

	// Local dev fallback so the service runs out-of-the-box.
	if len(keys) == 0 {
		keys["pi-key-123"] = "PI001"
	}

	cfg := ServerConfig{
		Environment: v.GetString("APP_ENV"),
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		DBURL:             strings.TrimSpace(v.GetString("DB_URL")),
		DeviceKeys:        keys,
		ArchiveDir:        v.GetString("ARCHIVE_DIR"),
		MaxUploadBytes:    v.GetInt64("MAX_UPLOAD_BYTES"),
		AggregateCacheTTL: v.GetDuration("AGGREGATE_CACHE_TTL"),
		StaleDeviceAfter:  v.GetDuration("STALE_DEVICE_AFTER"),
		Telemetry: TelemetryConfig{
			BroadcastInterval: v.GetDuration("BROADCAST_INTERVAL"),
			OfflineAfter:      v.GetDuration("OFFLINE_AFTER"),
			ParkedAfter:       v.GetDuration("PARKED_AFTER"),
			LiveWindow:        v.GetDuration("LIVE_WINDOW"),
		},
		MQTT: MQTTConfig{
			Broker:   v.GetString("MQTT_BROKER"),
			Topic:    v.GetString("MQTT_TOPIC"),
			ClientID: v.GetString("MQTT_CLIENT_ID"),
		},
	}

	if cfg.AggregateCacheTTL > MaxAggregateCacheTTL {
		cfg.AggregateCacheTTL = MaxAggregateCacheTTL
	}

	if err := validateServer(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.DBURL == "" {
		return errors.New("DB_URL required")
	}
	if cfg.Telemetry.BroadcastInterval <= 0 {
		return errors.New("BROADCAST_INTERVAL must be positive")
	}
	if cfg.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

// ParseDeviceKeys parses "device:key,device:key" into key -> device.
func ParseDeviceKeys(raw string) (map[string]string, error) {
	keys := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return keys, nil
	}

	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New(`DEVICE_KEYS must be "device:key,device:key"`)
		}
		device := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if device == "" || key == "" {
			return nil, errors.New(`DEVICE_KEYS must be "device:key,device:key"`)
		}
		keys[key] = device
	}
	return keys, nil
}
