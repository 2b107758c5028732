package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"c3loc/go-ingest-server/internal/frame"
	"c3loc/go-ingest-server/internal/store"
)

// EnvPrefix prefixes every environment override, e.g. C3LOC_LISTEN_ADDRESS.
const EnvPrefix = "C3LOC"

// FileEnv names an optional config file (any format viper reads).
const FileEnv = EnvPrefix + "_CONFIG"

// Config lists the tunable parameters for the ingest server.
type Config struct {
	ListenAddress string
	HTTPPort      int
	MetricsPort   int

	DatabaseDriver   string
	DatabaseDSN      string
	MaxDBConnections int

	Workers          int
	MaxQueuedPackets int
	MaxFrameSize     int

	SSRKey                []byte
	LAUUID                uuid.UUID
	LastSeenResolution    time.Duration
	ListenerTouchInterval time.Duration

	ProximityPeriod time.Duration
	ProximityWindow time.Duration
	LogRetention    time.Duration
	PruneEvery      int

	MQTTBroker      string
	MQTTTopicPrefix string

	MDNSEnabled  bool
	MDNSInstance string

	ShutdownTimeout time.Duration
	LogLevel        string
}

var defaults = map[string]any{
	"listen_address":          ":9999",
	"http_port":               8080,
	"metrics_port":            9090,
	"database_driver":         "sqlite",
	"database_dsn":            "data/c3loc.db",
	"max_db_connections":      4,
	"workers":                 0,
	"max_queued_packets":      100,
	"max_frame_size":          frame.DefaultMaxSize,
	"ssr_key":                 "",
	"la_uuid":                 "",
	"last_seen_resolution":    5 * time.Second,
	"listener_touch_interval": 5 * time.Second,
	"proximity_period":        time.Second,
	"proximity_window":        10 * time.Second,
	"log_retention":           5 * time.Minute,
	"prune_every":             60,
	"mqtt_broker":             "",
	"mqtt_topic_prefix":       "c3loc",
	"mdns_enabled":            false,
	"mdns_instance":           "c3loc-ingest",
	"shutdown_timeout":        5 * time.Second,
	"log_level":               "info",
}

// Load reads defaults, then the file named by C3LOC_CONFIG if set, then C3LOC_* environment variables.
func Load() (Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(FileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		ListenAddress:         v.GetString("listen_address"),
		HTTPPort:              v.GetInt("http_port"),
		MetricsPort:           v.GetInt("metrics_port"),
		DatabaseDriver:        strings.ToLower(v.GetString("database_driver")),
		DatabaseDSN:           v.GetString("database_dsn"),
		MaxDBConnections:      v.GetInt("max_db_connections"),
		Workers:               v.GetInt("workers"),
		MaxQueuedPackets:      v.GetInt("max_queued_packets"),
		MaxFrameSize:          v.GetInt("max_frame_size"),
		LastSeenResolution:    v.GetDuration("last_seen_resolution"),
		ListenerTouchInterval: v.GetDuration("listener_touch_interval"),
		ProximityPeriod:       v.GetDuration("proximity_period"),
		ProximityWindow:       v.GetDuration("proximity_window"),
		LogRetention:          v.GetDuration("log_retention"),
		PruneEvery:            v.GetInt("prune_every"),
		MQTTBroker:            v.GetString("mqtt_broker"),
		MQTTTopicPrefix:       v.GetString("mqtt_topic_prefix"),
		MDNSEnabled:           v.GetBool("mdns_enabled"),
		MDNSInstance:          v.GetString("mdns_instance"),
		ShutdownTimeout:       v.GetDuration("shutdown_timeout"),
		LogLevel:              v.GetString("log_level"),
	}
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.MaxDBConnections
	}

	var errs []error
	if key := v.GetString("ssr_key"); key != "" {
		b, err := hex.DecodeString(key)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("invalid ssr_key: %w", err))
		case len(b) != 16 && len(b) != 24 && len(b) != 32:
			errs = append(errs, fmt.Errorf("invalid ssr_key: %d bytes, want an AES key", len(b)))
		default:
			cfg.SSRKey = b
		}
	}
	if s := v.GetString("la_uuid"); s != "" {
		u, err := uuid.Parse(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid la_uuid: %w", err))
		}
		cfg.LAUUID = u
	}
	if _, err := store.ParseDialect(cfg.DatabaseDriver); err != nil {
		errs = append(errs, err)
	}
	for name, n := range map[string]int{
		"max_db_connections": cfg.MaxDBConnections,
		"max_queued_packets": cfg.MaxQueuedPackets,
		"max_frame_size":     cfg.MaxFrameSize,
		"prune_every":        cfg.PruneEvery,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s: must be positive, got %d", name, n))
		}
	}
	if cfg.HTTPPort < 0 || cfg.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid http_port %d", cfg.HTTPPort))
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid metrics_port %d", cfg.MetricsPort))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
