// Package config holds the calibrator's runtime configuration.
//
// Values come from three layers: DefaultConfig, an optional YAML file and
// command-line flags, with later layers winning.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/parking-calibrator/internal/logger"
)

// Config is the complete calibrator configuration.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	PprofAddr   string `yaml:"pprof_addr"`

	BackendURL string `yaml:"backend_url"`
	// RealtimeURL defaults to the backend's /ws endpoint on the ws(s) scheme.
	RealtimeURL string `yaml:"realtime_url"`
	Token       string `yaml:"token"`
	SpotID      string `yaml:"spot_id"`

	// CameraURL overrides the URL stored on the backend when set.
	CameraURL          string        `yaml:"camera_url"`
	CameraPollInterval time.Duration `yaml:"camera_poll_interval"`

	// MaxSlots of 0 means unlimited.
	MaxSlots int `yaml:"max_slots"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// SnapshotDir empty disables the save archive.
	SnapshotDir string `yaml:"snapshot_dir"`

	// LivePeers caps WebRTC live feed peers; 0 disables the feed.
	LivePeers  int    `yaml:"live_peers"`
	STUNServer string `yaml:"stun_server"`

	LogLevel logger.LogLevel `yaml:"log_level"`
	LogColor bool            `yaml:"log_color"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:           ":8090",
		MetricsAddr:        ":9091",
		BackendURL:         "http://localhost:5000",
		CameraPollInterval: 500 * time.Millisecond,
		RequestTimeout:     30 * time.Second,
		ReconnectDelay:     time.Second,
		LivePeers:          4,
		STUNServer:         "stun:stun.l.google.com:19302",
		LogLevel:           logger.INFO,
	}
}

// Load reads a YAML file on top of DefaultConfig. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// RegisterFlags binds every field onto fs, using the current values as
// defaults so that flags override a loaded file.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.HTTPAddr, "http", c.HTTPAddr, "operator HTTP listen address")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "Prometheus metrics listen address (empty disables)")
	fs.StringVar(&c.PprofAddr, "pprof", c.PprofAddr, "pprof listen address (empty disables)")
	fs.StringVar(&c.BackendURL, "backend", c.BackendURL, "detection backend base URL")
	fs.StringVar(&c.RealtimeURL, "realtime", c.RealtimeURL, "realtime websocket URL (defaults to <backend>/ws)")
	fs.StringVar(&c.Token, "token", c.Token, "bearer token for the backend")
	fs.StringVar(&c.SpotID, "spot", c.SpotID, "parking spot id")
	fs.StringVar(&c.CameraURL, "camera", c.CameraURL, "camera URL override")
	fs.DurationVar(&c.CameraPollInterval, "camera-poll", c.CameraPollInterval, "poll interval for single-image cameras")
	fs.IntVar(&c.MaxSlots, "max-slots", c.MaxSlots, "maximum number of slots (0 = unlimited)")
	fs.DurationVar(&c.RequestTimeout, "timeout", c.RequestTimeout, "backend request timeout")
	fs.DurationVar(&c.ReconnectDelay, "reconnect", c.ReconnectDelay, "realtime reconnect delay")
	fs.StringVar(&c.SnapshotDir, "snapshots", c.SnapshotDir, "directory for saved calibration snapshots (empty disables)")
	fs.IntVar(&c.LivePeers, "live-peers", c.LivePeers, "maximum WebRTC live feed peers (0 disables)")
	fs.StringVar(&c.STUNServer, "stun", c.STUNServer, "STUN server URL for the WebRTC live feed")
	fs.TextVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error, silent)")
	fs.BoolVar(&c.LogColor, "log-color", c.LogColor, "enable colored log output")
}

// Validate backfills zero values and rejects unusable settings.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.HTTPAddr == "" {
		c.HTTPAddr = def.HTTPAddr
	}
	if c.BackendURL == "" {
		c.BackendURL = def.BackendURL
	}
	if c.CameraPollInterval <= 0 {
		c.CameraPollInterval = def.CameraPollInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}

	if strings.TrimSpace(c.SpotID) == "" {
		return errors.New("spot_id is required")
	}
	if c.MaxSlots < 0 {
		return fmt.Errorf("max_slots must be >= 0, got %d", c.MaxSlots)
	}
	if c.LivePeers < 0 {
		return fmt.Errorf("live_peers must be >= 0, got %d", c.LivePeers)
	}

	backend, err := url.Parse(c.BackendURL)
	if err != nil || (backend.Scheme != "http" && backend.Scheme != "https") || backend.Host == "" {
		return fmt.Errorf("backend_url %q must be an absolute http(s) URL", c.BackendURL)
	}
	c.BackendURL = strings.TrimRight(c.BackendURL, "/")

	if c.RealtimeURL == "" {
		c.RealtimeURL = realtimeFrom(backend)
	}
	rt, err := url.Parse(c.RealtimeURL)
	if err != nil || (rt.Scheme != "ws" && rt.Scheme != "wss") {
		return fmt.Errorf("realtime_url %q must be a ws(s) URL", c.RealtimeURL)
	}
	return nil
}

func realtimeFrom(backend *url.URL) string {
	u := *backend
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String()
}

// PathFromArgs returns the value of -config/--config in args, if any.
// It runs before flag parsing so the file can seed flag defaults.
func PathFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name := strings.TrimLeft(a, "-")
		if name == a {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
