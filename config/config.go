// Package config loads the relay server configuration from a JSON file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Backend selects what the automation handle is attached to.
type Backend string

const (
	BackendCOM       Backend = "com"
	BackendSimulator Backend = "simulator"

	DefaultListen = "localhost:1234"
)

// Duration is a time.Duration written as a string ("30s", "100ms") in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ServerConfig controls the websocket listener.
type ServerConfig struct {
	Listen       string   `json:"listen"`
	Path         string   `json:"path"`
	ReadLimit    int64    `json:"read_limit"`
	PingInterval Duration `json:"ping_interval"`
}

// AutomationConfig selects and tunes the automation backend.
type AutomationConfig struct {
	Backend Backend `json:"backend"`

	// Objects maps member names exposed to clients onto COM ProgIDs.
	Objects    map[string]string `json:"objects"`
	BusyPolicy string            `json:"busy_policy"`
}

// MiddlewareConfig configures the server-side call chain. Zero values disable a stage.
type MiddlewareConfig struct {
	CallTimeout Duration `json:"call_timeout"`
	RateLimit   float64  `json:"rate_limit"`
	RateBurst   int      `json:"rate_burst"`
	BusyRetries int      `json:"busy_retries"`
	RetryDelay  Duration `json:"retry_delay"`
}

// AuditConfig controls the SQLite call log.
type AuditConfig struct {
	Enabled bool     `json:"enabled"`
	Path    string   `json:"path"`
	Retain  Duration `json:"retain"`
}

// RegistryConfig announces the server in etcd. Empty endpoints disable it.
type RegistryConfig struct {
	Endpoints []string `json:"endpoints"`
	Service   string   `json:"service"`
	Advertise string   `json:"advertise"`
	Name      string   `json:"name"`
	TTL       int64    `json:"ttl"`
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Config is the root server configuration.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Automation AutomationConfig `json:"automation"`
	Middleware MiddlewareConfig `json:"middleware"`
	Audit      AuditConfig      `json:"audit"`
	Registry   RegistryConfig   `json:"registry"`
	Logging    LoggingConfig    `json:"logging"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:       DefaultListen,
			Path:         "/",
			ReadLimit:    1 << 20,
			PingInterval: Duration(30 * time.Second),
		},
		Automation: AutomationConfig{
			Backend: BackendCOM,
			Objects: map[string]string{
				"ExpSetup":      "WinX32.ExpSetup",
				"SpectroObjMgr": "WinX32.SpectroObjMgr",
			},
			BusyPolicy: "wait",
		},
		Middleware: MiddlewareConfig{
			RetryDelay: Duration(100 * time.Millisecond),
		},
		Audit: AuditConfig{
			Path:   "winspec-audit.db",
			Retain: Duration(30 * 24 * time.Hour),
		},
		Registry: RegistryConfig{
			Service: "winspec",
			TTL:     10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path on top of the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at startup.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen: %w", err)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /: %q", c.Server.Path)
	}
	switch c.Automation.Backend {
	case BackendCOM:
		if len(c.Automation.Objects) == 0 {
			return errors.New("automation.objects must name at least one COM object")
		}
	case BackendSimulator:
	default:
		return fmt.Errorf("automation.backend: unknown backend %q", c.Automation.Backend)
	}
	switch c.Automation.BusyPolicy {
	case "", "wait", "fail":
	default:
		return fmt.Errorf("automation.busy_policy: unknown policy %q", c.Automation.BusyPolicy)
	}
	if c.Middleware.RateLimit < 0 || c.Middleware.RateBurst < 0 || c.Middleware.BusyRetries < 0 {
		return errors.New("middleware limits must not be negative")
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		return errors.New("audit.path is required when audit is enabled")
	}
	if len(c.Registry.Endpoints) > 0 && c.Registry.Service == "" {
		return errors.New("registry.service is required when endpoints are set")
	}
	return nil
}

// ListenAddress turns the start-up arguments into a bind address.
// It accepts "host:port", "host port", or just "host" (default port 1234).
func ListenAddress(args []string) (string, error) {
	switch len(args) {
	case 0:
		return DefaultListen, nil
	case 1:
		if _, _, err := net.SplitHostPort(args[0]); err == nil {
			return args[0], nil
		}
		return net.JoinHostPort(args[0], "1234"), nil
	case 2:
		return net.JoinHostPort(args[0], args[1]), nil
	}
	return "", fmt.Errorf("expected <ip> [port], got %d arguments", len(args))
}
