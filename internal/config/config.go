// Package config loads and validates the service configuration. The result
// is an immutable snapshot: device definitions, intervals, and collaborator
// endpoints are fixed from before the first poll cycle until restart.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/delaneymorgan/anybodyhome/internal/probe"
)

// defaultLockdownPort is the iOS lockdownd port, which answers TCP connects
// whenever an iPhone is awake on the network. Used when a tcp device omits
// an explicit port.
const defaultLockdownPort = 62078

// Poll controls the scheduler.
type Poll struct {
	// Interval, when set, fixes the cycle period. When zero the scheduler
	// alternates between HomeInterval and AwayInterval based on whether
	// anybody is currently detected.
	Interval time.Duration `mapstructure:"interval"`

	// HomeInterval is the cycle period while somebody is home. Polling
	// faster here makes departures visible promptly.
	HomeInterval time.Duration `mapstructure:"home_interval"`

	// AwayInterval is the cycle period while the house is empty.
	AwayInterval time.Duration `mapstructure:"away_interval"`

	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// PingCount is the number of echo requests per ICMP probe.
	PingCount int `mapstructure:"ping_count"`

	// MaxInFlight caps concurrent probes per cycle.
	MaxInFlight int `mapstructure:"max_in_flight"`

	// Rate caps probe dispatches per second, to avoid bursting the WiFi
	// with a wall of pings every cycle. Zero disables pacing.
	Rate float64 `mapstructure:"rate"`

	// DebounceThreshold is the number of consecutive failed probes before
	// a present device is declared absent.
	DebounceThreshold int `mapstructure:"debounce_threshold"`
}

// Redis configures the primary persistence adapter.
type Redis struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

// SQLite configures the optional local history store.
type SQLite struct {
	Path string `mapstructure:"path"`
}

// Store configures persistence adapters. Redis is the primary adapter;
// SQLite is optional and keeps a local queryable roll-call history.
type Store struct {
	Redis  Redis  `mapstructure:"redis"`
	SQLite SQLite `mapstructure:"sqlite"`

	// WriteTimeout bounds every durable write so a dead store cannot
	// stall the poller.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MQTT configures the optional presence-change notifier. An empty broker
// disables it.
type MQTT struct {
	Broker      string        `mapstructure:"broker"`
	ClientID    string        `mapstructure:"client_id"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Server configures the HTTP query interface.
type Server struct {
	Addr string `mapstructure:"addr"`
}

// deviceEntry is the raw on-disk shape of one device.
type deviceEntry struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
	Kind    string `mapstructure:"kind"`
	Port    int    `mapstructure:"port"`
}

// Config is the validated, immutable configuration snapshot.
type Config struct {
	Devices []probe.Device
	Poll    Poll
	Store   Store
	MQTT    MQTT
	Server  Server
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("poll.home_interval", "30s")
	v.SetDefault("poll.away_interval", "60s")
	v.SetDefault("poll.probe_timeout", "5s")
	v.SetDefault("poll.ping_count", 3)
	v.SetDefault("poll.max_in_flight", 8)
	v.SetDefault("poll.rate", 16.0)
	v.SetDefault("poll.debounce_threshold", 2)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.key_prefix", "anybodyhome")
	v.SetDefault("store.redis.history_limit", 1000)
	v.SetDefault("store.write_timeout", "3s")
	v.SetDefault("notify.mqtt.client_id", "anybodyhome")
	v.SetDefault("notify.mqtt.topic_prefix", "home/presence")
	v.SetDefault("notify.mqtt.timeout", "5s")
	v.SetDefault("server.addr", "0.0.0.0:8041")
}

// Load reads configuration from the given file (YAML), applying
// ANYBODYHOME_* environment overrides, and validates it. Any malformed
// device entry is fatal here so the scheduler never sees an invalid device.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ANYBODYHOME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("anybodyhome")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/anybodyhome")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return fromViper(v)
}

// fromViper builds a validated Config from an already-populated viper
// instance. Split out so tests can construct configs without files.
func fromViper(v *viper.Viper) (*Config, error) {
	var raw struct {
		Devices []deviceEntry `mapstructure:"devices"`
		Poll    Poll          `mapstructure:"poll"`
		Store   Store         `mapstructure:"store"`
		Notify  struct {
			MQTT MQTT `mapstructure:"mqtt"`
		} `mapstructure:"notify"`
		Server Server `mapstructure:"server"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg := &Config{
		Poll:   raw.Poll,
		Store:  raw.Store,
		MQTT:   raw.Notify.MQTT,
		Server: raw.Server,
	}

	if err := validatePoll(cfg.Poll); err != nil {
		return nil, err
	}

	if len(raw.Devices) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}
	seen := make(map[string]struct{}, len(raw.Devices))
	for i, entry := range raw.Devices {
		device, err := parseDevice(entry)
		if err != nil {
			return nil, fmt.Errorf("device %d: %w", i, err)
		}
		if _, dup := seen[device.Name]; dup {
			return nil, fmt.Errorf("device %d: duplicate name %q", i, device.Name)
		}
		seen[device.Name] = struct{}{}
		cfg.Devices = append(cfg.Devices, device)
	}

	return cfg, nil
}

func validatePoll(p Poll) error {
	if p.Interval < 0 || p.HomeInterval <= 0 || p.AwayInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if p.ProbeTimeout <= 0 {
		return fmt.Errorf("poll.probe_timeout must be positive")
	}
	if p.MaxInFlight < 1 {
		return fmt.Errorf("poll.max_in_flight must be at least 1")
	}
	if p.DebounceThreshold < 1 {
		return fmt.Errorf("poll.debounce_threshold must be at least 1")
	}
	return nil
}

func parseDevice(entry deviceEntry) (probe.Device, error) {
	if entry.Name == "" {
		return probe.Device{}, fmt.Errorf("name is required")
	}
	if err := validateAddress(entry.Address); err != nil {
		return probe.Device{}, fmt.Errorf("device %q: %w", entry.Name, err)
	}

	kind := probe.Kind(entry.Kind)
	switch kind {
	case "":
		kind = probe.KindICMP
	case probe.KindICMP, probe.KindTCP:
	default:
		return probe.Device{}, fmt.Errorf("device %q: unknown probe kind %q", entry.Name, entry.Kind)
	}

	port := entry.Port
	if kind == probe.KindTCP && port == 0 {
		port = defaultLockdownPort
	}
	if port < 0 || port > 65535 {
		return probe.Device{}, fmt.Errorf("device %q: port %d out of range", entry.Name, port)
	}

	return probe.Device{Name: entry.Name, Address: entry.Address, Kind: kind, Port: port}, nil
}

// validateAddress accepts an IP literal or a plausible hostname. Validation
// happens once here; probers assume addresses are well-formed.
func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if net.ParseIP(addr) != nil {
		return nil
	}
	if len(addr) > 253 {
		return fmt.Errorf("address %q too long", addr)
	}
	for _, label := range strings.Split(addr, ".") {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("malformed address %q", addr)
		}
		for _, r := range label {
			if !isHostnameRune(r) {
				return fmt.Errorf("malformed address %q", addr)
			}
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("malformed address %q", addr)
		}
	}
	return nil
}

func isHostnameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		return true
	}
	return false
}
