// Package config holds the tunables of the serial link and loads them from
// an optional JSON file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Duration is a time.Duration that reads and writes as "250ms", "15s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"15s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the full set of tunables.
type Config struct {
	// Adapter names the controller, e.g. "hci0"; empty picks the first.
	Adapter     string `json:"adapter"`
	ServiceName string `json:"service_name"`
	LogLevel    string `json:"log_level"`

	AutoDenyThreshold Duration `json:"auto_deny_threshold"`
	SearchTimeout     Duration `json:"service_search_timeout"`
	InquiryDuration   Duration `json:"inquiry_duration"`
	WorkerLimit       int      `json:"worker_limit"`
	BusCapacity       int      `json:"bus_capacity"`

	// ProbeChannels, when set, are dialed in order for a peer whose RFCOMM
	// channel is unknown instead of asking BlueZ for its SPP service. Any
	// RFCOMM service on those channels is accepted.
	ProbeChannels []int `json:"probe_channels"`
	ServerChannel uint8 `json:"server_channel"`

	// TTYPorts maps a peer address to a serial device already bound to it.
	TTYPorts map[string]string `json:"tty_ports"`
	TTYBaud  int               `json:"tty_baud"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServiceName:       "btserial",
		LogLevel:          "info",
		AutoDenyThreshold: Duration(250 * time.Millisecond),
		SearchTimeout:     Duration(15 * time.Second),
		InquiryDuration:   Duration(12 * time.Second),
		WorkerLimit:       4,
		BusCapacity:       5,
		ServerChannel:     22,
		TTYBaud:           115200,
	}
}

// Path is the default config file location.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "btserial", "config.json")
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values no component can work with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ServiceName) == "" {
		errs = append(errs, errors.New("service_name is empty"))
	}
	if c.WorkerLimit < 2 {
		// Discovery and the read loop run side by side.
		errs = append(errs, fmt.Errorf("worker_limit %d is below 2", c.WorkerLimit))
	}
	if c.BusCapacity < 1 {
		errs = append(errs, fmt.Errorf("bus_capacity %d is below 1", c.BusCapacity))
	}
	if c.ServerChannel > 30 {
		errs = append(errs, fmt.Errorf("server_channel %d is outside 1..30", c.ServerChannel))
	}
	for _, ch := range c.ProbeChannels {
		if ch < 1 || ch > 30 {
			errs = append(errs, fmt.Errorf("probe channel %d is outside 1..30", ch))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Channels returns ProbeChannels as RFCOMM channel numbers.
func (c Config) Channels() []uint8 {
	out := make([]uint8, 0, len(c.ProbeChannels))
	for _, ch := range c.ProbeChannels {
		out = append(out, uint8(ch))
	}
	return out
}
