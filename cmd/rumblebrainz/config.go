package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the rumblebrainz daemon.
//
// Keep defaults and validation centralized so the rest of the code can assume
// a well-formed config.
type Config struct {
	// Command log written by the scripted source
	Log LogConfig `yaml:"log"`

	// Buttplug server connection and device selection
	Buttplug ButtplugFileConfig `yaml:"buttplug"`

	// Intensity simulation and daemon cadence
	Engine EngineFileConfig `yaml:"engine"`

	// IPC configuration (used by the trigger subcommand)
	IPC IPCConfig `yaml:"ipc"`

	// Key-press triggers from Linux input devices
	Input InputConfig `yaml:"input"`

	// Metrics and state websocket server
	HTTP HTTPConfig `yaml:"http"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type LogConfig struct {
	Path string `yaml:"path"`
}

type ButtplugFileConfig struct {
	WsURL      string `yaml:"ws_url"`
	ClientName string `yaml:"client_name"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	ScanMS     int    `yaml:"scan_ms"`
	DeviceName string `yaml:"device_name,omitempty"`
}

// EngineFileConfig is the user-facing engine configuration as represented in YAML.
// Durations are in seconds or milliseconds to stay YAML-friendly.
type EngineFileConfig struct {
	FrameHz         int     `yaml:"frame_hz"`
	HalfLifeSec     float64 `yaml:"half_life_sec"`
	LinearReduction float64 `yaml:"linear_reduction"`
	Threshold       float64 `yaml:"threshold"`
	LongTickMS      int     `yaml:"long_tick_ms"`
	PushIntervalMS  int     `yaml:"push_interval_ms"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type InputConfig struct {
	Devices  []string     `yaml:"devices,omitempty"` // empty disables key triggers
	Bindings []KeyBinding `yaml:"bindings,omitempty"`
}

type HTTPConfig struct {
	Listen              string `yaml:"listen"` // empty disables the server
	BroadcastIntervalMS int    `yaml:"broadcast_interval_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Path: "~/.local/share/rumblebrainz/commands.log",
		},
		Buttplug: ButtplugFileConfig{
			WsURL:      defaultButtplugURL,
			ClientName: defaultClientName,
			TimeoutMS:  defaultReadTimeoutMS,
			ScanMS:     defaultScanMS,
		},
		Engine: EngineFileConfig{
			FrameHz:         defaultFrameHz,
			HalfLifeSec:     defaultHalfLife.Seconds(),
			LinearReduction: defaultLinearReduction,
			Threshold:       defaultIntensityThreshold,
			LongTickMS:      int(defaultLongTick / time.Millisecond),
			PushIntervalMS:  defaultPushIntervalMS,
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/rumblebrainz.sock",
		},
		Input: InputConfig{
			Bindings: defaultKeyBindings(),
		},
		HTTP: HTTPConfig{
			Listen:              "127.0.0.1:3001",
			BroadcastIntervalMS: defaultBroadcastIntervalMS,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errConfig("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, errConfig("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds values from CLI flags the user explicitly set.
// A nil pointer leaves the config value alone; a non-nil one is applied even
// if it is a zero value.
type FlagOverrides struct {
	LogPath *string

	ButtplugURL        *string
	ButtplugTimeoutMS  *int
	ButtplugScanMS     *int
	ButtplugDeviceName *string

	FrameHz        *int
	HalfLifeSec    *float64
	PushIntervalMS *int

	IPCSocketPath *string
	InputDevices  *[]string
	HTTPListen    *string

	LogLevel *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.LogPath != nil {
		cfg.Log.Path = *o.LogPath
	}

	if o.ButtplugURL != nil {
		cfg.Buttplug.WsURL = *o.ButtplugURL
	}
	if o.ButtplugTimeoutMS != nil {
		cfg.Buttplug.TimeoutMS = *o.ButtplugTimeoutMS
	}
	if o.ButtplugScanMS != nil {
		cfg.Buttplug.ScanMS = *o.ButtplugScanMS
	}
	if o.ButtplugDeviceName != nil {
		cfg.Buttplug.DeviceName = *o.ButtplugDeviceName
	}

	if o.FrameHz != nil {
		cfg.Engine.FrameHz = *o.FrameHz
	}
	if o.HalfLifeSec != nil {
		cfg.Engine.HalfLifeSec = *o.HalfLifeSec
	}
	if o.PushIntervalMS != nil {
		cfg.Engine.PushIntervalMS = *o.PushIntervalMS
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.InputDevices != nil {
		cfg.Input.Devices = *o.InputDevices
	}
	if o.HTTPListen != nil {
		cfg.HTTP.Listen = *o.HTTPListen
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	if c.Log.Path == "" {
		return errConfig("log.path must not be empty")
	}

	if c.Buttplug.WsURL == "" {
		return errConfig("buttplug.ws_url must not be empty")
	}
	if c.Buttplug.TimeoutMS <= 0 {
		return errConfig("buttplug.timeout_ms must be > 0")
	}
	if c.Buttplug.ScanMS < 0 {
		return errConfig("buttplug.scan_ms must be >= 0")
	}

	if c.Engine.FrameHz <= 0 || c.Engine.FrameHz > 1000 {
		return errConfig("engine.frame_hz must be between 1 and 1000")
	}
	if c.Engine.HalfLifeSec <= 0 {
		return errConfig("engine.half_life_sec must be > 0")
	}
	if c.Engine.LinearReduction < 0 {
		return errConfig("engine.linear_reduction must be >= 0")
	}
	if c.Engine.Threshold < 0 || c.Engine.Threshold >= 1 {
		return errConfig("engine.threshold must be in [0, 1)")
	}
	if c.Engine.LongTickMS <= 0 {
		return errConfig("engine.long_tick_ms must be > 0")
	}
	if c.Engine.PushIntervalMS < 0 {
		return errConfig("engine.push_interval_ms must be >= 0")
	}

	if c.IPC.SocketPath == "" {
		return errConfig("ipc.socket_path must not be empty")
	}

	for i, dev := range c.Input.Devices {
		if dev == "" {
			return errConfig("input.devices[%d] is empty", i)
		}
	}
	if _, err := newKeymap(c.Input.Bindings); err != nil {
		return errConfig("input.bindings: %v", err)
	}

	if c.HTTP.Listen != "" {
		if _, _, err := net.SplitHostPort(c.HTTP.Listen); err != nil {
			return errConfig("http.listen %q: %v", c.HTTP.Listen, err)
		}
	}
	if c.HTTP.BroadcastIntervalMS < 0 {
		return errConfig("http.broadcast_interval_ms must be >= 0")
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return errConfig("logging.level: %v", err)
	}

	return nil
}

// ToEngineConfig converts the file config into the engine's config.
func (c *Config) ToEngineConfig() EngineConfig {
	return EngineConfig{
		HalfLife:        time.Duration(c.Engine.HalfLifeSec * float64(time.Second)),
		LinearReduction: c.Engine.LinearReduction,
		Threshold:       c.Engine.Threshold,
		LongTick:        time.Duration(c.Engine.LongTickMS) * time.Millisecond,
	}
}

// ToButtplugConfig converts the file config into the client's config.
func (c *Config) ToButtplugConfig() ButtplugConfig {
	return ButtplugConfig{
		URL:         c.Buttplug.WsURL,
		ClientName:  c.Buttplug.ClientName,
		ReadTimeout: time.Duration(c.Buttplug.TimeoutMS) * time.Millisecond,
		ScanWindow:  time.Duration(c.Buttplug.ScanMS) * time.Millisecond,
		DeviceName:  c.Buttplug.DeviceName,
	}
}

// ToDaemonConfig derives the daemon cadence.
func (c *Config) ToDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Engine:            c.ToEngineConfig(),
		LogPath:           ExpandPath(c.Log.Path),
		TickInterval:      time.Second / time.Duration(c.Engine.FrameHz),
		PushInterval:      time.Duration(c.Engine.PushIntervalMS) * time.Millisecond,
		BroadcastInterval: time.Duration(c.HTTP.BroadcastIntervalMS) * time.Millisecond,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
