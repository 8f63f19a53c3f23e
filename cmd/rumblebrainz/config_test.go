package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	eng := cfg.ToEngineConfig()
	assert.Equal(t, defaultHalfLife, eng.HalfLife)
	assert.Equal(t, defaultLinearReduction, eng.LinearReduction)
	assert.Equal(t, defaultIntensityThreshold, eng.Threshold)
	assert.Equal(t, defaultLongTick, eng.LongTick)

	d := cfg.ToDaemonConfig()
	assert.Equal(t, time.Second/60, d.TickInterval)
	assert.Equal(t, 100*time.Millisecond, d.PushInterval)
	assert.NotContains(t, d.LogPath, "~")
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
log:
  path: /var/log/game/commands.log
buttplug:
  ws_url: ws://10.0.0.2:12345
  device_name: lush
engine:
  frame_hz: 120
  half_life_sec: 0.5
input:
  devices: [/dev/input/event3]
  bindings:
    - key: 164
      action: vibrate
      strength: 0.7
      duration_ms: 300
      motor: 1
http:
  listen: ""
`)

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/log/game/commands.log", cfg.Log.Path)
	assert.Equal(t, "ws://10.0.0.2:12345", cfg.Buttplug.WsURL)
	assert.Equal(t, "lush", cfg.Buttplug.DeviceName)
	assert.Equal(t, defaultReadTimeoutMS, cfg.Buttplug.TimeoutMS, "unset fields keep defaults")
	assert.Equal(t, 120, cfg.Engine.FrameHz)
	assert.Equal(t, 500*time.Millisecond, cfg.ToEngineConfig().HalfLife)
	assert.Equal(t, []string{"/dev/input/event3"}, cfg.Input.Devices)
	require.Len(t, cfg.Input.Bindings, 1)
	require.NotNil(t, cfg.Input.Bindings[0].Motor)
	assert.Equal(t, 1, *cfg.Input.Bindings[0].Motor)
	assert.Empty(t, cfg.HTTP.Listen)
}

func TestLoadConfigFile_Empty(t *testing.T) {
	cfg, err := LoadConfigFile(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFile_UnknownField(t *testing.T) {
	_, err := LoadConfigFile(writeConfig(t, "engine:\n  frame_hertz: 30\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame_hertz")
}

func TestLoadConfigFile_TrailingDocument(t *testing.T) {
	_, err := LoadConfigFile(writeConfig(t, "logging:\n  level: debug\n---\nlogging:\n  level: info\n"))
	require.Error(t, err)
	assert.Equal(t, CodeConfig, errorCode(err))
}

func TestLoadConfigFile_Missing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestFlagOverrides(t *testing.T) {
	cfg := DefaultConfig()
	url := "ws://example:1"
	hz := 30
	devices := []string{"/dev/input/event1", "/dev/input/event2"}
	listen := ""

	FlagOverrides{
		ButtplugURL:  &url,
		FrameHz:      &hz,
		InputDevices: &devices,
		HTTPListen:   &listen,
	}.Apply(&cfg)

	assert.Equal(t, url, cfg.Buttplug.WsURL)
	assert.Equal(t, 30, cfg.Engine.FrameHz)
	assert.Equal(t, devices, cfg.Input.Devices)
	assert.Empty(t, cfg.HTTP.Listen, "zero values are applied when set")
	assert.Equal(t, DefaultConfig().Log.Path, cfg.Log.Path, "unset overrides leave values alone")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty log path", func(c *Config) { c.Log.Path = "" }},
		{"zero timeout", func(c *Config) { c.Buttplug.TimeoutMS = 0 }},
		{"negative scan", func(c *Config) { c.Buttplug.ScanMS = -1 }},
		{"zero frame rate", func(c *Config) { c.Engine.FrameHz = 0 }},
		{"frame rate too high", func(c *Config) { c.Engine.FrameHz = 5000 }},
		{"zero half life", func(c *Config) { c.Engine.HalfLifeSec = 0 }},
		{"threshold one", func(c *Config) { c.Engine.Threshold = 1 }},
		{"negative push interval", func(c *Config) { c.Engine.PushIntervalMS = -5 }},
		{"empty socket", func(c *Config) { c.IPC.SocketPath = "" }},
		{"empty device path", func(c *Config) { c.Input.Devices = []string{""} }},
		{"bad binding", func(c *Config) { c.Input.Bindings = []KeyBinding{{Key: 1, Action: "explode"}} }},
		{"invalid binding strength", func(c *Config) {
			c.Input.Bindings = []KeyBinding{{Key: 1, Action: "power", Strength: -1}}
		}},
		{"listen without port", func(c *Config) { c.HTTP.Listen = "localhost" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, CodeConfig, errorCode(err))
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, filepath.Join(home, "a/b.log"), ExpandPath("~/a/b.log"))
	assert.Equal(t, "/abs/path", ExpandPath("/abs/path"))
	assert.Equal(t, "~other/x", ExpandPath("~other/x"))
	assert.Equal(t, "", ExpandPath(""))
}

func TestLoadConfig_FlagsWinOverFile(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: debug\n")
	level := "warn"

	cfg, err := loadConfig(path, FlagOverrides{LogLevel: &level})
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)

	bad := "nope"
	_, err = loadConfig(path, FlagOverrides{LogLevel: &bad})
	assert.Error(t, err)
}
