package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 30, cfg.Reporting.IntervalSeconds)
	require.Equal(t, -1, cfg.Input.GPIOLine)
}

func TestParseConfig_OverlaysDefaults(t *testing.T) {
	cfg, err := parseConfig([]byte(`
server:
  url: wss://pets.example.com/ws
reporting:
  interval_seconds: 0
feeding:
  required_clicks: 4
input:
  devices: [/dev/input/event2]
logging:
  level: debug
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "wss://pets.example.com/ws", cfg.Server.URL)
	require.Equal(t, 0, cfg.Reporting.IntervalSeconds)
	require.Equal(t, 4, cfg.Feeding.RequiredClicks)
	require.Equal(t, defaultClickTimeoutMS, cfg.Feeding.ClickTimeoutMS, "unset keys keep defaults")
	require.Equal(t, []string{"/dev/input/event2"}, cfg.Input.Devices)

	g := cfg.Gesture()
	require.Equal(t, 4, g.RequiredClicks)
	require.Equal(t, 2*time.Second, g.ClickTimeout)
	require.Equal(t, 3*time.Second, g.SwipeSoundTimeout)
}

func TestParseConfig_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "server:\n  uri: ws://x/\n",
		"trailing doc":    "server:\n  url: ws://x/\n---\nlogging:\n  level: info\n",
		"wrong type":      "reporting:\n  interval_seconds: soon\n",
		"not yaml object": "- a\n- b\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseConfig([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestParseConfig_TrailingDocumentNotDropped(t *testing.T) {
	doc := "server:\n  url: ws://x/\n---\nlogging:\n  level: debug\n"
	_, err := parseConfig([]byte(doc))
	require.ErrorContains(t, err, "unexpected trailing document")

	// A lone document separator with nothing after it is still one document.
	cfg, err := parseConfig([]byte("---\nserver:\n  url: ws://x/\n"))
	require.NoError(t, err)
	require.Equal(t, "ws://x/", cfg.Server.URL)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"http url":          func(c *Config) { c.Server.URL = "http://x/" },
		"negative interval": func(c *Config) { c.Reporting.IntervalSeconds = -1 },
		"zero clicks":       func(c *Config) { c.Feeding.RequiredClicks = 0 },
		"zero animation":    func(c *Config) { c.Feeding.AnimationMS = 0 },
		"dim display":       func(c *Config) { c.Display.Brightness = 5 },
		"bad port":          func(c *Config) { c.HTTP.Port = 70000 },
		"no journal rows":   func(c *Config) { c.Storage.KeepReports = 0 },
		"empty device":      func(c *Config) { c.Input.Devices = []string{""} },
		"gpio without chip": func(c *Config) { c.Input.GPIOLine = 4; c.Input.GPIOChip = "" },
		"selftest interval": func(c *Config) { c.SelfTest.Enabled = true; c.SelfTest.IntervalSeconds = 0 },
		"log level":         func(c *Config) { c.Logging.Level = "chatty" },
		"empty socket":      func(c *Config) { c.IPC.SocketPath = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestPrecedence_FileEnvFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  url: ws://file.example/\ndevice:\n  id: FROM_FILE\n"), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, "ws://file.example/", cfg.Server.URL)

	env := map[string]string{envServerURL: "ws://env.example/"}
	cfg.ApplyEnv(func(k string) string { return env[k] })
	require.Equal(t, "ws://env.example/", cfg.Server.URL)
	require.Equal(t, "FROM_FILE", cfg.Device.ID)

	zero := 0
	id := "FROM_FLAG"
	FlagOverrides{ReportInterval: &zero, DeviceID: &id}.Apply(&cfg)
	require.Equal(t, 0, cfg.Reporting.IntervalSeconds, "explicit zero flag applies")
	require.Equal(t, "FROM_FLAG", cfg.Device.ID)
	require.Equal(t, "ws://env.example/", cfg.Server.URL, "unset flag leaves value alone")
}

func TestLoadConfigFile_Missing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	_, err = LoadConfigFile("")
	require.Error(t, err)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	require.Equal(t, "", ExpandPath(""))
	require.Equal(t, "/abs/file", ExpandPath("/abs/file"))
	require.Equal(t, home, ExpandPath("~"))
	require.Equal(t, filepath.Join(home, "petlink.db"), ExpandPath("~/petlink.db"))
	require.Equal(t, "~other/x", ExpandPath("~other/x"))
}

func TestTransportConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.NetworkTimeoutMS = 1500
	cfg.Server.ReconnectTimeoutMS = 250
	tc := cfg.Transport()
	require.Equal(t, 1500*time.Millisecond, tc.NetworkTimeout)
	require.Equal(t, 250*time.Millisecond, tc.ReconnectTimeout)
}

func TestParseLogLevel(t *testing.T) {
	for _, s := range []string{"error", "warn", "info", "debug"} {
		_, err := parseLogLevel(s)
		require.NoError(t, err, s)
	}
	_, err := parseLogLevel("trace")
	require.Error(t, err)
}
