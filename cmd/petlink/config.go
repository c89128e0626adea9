package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the petlink daemon.
//
// Defaults and validation live here so the rest of the code can assume a
// well-formed config. Precedence: defaults < file < environment < flags.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Server    ServerConfig    `yaml:"server"`
	Reporting ReportingConfig `yaml:"reporting"`
	Feeding   FeedingConfig   `yaml:"feeding"`
	Audio     AudioConfig     `yaml:"audio"`
	Display   DisplayConfig   `yaml:"display"`
	IPC       IPCConfig       `yaml:"ipc"`
	HTTP      HTTPConfig      `yaml:"http"`
	Storage   StorageConfig   `yaml:"storage"`
	Input     InputConfig     `yaml:"input"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	SelfTest  SelfTestConfig  `yaml:"selftest"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DeviceConfig struct {
	// ID overrides the hardware-derived identifier.
	ID string `yaml:"id,omitempty"`
}

type ServerConfig struct {
	URL                string `yaml:"url"`
	NetworkTimeoutMS   int    `yaml:"network_timeout_ms"`
	ReconnectTimeoutMS int    `yaml:"reconnect_timeout_ms"`
}

type ReportingConfig struct {
	// IntervalSeconds: 0 disables periodic reports.
	IntervalSeconds int `yaml:"interval_seconds"`
}

type FeedingConfig struct {
	RequiredClicks int `yaml:"required_clicks"`
	ClickTimeoutMS int `yaml:"click_timeout_ms"`
	AnimationMS    int `yaml:"animation_ms"`
}

type AudioConfig struct {
	SoundDir  string `yaml:"sound_dir"`
	PlayerCmd string `yaml:"player_cmd,omitempty"` // e.g. "mpg123 -q"
}

type DisplayConfig struct {
	Brightness int `yaml:"brightness"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type HTTPConfig struct {
	// Port 0 disables the diagnostics server.
	Port int `yaml:"port"`
}

type StorageConfig struct {
	// Path "" disables persistence.
	Path              string `yaml:"path"`
	CheckpointSeconds int    `yaml:"checkpoint_seconds"`
	// Newest rows kept per table; older ones are pruned after each checkpoint.
	KeepReports     int `yaml:"keep_reports"`
	KeepCheckpoints int `yaml:"keep_checkpoints"`
}

type InputConfig struct {
	Devices  []string `yaml:"devices,omitempty"`
	GPIOChip string   `yaml:"gpio_chip,omitempty"`
	GPIOLine int      `yaml:"gpio_line"` // -1 disables the touch pad
}

type MQTTConfig struct {
	Broker      string `yaml:"broker,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
}

type SelfTestConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			URL:                defaultServerURL,
			NetworkTimeoutMS:   defaultNetworkTimeoutMS,
			ReconnectTimeoutMS: defaultReconnectMS,
		},
		Reporting: ReportingConfig{
			IntervalSeconds: defaultReportIntervalS,
		},
		Feeding: FeedingConfig{
			RequiredClicks: defaultRequiredClicks,
			ClickTimeoutMS: defaultClickTimeoutMS,
			AnimationMS:    defaultAnimationMS,
		},
		Audio: AudioConfig{
			SoundDir: defaultSoundDir,
		},
		Display: DisplayConfig{
			Brightness: defaultBrightness,
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath,
		},
		HTTP: HTTPConfig{
			Port: defaultHTTPPort,
		},
		Storage: StorageConfig{
			Path:              defaultStoragePath,
			CheckpointSeconds: defaultCheckpointSeconds,
			KeepReports:       defaultKeepReports,
			KeepCheckpoints:   defaultKeepCheckpoints,
		},
		Input: InputConfig{
			GPIOChip: "gpiochip0",
			GPIOLine: -1,
		},
		MQTT: MQTTConfig{
			TopicPrefix: defaultMirrorPrefix,
		},
		SelfTest: SelfTestConfig{
			IntervalSeconds: defaultSelfTestIntervalS,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file over DefaultConfig.
//
// Unknown fields are rejected (typos) and so is a second YAML document.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// Environment variables that override the file.
const (
	envServerURL = "PETLINK_SERVER_URL"
	envDeviceID  = "PETLINK_DEVICE_ID"
)

// ApplyEnv applies PETLINK_* overrides from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(envServerURL); v != "" {
		c.Server.URL = v
	}
	if v := getenv(envDeviceID); v != "" {
		c.Device.ID = v
	}
}

// FlagOverrides carries command-line overrides. A nil pointer means "not set";
// a non-nil pointer is applied even when it holds a zero value.
type FlagOverrides struct {
	DeviceID *string

	ServerURL      *string
	ReportInterval *int

	RequiredClicks *int
	ClickTimeoutMS *int
	AnimationMS    *int

	SoundDir  *string
	PlayerCmd *string

	InputDevice *string
	GPIOLine    *int

	IPCSocketPath *string
	HTTPPort      *int
	StoragePath   *string
	MQTTBroker    *string

	SelfTest *bool

	LogLevel *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.DeviceID != nil {
		cfg.Device.ID = *o.DeviceID
	}

	if o.ServerURL != nil {
		cfg.Server.URL = *o.ServerURL
	}
	if o.ReportInterval != nil {
		cfg.Reporting.IntervalSeconds = *o.ReportInterval
	}

	if o.RequiredClicks != nil {
		cfg.Feeding.RequiredClicks = *o.RequiredClicks
	}
	if o.ClickTimeoutMS != nil {
		cfg.Feeding.ClickTimeoutMS = *o.ClickTimeoutMS
	}
	if o.AnimationMS != nil {
		cfg.Feeding.AnimationMS = *o.AnimationMS
	}

	if o.SoundDir != nil {
		cfg.Audio.SoundDir = *o.SoundDir
	}
	if o.PlayerCmd != nil {
		cfg.Audio.PlayerCmd = *o.PlayerCmd
	}

	if o.InputDevice != nil {
		cfg.Input.Devices = []string{*o.InputDevice}
	}
	if o.GPIOLine != nil {
		cfg.Input.GPIOLine = *o.GPIOLine
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}
	if o.StoragePath != nil {
		cfg.Storage.Path = *o.StoragePath
	}
	if o.MQTTBroker != nil {
		cfg.MQTT.Broker = *o.MQTTBroker
	}

	if o.SelfTest != nil {
		cfg.SelfTest.Enabled = *o.SelfTest
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + environment + flags are applied.
func (c *Config) Validate() error {
	// Server
	if err := validateEndpoint(c.Server.URL); err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if c.Server.NetworkTimeoutMS <= 0 {
		return errors.New("server.network_timeout_ms must be > 0")
	}
	if c.Server.ReconnectTimeoutMS <= 0 {
		return errors.New("server.reconnect_timeout_ms must be > 0")
	}

	// Reporting
	if c.Reporting.IntervalSeconds < 0 {
		return errors.New("reporting.interval_seconds must be >= 0 (0 disables periodic reports)")
	}

	// Feeding
	if c.Feeding.RequiredClicks < 1 {
		return errors.New("feeding.required_clicks must be >= 1")
	}
	if c.Feeding.ClickTimeoutMS <= 0 {
		return errors.New("feeding.click_timeout_ms must be > 0")
	}
	if c.Feeding.AnimationMS <= 0 {
		return errors.New("feeding.animation_ms must be > 0")
	}

	// Audio / display
	if c.Audio.SoundDir == "" {
		return errors.New("audio.sound_dir must not be empty")
	}
	if c.Display.Brightness < minBrightness || c.Display.Brightness > maxBrightness {
		return fmt.Errorf("display.brightness must be between %d and %d", minBrightness, maxBrightness)
	}

	// Local surfaces
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("http.port must be between 0 and 65535")
	}
	if c.Storage.Path != "" && c.Storage.CheckpointSeconds < 0 {
		return errors.New("storage.checkpoint_seconds must be >= 0")
	}
	if c.Storage.Path != "" && (c.Storage.KeepReports < 1 || c.Storage.KeepCheckpoints < 1) {
		return errors.New("storage.keep_reports and storage.keep_checkpoints must be >= 1")
	}

	// Input
	for i, dev := range c.Input.Devices {
		if dev == "" {
			return fmt.Errorf("input.devices[%d] is empty", i)
		}
	}
	if c.Input.GPIOLine >= 0 && c.Input.GPIOChip == "" {
		return errors.New("input.gpio_line is set but input.gpio_chip is empty")
	}

	// Self-test
	if c.SelfTest.Enabled && c.SelfTest.IntervalSeconds <= 0 {
		return errors.New("selftest.interval_seconds must be > 0 when selftest.enabled")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// Gesture converts the feeding section into the reducer's policy.
func (c *Config) Gesture() GestureConfig {
	return GestureConfig{
		RequiredClicks:    c.Feeding.RequiredClicks,
		ClickTimeout:      time.Duration(c.Feeding.ClickTimeoutMS) * time.Millisecond,
		AnimationDuration: time.Duration(c.Feeding.AnimationMS) * time.Millisecond,
		SwipeSoundTimeout: swipeSoundTimeoutMS * time.Millisecond,
	}
}

// Transport converts the server section into the link policy.
func (c *Config) Transport() TransportConfig {
	return TransportConfig{
		NetworkTimeout:   time.Duration(c.Server.NetworkTimeoutMS) * time.Millisecond,
		ReconnectTimeout: time.Duration(c.Server.ReconnectTimeoutMS) * time.Millisecond,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
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
