package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("petlink v%s\n", version)
	fmt.Println("Virtual pet device daemon: gestures, state reporting and remote commands")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  petlink [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("ENVIRONMENT:")
	fmt.Printf("  %s  reporting server URL (overrides the config file)\n", envServerURL)
	fmt.Printf("  %s   device identifier (overrides the config file)\n", envDeviceID)
	fmt.Println("  A .env file in the working directory is loaded first.")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  petlink -config /etc/petlink/config.yaml")
	fmt.Println("  petlink -server-url ws://192.168.1.20:8080/ -report-interval 10 -selftest")
	fmt.Println()
}

// loadConfig builds the effective configuration:
// defaults < file < environment < flags, then validates.
func loadConfig(path string, o FlagOverrides) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadConfigFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	o.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()

	var (
		configPath     = flag.String("config", "", "Path to YAML config file")
		deviceID       = flag.String("device-id", "", "Device identifier (default: derived from the MAC address)")
		serverURL      = flag.String("server-url", defaultServerURL, "Reporting server websocket URL")
		reportInterval = flag.Int("report-interval", defaultReportIntervalS, "Periodic report interval in seconds (0 disables)")
		requiredClicks = flag.Int("feeding-clicks", defaultRequiredClicks, "Taps required to trigger feeding")
		clickTimeout   = flag.Int("feeding-click-timeout-ms", defaultClickTimeoutMS, "Maximum gap between feeding taps (ms)")
		animation      = flag.Int("feeding-animation-ms", defaultAnimationMS, "Feeding animation duration (ms)")
		soundDir       = flag.String("sound-dir", defaultSoundDir, "Directory holding sound files")
		playerCmd      = flag.String("player-cmd", "", "External audio player command (e.g. \"mpg123 -q\")")
		inputDevice    = flag.String("input-device", "", "Linux input event device for touch/slider (e.g. /dev/input/event2)")
		gpioLine       = flag.Int("gpio-line", -1, "GPIO line of the capacitive touch pad (-1 disables)")
		ipcSocketPath  = flag.String("ipc-socket", defaultSocketPath, "Unix domain socket path for IPC")
		httpPort       = flag.Int("http-port", defaultHTTPPort, "Diagnostics HTTP port (0 disables)")
		storagePath    = flag.String("storage", defaultStoragePath, "SQLite database path (empty disables persistence)")
		mqttBroker     = flag.String("mqtt-broker", "", "MQTT broker URL for the report mirror (e.g. tcp://host:1883)")
		selfTest       = flag.Bool("selftest", false, "Generate synthetic activity and reports")
		logLevelStr    = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		showVersion    = flag.Bool("version", false, "Print version and exit")
		showHelp       = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	// Only flags given on the command line override the file.
	var o FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device-id":
			o.DeviceID = deviceID
		case "server-url":
			o.ServerURL = serverURL
		case "report-interval":
			o.ReportInterval = reportInterval
		case "feeding-clicks":
			o.RequiredClicks = requiredClicks
		case "feeding-click-timeout-ms":
			o.ClickTimeoutMS = clickTimeout
		case "feeding-animation-ms":
			o.AnimationMS = animation
		case "sound-dir":
			o.SoundDir = soundDir
		case "player-cmd":
			o.PlayerCmd = playerCmd
		case "input-device":
			o.InputDevice = inputDevice
		case "gpio-line":
			o.GPIOLine = gpioLine
		case "ipc-socket":
			o.IPCSocketPath = ipcSocketPath
		case "http-port":
			o.HTTPPort = httpPort
		case "storage":
			o.StoragePath = storagePath
		case "mqtt-broker":
			o.MQTTBroker = mqttBroker
		case "selftest":
			o.SelfTest = selfTest
		case "log-level":
			o.LogLevel = logLevelStr
		}
	})

	cfg, err := loadConfig(*configPath, o)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level) // checked by Validate
	logger, levelVar := setupLogger(logLevel)

	if err := run(cfg, *configPath, o, levelVar, logger); err != nil {
		logger.Error("petlink exiting", "error", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until shutdown.
func run(cfg Config, configPath string, overrides FlagOverrides, levelVar *slog.LevelVar, logger *slog.Logger) error {
	if err := validateSoundTable(); err != nil {
		return err
	}
	if err := validateCommandTable(); err != nil {
		return err
	}

	bootID := uuid.NewString()
	deviceID, stable := deviceIdentity(cfg.Device.ID)
	if !stable {
		logger.Warn("no hardware address found; using a random device id", "device_id", deviceID)
	}
	logger = logger.With("device_id", deviceID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ------------------------------------------------------------------
	// Core components
	// ------------------------------------------------------------------
	store := NewStateStore(deviceID, time.Now(), logger)
	metrics := NewMetrics(func() float64 { return float64(store.FullSnapshot().ContinueTime) })
	presenter := newDevicePresenter(cfg.Audio.SoundDir, cfg.Audio.PlayerCmd, logger)

	var db *DeviceDB
	if cfg.Storage.Path != "" {
		var err error
		db, err = OpenDeviceDB(ExpandPath(cfg.Storage.Path), bootID)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer db.Close()

		if prev, ok, err := db.LatestCheckpoint(ctx); err != nil {
			logger.Warn("reading last checkpoint failed", "error", err)
		} else if ok {
			logger.Info("previous state checkpoint",
				"boot_id", prev.BootID,
				"taken_at", prev.TakenAt,
				"uptime_s", prev.State.ContinueTime,
				"hunger_level", prev.State.HungerLevel,
				"has_feces", prev.State.IsHaveFeces)
		}
	}

	// Stored brightness wins over the configured default.
	brightness := cfg.Display.Brightness
	if db != nil {
		if v, ok, err := db.GetSetting(ctx, settingBrightness); err != nil {
			logger.Warn("reading stored brightness failed", "error", err)
		} else if ok {
			if n, err := strconv.Atoi(v); err == nil {
				brightness = n
			}
		}
	}
	_ = presenter.SetBrightness(brightness)

	reporterOpts := []ReporterOption{WithMetrics(metrics)}
	if db != nil {
		reporterOpts = append(reporterOpts, WithJournal(db))
	}
	if cfg.MQTT.Broker != "" {
		m, err := newMQTTMirror(cfg.MQTT.Broker, cfg.MQTT.TopicPrefix, "petlink-"+deviceID)
		if err != nil {
			// The mirror is optional; reporting works without it.
			logger.Warn("MQTT mirror disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			defer m.Close()
			reporterOpts = append(reporterOpts, WithMirror(m))
		}
	}
	reporter := NewReporter(store, ReporterConfig{
		Transport:       cfg.Transport(),
		IntervalSeconds: cfg.Reporting.IntervalSeconds,
	}, logger, reporterOpts...)

	events := make(chan Event, eventQueueSize)
	sendEvent := func(ev Event) {
		select {
		case events <- ev:
		default:
			logger.Warn("event queue full, dropping event", "event", eventKind(ev))
		}
	}
	onHunger := func(level int) { sendEvent(HungerObserved{Level: level}) }

	var settings settingsWriter
	if db != nil {
		settings = db
	}
	processor := NewCommandProcessor(store, presenter, reporter, settings, metrics, cfg.Audio.SoundDir, onHunger, logger)

	feed := NewStateFeed(store.FullSnapshot, HubConfig{}, logger)
	store.OnChange(feed.Publish)

	var phase atomic.Value
	phase.Store(FeedingIdle)
	observe := func(s GestureState) { phase.Store(s.Phase()) }

	fx := &effects{
		store:     store,
		presenter: presenter,
		reports:   reporter,
		metrics:   metrics,
		soundDir:  cfg.Audio.SoundDir,
	}

	// ------------------------------------------------------------------
	// Goroutines
	// ------------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runDaemon(gctx, events, fx, cfg.Gesture(), observe, logger)
		return nil
	})
	g.Go(func() error {
		reporter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		processor.Run(gctx, reporter.Inbound())
		return nil
	})
	g.Go(func() error {
		runUptimeClock(gctx, store, time.Second, logger)
		return nil
	})
	g.Go(func() error {
		return runIPCServer(gctx, cfg.IPC.SocketPath, events, func() any { return store.FullSnapshot() }, logger)
	})

	if cfg.HTTP.Port > 0 {
		diag := diagnostics{
			store:      store,
			reporter:   reporter,
			metrics:    metrics,
			feed:       feed,
			expression: presenter.Expression,
			feeding:    func() FeedingPhase { return phase.Load().(FeedingPhase) },
			logger:     logger,
		}
		if db != nil {
			diag.journal = db
		}
		g.Go(func() error {
			feed.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			feed.Run(gctx)
			return nil
		})
		g.Go(func() error {
			return runHTTPServer(gctx, cfg.HTTP.Port, newDiagnosticsMux(diag), logger)
		})
	}

	sched, err := NewJobScheduler(logger)
	if err != nil {
		return err
	}
	if db != nil && cfg.Storage.CheckpointSeconds > 0 {
		if err := sched.ScheduleCheckpoints(
			time.Duration(cfg.Storage.CheckpointSeconds)*time.Second, store, db,
			Retention{Reports: cfg.Storage.KeepReports, Checkpoints: cfg.Storage.KeepCheckpoints},
		); err != nil {
			return err
		}
	}
	if cfg.SelfTest.Enabled {
		st := NewSelfTest(store, reporter, onHunger, logger)
		if err := sched.ScheduleSelfTest(time.Duration(cfg.SelfTest.IntervalSeconds)*time.Second, st); err != nil {
			return err
		}
		logger.Info("self-test mode enabled", "interval_s", cfg.SelfTest.IntervalSeconds)
	}
	g.Go(func() error { return sched.Run(gctx) })

	if configPath != "" {
		load := func() (Config, error) { return loadConfig(configPath, overrides) }
		apply := func(next Config) {
			if err := reporter.SetInterval(next.Reporting.IntervalSeconds); err != nil {
				logger.Warn("report interval not applied", "error", err)
			}
			sendEvent(GestureConfigChanged{Config: next.Gesture()})
			if lvl, err := parseLogLevel(next.Logging.Level); err == nil {
				levelVar.Set(lvl.slogLevel())
			}
		}
		cw, err := NewConfigWatcher(configPath, load, apply, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := cw.Run(gctx); err != nil {
				logger.Warn("config hot reload unavailable", "error", err)
			}
			return nil
		})
	}

	if len(cfg.Input.Devices) > 0 {
		g.Go(func() error {
			runInputDevices(gctx, cfg.Input.Devices, sendEvent, logger)
			return nil
		})
	}

	if cfg.Input.GPIOLine >= 0 {
		pad, err := openTouchPad(cfg.Input.GPIOChip, cfg.Input.GPIOLine, events, logger)
		if err != nil {
			logger.Warn("touch pad unavailable", "error", err)
		} else {
			defer pad.Close()
		}
	}

	if err := reporter.Start(cfg.Server.URL); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("start reporting channel: %w", err)
	}

	logger.Info("petlink running",
		"version", version,
		"boot_id", bootID,
		"server", cfg.Server.URL,
		"report_interval_s", cfg.Reporting.IntervalSeconds,
		"ipc", cfg.IPC.SocketPath,
		"http_port", cfg.HTTP.Port,
		"storage", cfg.Storage.Path)

	err = g.Wait()
	logger.Info("shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runInputDevices opens the evdev devices and feeds translated gestures to
// send until ctx ends or the reader fails. Input failure is not fatal.
func runInputDevices(ctx context.Context, paths []string, send func(Event), logger *slog.Logger) {
	var files []*os.File
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			logger.Error("failed to open input device", "device", p, "error", err, "tip", "run as root or add user to 'input' group")
			return
		}
		files = append(files, f)
	}

	raw := make(chan inputEvent, eventQueueSize)
	readErr := make(chan error, len(files))
	go readInputDevices(files, raw, readErr)
	logger.Info("reading input devices", "devices", paths)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			logger.Error("input reader stopped", "error", err)
			return
		case ev := <-raw:
			if g, ok := translateInputEvent(ev); ok {
				send(g)
			}
		}
	}
}
