package main

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_SYN = 0x00
	EV_KEY = 0x01
	EV_REL = 0x02

	// Touch screen / pad contact.
	BTN_TOUCH = 0x14a

	// Slider strips that report as a keypad.
	KEY_LEFT  = 105
	KEY_RIGHT = 106

	// Slider strips that report relative motion.
	REL_X = 0x00
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Daemon defaults
const (
	defaultServerURL        = "ws://127.0.0.1:8080/"
	defaultNetworkTimeoutMS = 10000
	defaultReconnectMS      = 10000
	defaultReportIntervalS  = 30

	defaultRequiredClicks = 3
	defaultClickTimeoutMS = 2000
	defaultAnimationMS    = 5000
	swipeSoundTimeoutMS   = 3000

	defaultSoundDir   = "/usr/share/petlink/sounds"
	defaultSocketPath = "/tmp/petlink.sock"
	defaultHTTPPort   = 3001

	defaultStoragePath       = "/var/lib/petlink/petlink.db"
	defaultCheckpointSeconds = 60
	defaultKeepReports       = 5000
	defaultKeepCheckpoints   = 500

	defaultSelfTestIntervalS = 10

	// Queue depth between input sources and the brain loop.
	eventQueueSize = 64
)
