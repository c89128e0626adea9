package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/alecthomas/kong"
)

// ============================================================================
// petlink-ctl - Command-line IPC Client
// ============================================================================
// Injects gestures and activity events into a running petlink daemon over its
// Unix domain socket, and reads back the full device state.
//
// Usage:
//   petlink-ctl tap [--count N]
//   petlink-ctl swipe left|right
//   petlink-ctl walk
//   petlink-ctl status
// ============================================================================

// Event payloads (duplicated from the daemon for a standalone binary).
type swipeData struct {
	Direction string `json:"direction"`
}

type exerciseData struct {
	Calories int `json:"calories"`
}

type setHungryData struct {
	Hungry bool `json:"hungry"`
}

// eventEnvelope is the IPC wire form of an event.
type eventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ipcResponse is the daemon's reply to one line.
type ipcResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Global carries the flags every sub-command needs.
type Global struct {
	Socket string
}

type CLI struct {
	Socket  string           `short:"s" help:"Unix domain socket path" default:"/tmp/petlink.sock"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Tap       TapCmd      `cmd:"" help:"Simulate screen taps (feeding gesture)"`
	Swipe     SwipeCmd    `cmd:"" help:"Simulate one slider stroke (petting)"`
	Release   SimpleCmd   `cmd:"" help:"End the current slider contact"`
	Cleanup   SimpleCmd   `cmd:"" help:"Clean up the feces"`
	Walk      SimpleCmd   `cmd:"" help:"Record a walk"`
	Faint     SimpleCmd   `cmd:"" help:"Record a faint"`
	Poop      SimpleCmd   `cmd:"" help:"Soil the pet"`
	Exercise  ExerciseCmd `cmd:"" help:"Add burned calories"`
	Hungry    HungryCmd   `cmd:"" help:"Set or clear the hungry flag that arms feeding"`
	ReportNow SimpleCmd   `cmd:"" name:"report-now" help:"Send a status report immediately"`
	Status    StatusCmd   `cmd:"" help:"Print the full device state as JSON"`
}

type TapCmd struct {
	Count    int           `short:"n" help:"Number of taps" default:"1"`
	Interval time.Duration `help:"Delay between taps" default:"150ms"`
}

func (c *TapCmd) Run(g *Global) error {
	if c.Count < 1 {
		return fmt.Errorf("--count must be >= 1")
	}
	for i := 0; i < c.Count; i++ {
		if i > 0 {
			time.Sleep(c.Interval)
		}
		if err := sendEvent(g.Socket, "tap", nil); err != nil {
			return err
		}
	}
	return nil
}

type SwipeCmd struct {
	Direction string `arg:"" enum:"left,right" help:"Stroke direction (left, right)"`
}

func (c *SwipeCmd) Run(g *Global) error {
	return sendEvent(g.Socket, "swipe", swipeData{Direction: c.Direction})
}

// SimpleCmd sends an event without payload; the event type is the command name.
type SimpleCmd struct{}

type ExerciseCmd struct {
	Calories int `arg:"" help:"Calories burned"`
}

func (c *ExerciseCmd) Run(g *Global) error {
	if c.Calories < 0 {
		return fmt.Errorf("calories must be >= 0")
	}
	return sendEvent(g.Socket, "exercise", exerciseData{Calories: c.Calories})
}

type HungryCmd struct {
	Off bool `help:"Clear the flag instead of setting it"`
}

func (c *HungryCmd) Run(g *Global) error {
	return sendEvent(g.Socket, "set_hungry", setHungryData{Hungry: !c.Off})
}

type StatusCmd struct{}

func (c *StatusCmd) Run(g *Global) error {
	data, err := roundTrip(g.Socket, eventEnvelope{Type: "status"})
	if err != nil {
		return err
	}
	var pretty any
	if err := json.Unmarshal(data, &pretty); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("petlink-ctl"),
		kong.Description("Control a running petlink daemon via IPC"),
		kong.Vars{"version": "1.0.0"},
	)

	g := &Global{Socket: cli.Socket}

	var err error
	switch cmd := ctx.Command(); cmd {
	case "release", "cleanup", "walk", "faint", "poop":
		err = sendEvent(g.Socket, cmd, nil)
	case "report-now":
		err = sendEvent(g.Socket, "report_now", nil)
	default:
		err = ctx.Run(g)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if ctx.Command() != "status" {
		fmt.Println("ok")
	}
}

func sendEvent(socketPath, typ string, payload any) error {
	env := eventEnvelope{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", typ, err)
		}
		env.Data = data
	}
	_, err := roundTrip(socketPath, env)
	return err
}

// roundTrip sends one line-delimited JSON request and reads the reply.
func roundTrip(socketPath string, env eventEnvelope) (json.RawMessage, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp ipcResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status == "error" {
		return nil, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp.Data, nil
}
