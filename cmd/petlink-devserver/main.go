package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// petlink-devserver - reporting server stand-in for bench work
// ============================================================================
// Accepts device connections, prints every frame, and answers device_status
// with status_ack. Lines typed on stdin are sent to all connected devices as
// raw frames, or expanded from a shorthand:
//
//   feces                -> {"type":"command","command":"generate_feces"}
//   hunger 2             -> {"type":"command","command":"set_hunger_level","level":2}
//   expr happy [ms]      -> {"type":"command","command":"set_expression",...}
//   sound purring [n]    -> {"type":"command","command":"play_sound",...}
//   bright 60            -> {"type":"command","command":"set_brightness","level":60}
//   status               -> {"type":"command","command":"full_status"}
//   {...}                -> sent verbatim
// ============================================================================

type statusAck struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
}

type device struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	id      string
}

func (d *device) write(msg []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = d.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return d.conn.WriteMessage(websocket.TextMessage, msg)
}

type server struct {
	mu      sync.Mutex
	devices map[*device]struct{}
	quiet   bool
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}
	d := &device{conn: conn}

	s.mu.Lock()
	s.devices[d] = struct{}{}
	n := len(s.devices)
	s.mu.Unlock()
	log.Printf("device connected from %s (%d connected)", r.RemoteAddr, n)

	defer func() {
		s.mu.Lock()
		delete(s.devices, d)
		n := len(s.devices)
		s.mu.Unlock()
		_ = conn.Close()
		log.Printf("device %s disconnected (%d connected)", d.id, n)
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			fmt.Printf("[BINARY] %d bytes\n", len(message))
			continue
		}
		s.handleFrame(d, message)
	}
}

func (s *server) handleFrame(d *device, message []byte) {
	var frame map[string]any
	if err := json.Unmarshal(message, &frame); err != nil {
		fmt.Printf("[TEXT] %s\n", message)
		return
	}

	typ, _ := frame["type"].(string)
	if id, ok := frame["device_id"].(string); ok && id != "" {
		d.id = id
	}

	switch typ {
	case "device_status":
		if !s.quiet {
			printJSON("[STATUS "+d.id+"]", frame["data"])
		}
		ack, _ := json.Marshal(statusAck{
			Type:      "status_ack",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			DeviceID:  d.id,
			Status:    "received",
		})
		if err := d.write(ack); err != nil {
			log.Printf("ack to %s failed: %v", d.id, err)
		}

	case "command_response":
		printJSON("[RESPONSE "+d.id+"]", frame)

	default:
		printJSON("[FRAME "+d.id+"]", frame)
	}
}

func (s *server) broadcast(msg []byte) int {
	s.mu.Lock()
	targets := make([]*device, 0, len(s.devices))
	for d := range s.devices {
		targets = append(targets, d)
	}
	s.mu.Unlock()

	sent := 0
	for _, d := range targets {
		if err := d.write(msg); err != nil {
			log.Printf("send to %s failed: %v", d.id, err)
			continue
		}
		sent++
	}
	return sent
}

func printJSON(label string, v any) {
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%s %v\n", label, v)
		return
	}
	fmt.Printf("%s\n%s\n\n", label, pretty)
}

// expandCommand turns an operator shorthand line into a frame.
func expandCommand(line string) ([]byte, error) {
	if strings.HasPrefix(line, "{") {
		if !json.Valid([]byte(line)) {
			return nil, errors.New("invalid JSON")
		}
		return []byte(line), nil
	}

	f := strings.Fields(line)
	cmd := map[string]any{"type": "command"}
	num := func(i int) (int, error) {
		if len(f) <= i {
			return 0, fmt.Errorf("%s: missing argument", f[0])
		}
		var n int
		_, err := fmt.Sscanf(f[i], "%d", &n)
		return n, err
	}

	switch f[0] {
	case "feces":
		cmd["command"] = "generate_feces"
	case "hunger":
		n, err := num(1)
		if err != nil {
			return nil, err
		}
		cmd["command"], cmd["level"] = "set_hunger_level", n
	case "expr":
		if len(f) < 2 {
			return nil, errors.New("expr: missing expression")
		}
		cmd["command"], cmd["expression"] = "set_expression", f[1]
		if len(f) > 2 {
			n, err := num(2)
			if err != nil {
				return nil, err
			}
			cmd["duration"] = n
		}
	case "sound":
		if len(f) < 2 {
			return nil, errors.New("sound: missing name")
		}
		cmd["command"], cmd["sound"] = "play_sound", f[1]
		if len(f) > 2 {
			n, err := num(2)
			if err != nil {
				return nil, err
			}
			cmd["repeat"] = n
		}
	case "bright":
		n, err := num(1)
		if err != nil {
			return nil, err
		}
		cmd["command"], cmd["level"] = "set_brightness", n
	case "status":
		cmd["command"] = "full_status"
	default:
		cmd["command"] = f[0]
	}
	return json.Marshal(cmd)
}

func main() {
	var (
		addr  = flag.String("addr", ":8080", "Listen address")
		quiet = flag.Bool("quiet", false, "Do not print device_status payloads")
	)
	flag.Parse()

	s := &server{devices: make(map[*device]struct{}), quiet: *quiet}
	srv := &http.Server{Addr: *addr, Handler: s, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("listening on %s (type commands on stdin, Ctrl+C to exit)", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			msg, err := expandCommand(line)
			if err != nil {
				log.Printf("not sent: %v", err)
				continue
			}
			log.Printf("sent to %d device(s): %s", s.broadcast(msg), msg)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
