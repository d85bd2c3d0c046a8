// Package serialmux fans the lines read from one external signal device (a
// GPIO bridge or sync box on a serial port) out to any number of
// subscribers, and serialises commands written back to the device.
package serialmux

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// subscriberBuffer is the per-subscriber channel capacity. Lines offered to
// a full channel are dropped and counted in Stats.
const subscriberBuffer = 32

// startupCommands follow the clock stamp in Initialize.
var startupCommands = []string{
	"E0",      // echo off
	"MODE L",  // one event per line
	"STREAM1", // emit edges and marks as they happen
}

// SerialMux owns one device port. Lines read by Monitor go to every
// subscriber; writes from any goroutine are serialised.
type SerialMux[T SerialPorter] struct {
	port  T
	subs  *fanout
	wmu   sync.Mutex
	now   func() time.Time
	lines atomic.Uint64
}

// Stats counts lines seen by Monitor.
type Stats struct {
	Lines       uint64 `json:"lines"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// SerialMuxInterface is what the engine needs from a signal source.
type SerialMuxInterface interface {
	// Subscribe returns an ID and a channel of device lines. The channel
	// closes on Unsubscribe(ID) or Close.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// SendCommand writes one newline-terminated command to the device.
	SendCommand(string) error
	// Monitor pumps device lines to subscribers until ctx is done, the
	// port reports EOF, or a read fails.
	Monitor(context.Context) error
	Close() error
	// Initialize puts the device into line mode and stamps its clock.
	Initialize() error
	Stats() Stats
	// AttachAdminRoutes adds loopback-only /debug/ pages for the device.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux wraps port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{port: port, subs: newFanout(subscriberBuffer), now: time.Now}
}

func (s *SerialMux[T]) Subscribe() (string, chan string) { return s.subs.add() }

func (s *SerialMux[T]) Unsubscribe(id string) { s.subs.remove(id) }

// Initialize stamps the device with the host clock in UNIX milliseconds,
// then sends startupCommands.
func (s *SerialMux[T]) Initialize() error {
	if err := s.SendCommand(fmt.Sprintf("T=%d", s.now().UnixMilli())); err != nil {
		return fmt.Errorf("failed to synchronize clock: %w", err)
	}
	for _, c := range startupCommands {
		if err := s.SendCommand(c); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", c, err)
		}
	}
	return nil
}

func (s *SerialMux[T]) SendCommand(command string) error {
	buf := []byte(strings.TrimSuffix(command, "\n") + "\n")
	s.wmu.Lock()
	defer s.wmu.Unlock()
	switch n, err := s.port.Write(buf); {
	case err != nil:
		return err
	case n != len(buf):
		return ErrWriteFailed
	}
	return nil
}

type readResult struct {
	line string
	err  error
	eof  bool
}

// readLines scans the port on its own goroutine so Monitor can still
// observe cancellation while a Read blocks.
func (s *SerialMux[T]) readLines(ctx context.Context) <-chan readResult {
	out := make(chan readResult)
	go func() {
		defer close(out)
		emit := func(r readResult) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}
		sc := bufio.NewScanner(s.port)
		for sc.Scan() {
			if !emit(readResult{line: sc.Text()}) {
				return
			}
		}
		emit(readResult{err: sc.Err(), eof: true})
	}()
	return out
}

// Monitor fans device lines out to subscribers. Trailing carriage returns
// are stripped and blank lines skipped. A subscriber with a full buffer
// misses the line instead of stalling the reader.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	results := s.readLines(ctx)
	for {
		var r readResult
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok = <-results:
		}
		switch {
		case !ok:
			return ctx.Err()
		case r.eof:
			return r.err
		case s.subs.closed():
			return nil
		}
		line := strings.TrimRight(r.line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.lines.Add(1)
		s.subs.publish(line)
	}
}

func (s *SerialMux[T]) Stats() Stats {
	return Stats{
		Lines:       s.lines.Load(),
		Dropped:     s.subs.dropped.Load(),
		Subscribers: s.subs.size(),
	}
}

// Close shuts every subscriber channel, then the port. Later calls are no-ops.
func (s *SerialMux[T]) Close() error {
	if !s.subs.close() {
		return nil
	}
	return s.port.Close()
}

const sendCommandPage = `<!doctype html>
<html><head><title>signal device</title></head>
<body>
<h1>Signal device</h1>
<form method="post" action="send-command-api">
<input name="command" autofocus> <button type="submit">Send</button>
</form>
<p><a href="tail">live tail</a> &middot; <a href="serial-stats">stats</a></p>
</body></html>
`

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, s)
}

func attachAdminRoutes(mux *http.ServeMux, s SerialMuxInterface) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send a command to the signal device", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, sendCommandPage)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to serial port", command)
	})

	debug.HandleSilentFunc("serial-stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Stats())
	})

	// Server-Sent Events carrying every line read from the device.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
