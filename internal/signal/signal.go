// Package signal turns external timing signals into session calls. A signal
// arrives either as a text line from the serial signal device or as an MQTT
// message; both end up as Sync, Mark or Detect on the session registry.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/matching"
	"github.com/banshee-data/vrutest/internal/monitoring"
	"github.com/banshee-data/vrutest/internal/serialmux"
	"github.com/banshee-data/vrutest/internal/session"
	"github.com/banshee-data/vrutest/internal/syncmon"
)

// Event types carried by a signal.
const (
	TypeSync = "sync"
	TypeMark = "mark"
)

// DefaultCallTimeout bounds one registry call made on behalf of a signal.
const DefaultCallTimeout = 2 * time.Second

var logf = monitoring.Prefixed("Signal")

// Target is the part of the session registry driven by external signals.
type Target interface {
	Sync(ctx context.Context, id string, externalTime float64) (syncmon.Result, error)
	Mark(ctx context.Context, id, classLabel string, externalTime *float64) (int64, error)
	Detect(ctx context.Context, id string, d matching.Detection) (session.DetectOutcome, error)
}

// Event is one parsed signal.
type Event struct {
	SessionID    string   `json:"session_id"`
	Type         string   `json:"type"`
	ExternalTime *float64 `json:"external_time,omitempty"`
	ClassLabel   string   `json:"class_label,omitempty"`
}

func (e Event) validate() error {
	if strings.TrimSpace(e.SessionID) == "" {
		return fault.New(fault.MalformedMessage, "signal has no session id")
	}
	if e.ExternalTime != nil && (math.IsNaN(*e.ExternalTime) || math.IsInf(*e.ExternalTime, 0)) {
		return fault.New(fault.MalformedMessage, "signal external time %v is not finite", *e.ExternalTime)
	}
	switch e.Type {
	case TypeSync:
		if e.ExternalTime == nil {
			return fault.New(fault.MalformedMessage, "sync signal for %s has no external time", e.SessionID)
		}
	case TypeMark:
		if strings.TrimSpace(e.ClassLabel) == "" {
			return fault.New(fault.MalformedMessage, "mark signal for %s has no class label", e.SessionID)
		}
	default:
		return fault.New(fault.MalformedMessage, "unknown signal type %q", e.Type)
	}
	return nil
}

// ParseLine parses one line from the signal device.
//
//	S <session> <external_time>
//	M <session> <class> [external_time]
//	{"session_id":..., "type":"sync"|"mark", "external_time":..., "class_label":...}
func ParseLine(line string) (Event, error) {
	line = strings.TrimSpace(line)
	var ev Event
	switch serialmux.ClassifyPayload(line) {
	case serialmux.EventTypeJSON:
		dec := json.NewDecoder(strings.NewReader(line))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&ev); err != nil {
			return Event{}, fault.Wrap(fault.MalformedMessage, err, "signal line is not valid JSON")
		}
		ev.Type = strings.ToLower(strings.TrimSpace(ev.Type))
	case serialmux.EventTypeSync:
		f := strings.Fields(line)
		t, err := parseTime(f[2])
		if err != nil {
			return Event{}, err
		}
		ev = Event{SessionID: f[1], Type: TypeSync, ExternalTime: &t}
	case serialmux.EventTypeMark:
		f := strings.Fields(line)
		ev = Event{SessionID: f[1], Type: TypeMark, ClassLabel: f[2]}
		if len(f) == 4 {
			t, err := parseTime(f[3])
			if err != nil {
				return Event{}, err
			}
			ev.ExternalTime = &t
		}
	default:
		return Event{}, fault.New(fault.MalformedMessage, "unrecognised signal line %q", line)
	}
	if err := ev.validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func parseTime(s string) (float64, error) {
	t, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fault.Wrap(fault.MalformedMessage, err, "external time %q is not a number", s)
	}
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return 0, fault.New(fault.MalformedMessage, "external time %q is not finite", s)
	}
	return t, nil
}

// Stats counts signals by outcome.
type Stats struct {
	Handled   uint64 `json:"handled"`
	Malformed uint64 `json:"malformed"`
	Rejected  uint64 `json:"rejected"`
}

// Handler applies signals to a Target. It is safe for concurrent use.
type Handler struct {
	target  Target
	timeout time.Duration

	handled   atomic.Uint64
	malformed atomic.Uint64
	rejected  atomic.Uint64
}

func NewHandler(target Target) *Handler {
	return &Handler{target: target, timeout: DefaultCallTimeout}
}

func (h *Handler) Stats() Stats {
	return Stats{
		Handled:   h.handled.Load(),
		Malformed: h.malformed.Load(),
		Rejected:  h.rejected.Load(),
	}
}

// HandleLine parses and applies one device line. A malformed line is
// counted and returned as a MalformedMessage fault.
func (h *Handler) HandleLine(ctx context.Context, line string) error {
	ev, err := ParseLine(line)
	if err != nil {
		h.malformed.Add(1)
		return err
	}
	return h.Apply(ctx, ev)
}

// Apply sends one event to the target. Rejections (unknown session, sync
// disabled, session not running) are counted and returned.
func (h *Handler) Apply(ctx context.Context, ev Event) error {
	if err := ev.validate(); err != nil {
		h.malformed.Add(1)
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var err error
	switch ev.Type {
	case TypeSync:
		_, err = h.target.Sync(ctx, ev.SessionID, *ev.ExternalTime)
	case TypeMark:
		_, err = h.target.Mark(ctx, ev.SessionID, strings.TrimSpace(ev.ClassLabel), ev.ExternalTime)
	}
	if err != nil {
		h.rejected.Add(1)
		return fmt.Errorf("%s signal for %s: %w", ev.Type, ev.SessionID, err)
	}
	h.handled.Add(1)
	return nil
}

// ApplyDetection forwards a detection received from a networked inference
// box.
func (h *Handler) ApplyDetection(ctx context.Context, sessionID string, d matching.Detection) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if _, err := h.target.Detect(ctx, sessionID, d); err != nil {
		if k := fault.KindOf(err); k == fault.MalformedDetection || k == fault.MalformedMessage {
			h.malformed.Add(1)
		} else {
			h.rejected.Add(1)
		}
		return fmt.Errorf("detection for %s: %w", sessionID, err)
	}
	h.handled.Add(1)
	return nil
}

// Run subscribes to mux and applies every line until ctx is done or the
// mux closes the subscription. Errors on individual lines are logged only.
func (h *Handler) Run(ctx context.Context, mux serialmux.SerialMuxInterface) error {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := h.HandleLine(ctx, line); err != nil {
				logf("dropping line %q: %v", line, err)
			}
		}
	}
}
