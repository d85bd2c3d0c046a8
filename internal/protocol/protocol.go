// Package protocol defines the real-time message schema exchanged with
// observers. Inbound messages are decoded once at the boundary into one of
// a closed set of typed variants; outbound messages share one envelope.
package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/matching"
)

// MessageType is the "type" discriminator of every message.
type MessageType string

// Inbound (observer to engine).
const (
	TypeTimeUpdate  MessageType = "time_update"
	TypeVideoEnd    MessageType = "video_end"
	TypeSyncRequest MessageType = "sync_request"
	TypePing        MessageType = "ping"
	TypeDetection   MessageType = "detection"
	TypeControl     MessageType = "control"
	TypeMark        MessageType = "mark"
)

// Outbound (engine to observer).
const (
	TypeInitialState     MessageType = "initial_state"
	TypeSessionUpdate    MessageType = "test_session_update"
	TypeProgressUpdate   MessageType = "progress_update"
	TypeDetectionEvent   MessageType = "detection_event"
	TypeSyncUpdate       MessageType = "sync_update"
	TypeError            MessageType = "error"
	TypePong             MessageType = "pong"
	TypeOverflow         MessageType = "overflow"
	TypeSessionStopped   MessageType = "session_stopped"
	TypeConnectionHealth MessageType = "connection_health"
)

// Inbound is implemented by every decodable observer message.
type Inbound interface {
	Type() MessageType
}

// TimeUpdate reports the player's current position.
type TimeUpdate struct {
	CurrentTime float64 `json:"current_time"`
	FrameNumber int64   `json:"frame_number"`
}

// VideoEnd signals the current video finished playing.
type VideoEnd struct{}

// SyncRequest carries one external timeline sample.
type SyncRequest struct {
	ExternalTime float64 `json:"external_time"`
}

// Ping asks for a pong; it also counts as liveness for health checks.
type Ping struct{}

// Detection is one model output to classify.
type Detection struct {
	matching.Detection
}

// Control issues a playback action over the stream.
type Control struct {
	Action string `json:"action"`
}

// Mark appends a live ground-truth point. ExternalTime is optional; the
// session's current time is used when it is absent.
type Mark struct {
	ClassLabel   string   `json:"class_label"`
	ExternalTime *float64 `json:"external_time,omitempty"`
}

func (TimeUpdate) Type() MessageType  { return TypeTimeUpdate }
func (VideoEnd) Type() MessageType    { return TypeVideoEnd }
func (SyncRequest) Type() MessageType { return TypeSyncRequest }
func (Ping) Type() MessageType        { return TypePing }
func (Detection) Type() MessageType   { return TypeDetection }
func (Control) Type() MessageType     { return TypeControl }
func (Mark) Type() MessageType        { return TypeMark }

type inboundFrame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses one inbound message. Anything that does not fit the schema
// is reported as a MalformedMessage fault.
func Decode(data []byte) (Inbound, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fault.Wrap(fault.MalformedMessage, err, "invalid message")
	}
	if f.Type == "" {
		return nil, fault.New(fault.MalformedMessage, "message has no type")
	}

	switch f.Type {
	case TypeTimeUpdate:
		var m TimeUpdate
		if err := decodePayload(f, &m); err != nil {
			return nil, err
		}
		if !finite(m.CurrentTime) || m.CurrentTime < 0 || m.FrameNumber < 0 {
			return nil, fault.New(fault.MalformedMessage, "time_update: current_time and frame_number must be non-negative")
		}
		return m, nil
	case TypeVideoEnd:
		return VideoEnd{}, nil
	case TypeSyncRequest:
		var m SyncRequest
		if err := decodePayload(f, &m); err != nil {
			return nil, err
		}
		if !finite(m.ExternalTime) {
			return nil, fault.New(fault.MalformedMessage, "sync_request: external_time must be a number")
		}
		return m, nil
	case TypePing:
		return Ping{}, nil
	case TypeDetection:
		var m Detection
		if err := decodePayload(f, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeControl:
		var m Control
		if err := decodePayload(f, &m); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.Action) == "" {
			return nil, fault.New(fault.MalformedMessage, "control: action is required")
		}
		return m, nil
	case TypeMark:
		var m Mark
		if err := decodePayload(f, &m); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.ClassLabel) == "" {
			return nil, fault.New(fault.MalformedMessage, "mark: class_label is required")
		}
		return m, nil
	}
	return nil, fault.New(fault.MalformedMessage, "unknown message type %q", f.Type)
}

func decodePayload(f inboundFrame, v any) error {
	if len(f.Payload) == 0 || bytes.Equal(f.Payload, []byte("null")) {
		return fault.New(fault.MalformedMessage, "%s: payload is required", f.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(f.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.MalformedMessage, err, "%s: invalid payload", f.Type)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Envelope is the outbound message shape. Seq is the per-session sequence
// number assigned when the event was produced.
type Envelope struct {
	Type      MessageType `json:"type"`
	Seq       uint64      `json:"seq"`
	SessionID string      `json:"session_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

// Encode marshals an envelope for the wire.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// ErrorPayload is the payload of an "error" message.
type ErrorPayload struct {
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
}

// ErrorFor builds the payload reported for a rejected message or command.
func ErrorFor(err error) ErrorPayload {
	return ErrorPayload{Kind: fault.KindOf(err), Message: fault.Reason(err)}
}

// PongPayload answers a ping.
type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// OverflowPayload tells an observer it was dropped for falling behind.
type OverflowPayload struct {
	Reason   string `json:"reason"`
	Capacity int    `json:"capacity"`
}

// StoppedPayload is the terminal message of a session stream.
type StoppedPayload struct {
	Reason string `json:"reason"`
}
