// Package session runs test sessions: one actor per session serializes
// playback control, time updates, sync samples and detections, and a
// Registry owns the set of active sessions.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/matching"
	"github.com/banshee-data/vrutest/internal/syncmon"
)

// State is the playback state machine's state.
type State string

const (
	Created   State = "created"
	Running   State = "running"
	Paused    State = "paused"
	Completed State = "completed"
	Stopped   State = "stopped"
	Error     State = "error"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Stopped }

// PlaybackOrder selects how videos are sequenced.
type PlaybackOrder string

const (
	Sequential PlaybackOrder = "sequential"
	Random     PlaybackOrder = "random"
)

// VideoRef points at one video of a session. Duration or frame count, when
// known, drive per-video progress.
type VideoRef struct {
	ID              string  `json:"id"`
	Path            string  `json:"path,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	FrameCount      int64   `json:"frame_count,omitempty"`
}

// Configuration is a session's test configuration.
type Configuration struct {
	BatchSize           int           `json:"batch_size,omitempty"`
	PlaybackOrder       PlaybackOrder `json:"playback_order,omitempty"`
	RandomSeed          int64         `json:"random_seed,omitempty"`
	LoopPlayback        bool          `json:"loop_playback"`
	AutoAdvance         bool          `json:"auto_advance"`
	SyncExternalSignals bool          `json:"sync_external_signals"`
	MaxSyncDriftMs      float64       `json:"max_sync_drift_ms,omitempty"`
	SyncCheckIntervalMs float64       `json:"sync_check_interval_ms,omitempty"`
	ToleranceMs         float64       `json:"tolerance_ms,omitempty"`
}

func (c Configuration) syncConfig() syncmon.Config {
	return syncmon.Config{
		Enabled:         c.SyncExternalSignals,
		MaxDriftMs:      c.MaxSyncDriftMs,
		CheckIntervalMs: c.SyncCheckIntervalMs,
	}
}

// TestSession is the immutable definition of a session.
type TestSession struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Videos    []VideoRef    `json:"videos"`
	Config    Configuration `json:"config"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Definition is everything needed to run a session.
type Definition struct {
	Session     TestSession            `json:"session"`
	GroundTruth []matching.GroundTruth `json:"ground_truth"`
}

// Validate checks a definition before it is stored or run.
func (d Definition) Validate() error {
	s := d.Session
	if strings.TrimSpace(s.ID) == "" {
		return fault.New(fault.MalformedMessage, "session id is required")
	}
	if len(s.Videos) == 0 {
		return fault.New(fault.MalformedMessage, "session %s has no videos", s.ID)
	}
	seen := make(map[string]bool, len(s.Videos))
	for i, v := range s.Videos {
		if strings.TrimSpace(v.ID) == "" {
			return fault.New(fault.MalformedMessage, "session %s: video %d has no id", s.ID, i)
		}
		if seen[v.ID] {
			return fault.New(fault.MalformedMessage, "session %s: duplicate video id %s", s.ID, v.ID)
		}
		seen[v.ID] = true
		if v.DurationSeconds < 0 || v.FrameCount < 0 {
			return fault.New(fault.MalformedMessage, "session %s: video %s has negative length", s.ID, v.ID)
		}
	}
	switch s.Config.PlaybackOrder {
	case "", Sequential, Random:
	default:
		return fault.New(fault.MalformedMessage, "session %s: unknown playback_order %q", s.ID, s.Config.PlaybackOrder)
	}
	if s.Config.BatchSize < 0 || s.Config.MaxSyncDriftMs < 0 || s.Config.SyncCheckIntervalMs < 0 || s.Config.ToleranceMs < 0 {
		return fault.New(fault.MalformedMessage, "session %s: negative configuration value", s.ID)
	}
	return nil
}

// PlaybackState is the externally visible state of a running session.
type PlaybackState struct {
	SessionID         string         `json:"session_id"`
	State             State          `json:"state"`
	CurrentVideoIndex int            `json:"current_video_index"`
	CurrentVideoID    string         `json:"current_video_id,omitempty"`
	TotalVideos       int            `json:"total_videos"`
	PlayOrder         []int          `json:"play_order,omitempty"`
	CurrentTime       float64        `json:"current_time"`
	FrameNumber       int64          `json:"frame_number"`
	IsPlaying         bool           `json:"is_playing"`
	VideoProgress     float64        `json:"video_progress"`
	TotalProgress     float64        `json:"total_progress"`
	SyncStatus        syncmon.Status `json:"sync_status"`
	DriftOffset       float64        `json:"drift_offset_seconds"`
	Finalized         bool           `json:"finalized"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (p PlaybackState) clone() PlaybackState {
	p.PlayOrder = append([]int(nil), p.PlayOrder...)
	return p
}

// Snapshot is the payload of initial_state and get-state.
type Snapshot struct {
	Playback PlaybackState           `json:"playback"`
	Metrics  matching.SessionMetrics `json:"metrics"`
}

// Source loads session definitions.
type Source interface {
	LoadSession(ctx context.Context, id string) (Definition, error)
}

// ResultSink persists results produced by sessions.
type ResultSink interface {
	AppendResult(ctx context.Context, sessionID string, r matching.MatchResult) error
	SaveSummary(ctx context.Context, sessionID string, m matching.SessionMetrics) error
}

// Event payloads published to observers.

// UpdatePayload accompanies test_session_update.
type UpdatePayload struct {
	Action   string        `json:"action"`
	From     State         `json:"from"`
	To       State         `json:"to"`
	Message  string        `json:"message"`
	Playback PlaybackState `json:"playback"`
	// Final is set when the update finalized matching.
	Final *FinalizePayload `json:"final,omitempty"`
}

// ProgressPayload accompanies progress_update.
type ProgressPayload struct {
	CurrentVideoIndex int     `json:"current_video_index"`
	CurrentTime       float64 `json:"current_time"`
	FrameNumber       int64   `json:"frame_number"`
	VideoProgress     float64 `json:"video_progress"`
	TotalProgress     float64 `json:"total_progress"`
}

// DetectionPayload accompanies detection_event.
type DetectionPayload struct {
	Result  matching.MatchResult    `json:"result"`
	Metrics matching.SessionMetrics `json:"metrics"`
}

// SyncPayload accompanies sync_update.
type SyncPayload struct {
	syncmon.Result
	ExternalTime float64 `json:"external_time"`
	CurrentTime  float64 `json:"current_time"`
}

// FinalizePayload accompanies the test_session_update sent on finalization.
type FinalizePayload struct {
	FalseNegatives []matching.MatchResult  `json:"false_negatives"`
	Metrics        matching.SessionMetrics `json:"metrics"`
}
