// Package syncmon keeps a session's playback clock aligned with an external
// timeline signal.
//
// A Monitor compares externally supplied reference times against the local
// playback time. Single excursions beyond the allowed drift only flag the
// session as drifting; a correction is applied when a second consecutive
// excursion confirms the first within the confirmation window.
package syncmon

import (
	"math"
	"time"

	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/timeutil"
)

// Status is the synchronisation state reported in PlaybackState.
type Status string

const (
	InSync    Status = "in_sync"
	Drifting  Status = "drifting"
	Corrected Status = "corrected"
	Disabled  Status = "sync_disabled"
)

// Defaults used when the session configuration leaves a value unset.
const (
	DefaultMaxDriftMs      = 100
	DefaultCheckIntervalMs = 1000
)

// Config is the sync part of a session's test configuration.
type Config struct {
	Enabled         bool
	MaxDriftMs      float64
	CheckIntervalMs float64
}

// Result describes the outcome of one sample.
type Result struct {
	Status Status `json:"sync_status"`
	// DriftMs is external minus local time for this sample.
	DriftMs float64 `json:"drift_ms"`
	// CorrectionSeconds is the offset applied by this sample, zero unless
	// Status is Corrected.
	CorrectionSeconds float64 `json:"correction_seconds"`
	// OffsetSeconds is the total correction applied since the last Reset.
	OffsetSeconds float64 `json:"offset_seconds"`
}

// Monitor is a per-session drift estimator. It is owned by the session
// worker and is not safe for concurrent use.
type Monitor struct {
	cfg   Config
	clock timeutil.Clock

	status        Status
	offset        float64
	excursion     bool
	lastExcursion time.Time
	lastDriftMs   float64
}

// New creates a Monitor. A disabled configuration yields a monitor that
// always reports sync_disabled.
func New(cfg Config, clock timeutil.Clock) *Monitor {
	if cfg.MaxDriftMs <= 0 {
		cfg.MaxDriftMs = DefaultMaxDriftMs
	}
	if cfg.CheckIntervalMs <= 0 {
		cfg.CheckIntervalMs = DefaultCheckIntervalMs
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	m := &Monitor{cfg: cfg, clock: clock, status: InSync}
	if !cfg.Enabled {
		m.status = Disabled
	}
	return m
}

// Enabled reports whether external sync is configured.
func (m *Monitor) Enabled() bool { return m.cfg.Enabled }

// Status returns the current sync status.
func (m *Monitor) Status() Status { return m.status }

// Offset returns the accumulated correction.
func (m *Monitor) Offset() float64 { return m.offset }

// LastDriftMs returns the drift measured by the latest sample.
func (m *Monitor) LastDriftMs() float64 { return m.lastDriftMs }

// confirmWindow bounds how long an excursion waits for its confirming
// sample: two check intervals, so one late check still confirms.
func (m *Monitor) confirmWindow() time.Duration {
	return time.Duration(2 * m.cfg.CheckIntervalMs * float64(time.Millisecond))
}

// Sample records one external reference time against the local playback
// time (both in seconds). With sync disabled it changes nothing and returns
// a SyncNotEnabled fault.
func (m *Monitor) Sample(externalTime, localTime float64) (Result, error) {
	if !m.cfg.Enabled {
		return Result{Status: Disabled}, fault.New(fault.SyncNotEnabled, "external sync is not enabled for this session")
	}
	if math.IsNaN(externalTime) || math.IsInf(externalTime, 0) {
		return m.result(0, 0), fault.New(fault.MalformedMessage, "external_time %v is not a finite number", externalTime)
	}

	drift := externalTime - localTime
	driftMs := drift * 1000
	m.lastDriftMs = driftMs
	now := m.clock.Now()

	if math.Abs(driftMs) <= m.cfg.MaxDriftMs {
		m.transition(InSync)
		m.excursion = false
		return m.result(driftMs, 0), nil
	}

	// There is no minimum spacing between the pair: any two consecutive
	// excursions inside the window confirm. Jitter is absorbed only by
	// needing a second out-of-tolerance sample, since an in-tolerance sample
	// in between clears the first.
	if m.excursion && now.Sub(m.lastExcursion) <= m.confirmWindow() {
		m.offset += drift
		m.excursion = false
		m.transition(Corrected)
		return m.result(driftMs, drift), nil
	}

	// First excursion, or the previous one went stale.
	m.excursion = true
	m.lastExcursion = now
	m.transition(Drifting)
	return m.result(driftMs, 0), nil
}

// Reset clears the offset and excursion state, e.g. when playback moves to
// another video whose timeline starts at zero.
func (m *Monitor) Reset() {
	m.offset = 0
	m.excursion = false
	m.lastDriftMs = 0
	if m.cfg.Enabled {
		m.status = InSync
	}
}

func (m *Monitor) result(driftMs, correction float64) Result {
	return Result{
		Status:            m.status,
		DriftMs:           driftMs,
		CorrectionSeconds: correction,
		OffsetSeconds:     m.offset,
	}
}

func (m *Monitor) transition(to Status) {
	if !ValidTransition(m.status, to) {
		// Unreachable by construction; keep the status unchanged.
		return
	}
	m.status = to
}

// ValidTransition reports whether the sync state graph allows from -> to.
//
//	in_sync   -> in_sync | drifting
//	drifting  -> in_sync | drifting | corrected
//	corrected -> in_sync | drifting
//	sync_disabled is absorbing.
func ValidTransition(from, to Status) bool {
	switch from {
	case InSync:
		return to == InSync || to == Drifting
	case Drifting:
		return to == InSync || to == Drifting || to == Corrected
	case Corrected:
		return to == InSync || to == Drifting
	case Disabled:
		return to == Disabled
	}
	return false
}
