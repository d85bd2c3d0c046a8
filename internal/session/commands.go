package session

import (
	"log"
	"math"
	"strings"

	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/health"
	"github.com/banshee-data/vrutest/internal/matching"
	"github.com/banshee-data/vrutest/internal/protocol"
	"github.com/banshee-data/vrutest/internal/syncmon"
)

type startCmd struct{}

func (startCmd) apply(m *Machine) outcome {
	from := m.state.State
	if from != Created {
		return m.reject(fault.New(fault.InvalidState, "cannot start session %s: state is %s", m.id, from))
	}
	m.loadVideo(0)
	m.state.State = Running
	m.state.IsPlaying = true
	return m.transitioned("start", from, "playback started", nil)
}

type controlCmd struct {
	action Action
}

func (c controlCmd) apply(m *Machine) outcome {
	from := m.state.State
	if !c.action.allowed(from) {
		return m.reject(fault.New(fault.InvalidState, "cannot %s session %s: state is %s", c.action, m.id, from))
	}

	var msg string
	switch c.action {
	case ActionNext:
		m.advance(1)
		msg = "advanced to next video"
	case ActionPrevious:
		m.advance(-1)
		msg = "returned to previous video"
	case ActionPause:
		m.state.State = Paused
		m.state.IsPlaying = false
		msg = "playback paused"
	case ActionResume:
		m.state.State = Running
		m.state.IsPlaying = true
		msg = "playback resumed"
	case ActionStop:
		m.stop("stopped by control")
		msg = "session stopped"
	}
	if m.state.State == Completed {
		msg = "all videos played"
	}
	return m.transitioned(c.action.String(), from, msg, nil)
}

type timeCmd struct {
	currentTime float64
	frame       int64
}

func (c timeCmd) apply(m *Machine) outcome {
	if m.state.State != Running {
		return m.reject(fault.New(fault.InvalidState, "cannot update time of session %s: state is %s", m.id, m.state.State))
	}
	if math.IsNaN(c.currentTime) || math.IsInf(c.currentTime, 0) || c.currentTime < 0 || c.frame < 0 {
		return m.reject(fault.New(fault.MalformedMessage, "time update for session %s must be non-negative (time=%v frame=%d)", m.id, c.currentTime, c.frame))
	}

	m.state.CurrentTime = c.currentTime + m.sync.Offset()
	m.state.FrameNumber = c.frame
	m.updateProgress()
	m.state.UpdatedAt = m.clock.Now().UTC()

	m.bus.Publish(protocol.TypeProgressUpdate, ProgressPayload{
		CurrentVideoIndex: m.state.CurrentVideoIndex,
		CurrentTime:       m.state.CurrentTime,
		FrameNumber:       m.state.FrameNumber,
		VideoProgress:     m.state.VideoProgress,
		TotalProgress:     m.state.TotalProgress,
	})
	st := m.state.clone()
	return outcome{state: st, value: st}
}

type videoEndCmd struct{}

func (videoEndCmd) apply(m *Machine) outcome {
	from := m.state.State
	if m.session.Config.AutoAdvance {
		if !ActionNext.allowed(from) {
			return m.reject(fault.New(fault.InvalidState, "cannot end video of session %s: state is %s", m.id, from))
		}
		m.advance(1)
		msg := "video ended, advanced to next video"
		if m.state.State == Completed {
			msg = "video ended, all videos played"
		}
		return m.transitioned("video_end", from, msg, nil)
	}

	if from != Running {
		return m.reject(fault.New(fault.InvalidState, "cannot end video of session %s: state is %s", m.id, from))
	}
	m.state.State = Paused
	m.state.IsPlaying = false
	m.state.VideoProgress = 100
	m.updateProgress()
	return m.transitioned("video_end", from, "video ended, waiting for next", nil)
}

type syncCmd struct {
	externalTime float64
}

func (c syncCmd) apply(m *Machine) outcome {
	if !m.sync.Enabled() {
		res, err := m.sync.Sample(c.externalTime, m.state.CurrentTime)
		return outcome{state: m.state.clone(), value: res, err: err}
	}
	if s := m.state.State; s != Running && s != Paused {
		return m.reject(fault.New(fault.InvalidState, "cannot sync session %s: state is %s", m.id, s))
	}

	res, err := m.sync.Sample(c.externalTime, m.state.CurrentTime)
	if err != nil {
		return m.reject(err)
	}
	m.state.CurrentTime += res.CorrectionSeconds
	m.state.SyncStatus = res.Status
	m.state.DriftOffset = m.sync.Offset()
	m.state.UpdatedAt = m.clock.Now().UTC()
	if res.Status == syncmon.Corrected {
		log.Printf("[Session] %s drift corrected by %.3fs (total offset %.3fs)", m.id, res.CorrectionSeconds, res.OffsetSeconds)
	}

	m.bus.Publish(protocol.TypeSyncUpdate, SyncPayload{
		Result:       res,
		ExternalTime: c.externalTime,
		CurrentTime:  m.state.CurrentTime,
	})
	return outcome{state: m.state.clone(), value: res}
}

type detectCmd struct {
	detection matching.Detection
}

func (c detectCmd) apply(m *Machine) outcome {
	if s := m.state.State; s != Running && s != Paused {
		return m.reject(fault.New(fault.InvalidState, "cannot accept detections for session %s: state is %s", m.id, s))
	}

	d := c.detection
	if d.VideoID == "" {
		d.VideoID = m.state.CurrentVideoID
	}
	// Detections are stamped on the local clock; move them onto the
	// corrected timeline of the video that is playing.
	var shift float64
	if d.VideoID == m.state.CurrentVideoID {
		shift = m.sync.Offset()
	}

	res, dup, err := m.engine.ProcessShifted(d, shift)
	if err != nil {
		return m.reject(err)
	}
	if dup {
		return outcome{state: m.state.clone(), value: DetectOutcome{Result: res, Duplicate: true}}
	}
	m.results.appendResult(m.id, res)
	m.bus.Publish(protocol.TypeDetectionEvent, DetectionPayload{Result: res, Metrics: m.metrics()})
	return outcome{state: m.state.clone(), value: DetectOutcome{Result: res}}
}

type markCmd struct {
	classLabel   string
	externalTime *float64
}

func (c markCmd) apply(m *Machine) outcome {
	if s := m.state.State; s != Running && s != Paused {
		return m.reject(fault.New(fault.InvalidState, "cannot mark ground truth for session %s: state is %s", m.id, s))
	}
	if strings.TrimSpace(c.classLabel) == "" {
		return m.reject(fault.New(fault.MalformedMessage, "ground-truth mark for session %s has no class label", m.id))
	}
	// External times are already on the corrected timeline.
	t := m.state.CurrentTime
	if c.externalTime != nil {
		t = *c.externalTime
	}
	id, err := m.engine.AddGroundTruth(matching.GroundTruth{
		VideoID:    m.state.CurrentVideoID,
		ClassLabel: c.classLabel,
		Timestamp:  t,
		Source:     "live",
	})
	if err != nil {
		return m.reject(err)
	}
	return outcome{state: m.state.clone(), value: id}
}

type subscribeCmd struct {
	observerID string
}

func (c subscribeCmd) apply(m *Machine) outcome {
	obs, err := m.bus.Subscribe(c.observerID, m.snapshot())
	if err != nil {
		return m.reject(err)
	}
	return outcome{state: m.state.clone(), value: obs}
}

type snapshotCmd struct{}

func (snapshotCmd) query() {}

func (snapshotCmd) apply(m *Machine) outcome {
	s := m.snapshot()
	return outcome{state: s.Playback, value: s}
}

type resultsCmd struct{}

func (resultsCmd) query() {}

func (resultsCmd) apply(m *Machine) outcome {
	return outcome{state: m.state.clone(), value: m.engine.Results()}
}

type finalizeCmd struct{}

func (finalizeCmd) apply(m *Machine) outcome {
	if m.state.State == Created {
		return m.reject(fault.New(fault.InvalidState, "cannot finalize session %s: state is %s", m.id, m.state.State))
	}
	final := m.finalize()
	if final == nil {
		return outcome{state: m.state.clone(), value: FinalizePayload{FalseNegatives: []matching.MatchResult{}, Metrics: m.engine.Metrics()}}
	}
	out := m.transitioned("finalize", m.state.State, "matching finalized", final)
	out.value = *final
	return out
}

type healthCmd struct {
	health health.SessionHealth
}

func (healthCmd) query() {}

func (c healthCmd) apply(m *Machine) outcome {
	m.bus.Publish(protocol.TypeConnectionHealth, c.health)
	return outcome{state: m.state.clone()}
}

type stopCmd struct {
	reason string
}

func (c stopCmd) apply(m *Machine) outcome {
	from := m.state.State
	if !ActionStop.allowed(from) {
		return m.reject(fault.New(fault.InvalidState, "cannot stop session %s: state is %s", m.id, from))
	}
	reason := c.reason
	if reason == "" {
		reason = "stopped"
	}
	m.stop(reason)
	return m.transitioned("stop", from, reason, nil)
}
