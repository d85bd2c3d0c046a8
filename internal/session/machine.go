package session

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/banshee-data/vrutest/internal/broadcast"
	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/health"
	"github.com/banshee-data/vrutest/internal/matching"
	"github.com/banshee-data/vrutest/internal/protocol"
	"github.com/banshee-data/vrutest/internal/syncmon"
	"github.com/banshee-data/vrutest/internal/timeutil"
)

// Defaults for Options.
const (
	DefaultCommandQueueSize = 64
	DefaultIdleTimeout      = 30 * time.Minute
	DefaultIdleCheck        = time.Minute
	DefaultResultQueueSize  = 1024
)

// Options configure the sessions created by a Registry.
type Options struct {
	ObserverQueueSize  int
	CommandQueueSize   int
	ResultQueueSize    int
	DefaultToleranceMs float64
	ConfidenceLevel    float64
	IdleTimeout        time.Duration
	IdleCheckInterval  time.Duration
	Health             health.Config
	Clock              timeutil.Clock
}

func (o Options) withDefaults() Options {
	if o.CommandQueueSize <= 0 {
		o.CommandQueueSize = DefaultCommandQueueSize
	}
	if o.ResultQueueSize <= 0 {
		o.ResultQueueSize = DefaultResultQueueSize
	}
	if o.DefaultToleranceMs <= 0 {
		o.DefaultToleranceMs = matching.DefaultToleranceMs
	}
	if o.ConfidenceLevel <= 0 || o.ConfidenceLevel >= 1 {
		o.ConfidenceLevel = matching.DefaultConfidenceLevel
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.IdleCheckInterval <= 0 {
		o.IdleCheckInterval = DefaultIdleCheck
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// resultQueue hands results to persistence without blocking the worker.
type resultQueue interface {
	appendResult(sessionID string, r matching.MatchResult)
	saveSummary(sessionID string, m matching.SessionMetrics)
}

type outcome struct {
	state PlaybackState
	value any
	err   error
}

// command is one unit of work executed on the session worker.
type command interface {
	apply(m *Machine) outcome
}

// query marks read-only commands; they do not count as session activity.
type query interface {
	query()
}

type request struct {
	cmd   command
	reply chan outcome
}

// Machine is the actor owning one session. All state below the worker
// marker is touched only by the worker goroutine.
type Machine struct {
	id      string
	session TestSession
	clock   timeutil.Clock
	bus     *broadcast.Broadcaster
	results resultQueue
	onStop  func(*Machine)

	reqs chan request
	done chan struct{}

	playing      atomic.Bool
	lastActivity atomic.Int64

	// worker
	state      PlaybackState
	order      []int
	engine     *matching.Engine
	sync       *syncmon.Monitor
	stopReason string
}

func newMachine(def Definition, opts Options, results resultQueue, onStop func(*Machine)) (*Machine, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	s := def.Session
	tolerance := s.Config.ToleranceMs
	if tolerance <= 0 {
		tolerance = opts.DefaultToleranceMs
	}
	engine, err := matching.NewEngine(matching.Config{
		ToleranceMs:     tolerance,
		ConfidenceLevel: opts.ConfidenceLevel,
	}, def.GroundTruth)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", s.ID, err)
	}

	m := &Machine{
		id:      s.ID,
		session: s,
		clock:   opts.Clock,
		bus:     broadcast.New(s.ID, opts.ObserverQueueSize, opts.Clock),
		results: results,
		onStop:  onStop,
		reqs:    make(chan request, opts.CommandQueueSize),
		done:    make(chan struct{}),
		engine:  engine,
		sync:    syncmon.New(s.Config.syncConfig(), opts.Clock),
	}
	m.order = playOrder(s, opts.Clock)
	m.state = PlaybackState{
		SessionID:   s.ID,
		State:       Created,
		TotalVideos: len(m.order),
		PlayOrder:   m.order,
		SyncStatus:  m.sync.Status(),
		UpdatedAt:   opts.Clock.Now().UTC(),
	}
	m.touch()

	go m.run()
	return m, nil
}

// playOrder returns the indices into s.Videos in playback order, limited to
// the configured batch.
func playOrder(s TestSession, clock timeutil.Clock) []int {
	order := make([]int, len(s.Videos))
	for i := range order {
		order[i] = i
	}
	if s.Config.PlaybackOrder == Random {
		seed := s.Config.RandomSeed
		if seed == 0 {
			seed = clock.Now().UnixNano()
		}
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	if n := s.Config.BatchSize; n > 0 && n < len(order) {
		order = order[:n]
	}
	return order
}

// ID returns the session id.
func (m *Machine) ID() string { return m.id }

// Done is closed once the worker has exited.
func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) run() {
	for req := range m.reqs {
		req.reply <- m.exec(req.cmd)
		if m.state.State.Terminal() {
			m.shutdown()
			return
		}
	}
}

func (m *Machine) exec(cmd command) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Session] %s: internal fault: %v", m.id, r)
			m.fail(fmt.Sprint(r))
			out = outcome{state: m.state.clone(), err: fault.New(fault.Internal, "session %s: internal fault", m.id)}
		}
		if _, ok := cmd.(query); ok {
			m.playing.Store(m.state.IsPlaying)
			return
		}
		m.touch()
	}()
	return cmd.apply(m)
}

func (m *Machine) shutdown() {
	m.bus.Close(m.stopReason)
	if m.onStop != nil {
		m.onStop(m)
	}
	close(m.done)
	log.Printf("[Session] %s stopped: %s", m.id, m.stopReason)
}

// do runs cmd on the worker and waits for its outcome.
func (m *Machine) do(ctx context.Context, cmd command) outcome {
	req := request{cmd: cmd, reply: make(chan outcome, 1)}
	select {
	case m.reqs <- req:
	case <-m.done:
		return outcome{err: m.notActive()}
	case <-ctx.Done():
		return outcome{err: ctx.Err()}
	}
	select {
	case out := <-req.reply:
		return out
	case <-m.done:
		// Replies are sent before done closes.
		select {
		case out := <-req.reply:
			return out
		default:
			return outcome{err: m.notActive()}
		}
	case <-ctx.Done():
		return outcome{err: ctx.Err()}
	}
}

func (m *Machine) notActive() error {
	return fault.New(fault.SessionNotFound, "session %s is no longer active", m.id)
}

func call[T any](ctx context.Context, m *Machine, cmd command) (T, error) {
	out := m.do(ctx, cmd)
	v, _ := out.value.(T)
	return v, out.err
}

// Start loads the first video of the play order and starts playback.
func (m *Machine) Start(ctx context.Context) (PlaybackState, error) {
	return call[PlaybackState](ctx, m, startCmd{})
}

// Control applies a playback action.
func (m *Machine) Control(ctx context.Context, a Action) (PlaybackState, error) {
	return call[PlaybackState](ctx, m, controlCmd{action: a})
}

// UpdateTime records the player's position and recomputes progress.
func (m *Machine) UpdateTime(ctx context.Context, currentTime float64, frame int64) (PlaybackState, error) {
	return call[PlaybackState](ctx, m, timeCmd{currentTime: currentTime, frame: frame})
}

// HandleVideoEnd advances or pauses depending on auto_advance.
func (m *Machine) HandleVideoEnd(ctx context.Context) (PlaybackState, error) {
	return call[PlaybackState](ctx, m, videoEndCmd{})
}

// Sample feeds one external timeline sample to the sync monitor.
func (m *Machine) Sample(ctx context.Context, externalTime float64) (syncmon.Result, error) {
	return call[syncmon.Result](ctx, m, syncCmd{externalTime: externalTime})
}

// DetectOutcome is the result of Detect.
type DetectOutcome struct {
	Result    matching.MatchResult `json:"result"`
	Duplicate bool                 `json:"duplicate"`
}

// Detect classifies one detection.
func (m *Machine) Detect(ctx context.Context, d matching.Detection) (DetectOutcome, error) {
	return call[DetectOutcome](ctx, m, detectCmd{detection: d})
}

// MarkGroundTruth appends a live point annotation for the current video.
// externalTime nil means "now".
func (m *Machine) MarkGroundTruth(ctx context.Context, classLabel string, externalTime *float64) (int64, error) {
	return call[int64](ctx, m, markCmd{classLabel: classLabel, externalTime: externalTime})
}

// Subscribe registers an observer; its stream starts with initial_state.
func (m *Machine) Subscribe(ctx context.Context, observerID string) (*broadcast.Observer, error) {
	return call[*broadcast.Observer](ctx, m, subscribeCmd{observerID: observerID})
}

// Unsubscribe removes an observer.
func (m *Machine) Unsubscribe(observerID string) { m.bus.Unsubscribe(observerID) }

// Snapshot returns the current playback state and metrics.
func (m *Machine) Snapshot(ctx context.Context) (Snapshot, error) {
	return call[Snapshot](ctx, m, snapshotCmd{})
}

// Results returns the match result log.
func (m *Machine) Results(ctx context.Context) ([]matching.MatchResult, error) {
	return call[[]matching.MatchResult](ctx, m, resultsCmd{})
}

// Finalize seals matching and reports the false negatives it produced.
func (m *Machine) Finalize(ctx context.Context) (FinalizePayload, error) {
	return call[FinalizePayload](ctx, m, finalizeCmd{})
}

// PublishHealth forwards a connection health change to observers.
func (m *Machine) PublishHealth(ctx context.Context, h health.SessionHealth) error {
	return m.do(ctx, healthCmd{health: h}).err
}

// Stop stops the session. The worker exits after the reply is sent.
func (m *Machine) Stop(ctx context.Context, reason string) (PlaybackState, error) {
	return call[PlaybackState](ctx, m, stopCmd{reason: reason})
}

// BroadcastStats reports the session's broadcaster counters.
func (m *Machine) BroadcastStats() broadcast.Stats { return m.bus.Stats() }

// idleFor reports how long the session has been idle, and whether it is
// idle at all (not playing).
func (m *Machine) idleFor(now time.Time) (time.Duration, bool) {
	if m.playing.Load() {
		return 0, false
	}
	return now.Sub(time.Unix(0, m.lastActivity.Load())), true
}

func (m *Machine) touch() {
	m.playing.Store(m.state.IsPlaying)
	m.lastActivity.Store(m.clock.Now().UnixNano())
}

// Worker-side helpers.

func (m *Machine) currentVideo() (VideoRef, bool) {
	i := m.state.CurrentVideoIndex
	if i < 0 || i >= len(m.order) {
		return VideoRef{}, false
	}
	return m.session.Videos[m.order[i]], true
}

func (m *Machine) loadVideo(index int) {
	m.state.CurrentVideoIndex = index
	m.state.CurrentVideoID = m.session.Videos[m.order[index]].ID
	m.state.CurrentTime = 0
	m.state.FrameNumber = 0
	m.state.VideoProgress = 0
	m.state.TotalProgress = clampPercent(100 * float64(index) / float64(len(m.order)))
	m.sync.Reset()
	m.state.SyncStatus = m.sync.Status()
	m.state.DriftOffset = 0
}

// advance moves delta positions through the play order. Moving past the end
// completes the session unless loop_playback wraps it; moving before the
// start wraps or clamps at the first video.
func (m *Machine) advance(delta int) {
	n := len(m.order)
	idx := m.state.CurrentVideoIndex + delta
	switch {
	case idx >= n && m.session.Config.LoopPlayback:
		idx = 0
	case idx >= n:
		m.complete()
		return
	case idx < 0 && m.session.Config.LoopPlayback:
		idx = n - 1
	case idx < 0:
		idx = 0
	}
	m.loadVideo(idx)
}

func (m *Machine) complete() {
	m.state.State = Completed
	m.state.CurrentVideoIndex = len(m.order)
	m.state.CurrentVideoID = ""
	m.state.IsPlaying = false
	m.state.VideoProgress = 100
	m.state.TotalProgress = 100
}

// updateProgress recomputes progress from the current position. Per-video
// progress never decreases while the same video plays.
func (m *Machine) updateProgress() {
	v, ok := m.currentVideo()
	if !ok {
		return
	}
	local := 0.0
	switch {
	case v.DurationSeconds > 0:
		local = m.state.CurrentTime / v.DurationSeconds
	case v.FrameCount > 0:
		local = float64(m.state.FrameNumber) / float64(v.FrameCount)
	}
	vp := math.Max(m.state.VideoProgress, clampPercent(100*local))
	m.state.VideoProgress = vp
	n := float64(len(m.order))
	m.state.TotalProgress = clampPercent(100 * (float64(m.state.CurrentVideoIndex)/n + vp/100/n))
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, 100)
}

func (m *Machine) metrics() matching.SessionMetrics {
	if m.engine.Finalized() {
		return m.engine.Metrics()
	}
	return m.engine.Evaluate()
}

func (m *Machine) snapshot() Snapshot {
	m.state.Finalized = m.engine.Finalized()
	return Snapshot{Playback: m.state.clone(), Metrics: m.metrics()}
}

// finalize seals matching once and queues the false negatives and the
// summary for persistence.
func (m *Machine) finalize() *FinalizePayload {
	if m.engine.Finalized() {
		return nil
	}
	fns := m.engine.Finalize()
	for _, r := range fns {
		m.results.appendResult(m.id, r)
	}
	metrics := m.engine.Metrics()
	m.results.saveSummary(m.id, metrics)
	m.state.Finalized = true
	log.Printf("[Session] %s finalized: tp=%d fp=%d fn=%d precision=%.3f recall=%.3f",
		m.id, metrics.TruePositives, metrics.FalsePositives, metrics.FalseNegatives, metrics.Precision, metrics.Recall)
	return &FinalizePayload{FalseNegatives: fns, Metrics: metrics}
}

// transitioned stamps the state and publishes the single update event for
// a successful command.
func (m *Machine) transitioned(action string, from State, message string, final *FinalizePayload) outcome {
	m.state.UpdatedAt = m.clock.Now().UTC()
	if m.state.State == Completed || m.state.State == Stopped {
		if f := m.finalize(); f != nil {
			final = f
		}
	}
	st := m.state.clone()
	m.bus.Publish(protocol.TypeSessionUpdate, UpdatePayload{
		Action:   action,
		From:     from,
		To:       st.State,
		Message:  message,
		Playback: st,
		Final:    final,
	})
	return outcome{state: st, value: st}
}

func (m *Machine) reject(err error) outcome {
	return outcome{state: m.state.clone(), err: err}
}

func (m *Machine) stop(reason string) {
	m.state.State = Stopped
	m.state.IsPlaying = false
	m.stopReason = reason
}

// fail moves the session to Error after a fault that may have left state
// inconsistent. Only stop is accepted afterwards.
func (m *Machine) fail(reason string) {
	if m.state.State.Terminal() || m.state.State == Error {
		return
	}
	from := m.state.State
	m.state.State = Error
	m.state.IsPlaying = false
	m.transitioned("error", from, reason, nil)
}
