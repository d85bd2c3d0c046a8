package session

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/vrutest/internal/broadcast"
	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/health"
	"github.com/banshee-data/vrutest/internal/matching"
	"github.com/banshee-data/vrutest/internal/syncmon"
	"github.com/banshee-data/vrutest/internal/timeutil"
)

// Registry is the single synchronized entry point to the active sessions.
// The map is only touched under mu; all per-session work goes through the
// session's own worker.
type Registry struct {
	src    Source
	opts   Options
	clock  timeutil.Clock
	health *health.Monitor
	writer *resultWriter

	mu       sync.Mutex
	sessions map[string]*Machine

	// loadMu serializes loads so a session is never built twice.
	loadMu sync.Mutex
}

// NewRegistry creates a Registry loading definitions from src and
// persisting results to sink (which may be nil).
func NewRegistry(src Source, sink ResultSink, opts Options) *Registry {
	opts = opts.withDefaults()
	r := &Registry{
		src:      src,
		opts:     opts,
		clock:    opts.Clock,
		writer:   newResultWriter(sink, opts.ResultQueueSize),
		sessions: make(map[string]*Machine),
	}
	r.health = health.NewMonitor(opts.Health, opts.Clock, r.healthChanged)
	return r
}

// Health returns the connection health monitor shared by all sessions.
func (r *Registry) Health() *health.Monitor { return r.health }

func (r *Registry) insert(m *Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[m.id] = m
}

func (r *Registry) remove(m *Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[m.id] == m {
		delete(r.sessions, m.id)
	}
}

// Lookup returns the active session with the given id.
func (r *Registry) Lookup(id string) (*Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sessions[id]
	if !ok {
		return nil, fault.New(fault.SessionNotFound, "session %s is not active", id)
	}
	return m, nil
}

func (r *Registry) machines() []*Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Machine, 0, len(r.sessions))
	for _, m := range r.sessions {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Load makes a session active in the Created state without starting it.
func (r *Registry) Load(ctx context.Context, id string) (*Machine, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if m, err := r.Lookup(id); err == nil {
		return m, nil
	}
	if r.src == nil {
		return nil, fault.New(fault.SessionNotFound, "session %s not found", id)
	}
	def, err := r.src.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	m, err := newMachine(def, r.opts, r.writer, r.remove)
	if err != nil {
		return nil, err
	}
	r.insert(m)
	log.Printf("[Registry] session %s loaded (%d videos, %d ground-truth annotations)",
		id, len(def.Session.Videos), len(def.GroundTruth))
	return m, nil
}

// Start loads the session if needed and starts playback. A stopped session
// is recreated from its definition.
func (r *Registry) Start(ctx context.Context, id string) (PlaybackState, error) {
	m, err := r.Load(ctx, id)
	if err != nil {
		return PlaybackState{}, err
	}
	return m.Start(ctx)
}

// Control parses and applies a playback action.
func (r *Registry) Control(ctx context.Context, id, action string) (PlaybackState, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return PlaybackState{}, err
	}
	a, err := ParseAction(action)
	if err != nil {
		return PlaybackState{}, err
	}
	return m.Control(ctx, a)
}

// UpdateTime forwards a time update.
func (r *Registry) UpdateTime(ctx context.Context, id string, currentTime float64, frame int64) (PlaybackState, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return PlaybackState{}, err
	}
	return m.UpdateTime(ctx, currentTime, frame)
}

// VideoEnd forwards a video-end notification.
func (r *Registry) VideoEnd(ctx context.Context, id string) (PlaybackState, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return PlaybackState{}, err
	}
	return m.HandleVideoEnd(ctx)
}

// Sync feeds an external time sample.
func (r *Registry) Sync(ctx context.Context, id string, externalTime float64) (syncmon.Result, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return syncmon.Result{}, err
	}
	return m.Sample(ctx, externalTime)
}

// Detect classifies a detection.
func (r *Registry) Detect(ctx context.Context, id string, d matching.Detection) (DetectOutcome, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return DetectOutcome{}, err
	}
	return m.Detect(ctx, d)
}

// Mark appends a live ground-truth annotation.
func (r *Registry) Mark(ctx context.Context, id, classLabel string, externalTime *float64) (int64, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return 0, err
	}
	return m.MarkGroundTruth(ctx, classLabel, externalTime)
}

// GetState returns the session snapshot.
func (r *Registry) GetState(ctx context.Context, id string) (Snapshot, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return m.Snapshot(ctx)
}

// Results returns the session's match result log.
func (r *Registry) Results(ctx context.Context, id string) ([]matching.MatchResult, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	return m.Results(ctx)
}

// Finalize seals matching for the session.
func (r *Registry) Finalize(ctx context.Context, id string) (FinalizePayload, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return FinalizePayload{}, err
	}
	return m.Finalize(ctx)
}

// Subscribe registers an observer on an active session.
func (r *Registry) Subscribe(ctx context.Context, id, observerID string) (*broadcast.Observer, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	return m.Subscribe(ctx, observerID)
}

// Unsubscribe removes an observer. Unknown sessions are ignored.
func (r *Registry) Unsubscribe(id, observerID string) {
	if m, err := r.Lookup(id); err == nil {
		m.Unsubscribe(observerID)
	}
}

// ConnectionHealth reports the session's aggregate connection health.
func (r *Registry) ConnectionHealth(id string) (health.SessionHealth, error) {
	if _, err := r.Lookup(id); err != nil {
		return health.SessionHealth{}, err
	}
	return r.health.SessionStatus(id), nil
}

// Stop stops an active session.
func (r *Registry) Stop(ctx context.Context, id, reason string) (PlaybackState, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return PlaybackState{}, err
	}
	return m.Stop(ctx, reason)
}

// ListActive returns the playback state of every active session, ordered
// by id.
func (r *Registry) ListActive(ctx context.Context) []PlaybackState {
	var out []PlaybackState
	for _, m := range r.machines() {
		snap, err := m.Snapshot(ctx)
		if err != nil {
			continue
		}
		out = append(out, snap.Playback)
	}
	return out
}

// CollectIdle stops sessions that have not been playing for longer than
// the idle timeout. It returns the ids it stopped.
func (r *Registry) CollectIdle(ctx context.Context) []string {
	now := r.clock.Now()
	var stopped []string
	for _, m := range r.machines() {
		idle, ok := m.idleFor(now)
		if !ok || idle < r.opts.IdleTimeout {
			continue
		}
		log.Printf("[Registry] session %s idle for %s, stopping", m.id, idle.Round(time.Second))
		if _, err := m.Stop(ctx, "idle timeout"); err != nil {
			log.Printf("[Registry] failed to stop idle session %s: %v", m.id, err)
			continue
		}
		stopped = append(stopped, m.id)
	}
	return stopped
}

// Run drives the idle janitor and the health pings until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	go r.health.Run(ctx)

	ticker := r.clock.NewTicker(r.opts.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.CollectIdle(ctx)
		}
	}
}

// Close stops every session and flushes pending results.
func (r *Registry) Close(ctx context.Context) {
	for _, m := range r.machines() {
		if _, err := m.Stop(ctx, "shutdown"); err != nil {
			log.Printf("[Registry] failed to stop session %s: %v", m.id, err)
		}
		select {
		case <-m.Done():
		case <-ctx.Done():
		}
	}
	r.writer.close()
}

func (r *Registry) healthChanged(info health.ConnInfo) {
	m, err := r.Lookup(info.SessionID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.PublishHealth(ctx, r.health.SessionStatus(info.SessionID)); err != nil {
		log.Printf("[Registry] health update for session %s not delivered: %v", info.SessionID, err)
	}
}
