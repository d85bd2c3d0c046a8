// Package store persists session definitions, ground truth and match
// results. Memory backs tests and dev mode; SQLite is the production store.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/matching"
	"github.com/banshee-data/vrutest/internal/session"
)

// Store is implemented by Memory and SQLite.
type Store interface {
	session.Source
	session.ResultSink

	CreateSession(ctx context.Context, def session.Definition) error
	ImportAnnotations(ctx context.Context, sessionID string, truth []matching.GroundTruth) (int, error)
	ListSessions(ctx context.Context) ([]session.TestSession, error)
	StoredResults(ctx context.Context, sessionID string) ([]matching.MatchResult, error)
	Summary(ctx context.Context, sessionID string) (matching.SessionMetrics, bool, error)
	Close() error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
)

// LoadDefinitionFile reads a session definition from a JSON file.
func LoadDefinitionFile(path string) (session.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return session.Definition{}, fmt.Errorf("read session file %s: %w", path, err)
	}
	var def session.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return session.Definition{}, fault.Wrap(fault.MalformedMessage, err, "session file %s is not valid JSON", path)
	}
	return def, nil
}

// assignIDs gives zero-ID annotations ids after the highest id in use and
// rejects duplicates. The engine applies the same rule, so stored ids and
// match result references agree.
func assignIDs(existing []matching.GroundTruth, incoming []matching.GroundTruth) ([]matching.GroundTruth, error) {
	used := make(map[int64]bool, len(existing)+len(incoming))
	var next int64
	for _, g := range existing {
		used[g.ID] = true
		next = max(next, g.ID)
	}
	for _, g := range incoming {
		next = max(next, g.ID)
	}
	out := make([]matching.GroundTruth, len(incoming))
	for i, g := range incoming {
		if strings.TrimSpace(g.ClassLabel) == "" {
			return nil, fault.New(fault.MalformedMessage, "annotation %d has no class label", i)
		}
		if g.ID == 0 {
			next++
			g.ID = next
		}
		if g.ID < 0 || used[g.ID] {
			return nil, fault.New(fault.MalformedMessage, "annotation id %d is negative or already used", g.ID)
		}
		used[g.ID] = true
		out[i] = g
	}
	return out, nil
}

func stamp(def *session.Definition, now time.Time) {
	if def.Session.CreatedAt.IsZero() {
		def.Session.CreatedAt = now
	}
	def.Session.UpdatedAt = now
	if def.Session.Config.PlaybackOrder == "" {
		def.Session.Config.PlaybackOrder = session.Sequential
	}
}

type memoryRecord struct {
	def     session.Definition
	results map[int]matching.MatchResult
	summary *matching.SessionMetrics
}

// Memory is an in-process Store.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*memoryRecord
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*memoryRecord)}
}

func (m *Memory) CreateSession(_ context.Context, def session.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	truth, err := assignIDs(nil, def.GroundTruth)
	if err != nil {
		return err
	}
	def.GroundTruth = truth
	stamp(&def, time.Now().UTC())

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[def.Session.ID]; ok {
		def.Session.CreatedAt = old.def.Session.CreatedAt
	}
	m.sessions[def.Session.ID] = &memoryRecord{def: def, results: make(map[int]matching.MatchResult)}
	return nil
}

func (m *Memory) LoadSession(_ context.Context, id string) (session.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return session.Definition{}, fault.New(fault.SessionNotFound, "session %s not found", id)
	}
	def := rec.def
	def.Session.Videos = append([]session.VideoRef(nil), def.Session.Videos...)
	def.GroundTruth = append([]matching.GroundTruth(nil), def.GroundTruth...)
	return def, nil
}

func (m *Memory) ImportAnnotations(_ context.Context, id string, truth []matching.GroundTruth) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return 0, fault.New(fault.SessionNotFound, "session %s not found", id)
	}
	added, err := assignIDs(rec.def.GroundTruth, truth)
	if err != nil {
		return 0, err
	}
	rec.def.GroundTruth = append(rec.def.GroundTruth, added...)
	return len(added), nil
}

func (m *Memory) ListSessions(context.Context) ([]session.TestSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]session.TestSession, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec.def.Session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AppendResult(_ context.Context, id string, r matching.MatchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return fault.New(fault.SessionNotFound, "session %s not found", id)
	}
	rec.results[r.Index] = r
	return nil
}

func (m *Memory) SaveSummary(_ context.Context, id string, s matching.SessionMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return fault.New(fault.SessionNotFound, "session %s not found", id)
	}
	rec.summary = &s
	return nil
}

func (m *Memory) StoredResults(_ context.Context, id string) ([]matching.MatchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, fault.New(fault.SessionNotFound, "session %s not found", id)
	}
	out := make([]matching.MatchResult, 0, len(rec.results))
	for _, r := range rec.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *Memory) Summary(_ context.Context, id string) (matching.SessionMetrics, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return matching.SessionMetrics{}, false, fault.New(fault.SessionNotFound, "session %s not found", id)
	}
	if rec.summary == nil {
		return matching.SessionMetrics{}, false, nil
	}
	return *rec.summary, true, nil
}

func (m *Memory) Close() error { return nil }
