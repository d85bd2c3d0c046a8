// Package health tracks ping/pong liveness of observer connections.
package health

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/timeutil"
)

// Plane tells which side of a session a connection serves.
type Plane string

const (
	ControlPlane Plane = "control"
	DataPlane    Plane = "data"
)

// ParsePlane accepts "control" or "data".
func ParsePlane(s string) (Plane, error) {
	switch Plane(s) {
	case ControlPlane, DataPlane:
		return Plane(s), nil
	}
	return "", fault.New(fault.MalformedMessage, "unknown connection plane %q (want control or data)", s)
}

// Status of one connection or of a session aggregate.
type Status string

const (
	Healthy  Status = "healthy"
	Degraded Status = "degraded"
	Lost     Status = "lost"
)

// Defaults.
const (
	DefaultInterval       = 5 * time.Second
	DefaultTimeout        = 3 * time.Second
	DefaultMissedDegraded = 2
)

// Config controls ping cadence. A connection is degraded after
// MissedDegraded consecutive missed pongs and lost after twice that.
type Config struct {
	Interval       time.Duration
	Timeout        time.Duration
	MissedDegraded int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 || c.Timeout > c.Interval {
		c.Timeout = min(DefaultTimeout, c.Interval)
	}
	if c.MissedDegraded <= 0 {
		c.MissedDegraded = DefaultMissedDegraded
	}
	return c
}

// Pinger sends a ping on a connection.
type Pinger func() error

// ConnInfo is the reported view of a connection.
type ConnInfo struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Plane     Plane         `json:"plane"`
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"latency_ns"`
	Missed    int           `json:"missed_pongs"`
	LastPong  time.Time     `json:"last_pong,omitempty"`
}

// SessionHealth aggregates a session's connections.
type SessionHealth struct {
	SessionID   string     `json:"session_id"`
	Status      Status     `json:"status"`
	Control     Status     `json:"control"`
	Data        Status     `json:"data"`
	Connections []ConnInfo `json:"connections"`
}

// ChangeFunc is called outside the monitor lock when a connection's status
// changes.
type ChangeFunc func(info ConnInfo)

type conn struct {
	info    ConnInfo
	ping    Pinger
	pending bool
	sentAt  time.Time
}

// Monitor pings registered connections on a fixed interval.
type Monitor struct {
	cfg      Config
	clock    timeutil.Clock
	onChange ChangeFunc

	mu    sync.Mutex
	conns map[string]*conn
}

// NewMonitor creates a Monitor. onChange may be nil.
func NewMonitor(cfg Config, clock timeutil.Clock, onChange ChangeFunc) *Monitor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Monitor{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		onChange: onChange,
		conns:    make(map[string]*conn),
	}
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Register starts tracking a connection. New connections start healthy.
func (m *Monitor) Register(id, sessionID string, plane Plane, ping Pinger) {
	m.mu.Lock()
	m.conns[id] = &conn{
		info: ConnInfo{ID: id, SessionID: sessionID, Plane: plane, Status: Healthy},
		ping: ping,
	}
	m.mu.Unlock()
}

// Unregister stops tracking a connection.
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
}

// Pong records a reply for the outstanding ping. A pong arriving after the
// timeout records the latency but still counts as a miss.
func (m *Monitor) Pong(id string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok || !c.pending {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	before := c.info.Status
	c.pending = false
	c.info.Latency = now.Sub(c.sentAt)
	c.info.LastPong = now
	if c.info.Latency <= m.cfg.Timeout {
		c.info.Missed = 0
	} else {
		c.info.Missed++
	}
	c.info.Status = m.statusFor(c.info.Missed)
	changed, info := before != c.info.Status, c.info
	m.mu.Unlock()

	if changed {
		m.notify(info)
	}
}

// Tick runs one ping round: outstanding pings past the timeout count as
// missed, then every connection without an outstanding ping gets a new one.
func (m *Monitor) Tick() {
	now := m.clock.Now()
	var changed []ConnInfo
	var pings []struct {
		id   string
		ping Pinger
	}

	m.mu.Lock()
	for id, c := range m.conns {
		if c.pending && now.Sub(c.sentAt) >= m.cfg.Timeout {
			c.pending = false
			c.info.Missed++
			if s := m.statusFor(c.info.Missed); s != c.info.Status {
				c.info.Status = s
				changed = append(changed, c.info)
			}
		}
		if !c.pending && c.ping != nil {
			c.pending = true
			c.sentAt = now
			pings = append(pings, struct {
				id   string
				ping Pinger
			}{id, c.ping})
		}
	}
	m.mu.Unlock()

	for _, p := range pings {
		if err := p.ping(); err != nil {
			log.Printf("[Health] ping %s failed: %v", p.id, err)
		}
	}
	for _, info := range changed {
		m.notify(info)
	}
}

// Run ticks every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.Tick()
		}
	}
}

// Status returns the health of one connection.
func (m *Monitor) Status(id string) (ConnInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return ConnInfo{}, false
	}
	return c.info, true
}

// SessionStatus aggregates a session. A plane is healthy when at least one
// of its connections is; the session is healthy only when both planes are.
func (m *Monitor) SessionStatus(sessionID string) SessionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := SessionHealth{SessionID: sessionID, Control: Lost, Data: Lost, Connections: []ConnInfo{}}
	for _, c := range m.conns {
		if c.info.SessionID != sessionID {
			continue
		}
		h.Connections = append(h.Connections, c.info)
		switch c.info.Plane {
		case ControlPlane:
			h.Control = better(h.Control, c.info.Status)
		case DataPlane:
			h.Data = better(h.Data, c.info.Status)
		}
	}
	sort.Slice(h.Connections, func(i, j int) bool { return h.Connections[i].ID < h.Connections[j].ID })

	h.Status = Degraded
	if h.Control == Healthy && h.Data == Healthy {
		h.Status = Healthy
	}
	return h
}

func (m *Monitor) statusFor(missed int) Status {
	switch {
	case missed >= 2*m.cfg.MissedDegraded:
		return Lost
	case missed >= m.cfg.MissedDegraded:
		return Degraded
	}
	return Healthy
}

func (m *Monitor) notify(info ConnInfo) {
	log.Printf("[Health] connection %s (session=%s plane=%s) is now %s after %d missed pongs",
		info.ID, info.SessionID, info.Plane, info.Status, info.Missed)
	if m.onChange != nil {
		m.onChange(info)
	}
}

func better(a, b Status) Status {
	rank := map[Status]int{Lost: 0, Degraded: 1, Healthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
