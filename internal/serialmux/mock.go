package serialmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// MockSerialPort replays scripted lines as if a signal device had sent them.
type MockSerialPort struct {
	io.Reader
	w      *io.PipeWriter
	mu     sync.Mutex
	sent   bytes.Buffer
	closed bool
}

func (m *MockSerialPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errPortClosed
	}
	return m.sent.Write(p)
}

// Sent returns every command written to the port.
func (m *MockSerialPort) Sent() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent.String()
}

func (m *MockSerialPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.w.Close()
}

// replay writes lines to w, one per tick, wrapping around at the end.
func replay(ctx context.Context, w *io.PipeWriter, lines []string, every time.Duration) {
	defer w.Close()
	if len(lines) == 0 {
		<-ctx.Done()
		return
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for i := 0; ctx.Err() == nil; i = (i + 1) % len(lines) {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		if _, err := io.WriteString(w, strings.TrimSuffix(lines[i], "\n")+"\n"); err != nil {
			return
		}
	}
}

// NewMockSerialMux returns a mux whose device replays lines at the given
// interval until ctx is done or the mux is closed. It backs -signal-mock.
func NewMockSerialMux(ctx context.Context, lines []string, interval time.Duration) *SerialMux[*MockSerialPort] {
	r, w := io.Pipe()
	go replay(ctx, w, lines, interval)
	return NewSerialMux(&MockSerialPort{Reader: r, w: w})
}

// TestableSerialPort is an in-memory SerialPorter for tests. Reads drain
// data queued with AddReadData; writes are captured for GetWrittenData.
type TestableSerialPort struct {
	// BlockReads makes Read wait for data, a failure or Close instead of
	// reporting io.EOF when nothing is queued.
	BlockReads bool
	// ShortWrite makes Write report one byte fewer than it stored.
	ShortWrite bool
	// WriteError fails the next Write.
	WriteError error
	// Closed is set by Close.
	Closed bool

	mu      sync.Mutex
	wake    *sync.Cond
	inbox   bytes.Buffer
	outbox  bytes.Buffer
	readErr error
}

func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.wake = sync.NewCond(&p.mu)
	return p
}

// takeReadErr returns and clears a pending read failure.
func (p *TestableSerialPort) takeReadErr() error {
	err := p.readErr
	p.readErr = nil
	return err
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.BlockReads && !p.Closed && p.readErr == nil && p.inbox.Len() == 0 {
		p.wake.Wait()
	}
	if p.Closed {
		return 0, errPortClosed
	}
	if err := p.takeReadErr(); err != nil {
		return 0, err
	}
	return p.inbox.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Closed {
		return 0, errPortClosed
	}
	if err := p.WriteError; err != nil {
		p.WriteError = nil
		return 0, err
	}
	n, _ := p.outbox.Write(b)
	if p.ShortWrite {
		n--
	}
	return n, nil
}

func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	p.Closed = true
	p.mu.Unlock()
	p.wake.Broadcast()
	return nil
}

// AddReadData queues data for Read.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	p.inbox.Write(data)
	p.mu.Unlock()
	p.wake.Broadcast()
}

// FailRead makes the next Read return err.
func (p *TestableSerialPort) FailRead(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
	p.wake.Broadcast()
}

// GetWrittenData returns a copy of everything written so far.
func (p *TestableSerialPort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.outbox.Bytes())
}
