package httputil

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// Doer sends HTTP requests. *http.Client satisfies it; StubDoer replaces it
// in tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StubResponse is a canned reply.
type StubResponse struct {
	StatusCode int
	Body       string
	Err        error
}

// StubDoer records requests and replays queued responses in order. When the
// queue is exhausted it answers 200 with an empty JSON object.
type StubDoer struct {
	mu        sync.Mutex
	requests  []*http.Request
	bodies    []string
	responses []StubResponse
	next      int
}

// Respond queues a response and returns the stub for chaining.
func (s *StubDoer) Respond(status int, body string) *StubDoer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, StubResponse{StatusCode: status, Body: body})
	return s
}

// Fail queues a transport error.
func (s *StubDoer) Fail(err error) *StubDoer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, StubResponse{Err: err})
	return s
}

func (s *StubDoer) Do(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = string(b)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	s.bodies = append(s.bodies, body)

	resp := StubResponse{StatusCode: http.StatusOK, Body: "{}"}
	if s.next < len(s.responses) {
		resp = s.responses[s.next]
		s.next++
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &http.Response{
		StatusCode: resp.StatusCode,
		Body:       io.NopCloser(bytes.NewBufferString(resp.Body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    req,
	}, nil
}

// Request returns the nth recorded request and its body, or nil.
func (s *StubDoer) Request(n int) (*http.Request, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n >= len(s.requests) {
		return nil, ""
	}
	return s.requests[n], s.bodies[n]
}

// Count returns the number of recorded requests.
func (s *StubDoer) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
