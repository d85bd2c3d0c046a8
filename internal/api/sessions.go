package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/httputil"
	"github.com/banshee-data/vrutest/internal/matching"
	"github.com/banshee-data/vrutest/internal/protocol"
	"github.com/banshee-data/vrutest/internal/session"
)

// decodeBody strictly decodes a JSON request body.
func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fault.Wrap(fault.MalformedMessage, err, "failed to read request body")
	}
	if len(data) > maxBodyBytes {
		return fault.New(fault.MalformedMessage, "request body exceeds %d bytes", maxBodyBytes)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fault.New(fault.MalformedMessage, "request body is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.MalformedMessage, err, "invalid request body: %v", err)
	}
	return nil
}

func (s *Server) listActive(w http.ResponseWriter, r *http.Request) {
	active := s.reg.ListActive(r.Context())
	if active == nil {
		active = []session.PlaybackState{}
	}
	httputil.WriteJSONOK(w, active)
}

func (s *Server) listDefined(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	if sessions == nil {
		sessions = []session.TestSession{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) defineSession(w http.ResponseWriter, r *http.Request) {
	var def session.Definition
	if err := decodeBody(r, &def); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	if err := s.store.CreateSession(r.Context(), def); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"id":           def.Session.ID,
		"videos":       len(def.Session.Videos),
		"ground_truth": len(def.GroundTruth),
	})
}

func (s *Server) importAnnotations(w http.ResponseWriter, r *http.Request) {
	var truth []matching.GroundTruth
	if err := decodeBody(r, &truth); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	n, err := s.store.ImportAnnotations(r.Context(), r.PathValue("id"), truth)
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]int{"imported": n})
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	st, err := s.reg.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSONOK(w, st)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request) {
	var req protocol.Control
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	st, err := s.reg.Control(r.Context(), r.PathValue("id"), req.Action)
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSONOK(w, st)
}

func (s *Server) timeUpdate(w http.ResponseWriter, r *http.Request) {
	var req protocol.TimeUpdate
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	st, err := s.reg.UpdateTime(r.Context(), r.PathValue("id"), req.CurrentTime, req.FrameNumber)
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSONOK(w, st)
}

func (s *Server) videoEnd(w http.ResponseWriter, r *http.Request) {
	st, err := s.reg.VideoEnd(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSONOK(w, st)
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	var req protocol.SyncRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	res, err := s.reg.Sync(r.Context(), r.PathValue("id"), req.ExternalTime)
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

// detections accepts one detection object or an array. A batch is applied
// in order and stops at the first rejected detection; the outcomes applied
// so far are returned alongside the error.
func (s *Server) detections(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	batch := strings.HasPrefix(strings.TrimSpace(string(raw)), "[")
	var dets []matching.Detection
	var err error
	if batch {
		err = decodeStrict(raw, &dets)
	} else {
		var d matching.Detection
		err = decodeStrict(raw, &d)
		dets = []matching.Detection{d}
	}
	if err != nil {
		httputil.WriteFault(w, fault.Wrap(fault.MalformedDetection, err, "invalid detection: %v", err))
		return
	}

	id := r.PathValue("id")
	outcomes := make([]session.DetectOutcome, 0, len(dets))
	for i, d := range dets {
		out, err := s.reg.Detect(r.Context(), id, d)
		if err != nil {
			if !batch {
				httputil.WriteFault(w, err)
				return
			}
			kind := fault.KindOf(err)
			httputil.WriteJSON(w, fault.HTTPStatus(kind), map[string]any{
				"error":    fault.Reason(err),
				"kind":     kind,
				"index":    i,
				"outcomes": outcomes,
			})
			return
		}
		outcomes = append(outcomes, out)
	}
	if !batch {
		httputil.WriteJSONOK(w, outcomes[0])
		return
	}
	httputil.WriteJSONOK(w, outcomes)
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) mark(w http.ResponseWriter, r *http.Request) {
	var req protocol.Mark
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	gtID, err := s.reg.Mark(r.Context(), r.PathValue("id"), req.ClassLabel, req.ExternalTime)
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]int64{"ground_truth_id": gtID})
}

func (s *Server) finalize(w http.ResponseWriter, r *http.Request) {
	fin, err := s.reg.Finalize(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	if fin.FalseNegatives == nil {
		fin.FalseNegatives = []matching.MatchResult{}
	}
	httputil.WriteJSONOK(w, fin)
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reg.GetState(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSONOK(w, snap)
}

// resultsResponse is returned by GET results. Source is "live" for an
// active session and "stored" for one read back from the store.
type resultsResponse struct {
	SessionID string                   `json:"session_id"`
	Source    string                   `json:"source"`
	Results   []matching.MatchResult   `json:"results"`
	Metrics   *matching.SessionMetrics `json:"metrics,omitempty"`
}

// sessionResults returns the live log of an active session, falling back
// to the persisted log of an inactive one.
func (s *Server) sessionResults(r *http.Request, id string) (resultsResponse, error) {
	if _, err := s.reg.Lookup(id); err == nil {
		res, err := s.reg.Results(r.Context(), id)
		if err != nil {
			return resultsResponse{}, err
		}
		snap, err := s.reg.GetState(r.Context(), id)
		if err != nil {
			return resultsResponse{}, err
		}
		return resultsResponse{SessionID: id, Source: "live", Results: res, Metrics: &snap.Metrics}, nil
	}
	if s.store == nil {
		return resultsResponse{}, fault.New(fault.SessionNotFound, "session %s is not active", id)
	}
	if _, err := s.store.LoadSession(r.Context(), id); err != nil {
		return resultsResponse{}, err
	}
	res, err := s.store.StoredResults(r.Context(), id)
	if err != nil {
		return resultsResponse{}, err
	}
	out := resultsResponse{SessionID: id, Source: "stored", Results: res}
	if m, ok, err := s.store.Summary(r.Context(), id); err != nil {
		return resultsResponse{}, err
	} else if ok {
		out.Metrics = &m
	}
	return out, nil
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	out, err := s.sessionResults(r, r.PathValue("id"))
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	if out.Results == nil {
		out.Results = []matching.MatchResult{}
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) connectionHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.reg.ConnectionHealth(r.PathValue("id"))
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSONOK(w, h)
}

// postSignal accepts one signal over the network, either as a device-style
// text line or as a JSON event.
func (s *Server) postSignal(w http.ResponseWriter, r *http.Request) {
	if s.signals == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "signal handling is disabled")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		httputil.WriteFault(w, fault.Wrap(fault.MalformedMessage, err, "failed to read signal"))
		return
	}
	if err := s.signals.HandleLine(r.Context(), string(body)); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

func (s *Server) signalStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"serial": s.m.Stats()}
	if s.signals != nil {
		out["signals"] = s.signals.Stats()
	}
	httputil.WriteJSONOK(w, out)
}
