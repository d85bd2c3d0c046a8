// Package api serves the request/response control surface, the WebSocket
// observer stream and the result charts.
package api

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/vrutest/internal/httputil"
	"github.com/banshee-data/vrutest/internal/serialmux"
	"github.com/banshee-data/vrutest/internal/session"
	"github.com/banshee-data/vrutest/internal/signal"
	"github.com/banshee-data/vrutest/internal/store"
	"github.com/banshee-data/vrutest/internal/version"
)

// ANSI colours for the request log.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// maxBodyBytes caps request bodies; a detection batch is the largest.
const maxBodyBytes = 4 << 20

type Server struct {
	reg     *session.Registry
	store   store.Store
	m       serialmux.SerialMuxInterface
	signals *signal.Handler

	upgrader  websocket.Upgrader
	writeWait time.Duration
}

// NewServer creates the HTTP surface. m and signals may be nil when no
// signal source is configured.
func NewServer(reg *session.Registry, st store.Store, m serialmux.SerialMuxInterface, signals *signal.Handler) *Server {
	if m == nil {
		m = serialmux.NewDisabledSerialMux()
	}
	return &Server{
		reg:     reg,
		store:   st,
		m:       m,
		signals: signals,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// observers are dashboards served from other origins on the LAN
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeWait: 5 * time.Second,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack hands the connection to the websocket upgrader.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter { return lrw.ResponseWriter }

func statusCodeColor(statusCode int) string {
	code := strconv.Itoa(statusCode)
	switch statusCode / 100 {
	case 1, 2:
		return colorBoldGreen + code + colorReset
	case 3:
		return colorYellow + code + colorReset
	case 4, 5:
		return colorBoldRed + code + colorReset
	}
	return code
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/version", s.showVersion)

	mux.HandleFunc("GET /api/sessions", s.listActive)
	mux.HandleFunc("POST /api/sessions", s.defineSession)
	mux.HandleFunc("GET /api/sessions/defined", s.listDefined)
	mux.HandleFunc("POST /api/sessions/{id}/annotations", s.importAnnotations)

	mux.HandleFunc("POST /api/sessions/{id}/start", s.start)
	mux.HandleFunc("POST /api/sessions/{id}/control", s.control)
	mux.HandleFunc("POST /api/sessions/{id}/time-update", s.timeUpdate)
	mux.HandleFunc("POST /api/sessions/{id}/video-end", s.videoEnd)
	mux.HandleFunc("POST /api/sessions/{id}/sync", s.sync)
	mux.HandleFunc("POST /api/sessions/{id}/detections", s.detections)
	mux.HandleFunc("POST /api/sessions/{id}/marks", s.mark)
	mux.HandleFunc("POST /api/sessions/{id}/finalize", s.finalize)
	mux.HandleFunc("GET /api/sessions/{id}/state", s.state)
	mux.HandleFunc("GET /api/sessions/{id}/results", s.results)
	mux.HandleFunc("GET /api/sessions/{id}/connection-health", s.connectionHealth)
	mux.HandleFunc("GET /api/sessions/{id}/chart", s.chart)
	mux.HandleFunc("GET /api/sessions/{id}/offsets.png", s.offsetsPlot)

	mux.HandleFunc("POST /api/signals", s.postSignal)
	mux.HandleFunc("GET /api/signals/stats", s.signalStats)

	mux.HandleFunc("GET /ws/sessions/{id}", s.serveWS)
	return mux
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, version.Current())
}
