package session

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/vrutest/internal/matching"
)

const sinkTimeout = 5 * time.Second

type resultJob struct {
	sessionID string
	result    *matching.MatchResult
	summary   *matching.SessionMetrics
}

// resultWriter drains results into a ResultSink on its own goroutine. A
// full queue drops the job and counts it; the session worker never waits on
// storage.
type resultWriter struct {
	sink ResultSink
	jobs chan resultJob
	wg   sync.WaitGroup

	closeOnce sync.Once
	dropped   atomic.Uint64
	written   atomic.Uint64
}

func newResultWriter(sink ResultSink, size int) *resultWriter {
	w := &resultWriter{sink: sink, jobs: make(chan resultJob, size)}
	if sink != nil {
		w.wg.Add(1)
		go w.loop()
	}
	return w
}

func (w *resultWriter) appendResult(sessionID string, r matching.MatchResult) {
	w.enqueue(resultJob{sessionID: sessionID, result: &r})
}

func (w *resultWriter) saveSummary(sessionID string, m matching.SessionMetrics) {
	w.enqueue(resultJob{sessionID: sessionID, summary: &m})
}

func (w *resultWriter) enqueue(job resultJob) {
	if w.sink == nil {
		return
	}
	defer func() {
		// Send on a closed queue after shutdown.
		if recover() != nil {
			w.dropped.Add(1)
		}
	}()
	select {
	case w.jobs <- job:
	default:
		n := w.dropped.Add(1)
		log.Printf("[Results] queue full, dropped result for session %s (total dropped: %d)", job.sessionID, n)
	}
}

func (w *resultWriter) loop() {
	defer w.wg.Done()
	for job := range w.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		var err error
		if job.result != nil {
			err = w.sink.AppendResult(ctx, job.sessionID, *job.result)
		} else if job.summary != nil {
			err = w.sink.SaveSummary(ctx, job.sessionID, *job.summary)
		}
		cancel()
		if err != nil {
			log.Printf("[Results] failed to persist for session %s: %v", job.sessionID, err)
			continue
		}
		w.written.Add(1)
	}
}

// close stops accepting jobs and waits for the queue to drain.
func (w *resultWriter) close() {
	w.closeOnce.Do(func() {
		close(w.jobs)
		w.wg.Wait()
	})
}
