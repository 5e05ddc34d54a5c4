package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/plugbox/internal/dispatch"
	"github.com/mattjoyce/plugbox/internal/trace"
)

// SSE event names. Trace events use their kind ("log", "job_status").
const eventDone = "done"

type streamEvent struct {
	ID   int64
	Type string
	Data []byte // JSON payload
}

// subscription buffers one client's view of a trace hub. Hub listeners run
// on the producer's goroutine, so push never blocks: when the client falls
// behind, events are dropped and counted.
type subscription struct {
	events  chan streamEvent
	nextID  atomic.Int64
	dropped atomic.Int64
}

func subscribe(hub *trace.Hub, capacity int) *subscription {
	sub := &subscription{events: make(chan streamEvent, capacity)}
	hub.SubscribeLogs(sub.push)
	hub.SubscribeEvents(sub.push)
	return sub
}

func (s *subscription) push(e trace.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	ev := streamEvent{ID: s.nextID.Add(1), Type: string(e.Kind), Data: payload}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// handleJobTrace handles GET /jobs/{jobID}/trace. It streams the job's log and
// job_status events until the trace completes, then sends a final "done"
// event carrying the job record. A job whose trace already completed gets
// only the "done" event.
func (s *Server) handleJobTrace(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	jobID := chi.URLParam(r, "jobID")

	var sub *subscription
	hub, live := s.traces.Get(jobID)
	if live {
		sub = subscribe(hub, s.config.StreamBuffer)
	} else if _, err := s.jobs.Get(r.Context(), jobID); err != nil {
		if errors.Is(err, dispatch.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if live {
		if !s.streamTrace(w, flusher, r, hub, sub) {
			return
		}
	}
	s.writeDone(w, r, jobID, sub)
	flusher.Flush()
}

// streamTrace relays events until the hub completes. It returns false when
// the client went away.
func (s *Server) streamTrace(w http.ResponseWriter, flusher http.Flusher, r *http.Request, hub *trace.Hub, sub *subscription) bool {
	keepAlive := time.NewTicker(s.config.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return false
		case ev := <-sub.events:
			if err := writeSSE(w, ev); err != nil {
				return false
			}
			flusher.Flush()
		case <-hub.Done():
			// Listeners run before Done closes; what is buffered is all there is.
			for {
				select {
				case ev := <-sub.events:
					if err := writeSSE(w, ev); err != nil {
						return false
					}
				default:
					return true
				}
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return false
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeDone(w http.ResponseWriter, r *http.Request, jobID string, sub *subscription) {
	var id int64 = 1
	if sub != nil {
		id = sub.nextID.Add(1)
		if n := sub.dropped.Load(); n > 0 {
			s.logger.Warn("trace stream dropped events for slow client", "job_id", jobID, "dropped", n)
		}
	}

	payload := []byte("{}")
	if job, err := s.jobs.Get(r.Context(), jobID); err == nil {
		if b, err := json.Marshal(newJobResponse(job)); err == nil {
			payload = b
		}
	}
	_ = writeSSE(w, streamEvent{ID: id, Type: eventDone, Data: payload})
}

func writeSSE(w http.ResponseWriter, ev streamEvent) error {
	// SSE framing: https://html.spec.whatwg.org/multipage/server-sent-events.html
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	// Data must be on "data:" lines; our payload is single-line JSON.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	return nil
}
