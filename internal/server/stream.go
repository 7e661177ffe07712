package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	subscriberBuffer = 16
	streamPing       = 30 * time.Second
)

// ProgressEvent is sent to stream clients after every finished single
// minimization of a job and once when the job ends.
type ProgressEvent struct {
	// Seq numbers the events of a job from 1.
	Seq        int64     `json:"seq"`
	JobID      string    `json:"jobId"`
	State      JobState  `json:"state"`
	Round      int       `json:"round"`
	Worker     int       `json:"worker"`
	Iterations int       `json:"iterations"`
	BestCost   float64   `json:"bestCost"`
	Status     string    `json:"status,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// name is the SSE event type: "progress" while the job runs, the final
// state afterwards.
func (e ProgressEvent) name() string {
	if e.State.Finished() {
		return string(e.State)
	}
	return "progress"
}

// Subscription receives the events of one job.
type Subscription struct {
	jobID  string
	events chan ProgressEvent
}

// Events returns the event channel. It is closed by Unsubscribe.
func (s *Subscription) Events() <-chan ProgressEvent { return s.events }

// EventBroadcaster fans job events out to stream clients. The last event of
// every job is kept and replayed to clients that subscribe later.
type EventBroadcaster struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
	last map[string]ProgressEvent
}

// NewEventBroadcaster creates an empty broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		subs: make(map[string]map[*Subscription]struct{}),
		last: make(map[string]ProgressEvent),
	}
}

// Subscribe registers a client for the events of a job.
func (eb *EventBroadcaster) Subscribe(jobID string) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub := &Subscription{jobID: jobID, events: make(chan ProgressEvent, subscriberBuffer)}
	if eb.subs[jobID] == nil {
		eb.subs[jobID] = make(map[*Subscription]struct{})
	}
	eb.subs[jobID][sub] = struct{}{}

	if event, ok := eb.last[jobID]; ok {
		sub.events <- event
	}

	slog.Debug("Stream client subscribed", "job_id", jobID, "clients", len(eb.subs[jobID]))
	return sub
}

// Unsubscribe removes a client and closes its channel.
func (eb *EventBroadcaster) Unsubscribe(sub *Subscription) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs, ok := eb.subs[sub.jobID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.events)
	if len(subs) == 0 {
		delete(eb.subs, sub.jobID)
	}
	slog.Debug("Stream client unsubscribed", "job_id", sub.jobID)
}

// Broadcast numbers the event and delivers it to the subscribers of its job.
// Progress events are dropped for clients that fall behind; the final event
// of a job replaces their oldest pending event instead.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	event.Seq = eb.last[event.JobID].Seq + 1
	eb.last[event.JobID] = event

	for sub := range eb.subs[event.JobID] {
		select {
		case sub.events <- event:
			continue
		default:
		}
		if !event.State.Finished() {
			slog.Debug("Stream client behind, dropping event", "job_id", event.JobID, "seq", event.Seq)
			continue
		}
		select {
		case <-sub.events:
		default:
		}
		sub.events <- event
	}
}

// Last returns the most recent event of a job.
func (eb *EventBroadcaster) Last(jobID string) (ProgressEvent, bool) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	event, ok := eb.last[jobID]
	return event, ok
}

// handleJobStream handles GET /api/v1/fits/:id/stream. Events are sent as
// "progress" until the job ends with a "completed", "failed" or "cancelled"
// event, after which the stream closes.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.jobManager.broadcaster.Subscribe(jobID)
	defer s.jobManager.broadcaster.Unsubscribe(sub)

	// Jobs that have not reported anything yet get a snapshot so clients
	// always see the current state first.
	if _, ok := s.jobManager.broadcaster.Last(jobID); !ok {
		snapshot := ProgressEvent{
			JobID:      job.ID,
			State:      job.State,
			Iterations: job.Iterations,
			BestCost:   job.BestCost,
			Status:     job.Status,
			Timestamp:  time.Now(),
		}
		if err := writeSSEEvent(w, snapshot); err != nil {
			slog.Error("Failed to write stream event", "job_id", jobID, "error", err)
			return
		}
		flusher.Flush()
		if job.State.Finished() {
			return
		}
	}

	ping := time.NewTicker(streamPing)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Stream client disconnected", "job_id", jobID)
			return

		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write stream event", "job_id", jobID, "error", err)
				return
			}
			flusher.Flush()
			if event.State.Finished() {
				return
			}

		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one event with its sequence number as SSE id.
func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if event.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", event.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.name(), data)
	return err
}
