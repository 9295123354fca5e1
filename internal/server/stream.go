package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/regx/internal/events"
	"github.com/desertthunder/regx/internal/shared"
)

const (
	DefaultReplay    = 50
	DefaultKeepalive = 30 * time.Second
)

// EventSource is the part of [events.Bus] the stream reads.
type EventSource interface {
	SubscribeWithHistory(n, buffer int) (string, <-chan events.Event, []events.Event)
	Unsubscribe(id string)
}

// SnapshotLoader returns the durable log snapshot, used when the in-memory log is empty after a restart.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context) ([]events.Event, error)
}

// EventStream serves the event log as server-sent events.
//
// A client first receives a connected message, then up to [DefaultReplay] recent entries, then live events.
// A comment line is written every keepalive interval.
type EventStream struct {
	source    EventSource
	snapshots SnapshotLoader // optional
	batch     BatchController
	keepalive time.Duration
	logger    *log.Logger
}

// NewEventStream creates an [EventStream]. snapshots may be nil.
func NewEventStream(source EventSource, snapshots SnapshotLoader, batch BatchController, logger *log.Logger) *EventStream {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &EventStream{
		source:    source,
		snapshots: snapshots,
		batch:     batch,
		keepalive: DefaultKeepalive,
		logger:    shared.WithLogger(logger, "component", "sse"),
	}
}

// Routes returns the HTTP routes this handler serves.
func (s *EventStream) Routes() []string {
	return []string{"/api/events"}
}

type connected struct {
	Type    string `json:"type"`
	Running bool   `json:"running"`
}

// ServeHTTP streams events until the client disconnects or the bus closes the subscription.
func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	id, ch, history := s.source.SubscribeWithHistory(DefaultReplay, events.DefaultBuffer)
	defer s.source.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	running := s.batch != nil && s.batch.Status().Running
	if err := writeEvent(w, connected{Type: "connected", Running: running}); err != nil {
		return
	}
	for _, e := range s.replay(r.Context(), history) {
		if err := writeEvent(w, e); err != nil {
			return
		}
	}
	flusher.Flush()
	s.logger.Debug("client connected", "id", id)

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("client disconnected", "id", id)
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, e); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *EventStream) replay(ctx context.Context, history []events.Event) []events.Event {
	if len(history) > 0 || s.snapshots == nil {
		return history
	}

	snapshot, err := s.snapshots.LoadSnapshot(ctx)
	if err != nil {
		s.logger.Warn("failed to load log snapshot", "error", err)
		return nil
	}
	if len(snapshot) > DefaultReplay {
		snapshot = snapshot[len(snapshot)-DefaultReplay:]
	}
	return snapshot
}

func writeEvent(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
