package events

import "time"

// Kind classifies an event for consumers.
type Kind string

const (
	KindStart        Kind = "start"
	KindProgress     Kind = "progress"
	KindAccountAdded Kind = "account-added"
	KindComplete     Kind = "complete"
)

// Level is the severity shown next to an event.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Stats is a snapshot of batch counters attached to progress and complete events.
type Stats struct {
	Target   int     `json:"target"`
	Launched int     `json:"launched"`
	Success  int     `json:"success"`
	Failed   int     `json:"failed"`
	Elapsed  float64 `json:"elapsed_seconds"`
	ETA      float64 `json:"eta_seconds"`
}

// Settled returns the number of finished workflows.
func (s Stats) Settled() int {
	return s.Success + s.Failed
}

// Event is a single log line of the pipeline.
type Event struct {
	Kind       Kind      `json:"type"`
	Level      Level     `json:"level"`
	Message    string    `json:"message"`
	Link       string    `json:"link,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	Stats      *Stats    `json:"stats,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher accepts events. [Bus] is the production implementation.
type Publisher interface {
	Publish(e Event)
}

// PublisherFunc adapts a function to [Publisher].
type PublisherFunc func(e Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// New creates a progress event at the given level.
func New(level Level, message string) Event {
	return Event{Kind: KindProgress, Level: level, Message: message, Timestamp: time.Now()}
}

func Info(message string) Event    { return New(LevelInfo, message) }
func Success(message string) Event { return New(LevelSuccess, message) }
func Warn(message string) Event    { return New(LevelWarning, message) }
func Error(message string) Event   { return New(LevelError, message) }

// WithStats returns a copy of e carrying stats.
func (e Event) WithStats(stats Stats) Event {
	e.Stats = &stats
	return e
}

// urgent events are flushed to the snapshot store right away.
func (e Event) urgent() bool {
	return e.Kind == KindComplete || e.Level == LevelError
}
