package events

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/regx/internal/shared"
)

const (
	DefaultMaxEntries    = 500
	DefaultMaxAge        = time.Hour
	DefaultSnapshotSize  = 50
	DefaultFlushInterval = 30 * time.Second
	DefaultBuffer        = 100
)

// SnapshotStore persists the newest log entries so they survive a restart.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, entries []Event) error
}

// Options configures a [Bus]. Zero values fall back to the Default* constants.
type Options struct {
	MaxEntries    int
	MaxAge        time.Duration
	SnapshotSize  int
	FlushInterval time.Duration
	Store         SnapshotStore // optional
	Logger        *log.Logger
}

// Bus broadcasts events to subscribers and keeps the rolling log.
type Bus struct {
	opts   Options
	logger *log.Logger

	mu      sync.Mutex
	subs    map[string]chan Event
	entries []Event
	timer   *time.Timer
	dirty   bool
	closed  bool

	flushMu sync.Mutex
}

// NewBus creates a [Bus] with the given options.
func NewBus(opts Options) *Bus {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.SnapshotSize <= 0 {
		opts.SnapshotSize = DefaultSnapshotSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}

	return &Bus{
		opts:   opts,
		logger: shared.WithLogger(opts.Logger, "component", "events"),
		subs:   make(map[string]chan Event),
	}
}

// Publish appends e to the rolling log and delivers it to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Kind == "" {
		e.Kind = KindProgress
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	b.entries = append(b.entries, e)
	b.prune(e.Timestamp)
	b.dirty = true

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("dropping slow subscriber", "id", id)
			delete(b.subs, id)
			close(ch)
		}
	}

	urgent := e.urgent() && b.opts.Store != nil
	if urgent && b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if !urgent && b.opts.Store != nil && b.timer == nil {
		b.timer = time.AfterFunc(b.opts.FlushInterval, b.flushOnTimer)
	}
	b.mu.Unlock()

	if urgent {
		if err := b.Flush(context.Background()); err != nil {
			b.logger.Error("snapshot flush failed", "error", err)
		}
	}
}

// prune evicts entries beyond the age window or the entry cap, oldest first. Callers hold mu.
func (b *Bus) prune(now time.Time) {
	cutoff := now.Add(-b.opts.MaxAge)
	drop := 0
	for drop < len(b.entries) && b.entries[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(b.entries) - drop - b.opts.MaxEntries; over > 0 {
		drop += over
	}
	if drop > 0 {
		b.entries = append(b.entries[:0:0], b.entries[drop:]...)
	}
}

// Subscribe registers a new subscriber with the given channel buffer and returns its id.
func (b *Bus) Subscribe(buffer int) (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribe(buffer)
}

// SubscribeWithHistory registers a subscriber and returns up to n of the newest entries in one step.
// Events published afterwards arrive on the channel only, never in the returned history.
func (b *Bus) SubscribeWithHistory(n, buffer int) (string, <-chan Event, []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(time.Now())
	history := tail(b.entries, n)
	id, ch := b.subscribe(buffer)
	return id, ch, history
}

// subscribe requires b.mu.
func (b *Bus) subscribe(buffer int) (string, <-chan Event) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	id := shared.GenerateID()
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes the subscriber and closes its channel. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// History returns up to n of the newest entries, oldest first. n <= 0 returns the whole log.
func (b *Bus) History(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(time.Now())
	return tail(b.entries, n)
}

// Restore seeds an empty log with previously stored entries.
func (b *Bus) Restore(entries []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) > 0 {
		return
	}
	b.entries = append([]Event(nil), entries...)
	b.prune(time.Now())
}

// Flush writes the newest entries to the snapshot store if anything changed since the last flush.
func (b *Bus) Flush(ctx context.Context) error {
	if b.opts.Store == nil {
		return nil
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if !b.dirty {
		b.mu.Unlock()
		return nil
	}
	snapshot := tail(b.entries, b.opts.SnapshotSize)
	b.dirty = false
	b.mu.Unlock()

	if err := b.opts.Store.SaveSnapshot(ctx, snapshot); err != nil {
		b.mu.Lock()
		b.dirty = true
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *Bus) flushOnTimer() {
	b.mu.Lock()
	b.timer = nil
	b.mu.Unlock()

	if err := b.Flush(context.Background()); err != nil {
		b.logger.Error("snapshot flush failed", "error", err)
	}
}

// Close stops the flush timer, writes a final snapshot and closes every subscriber channel.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()

	return b.Flush(context.Background())
}

func tail(entries []Event, n int) []Event {
	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	out := make([]Event, n)
	copy(out, entries[len(entries)-n:])
	return out
}
