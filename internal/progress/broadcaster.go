// Package progress publishes stage and job state transitions to subscribers
// without ever blocking the scheduler. Slow subscribers lose events past a
// bounded queue and receive a gap marker so they can re-poll full state from
// the job store.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/reelforge/reelforge-engine/internal/job"
)

// EventType identifies one kind of progress event.
type EventType string

const (
	EventStageStarted   EventType = "stage_started"
	EventStageProgress  EventType = "stage_progress"
	EventStageCompleted EventType = "stage_completed"
	EventStageFailed    EventType = "stage_failed"
	EventJobCompleted   EventType = "job_completed"
	EventJobFailed      EventType = "job_failed"
	EventJobCancelled   EventType = "job_cancelled"
	// EventProgressGap tells a subscriber that events were dropped because its
	// queue was full. Consumers should re-poll full state from the store.
	EventProgressGap EventType = "progress_gap"
)

// Event is one progress notification. Events for a given scene are published
// in the order the scheduler produced them; there is no ordering guarantee
// across scenes or jobs.
type Event struct {
	Type          EventType `json:"type"`
	PipelineJobID string    `json:"pipeline_job_id"`
	SceneJobID    string    `json:"scene_job_id,omitempty"`
	Stage         job.Stage `json:"stage,omitempty"`
	Percent       int       `json:"percent,omitempty"`
	AssetRef      string    `json:"asset_ref,omitempty"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// Subscriber receives events for one pipeline job (or all jobs when
// subscribed with an empty job ID).
type Subscriber struct {
	jobID string
	ch    chan Event
	gap   bool // a gap marker is owed before the next event
}

// Events returns the subscriber's event stream. The channel is closed on
// Unsubscribe or when the broadcaster shuts down.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Broadcaster fans out events to subscribers with per-subscriber bounded
// queues. Publish never blocks.
type Broadcaster struct {
	queueSize int
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool
}

const defaultQueueSize = 64

// NewBroadcaster creates a broadcaster. queueSize bounds each subscriber's
// backlog; zero selects the default.
func NewBroadcaster(queueSize int, logger *slog.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Broadcaster{
		queueSize: queueSize,
		logger:    logger,
		subs:      make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers for events of one job; an empty jobID receives all jobs.
func (b *Broadcaster) Subscribe(jobID string) *Subscriber {
	sub := &Subscriber{jobID: jobID, ch: make(chan Event, b.queueSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscriber and closes its stream.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers ev to matching subscribers. At-least-once per healthy
// subscriber; events are dropped (with a gap marker queued) for subscribers
// whose queue is full.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		if sub.jobID != "" && sub.jobID != ev.PipelineJobID {
			continue
		}

		if sub.gap {
			marker := Event{
				Type:          EventProgressGap,
				PipelineJobID: ev.PipelineJobID,
				At:            ev.At,
			}
			select {
			case sub.ch <- marker:
				sub.gap = false
			default:
				// still saturated; the pending event is dropped too
				continue
			}
		}

		select {
		case sub.ch <- ev:
		default:
			sub.gap = true
			b.logger.Debug("subscriber queue full, event dropped",
				"job_id", ev.PipelineJobID, "type", string(ev.Type))
		}
	}
}

// Close shuts the broadcaster down and closes all subscriber streams.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}
