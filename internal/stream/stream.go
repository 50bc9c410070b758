package stream

import (
	"context"
	"sync"
	"time"

	"civicops.org/internal/inspect"
)

// ReportEvent describes one lifecycle transition for live dashboards.
type ReportEvent struct {
	ReportID  string         `json:"report_id"`
	AssetID   string         `json:"asset_id"`
	ModuleKey string         `json:"module_key"`
	From      inspect.Status `json:"from,omitempty"`
	To        inspect.Status `json:"to"`
	ActorID   string         `json:"actor_id"`
	Timestamp time.Time      `json:"timestamp"`
}

// Stream fan-outs report transitions to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan ReportEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan ReportEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan ReportEvent {
	ch := make(chan ReportEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt ReportEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// PublishTransition emits the latest trail entry of a report.
func (s *Stream) PublishTransition(r inspect.Report) {
	if len(r.Trail) == 0 {
		return
	}
	last := r.Trail[len(r.Trail)-1]
	s.Publish(ReportEvent{
		ReportID:  r.ID,
		AssetID:   r.AssetID,
		ModuleKey: r.ModuleKey,
		From:      last.From,
		To:        last.To,
		ActorID:   last.ActorID,
		Timestamp: last.Timestamp,
	})
}
