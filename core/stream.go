package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"creditline/core/types"
)

const eventHistoryLimit = 2048

// StreamEvent is a committed ledger event stamped with its position in the
// emission order. Cursor is the decimal rendering of Sequence and can be fed
// back to Subscribe or Events to resume after this entry.
type StreamEvent struct {
	Sequence uint64
	Cursor   string
	Event    *types.Event
}

func cloneStreamEvent(entry StreamEvent) StreamEvent {
	cloned := entry
	cloned.Event = entry.Event.Clone()
	return cloned
}

// EventStream fans committed ledger events out to subscribers and retains a
// bounded history for cursor-based catch-up. Slow subscribers are skipped
// rather than blocking the publisher.
type EventStream struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan StreamEvent
	history []StreamEvent
}

func NewEventStream() *EventStream {
	return &EventStream{subs: make(map[uint64]chan StreamEvent)}
}

// Publish assigns the next sequence number to the event, records it in the
// history window and delivers it to every live subscriber without blocking.
func (s *EventStream) Publish(evt *types.Event) {
	if s == nil || evt == nil {
		return
	}

	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[uint64]chan StreamEvent)
	}
	s.seq++
	entry := StreamEvent{
		Sequence: s.seq,
		Cursor:   strconv.FormatUint(s.seq, 10),
		Event:    evt.Clone(),
	}
	s.history = append(s.history, entry)
	if len(s.history) > eventHistoryLimit {
		excess := len(s.history) - eventHistoryLimit
		trimmed := make([]StreamEvent, eventHistoryLimit)
		copy(trimmed, s.history[excess:])
		s.history = trimmed
	}
	subscribers := make([]chan StreamEvent, 0, len(s.subs))
	for _, ch := range s.subs {
		subscribers = append(subscribers, ch)
	}
	s.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- cloneStreamEvent(entry):
		default:
		}
	}
}

// Subscribe registers a listener for ledger events emitted after the supplied
// cursor. The backlog holds retained history entries newer than the cursor;
// live events follow on the channel. The returned cancel function is safe to
// call more than once and is also invoked when ctx is done.
func (s *EventStream) Subscribe(ctx context.Context, cursor string) (<-chan StreamEvent, func(), []StreamEvent, error) {
	if s == nil {
		return nil, nil, nil, fmt.Errorf("event stream not initialised")
	}
	updates := make(chan StreamEvent, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid cursor %q", cursor)
		}
		since = parsed
	}

	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[uint64]chan StreamEvent)
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = updates
	history := make([]StreamEvent, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	backlog := make([]StreamEvent, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneStreamEvent(entry))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			sub, ok := s.subs[id]
			if ok {
				delete(s.subs, id)
				close(sub)
			}
			s.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}

// Events returns retained history entries newer than the supplied cursor whose
// type carries the given prefix. A non-positive limit means no cap. Matching is
// case-insensitive on the event type.
func (s *EventStream) Events(prefix, cursor string, limit int) ([]StreamEvent, error) {
	if s == nil {
		return nil, fmt.Errorf("event stream not initialised")
	}
	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q", cursor)
		}
		since = parsed
	}
	normalized := strings.ToLower(strings.TrimSpace(prefix))

	s.mu.Lock()
	history := make([]StreamEvent, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	results := make([]StreamEvent, 0, len(history))
	for _, entry := range history {
		if entry.Sequence <= since {
			continue
		}
		if normalized != "" && !strings.HasPrefix(strings.ToLower(entry.Event.Type), normalized) {
			continue
		}
		results = append(results, cloneStreamEvent(entry))
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}
