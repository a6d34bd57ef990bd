package stream

import (
	"context"
	"sync"
	"time"
)

// Security event types published by the auth flows.
const (
	TypeLogin         = "auth.login"
	TypeLoginFailed   = "auth.login.failed"
	TypeRefreshRotate = "auth.refresh.rotated"
	TypeRefreshReuse  = "auth.refresh.reuse_detected"
	TypeLogout        = "auth.logout"
	TypeRBACChange    = "rbac.changed"
)

// SecurityEvent describes one security-relevant occurrence for live
// observation over the admin SSE feed.
type SecurityEvent struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id,omitempty"`
	Audience  string    `json:"audience,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fan-outs security events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan SecurityEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{
		subs: make(map[int]chan SecurityEvent),
	}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan SecurityEvent {
	ch := make(chan SecurityEvent, 16)

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

// Publish fan-outs the event to all subscribers. A zero Timestamp is
// stamped with the current time.
func (s *Stream) Publish(evt SecurityEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
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

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
