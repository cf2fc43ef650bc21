// Package events fans out credential and organization lifecycle events to
// live subscribers such as the admin event feed.
package events

import (
	"context"
	"sync"
	"time"
)

// Kind names an event.
type Kind string

const (
	CredentialIssued      Kind = "credential.issued"
	CredentialRedeemed    Kind = "credential.redeemed"
	CredentialDeactivated Kind = "credential.deactivated"
	OrganizationCreated   Kind = "organization.created"
	OrganizationDeleted   Kind = "organization.deleted"
	IdentityDeleted       Kind = "identity.deleted"
)

// Event is one lifecycle change. Subject is the id of the changed record;
// Actor is the identity that caused it. Codes and sealed data never appear.
type Event struct {
	Kind      Kind      `json:"kind"`
	Subject   string    `json:"subject"`
	Actor     string    `json:"actor,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const bufferSize = 16

// Stream fans events out to all active subscribers.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped int
	now     func() time.Time
}

// New returns an empty stream.
func New() *Stream {
	return &Stream{
		subs: make(map[int]chan Event),
		now:  time.Now,
	}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, bufferSize)

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

// Publish delivers evt to every subscriber. A subscriber whose buffer is
// full misses the event.
func (s *Stream) Publish(evt Event) {
	if s == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.now().UTC()
	}
	s.mu.RLock()
	missed := 0
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			missed++
		}
	}
	s.mu.RUnlock()
	if missed > 0 {
		s.mu.Lock()
		s.dropped += missed
		s.mu.Unlock()
	}
}

// Subscribers reports the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (s *Stream) Dropped() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}
