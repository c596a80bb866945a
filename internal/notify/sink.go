package notify

import (
	"maps"
	"sync"
	"time"

	"medwatch/internal/eventbus"
	"medwatch/pkg/logx"
)

// Sink stores notifications per owner in insertion order. It is safe for
// concurrent use by jobs and API handlers.
type Sink struct {
	mu     sync.Mutex
	byUser map[int64][]*Notification
	nextID int64

	now func() time.Time
	log logx.Logger
	bus eventbus.Bus
}

type Option func(*Sink)

// WithClock overrides time.Now for CreatedAt stamps and sweeps.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Sink) { s.bus = bus }
}

func NewSink(log logx.Logger, opts ...Option) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sink{
		byUser: map[int64][]*Notification{},
		now:    time.Now,
		log:    log,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add appends an unread notification and returns a copy of it.
func (s *Sink) Add(owner int64, typ Type, message string, data map[string]any) Notification {
	s.mu.Lock()
	s.nextID++
	n := &Notification{
		ID:        s.nextID,
		Owner:     owner,
		Type:      typ,
		Message:   message,
		Data:      maps.Clone(data),
		CreatedAt: s.now(),
	}
	s.byUser[owner] = append(s.byUser[owner], n)
	out := *n
	s.mu.Unlock()

	s.log.Debug("notification created", logx.Int64("user_id", owner), logx.String("type", string(typ)), logx.Int64("id", out.ID))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotificationCreated, Data: CreatedEvent{ID: out.ID, Owner: owner, Type: typ}})
	}
	return out
}

// List returns the owner's notifications newest first.
func (s *Sink) List(owner int64, unreadOnly bool) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byUser[owner]
	out := make([]Notification, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		if unreadOnly && list[i].Read {
			continue
		}
		out = append(out, *list[i])
	}
	return out
}

func (s *Sink) Count(owner int64, unreadOnly bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !unreadOnly {
		return len(s.byUser[owner])
	}
	n := 0
	for _, it := range s.byUser[owner] {
		if !it.Read {
			n++
		}
	}
	return n
}

// MarkRead reports false when the owner has no notification with id.
func (s *Sink) MarkRead(owner, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.byUser[owner] {
		if it.ID == id {
			it.Read = true
			return true
		}
	}
	return false
}

// MarkAllRead returns how many notifications changed from unread to read.
func (s *Sink) MarkAllRead(owner int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.byUser[owner] {
		if !it.Read {
			it.Read = true
			n++
		}
	}
	return n
}

func (s *Sink) Delete(owner, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byUser[owner]
	for i, it := range list {
		if it.ID == id {
			s.byUser[owner] = append(list[:i:i], list[i+1:]...)
			if len(s.byUser[owner]) == 0 {
				delete(s.byUser, owner)
			}
			return true
		}
	}
	return false
}

// SweepOlderThan deletes notifications created before now-age across all
// owners and returns how many were removed.
func (s *Sink) SweepOlderThan(age time.Duration) int {
	cutoff := s.now().Add(-age)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for owner, list := range s.byUser {
		kept := list[:0]
		for _, it := range list {
			if it.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, it)
		}
		if len(kept) == 0 {
			delete(s.byUser, owner)
			continue
		}
		clear(list[len(kept):])
		s.byUser[owner] = kept
	}
	return removed
}
