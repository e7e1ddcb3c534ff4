// Package registry tracks which connected clients are interested in which
// scope and fans change events out to them.
package registry

import (
	"errors"
	"sync"
)

// ErrSlowSubscriber is reported by Subscription.Err after the registry has
// dropped a subscriber whose buffer overflowed.
var ErrSlowSubscriber = errors.New("registry: subscriber fell behind and was disconnected")

// Scope names. A scope is a named interest set for push delivery: one
// conversation, or one user's conversation list.
func ConversationScope(conversationID string) string {
	return "conversation:" + conversationID
}

func ConversationListScope(userID string) string {
	return "conversationList:" + userID
}

// DefaultBuffer is the per-subscriber event buffer applied by New.
const DefaultBuffer = 64

// Registry maintains the set of active subscribers per scope. Publishes to
// the same scope are serialized so subscribers never observe out-of-order
// events; unrelated scopes proceed independently.
type Registry struct {
	mu     sync.Mutex
	scopes map[string]*scope
	buffer int
}

type scope struct {
	mu   sync.Mutex
	subs []*Subscription // registration order
	gone bool            // set when the scope is removed from the registry
}

// Subscription is the handle returned by Subscribe. Events are consumed from
// Events; once that channel closes, Err reports why.
type Subscription struct {
	scopeName string
	events    chan any
	close     sync.Once
	err       error
}

// Events is the subscriber's ordered event stream. It is closed on
// Unsubscribe or when the registry drops the subscriber.
func (s *Subscription) Events() <-chan any {
	return s.events
}

// Err reports why the event stream ended. It is nil after a plain
// Unsubscribe and ErrSlowSubscriber after a registry-side disconnect. Only
// valid once Events is closed.
func (s *Subscription) Err() error {
	return s.err
}

func New() *Registry {
	return NewWithBuffer(DefaultBuffer)
}

func NewWithBuffer(buffer int) *Registry {
	if buffer < 1 {
		buffer = 1
	}
	return &Registry{scopes: make(map[string]*scope), buffer: buffer}
}

// Subscribe registers interest in a scope. The snapshot closure, when
// non-nil, runs under the scope's publish lock and its events are queued
// ahead of any incremental update, so there is no window in which an update
// is missed between snapshot and registration.
func (r *Registry) Subscribe(scopeName string, snapshot func() ([]any, error)) (*Subscription, error) {
	for {
		sc := r.scope(scopeName)

		sc.mu.Lock()
		if sc.gone {
			// Lost a race with the removal of the scope's last subscriber;
			// the registry no longer knows this scope object.
			sc.mu.Unlock()
			continue
		}

		var initial []any
		if snapshot != nil {
			events, err := snapshot()
			if err != nil {
				sc.mu.Unlock()
				return nil, err
			}
			initial = events
		}

		sub := &Subscription{
			scopeName: scopeName,
			events:    make(chan any, len(initial)+r.buffer),
		}
		for _, ev := range initial {
			sub.events <- ev
		}
		sc.subs = append(sc.subs, sub)
		sc.mu.Unlock()
		return sub, nil
	}
}

// Unsubscribe removes the subscription and closes its event stream. It is
// idempotent and safe to call after the registry already dropped the
// subscriber.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	sc := r.scopes[sub.scopeName]
	if sc == nil {
		r.mu.Unlock()
		sub.close.Do(func() { close(sub.events) })
		return
	}

	sc.mu.Lock()
	sc.subs = remove(sc.subs, sub)
	if len(sc.subs) == 0 {
		sc.gone = true
		delete(r.scopes, sub.scopeName)
	}
	sc.mu.Unlock()
	r.mu.Unlock()

	sub.close.Do(func() { close(sub.events) })
}

// Publish delivers the event to every current subscriber of the scope, in
// registration order. Delivery is non-blocking per subscriber: a subscriber
// whose buffer is full is dropped and its stream terminated with
// ErrSlowSubscriber, without affecting the publisher or other subscribers.
func (r *Registry) Publish(scopeName string, event any) {
	r.mu.Lock()
	sc := r.scopes[scopeName]
	r.mu.Unlock()
	if sc == nil {
		return
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	for _, sub := range sc.subs {
		select {
		case sub.events <- event:
		default:
			sub.err = ErrSlowSubscriber
			sub.close.Do(func() { close(sub.events) })
			sc.subs = remove(sc.subs, sub)
		}
	}
}

func (r *Registry) scope(name string) *scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.scopes[name]
	if !ok {
		sc = &scope{}
		r.scopes[name] = sc
	}
	return sc
}

func remove(subs []*Subscription, target *Subscription) []*Subscription {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
