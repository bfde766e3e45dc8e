// Package msgqueue is the in-process topic bus that decouples publishers
// (the sandbox bridge, the runtime service) from host-side consumers.
package msgqueue

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/yasumu/tanxium/internal/log"
)

// Handler consumes messages published on a topic.
type Handler interface {
	Handle(ctx context.Context, message any) error
}

// HandlerFunc adapts a plain function to Handler. Function values are not
// comparable, so each HandlerFunc subscription is distinct.
type HandlerFunc func(ctx context.Context, message any) error

func (f HandlerFunc) Handle(ctx context.Context, message any) error {
	return f(ctx, message)
}

// Entry is one published message as recorded in the history.
type Entry struct {
	Topic   string
	Message any
}

type subscription struct {
	handler Handler
}

// Queue is a topic based publish/subscribe bus with an inspectable history.
type Queue struct {
	mu          sync.Mutex
	history     []Entry
	limit       int
	subscribers map[string][]*subscription
	logger      *slog.Logger
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{
		subscribers: make(map[string][]*subscription),
		logger:      log.WithComponent("msgqueue"),
	}
}

// Publish records message in the history and delivers it to every current
// subscriber of topic, one at a time in subscription order. A failing
// subscriber is logged and skipped; Publish only returns once every handler
// has returned.
func (q *Queue) Publish(ctx context.Context, topic string, message any) error {
	q.mu.Lock()
	q.history = append(q.history, Entry{Topic: topic, Message: message})
	if q.limit > 0 && len(q.history) > q.limit {
		q.history = append([]Entry(nil), q.history[len(q.history)-q.limit:]...)
	}
	subs := append([]*subscription(nil), q.subscribers[topic]...)
	q.mu.Unlock()

	for _, sub := range subs {
		if err := q.deliver(ctx, sub.handler, message); err != nil {
			q.logger.Error("subscriber error", "topic", topic, "error", err)
		}
	}
	return nil
}

func (q *Queue) deliver(ctx context.Context, h Handler, message any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return h.Handle(ctx, message)
}

// Subscribe registers handler for topic and returns a function that removes
// it again. Subscribing a comparable handler that is already registered for
// topic does not add a second delivery. The returned function is idempotent.
// A nil handler is ignored.
func (q *Queue) Subscribe(topic string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.subscribers == nil {
		q.subscribers = make(map[string][]*subscription)
	}

	var sub *subscription
	for _, existing := range q.subscribers[topic] {
		if sameHandler(existing.handler, handler) {
			sub = existing
			break
		}
	}
	if sub == nil {
		sub = &subscription{handler: handler}
		q.subscribers[topic] = append(q.subscribers[topic], sub)
	}

	return func() { q.unsubscribe(topic, sub) }
}

// SubscribeFunc is shorthand for Subscribe(topic, HandlerFunc(fn)).
func (q *Queue) SubscribeFunc(topic string, fn func(ctx context.Context, message any) error) func() {
	if fn == nil {
		return func() {}
	}
	return q.Subscribe(topic, HandlerFunc(fn))
}

func (q *Queue) unsubscribe(topic string, sub *subscription) {
	q.mu.Lock()
	defer q.mu.Unlock()

	subs := q.subscribers[topic]
	for i, existing := range subs {
		if existing == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(q.subscribers, topic)
		return
	}
	q.subscribers[topic] = subs
}

func sameHandler(a, b Handler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == nil || ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// History returns a copy of every message published since the last Clear.
func (q *Queue) History() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.history...)
}

// Topics returns the topics that currently have at least one subscriber.
func (q *Queue) Topics() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.subscribers))
	for topic := range q.subscribers {
		out = append(out, topic)
	}
	return out
}

// SubscriberCount returns the number of handlers registered for topic.
func (q *Queue) SubscriberCount(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subscribers[topic])
}

// SetHistoryLimit caps the history to the newest n entries. Zero means
// unbounded, which is the default.
func (q *Queue) SetHistoryLimit(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limit = n
	if n > 0 && len(q.history) > n {
		q.history = append([]Entry(nil), q.history[len(q.history)-n:]...)
	}
}

// Clear drops the recorded history.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.history = nil
	q.mu.Unlock()
}

// ClearSubscribers removes every subscriber on every topic.
func (q *Queue) ClearSubscribers() {
	q.mu.Lock()
	q.subscribers = make(map[string][]*subscription)
	q.mu.Unlock()
}
