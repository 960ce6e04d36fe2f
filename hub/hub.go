// Package hub fans change events out to live subscribers.
//
// Each subscriber owns a bounded buffer. Publish never blocks on a subscriber: when a
// buffer is full the subscriber is evicted with ErrSlowSubscriber and its Done channel
// closes. Publishes are serialized, so every subscriber receives events in emission
// order. The subscriber set is split across shards, each behind its own mutex.
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jacentio/canopy/event"
	"github.com/jacentio/canopy/internal/metrics"
	"github.com/jacentio/canopy/internal/shard"
)

var (
	// ErrSlowSubscriber ends a subscription whose buffer overflowed.
	ErrSlowSubscriber = errors.New("canopy: subscriber too slow")

	// ErrClosed ends subscriptions when the hub shuts down.
	ErrClosed = errors.New("canopy: hub closed")
)

// Options configures a Hub.
type Options struct {
	// Buffer is the number of encoded events queued per subscriber.
	// Default: 64
	Buffer int

	// Shards is the number of independently locked subscriber sets.
	// Default: 16
	Shards int

	// Logger receives eviction and lifecycle logs. Default: slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultOptions returns the options used by canopy serve.
func DefaultOptions() Options {
	return Options{
		Buffer: 64,
		Shards: 16,
	}
}

func (o *Options) validate() {
	if o.Buffer < 1 {
		o.Buffer = 64
	}
	if o.Shards < 1 {
		o.Shards = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Subscription is one live observer registered with a Hub.
type Subscription struct {
	id     string
	events chan []byte
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

// ID returns the subscriber's unique id.
func (s *Subscription) ID() string { return s.id }

// Events yields encoded, newline-terminated events in emission order.
// The channel is never closed; select on Done as well.
func (s *Subscription) Events() <-chan []byte { return s.events }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription ended: ErrSlowSubscriber, ErrClosed, or nil
// while active or after Unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

type shardSet struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

// Hub owns the set of live subscribers.
type Hub struct {
	opts   Options
	logger *slog.Logger
	shards []*shardSet

	publishMu sync.Mutex
	closed    atomic.Bool
}

// New creates a Hub.
func New(opts Options) *Hub {
	opts.validate()
	h := &Hub{
		opts:   opts,
		logger: opts.Logger,
		shards: make([]*shardSet, opts.Shards),
	}
	for i := range h.shards {
		h.shards[i] = &shardSet{subs: make(map[string]*Subscription)}
	}
	return h
}

func (h *Hub) shardFor(id string) *shardSet {
	return h.shards[shard.Index(id, len(h.shards))]
}

// Subscribe registers a new subscriber. After Close it returns a subscription that
// is already done with ErrClosed.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		events: make(chan []byte, h.opts.Buffer),
		done:   make(chan struct{}),
	}

	set := h.shardFor(sub.id)
	set.mu.Lock()
	if h.closed.Load() {
		set.mu.Unlock()
		sub.finish(ErrClosed)
		return sub
	}
	set.subs[sub.id] = sub
	set.mu.Unlock()

	h.opts.Metrics.SubscriberAdded()
	h.logger.Debug("subscriber added",
		"subscriber", sub.id,
		"shard", shard.Label(sub.id, len(h.shards)),
	)
	return sub
}

// Unsubscribe removes sub. It is safe to call more than once and after eviction.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if h.remove(sub) {
		h.logger.Debug("subscriber removed", "subscriber", sub.id)
	}
	sub.finish(nil)
}

// remove deletes sub from its shard and reports whether it was present.
func (h *Hub) remove(sub *Subscription) bool {
	set := h.shardFor(sub.id)
	set.mu.Lock()
	_, ok := set.subs[sub.id]
	delete(set.subs, sub.id)
	set.mu.Unlock()
	if ok {
		h.opts.Metrics.SubscriberRemoved()
	}
	return ok
}

// Publish encodes e once and enqueues it for every subscriber.
// Subscribers with a full buffer are evicted. It returns the number of subscribers
// the event was queued for.
func (h *Hub) Publish(e event.Event) (int, error) {
	data, err := event.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}

	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	if h.closed.Load() {
		return 0, ErrClosed
	}
	h.opts.Metrics.EventPublished(string(e.Type))

	delivered := 0
	for _, set := range h.shards {
		var slow []*Subscription
		set.mu.Lock()
		for id, sub := range set.subs {
			select {
			case sub.events <- data:
				delivered++
			default:
				delete(set.subs, id)
				slow = append(slow, sub)
			}
		}
		set.mu.Unlock()

		for _, sub := range slow {
			h.opts.Metrics.SubscriberRemoved()
			h.opts.Metrics.SubscriberEvicted("slow")
			h.logger.Warn("evicting slow subscriber",
				"subscriber", sub.id,
				"buffer", h.opts.Buffer,
			)
			sub.finish(ErrSlowSubscriber)
		}
	}
	return delivered, nil
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	n := 0
	for _, set := range h.shards {
		set.mu.Lock()
		n += len(set.subs)
		set.mu.Unlock()
	}
	return n
}

// Close ends every subscription with ErrClosed. Later Subscribe calls return closed
// subscriptions and Publish returns ErrClosed.
func (h *Hub) Close() {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()
	if h.closed.Swap(true) {
		return
	}

	n := 0
	for _, set := range h.shards {
		set.mu.Lock()
		subs := set.subs
		set.subs = make(map[string]*Subscription)
		set.mu.Unlock()
		for _, sub := range subs {
			h.opts.Metrics.SubscriberRemoved()
			sub.finish(ErrClosed)
			n++
		}
	}
	h.logger.Info("hub closed", "subscribers", n)
}
