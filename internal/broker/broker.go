package broker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/fleet/internal/models"
)

const (
	defaultBufferSize        = 64
	defaultKeepaliveInterval = 30 * time.Second
	defaultIdleTimeout       = 300 * time.Second
)

// Filter restricts which task events a subscription receives. Zero-value
// fields impose no restriction. Keepalive and error events always pass.
type Filter struct {
	CodebaseIDs  []string
	Capabilities []string
}

func (f Filter) matches(evt Event) bool {
	switch evt.Type {
	case EventKeepalive, EventError:
		return true
	}
	if len(f.CodebaseIDs) > 0 && evt.CodebaseID != "" {
		found := false
		for _, id := range f.CodebaseIDs {
			if id == evt.CodebaseID || evt.CodebaseID == models.GlobalCodebase {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if evt.Type == EventTaskAvailable && len(f.Capabilities) > 0 {
		required := models.AgentType(evt.AgentType).RequiredCapability()
		if required != "" {
			found := false
			for _, c := range f.Capabilities {
				if c == required {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	ID     string
	filter Filter

	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once

	// mu guards sends against close and the fields below. lastDrained
	// advances only when a send finds the buffer empty, so it tracks
	// the subscriber actually consuming, not the buffer absorbing.
	mu          sync.Mutex
	closed      bool
	lastDrained time.Time
	dropped     int
}

// Events returns the receive channel. It is closed when the subscription
// ends, whether by Close or by the broker's idle reaper.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped reports how many events were discarded because the subscriber
// was not draining its buffer.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// Broker routes events to subscriptions whose filters match. Sends never
// block the publisher.
type Broker struct {
	mu   sync.Mutex
	subs map[string]*Subscription

	bufferSize        int
	keepaliveInterval time.Duration
	idleTimeout       time.Duration
	logger            *log.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithBufferSize sets the per-subscription channel depth.
func WithBufferSize(n int) Option {
	return func(b *Broker) { b.bufferSize = n }
}

// WithKeepaliveInterval sets how often quiet streams receive keepalives.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(b *Broker) { b.keepaliveInterval = d }
}

// WithIdleTimeout sets how long a subscription may go without accepting
// any event before the broker closes it.
func WithIdleTimeout(d time.Duration) Option {
	return func(b *Broker) { b.idleTimeout = d }
}

// WithLogger sets the broker's logger.
func WithLogger(l *log.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// New constructs a Broker. Call Run to start keepalive and idle reaping.
func New(opts ...Option) *Broker {
	b := &Broker{
		subs:              make(map[string]*Subscription),
		bufferSize:        defaultBufferSize,
		keepaliveInterval: defaultKeepaliveInterval,
		idleTimeout:       defaultIdleTimeout,
		logger:            log.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscription with the given filter.
func (b *Broker) Subscribe(f Filter) *Subscription {
	sub := &Subscription{
		ID:          uuid.New().String(),
		filter:      f,
		ch:          make(chan Event, b.bufferSize),
		done:        make(chan struct{}),
		lastDrained: time.Now(),
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers evt to every matching subscription. Full buffers drop
// the event rather than block.
func (b *Broker) Publish(evt Event) {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.matches(evt) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		b.deliver(sub, evt)
	}
}

func (b *Broker) deliver(sub *Subscription, evt Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	caughtUp := len(sub.ch) == 0
	select {
	case sub.ch <- evt:
		if caughtUp {
			sub.lastDrained = time.Now()
		}
	default:
		sub.dropped++
		b.logger.Printf("broker: dropped %s event for slow subscriber %s (%d total)", evt.Type, sub.ID, sub.dropped)
	}
}

// Run drives keepalive broadcasts and idle reaping until ctx is done,
// then closes every remaining subscription.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case <-ticker.C:
			b.Publish(Keepalive())
			b.reapIdle()
		}
	}
}

// reapIdle closes subscriptions whose consumer has not drained the
// buffer within the idle timeout. A subscriber that drains keepalives
// never idles out; one that merely lets its buffer fill does.
func (b *Broker) reapIdle() {
	cutoff := time.Now().Add(-b.idleTimeout)

	b.mu.Lock()
	var stale []*Subscription
	for id, sub := range b.subs {
		sub.mu.Lock()
		idle := sub.lastDrained.Before(cutoff)
		sub.mu.Unlock()
		if idle {
			stale = append(stale, sub)
			delete(b.subs, id)
		}
	}
	b.mu.Unlock()

	for _, sub := range stale {
		b.logger.Printf("broker: closing idle subscription %s", sub.ID)
		sub.close()
	}
}

func (b *Broker) closeAll() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
