package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "conductor:events:"

func channelName(projectID string) string {
	return channelPrefix + projectID
}

// RedisBus fans events out across processes via Redis pub/sub. Subscribers
// asking for the same project set share one wire subscription; each handler
// still sees every matching envelope exactly once.
type RedisBus struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	shared map[string]*sharedSubscriber
	closed bool
}

// sharedSubscriber owns one PubSub connection and dispatches inbound
// envelopes to every handler registered for the same channel set.
type sharedSubscriber struct {
	key      string
	pubsub   *redis.PubSub
	logger   *slog.Logger
	mu       sync.Mutex
	nextID   int
	handlers map[int]Handler
	done     chan struct{}
}

// NewRedisBus wraps an existing Redis client. The caller owns the client
// lifecycle; Close only tears down subscriptions.
func NewRedisBus(rdb *redis.Client, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		rdb:    rdb,
		logger: logger,
		shared: make(map[string]*sharedSubscriber),
	}
}

// Publish serializes the envelope to its project channel.
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelName(env.ProjectID), data).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", env.ID, err)
	}
	return nil
}

// Subscribe registers fn for the given projects. Identical project sets
// share one Redis subscription. When the wire subscribe fails, no handler
// is registered and the set of committed channels is unchanged.
func (b *RedisBus) Subscribe(ctx context.Context, projectIDs []string, fn Handler) (*Subscription, error) {
	if len(projectIDs) == 0 {
		return nil, fmt.Errorf("subscribe: at least one project channel is required")
	}

	key, channels := subscriptionKey(projectIDs)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe: bus is closed")
	}

	shared, ok := b.shared[key]
	if !ok {
		ps := b.rdb.Subscribe(ctx, channels...)
		// Receive forces the SUBSCRIBE round-trip so a dead Redis
		// surfaces here instead of in the reader goroutine.
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return nil, fmt.Errorf("subscribe channels %s: %w", key, err)
		}
		shared = &sharedSubscriber{
			key:      key,
			pubsub:   ps,
			logger:   b.logger,
			handlers: make(map[int]Handler),
			done:     make(chan struct{}),
		}
		b.shared[key] = shared
		go shared.read()
	}

	id := shared.add(fn)

	return &Subscription{cancel: func() {
		b.release(shared, id)
	}}, nil
}

// release detaches one handler and tears down the wire subscription when the
// last handler leaves.
func (b *RedisBus) release(shared *sharedSubscriber, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if shared.remove(id) > 0 {
		return
	}
	delete(b.shared, shared.key)
	shared.pubsub.Close()
	<-shared.done
}

// Close tears down every shared subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for key, shared := range b.shared {
		shared.pubsub.Close()
		<-shared.done
		delete(b.shared, key)
	}
	return nil
}

func (s *sharedSubscriber) add(fn Handler) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	return id
}

// remove drops one handler and reports how many remain.
func (s *sharedSubscriber) remove(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, id)
	return len(s.handlers)
}

// read pumps messages until the PubSub closes.
func (s *sharedSubscriber) read() {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			s.logger.Warn("dropping malformed event payload",
				"channel", msg.Channel,
				"error", err)
			continue
		}
		s.dispatch(env)
	}
}

func (s *sharedSubscriber) dispatch(env Envelope) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.handlers))
	for _, fn := range s.handlers {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(env)
	}
}

// subscriptionKey canonicalizes a project set so identical sets map to the
// same shared subscriber.
func subscriptionKey(projectIDs []string) (string, []string) {
	uniq := make(map[string]bool, len(projectIDs))
	for _, id := range projectIDs {
		uniq[id] = true
	}
	ids := make([]string, 0, len(uniq))
	for id := range uniq {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	channels := make([]string, len(ids))
	for i, id := range ids {
		channels[i] = channelName(id)
	}
	return strings.Join(ids, ","), channels
}
