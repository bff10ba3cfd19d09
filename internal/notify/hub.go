package notify

import (
	"context"
	"encoding/json"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"umspos/backend/internal/domain"
)

const (
	Channel        = "umspos:notifications"
	subscriberBuf  = 32
	dedupeCapacity = 1024
)

// Hub fans persisted notifications out to stream subscribers. Delivery is
// serialized under one lock so every subscriber sees the same order.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan domain.Notification
	nextID int
	seen   map[string]struct{}
	ring   []string
	pos    int
	redis  *redis.Client
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[int]chan domain.Notification),
		seen:   make(map[string]struct{}, dedupeCapacity),
		ring:   make([]string, dedupeCapacity),
		logger: logger.Named("notify"),
	}
}

// WithRedis makes Publish also broadcast on the shared Redis channel. Run
// must be started for notifications from other instances to arrive.
func (h *Hub) WithRedis(client *redis.Client) *Hub {
	h.redis = client
	return h
}

// Subscribe returns a channel of new notifications and a cancel func that
// must be called when the subscriber goes away.
func (h *Hub) Subscribe() (<-chan domain.Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan domain.Notification, subscriberBuf)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers locally and, with Redis configured, to other instances.
// A Redis failure is logged and does not fail the caller.
func (h *Hub) Publish(ctx context.Context, n domain.Notification) {
	h.deliver(n)

	if h.redis == nil {
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("encode notification", zap.String("id", n.ID), zap.Error(err))
		return
	}
	if err := h.redis.Publish(ctx, Channel, payload).Err(); err != nil {
		h.logger.Warn("redis publish failed", zap.String("id", n.ID), zap.Error(err))
	}
}

// Run relays notifications published by other instances until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.redis == nil {
		<-ctx.Done()
		return nil
	}

	sub := h.redis.Subscribe(ctx, Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var n domain.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				h.logger.Warn("drop malformed notification", zap.Error(err))
				continue
			}
			h.deliver(n)
		}
	}
}

func (h *Hub) deliver(n domain.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, dup := h.seen[n.ID]; dup {
		return
	}
	if old := h.ring[h.pos]; old != "" {
		delete(h.seen, old)
	}
	h.ring[h.pos] = n.ID
	h.pos = (h.pos + 1) % len(h.ring)
	h.seen[n.ID] = struct{}{}

	// Read state is per user; the stream only carries new notifications.
	n.Read = false
	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.logger.Warn("subscriber too slow, notification dropped", zap.Int("subscriber", id), zap.String("id", n.ID))
		}
	}
}
