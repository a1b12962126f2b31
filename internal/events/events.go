package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic names a queue.
type Topic string

const (
	TopicPurchase            Topic = "loyaltyshop.purchase_event"
	TopicReturn              Topic = "loyaltyshop.return_event"
	TopicReview              Topic = "loyaltyshop.review_event"
	TopicFreeProductPurchase Topic = "loyaltyshop.free_product_purchase_event"
	TopicFreeProductRemove   Topic = "loyaltyshop.free_product_remove_event"
)

// Message is a published JSON payload.
type Message struct {
	ID          string
	Topic       Topic
	Payload     []byte
	PublishedAt time.Time
}

// Handler consumes a message. Returned errors are logged and the message is
// dropped.
type Handler func(ctx context.Context, msg Message) error

// Manager is an in-process asynchronous queue. Delivery is at most once.
type Manager struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	enabled  bool
	logger   *zap.Logger
	inflight sync.WaitGroup
}

// NewManager creates a new queue manager.
func NewManager(enabled bool, logger *zap.Logger) *Manager {
	return &Manager{
		handlers: make(map[Topic][]Handler),
		enabled:  enabled,
		logger:   logger,
	}
}

// Subscribe subscribes a handler to a topic.
func (m *Manager) Subscribe(topic Topic, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.handlers[topic] = append(m.handlers[topic], handler)
}

// Publish hands payload to every subscriber of topic without blocking the
// caller. Handlers outlive the publishing request's cancellation. It returns
// the message id, or "" when nothing was delivered.
func (m *Manager) Publish(ctx context.Context, topic Topic, payload []byte) string {
	// The in-flight count is raised under the read lock so Shutdown, which
	// needs the write lock, cannot start waiting before it.
	m.mu.RLock()
	handlers := m.handlers[topic]
	if !m.enabled || len(handlers) == 0 {
		m.mu.RUnlock()
		m.logger.Debug("no consumers for topic", zap.String("topic", string(topic)))
		return ""
	}
	m.inflight.Add(len(handlers))
	m.mu.RUnlock()

	msg := Message{
		ID:          uuid.New().String(),
		Topic:       topic,
		Payload:     payload,
		PublishedAt: time.Now(),
	}
	detached := context.WithoutCancel(ctx)

	for _, handler := range handlers {
		go func(h Handler) {
			defer m.inflight.Done()
			if err := h(detached, msg); err != nil {
				m.logger.Error("consumer failed, message dropped",
					zap.String("topic", string(topic)),
					zap.String("message_id", msg.ID),
					zap.ByteString("payload", payload),
					zap.Error(err),
				)
			}
		}(handler)
	}
	return msg.ID
}

// Wait blocks until every in-flight handler has returned.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Shutdown stops accepting messages and waits for in-flight handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[Topic][]Handler)
	m.mu.Unlock()

	m.Wait()
}
