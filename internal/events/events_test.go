package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestPublish_DeliversToSubscribers(t *testing.T) {
	m := NewManager(true, zap.NewNop())

	var mu sync.Mutex
	var got []string
	m.Subscribe(TopicReview, func(ctx context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg.Payload))
		return nil
	})
	m.Subscribe(TopicReview, func(ctx context.Context, msg Message) error {
		return errors.New("ledger down")
	})

	id := m.Publish(context.Background(), TopicReview, []byte(`[{"event":"Review"}]`))
	m.Wait()

	assert.NotEmpty(t, id)
	assert.Equal(t, []string{`[{"event":"Review"}]`}, got)
}

func TestPublish_SurvivesCanceledContext(t *testing.T) {
	m := NewManager(true, zap.NewNop())
	done := make(chan error, 1)
	m.Subscribe(TopicPurchase, func(ctx context.Context, msg Message) error {
		done <- ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Publish(ctx, TopicPurchase, []byte(`[]`))
	m.Wait()

	assert.NoError(t, <-done)
}

func TestPublish_DisabledOrNoConsumers(t *testing.T) {
	disabled := NewManager(false, zap.NewNop())
	called := false
	disabled.Subscribe(TopicReturn, func(ctx context.Context, msg Message) error {
		called = true
		return nil
	})
	assert.Empty(t, disabled.Publish(context.Background(), TopicReturn, []byte(`[]`)))

	m := NewManager(true, zap.NewNop())
	assert.Empty(t, m.Publish(context.Background(), TopicReturn, []byte(`[]`)))

	m.Subscribe(TopicReturn, func(ctx context.Context, msg Message) error {
		called = true
		return nil
	})
	m.Shutdown()
	assert.Empty(t, m.Publish(context.Background(), TopicReturn, []byte(`[]`)))
	assert.False(t, called)
}

func TestShutdown_WaitsForEveryAcceptedMessage(t *testing.T) {
	m := NewManager(true, zap.NewNop())
	var started, finished atomic.Int64
	m.Subscribe(TopicPurchase, func(ctx context.Context, msg Message) error {
		started.Add(1)
		time.Sleep(time.Millisecond)
		finished.Add(1)
		return nil
	})

	var accepted atomic.Int64
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if m.Publish(context.Background(), TopicPurchase, []byte(`[]`)) != "" {
					accepted.Add(1)
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	m.Shutdown()
	afterShutdown := finished.Load()
	close(stop)
	wg.Wait()

	assert.Equal(t, accepted.Load(), afterShutdown, "every accepted message finished before Shutdown returned")
	assert.Equal(t, started.Load(), finished.Load())
	assert.Empty(t, m.Publish(context.Background(), TopicPurchase, []byte(`[]`)))
}
