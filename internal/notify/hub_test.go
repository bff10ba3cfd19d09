package notify

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umspos/backend/internal/cache"
	"umspos/backend/internal/domain"
)

func recv(t *testing.T, ch <-chan domain.Notification) domain.Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return domain.Notification{}
	}
}

func TestHubDeliversInOrder(t *testing.T) {
	h := NewHub(nil)
	first, cancelFirst := h.Subscribe()
	defer cancelFirst()
	second, cancelSecond := h.Subscribe()
	defer cancelSecond()

	for i := 1; i <= 3; i++ {
		h.Publish(context.Background(), domain.Notification{ID: fmt.Sprintf("ntf-%d", i), Kind: domain.NotificationSale})
	}

	for _, ch := range []<-chan domain.Notification{first, second} {
		assert.Equal(t, "ntf-1", recv(t, ch).ID)
		assert.Equal(t, "ntf-2", recv(t, ch).ID)
		assert.Equal(t, "ntf-3", recv(t, ch).ID)
	}
}

func TestHubDropsDuplicates(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe()
	defer cancel()

	n := domain.Notification{ID: "ntf-1", Kind: domain.NotificationFaulty}
	h.Publish(context.Background(), n)
	h.deliver(n)
	h.Publish(context.Background(), domain.Notification{ID: "ntf-2"})

	assert.Equal(t, "ntf-1", recv(t, ch).ID)
	assert.Equal(t, "ntf-2", recv(t, ch).ID)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected notification %s", extra.ID)
	default:
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe()
	assert.Equal(t, 1, h.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, h.Subscribers())
	_, open := <-ch
	assert.False(t, open)
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuf*2; i++ {
			h.Publish(context.Background(), domain.Notification{ID: fmt.Sprintf("ntf-%d", i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHubRunWithoutRedisWaitsForCancel(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, h.Run(ctx))
}

func TestHubRelaysAcrossInstances(t *testing.T) {
	addr := os.Getenv("UMSPOS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set UMSPOS_TEST_REDIS_ADDR to run redis integration test")
	}

	client := cache.NewRedisClient(addr, "", 0)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := NewHub(nil).WithRedis(client)
	receiver := NewHub(nil).WithRedis(client)
	go func() { _ = receiver.Run(ctx) }()

	ch, unsubscribe := receiver.Subscribe()
	defer unsubscribe()

	id := fmt.Sprintf("ntf-relay-%d", time.Now().UnixNano())
	require.Eventually(t, func() bool {
		sender.Publish(ctx, domain.Notification{ID: id, Kind: domain.NotificationLowStock})
		select {
		case n := <-ch:
			return n.ID == id
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 200*time.Millisecond)
}
