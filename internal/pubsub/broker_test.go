package pubsub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublished(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := broker.Subscribe(ctx)
	broker.Publish(UpdatedEvent, "task-3 in_progress -> completed")

	select {
	case event := <-ch:
		require.Equal(t, UpdatedEvent, event.Type)
		require.Equal(t, "task-3 in_progress -> completed", event.Payload)
		require.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for event")
	}
}

func TestAllSubscribersReceive(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	ctx := context.Background()
	chans := []<-chan Event[int]{
		broker.Subscribe(ctx),
		broker.Subscribe(ctx),
		broker.Subscribe(ctx),
	}
	require.Equal(t, 3, broker.SubscriberCount())

	broker.Publish(CreatedEvent, 7)

	for i, ch := range chans {
		select {
		case event := <-ch:
			require.Equal(t, 7, event.Payload, "subscriber %d", i)
		case <-time.After(time.Second):
			require.Fail(t, "timeout", "subscriber %d", i)
		}
	}
}

func TestCancelledSubscriberIsRemoved(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := broker.Subscribe(ctx)
	require.Equal(t, 1, broker.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool {
		return broker.SubscriberCount() == 0
	}, time.Second, 10*time.Millisecond)

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after cancel")
}

func TestPublishNeverBlocks(t *testing.T) {
	broker := NewBrokerWithBuffer[int](1)
	defer broker.Close()

	_ = broker.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			broker.Publish(UpdatedEvent, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "Publish blocked on a slow subscriber")
	}
}

func TestCloseClosesAllAndIsIdempotent(t *testing.T) {
	broker := NewBroker[string]()

	ctx := context.Background()
	ch1 := broker.Subscribe(ctx)
	ch2 := broker.Subscribe(ctx)

	broker.Close()
	broker.Close()

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	require.False(t, ok1)
	require.False(t, ok2)
	require.Equal(t, 0, broker.SubscriberCount())

	// Late subscribe gets a closed channel; late publish is a no-op.
	ch3 := broker.Subscribe(ctx)
	_, ok3 := <-ch3
	require.False(t, ok3)
	broker.Publish(UpdatedEvent, "ignored")
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			ch := broker.Subscribe(ctx)
			for range ch { //nolint:revive // drain until close
			}
		}(i)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				broker.Publish(UpdatedEvent, fmt.Sprintf("worker-%d event %d", n, j))
			}
		}(i)
	}
	wg.Wait()
}
