package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionalBus_FlushDeliversAfterCommit(t *testing.T) {
	mainBus := NewBus()
	txBus := NewTransactionalBus(mainBus)

	received := make(chan BetSettledEvent, 1)
	mainBus.Subscribe(EventTypeBetSettled, func(ctx context.Context, event Event) {
		settled, ok := event.(BetSettledEvent)
		if !ok {
			t.Errorf("expected BetSettledEvent, got %T", event)
			return
		}
		received <- settled
	})

	ev := BetSettledEvent{BetID: 7, OwnerRef: "player-1", Won: true, OutcomeScore: 150000, PayoutAmount: 90000}
	txBus.Publish(ev)

	select {
	case <-received:
		t.Fatal("event delivered before flush")
	case <-time.After(50 * time.Millisecond):
	}

	txBus.Flush()

	select {
	case got := <-received:
		assert.Equal(t, ev, got)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not received within timeout")
	}
}

func TestTransactionalBus_DiscardDropsEvents(t *testing.T) {
	mainBus := NewBus()
	txBus := NewTransactionalBus(mainBus)

	var mu sync.Mutex
	count := 0
	mainBus.Subscribe(EventTypeBetPlaced, func(ctx context.Context, event Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	txBus.Publish(BetPlacedEvent{BetID: 1})
	txBus.Discard()
	txBus.Flush()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestBus_SubscribeAllAndPanicIsolation(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	wg.Add(3)

	bus.Subscribe(EventTypePayoutParked, func(ctx context.Context, event Event) {
		defer wg.Done()
		panic("boom")
	})

	seen := make(chan EventType, 2)
	bus.Subscribe(EventTypePayoutParked, func(ctx context.Context, event Event) {
		defer wg.Done()
		seen <- event.Type()
	})
	bus.SubscribeAll(func(ctx context.Context, event Event) {
		defer wg.Done()
		seen <- event.Type()
	})

	bus.Emit(context.Background(), PayoutParkedEvent{BetID: 3, Error: "insufficient escrow liquidity"})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handlers did not complete")
	}

	require.Len(t, seen, 2)
	assert.Equal(t, EventTypePayoutParked, <-seen)
	assert.Equal(t, EventTypePayoutParked, <-seen)
}
