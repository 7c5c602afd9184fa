package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	Value int
}

type testEventer interface {
	EventValue() int
}

func (e testEvent) EventValue() int { return e.Value }

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, unsubscribe := Subscribe[testEvent](b, 1)
	defer unsubscribe()

	require.NoError(t, b.Publish(context.Background(), testEvent{Value: 123}))

	select {
	case got := <-ch:
		require.Equal(t, 123, got.Value)
	case <-time.After(250 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_InterfaceSubscriptionReceivesConcreteEvents(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, unsubscribe := Subscribe[testEventer](b, 1)
	defer unsubscribe()

	require.NoError(t, b.Publish(context.Background(), testEvent{Value: 7}))

	select {
	case got := <-ch:
		require.Equal(t, 7, got.EventValue())
	case <-time.After(250 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_PublishBackpressure(t *testing.T) {
	b := NewBus()
	defer b.Close()

	_, unsubscribe := Subscribe[testEvent](b, 0) // unbuffered; no receiver => blocks
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.Publish(ctx, testEvent{Value: 1})
	require.Error(t, err, "publish to a full blocking subscriber must respect ctx")
}

func TestBus_DropOldestKeepsNewest(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, unsubscribe := SubscribeDropOldest[testEvent](b, 2)
	defer unsubscribe()

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Publish(ctx, testEvent{Value: i}))
	}

	// Only the two newest survive.
	first := <-ch
	second := <-ch
	assert.Equal(t, 4, first.Value)
	assert.Equal(t, 5, second.Value)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event %v", extra)
	default:
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()

	_, unsubscribe := Subscribe[testEvent](b, 1)
	require.Equal(t, 1, SubscriberCount[testEvent](b))
	unsubscribe()
	require.Equal(t, 0, SubscriberCount[testEvent](b))

	require.NoError(t, b.Publish(context.Background(), testEvent{Value: 9}))
}

func TestBus_CloseClosesChannels(t *testing.T) {
	b := NewBus()
	ch, _ := Subscribe[testEvent](b, 1)

	b.Close()

	_, open := <-ch
	assert.False(t, open, "subscription channel must be closed after bus Close")

	err := b.Publish(context.Background(), testEvent{Value: 1})
	require.Error(t, err, "publish after close must fail")
}

func TestBus_PublishNilEvent(t *testing.T) {
	b := NewBus()
	defer b.Close()
	require.Error(t, b.Publish(context.Background(), nil))
}

func TestLogRing(t *testing.T) {
	r := NewLogRing(3)
	for i := 0; i < 5; i++ {
		r.Append(LogEvent{Message: fmt.Sprintf("line-%d", i)})
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "line-2", snap[0].Message)
	assert.Equal(t, "line-4", snap[2].Message)
	assert.Equal(t, 3, r.Len())

	// Snapshot is a copy; mutating it must not affect the ring.
	snap[0].Message = "mutated"
	assert.Equal(t, "line-2", r.Snapshot()[0].Message)
}
