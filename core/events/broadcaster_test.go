package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cylo/core/types"
)

type testEvent struct {
	kind string
}

func (e testEvent) EventType() string { return e.kind }

func (e testEvent) Event() *types.Event {
	return &types.Event{Type: e.kind, Attributes: map[string]string{"kind": e.kind}}
}

type plainEvent struct{}

func (plainEvent) EventType() string { return "plain" }

func receive(t *testing.T, ch <-chan Broadcast) Broadcast {
	t.Helper()
	select {
	case entry := <-ch:
		return entry
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
		return Broadcast{}
	}
}

func TestBroadcasterDeliversToSubscriber(t *testing.T) {
	b := NewBroadcaster()
	ch, backlog, cancel := b.Subscribe(0)
	defer cancel()
	require.Empty(t, backlog)

	b.Emit(testEvent{kind: "escrow.order.created"})

	entry := receive(t, ch)
	require.Equal(t, uint64(1), entry.Sequence)
	require.Equal(t, "escrow.order.created", entry.Event.Type)
}

func TestBroadcasterBacklogFromCursor(t *testing.T) {
	b := NewBroadcaster()
	b.Emit(testEvent{kind: "a"})
	b.Emit(testEvent{kind: "b"})
	b.Emit(testEvent{kind: "c"})

	_, backlog, cancel := b.Subscribe(1)
	defer cancel()
	require.Len(t, backlog, 2)
	require.Equal(t, uint64(2), backlog[0].Sequence)
	require.Equal(t, "b", backlog[0].Event.Type)
	require.Equal(t, "c", backlog[1].Event.Type)
}

func TestBroadcasterIgnoresUnrenderableEvents(t *testing.T) {
	b := NewBroadcaster()
	b.Emit(plainEvent{})

	_, backlog, cancel := b.Subscribe(0)
	defer cancel()
	require.Empty(t, backlog)
}

func TestBroadcasterCancelStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	ch, _, cancel := b.Subscribe(0)
	cancel()

	b.Emit(testEvent{kind: "after-cancel"})

	select {
	case entry := <-ch:
		t.Fatalf("unexpected delivery after cancel: %v", entry)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroadcaster()
	ch, _, cancel := b.Subscribe(0)
	defer cancel()

	// Channel capacity is 64; emitting more must not block.
	for i := 0; i < 100; i++ {
		b.Emit(testEvent{kind: "burst"})
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	require.Equal(t, 64, drained)
}
