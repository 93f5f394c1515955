package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueuePushWaitFIFO(t *testing.T) {
	q := newOutboundQueue(4)
	require.True(t, q.Push(Frame{Type: TagHeartbeat}))
	require.True(t, q.Push(Frame{Type: TagError}))

	ctx := context.Background()
	f, ok := q.Wait(ctx)
	require.True(t, ok)
	require.Equal(t, TagHeartbeat, f.Type)

	f, ok = q.Wait(ctx)
	require.True(t, ok)
	require.Equal(t, TagError, f.Type)
}

func TestQueueCoalescesOldestPresenceOnOverflow(t *testing.T) {
	q := newOutboundQueue(2)
	require.True(t, q.Push(Frame{Type: TagPresenceUpdate, Payload: []byte(`"1"`)}))
	require.True(t, q.Push(Frame{Type: TagHeartbeat}))
	// Full, but the presence frame can be evicted to make room.
	require.True(t, q.Push(Frame{Type: TagError}))

	ctx := context.Background()
	f, _ := q.Wait(ctx)
	require.Equal(t, TagHeartbeat, f.Type)
	f, _ = q.Wait(ctx)
	require.Equal(t, TagError, f.Type)
}

func TestQueueRefusesPushWhenFullAndNothingToCoalesce(t *testing.T) {
	q := newOutboundQueue(1)
	require.True(t, q.Push(Frame{Type: TagHeartbeat}))
	require.False(t, q.Push(Frame{Type: TagError}))
}

func TestQueueWaitUnblocksOnContextCancel(t *testing.T) {
	q := newOutboundQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok := q.Wait(ctx)
	require.False(t, ok)
}

func TestQueueCloseUnblocksWaiters(t *testing.T) {
	q := newOutboundQueue(1)
	done := make(chan struct{})
	go func() {
		_, ok := q.Wait(context.Background())
		require.False(t, ok)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Close")
	}
}
