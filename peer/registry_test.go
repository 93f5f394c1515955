package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObserveCreatesAndMarksConnected(t *testing.T) {
	r := NewRegistry(10)
	p := r.Observe("peer-1")
	require.Equal(t, Connected, p.State)

	got, ok := r.Get("peer-1")
	require.True(t, ok)
	require.Equal(t, Connected, got.State)
}

func TestEvictLeastRecentlySeenOnOverflow(t *testing.T) {
	r := NewRegistry(2)
	r.Observe("a")
	time.Sleep(time.Millisecond)
	r.Observe("b")
	time.Sleep(time.Millisecond)
	r.Observe("c") // evicts "a"

	_, ok := r.Get("a")
	require.False(t, ok)
	_, ok = r.Get("b")
	require.True(t, ok)
	_, ok = r.Get("c")
	require.True(t, ok)
}

func TestPruneIdleTransitionsThenRemoves(t *testing.T) {
	r := NewRegistry(10)
	r.idleWindow = time.Millisecond
	r.Observe("stale")

	time.Sleep(2 * time.Millisecond)
	removed := r.PruneIdle()
	require.Empty(t, removed)
	p, ok := r.Get("stale")
	require.True(t, ok)
	require.Equal(t, Idle, p.State)

	time.Sleep(2 * time.Millisecond)
	removed = r.PruneIdle()
	require.Equal(t, []string{"stale"}, removed)
	_, ok = r.Get("stale")
	require.False(t, ok)
}

func TestMarkSubscribedAndSubscribersOf(t *testing.T) {
	r := NewRegistry(10)
	r.MarkSubscribed("peer-1", "doc-1")
	r.MarkSubscribed("peer-2", "doc-1")
	r.MarkSubscribed("peer-2", "doc-2")

	require.ElementsMatch(t, []string{"peer-1", "peer-2"}, r.SubscribersOf("doc-1"))
	require.ElementsMatch(t, []string{"peer-2"}, r.SubscribersOf("doc-2"))

	r.MarkUnsubscribed("peer-2", "doc-1")
	require.ElementsMatch(t, []string{"peer-1"}, r.SubscribersOf("doc-1"))
}
