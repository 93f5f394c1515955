package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/texweave/node/internal/texweaveerr"
)

type fakeSender struct {
	sent   []Frame
	closed bool
}

func (s *fakeSender) Send(f Frame) error {
	s.sent = append(s.sent, f)
	return nil
}
func (s *fakeSender) Close() error       { s.closed = true; return nil }
func (s *fakeSender) RemoteAddr() string { return "fake" }

func TestAuthenticateRejectsEmptyUserID(t *testing.T) {
	sess := New(&fakeSender{}, nil, nil)
	err := sess.Authenticate("")
	require.Error(t, err)
	require.Equal(t, StateConnected, sess.State())
}

func TestAuthenticateSucceedsOnce(t *testing.T) {
	sess := New(&fakeSender{}, nil, nil)
	require.NoError(t, sess.Authenticate("alice"))
	require.Equal(t, StateAuthenticated, sess.State())
	require.Equal(t, "alice", sess.UserID())
}

func TestRequireAuthenticatedGatesUnauthenticatedSession(t *testing.T) {
	sess := New(&fakeSender{}, nil, nil)
	err := sess.RequireAuthenticated()
	require.Error(t, err)
	require.True(t, texweaveerr.Is(err, texweaveerr.Unauthenticated))
}

func TestCloseIsIdempotentAndNotifies(t *testing.T) {
	var notified int
	sess := New(&fakeSender{}, func(s *Session) { notified++ }, nil)
	sess.Close(nil)
	sess.Close(nil)
	require.Equal(t, 1, notified)
	require.Equal(t, StateClosed, sess.State())
}

func TestEnqueueClosesSessionOnOverflow(t *testing.T) {
	sender := &fakeSender{}
	var notified int
	sess := New(sender, func(s *Session) { notified++ }, nil)

	// Fill the queue beyond capacity with non-coalescable frames.
	capacity := sess.queue.capacity
	for i := 0; i < capacity; i++ {
		require.True(t, sess.Enqueue(Frame{Type: TagError}))
	}
	require.False(t, sess.Enqueue(Frame{Type: TagError}))
	require.Equal(t, StateClosed, sess.State())
	require.Equal(t, 1, notified)
}
