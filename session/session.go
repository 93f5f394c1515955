package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/texweave/node/internal/config"
	"github.com/texweave/node/internal/texweaveerr"
)

// State is a session's position in the per-connection state machine (spec
// §4.3): Connected -> Authenticated -> {OpenDocument transitions}* -> Closed.
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateClosed
)

// Sender is implemented by the transport layer so a Session can push
// frames without depending on any concrete transport (spec §9 design
// note: a single abstract transport contract, swappable for tests).
type Sender interface {
	Send(Frame) error
	Close() error
	RemoteAddr() string
}

// CloseNotifier is notified once a session transitions to Closed, so the
// owning Hub/Router can unsubscribe it from every document (spec §5
// cancellation, §8 "subscription hygiene").
type CloseNotifier func(s *Session)

// Session is one connected client's authenticated context on this node.
type Session struct {
	ID string

	mu          sync.RWMutex
	state       State
	userID      string
	openDocs    map[uuid.UUID]struct{}
	presence    map[uuid.UUID]json.RawMessage
	connectedAt time.Time

	sender Sender
	log    *slog.Logger

	queue     *outboundQueue
	onClose   CloseNotifier
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// New creates a session bound to sender, in the Connected state. Call
// Run to start its outbound-drain and heartbeat loops.
func New(sender Sender, onClose CloseNotifier, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		ID:          uuid.New().String(),
		state:       StateConnected,
		openDocs:    make(map[uuid.UUID]struct{}),
		presence:    make(map[uuid.UUID]json.RawMessage),
		connectedAt: time.Now(),
		sender:      sender,
		log:         log.With("remote", sender.RemoteAddr()),
		queue:       newOutboundQueue(config.OutboundQueueCapacity),
		onClose:     onClose,
	}
}

// Run starts the outbound drain loop and the heartbeat ticker. It blocks
// until the session is closed, so callers should invoke it in its own
// goroutine.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.drainLoop(ctx) }()
	go func() { defer wg.Done(); s.heartbeatLoop(ctx) }()
	wg.Wait()
}

func (s *Session) drainLoop(ctx context.Context) {
	for {
		f, ok := s.queue.Wait(ctx)
		if !ok {
			return
		}
		if err := s.sender.Send(f); err != nil {
			s.log.Warn("send failed, closing session", "err", err)
			s.Close(texweaveerr.New(texweaveerr.Internal, "send failed"))
			return
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.Enqueue(frame(TagHeartbeat, HeartbeatPayload{Timestamp: t}))
		}
	}
}

// State returns the current state machine position.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// UserID returns the authenticated user id, or "" before authentication.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Authenticate transitions Connected -> Authenticated. The spec preserves
// an optional token field but assigns it no verification semantics (§9
// open question): any non-empty user id succeeds.
func (s *Session) Authenticate(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return texweaveerr.New(texweaveerr.Internal, "authenticate called outside Connected state")
	}
	if userID == "" {
		return texweaveerr.New(texweaveerr.AuthFailed, "empty user id")
	}
	s.userID = userID
	s.state = StateAuthenticated
	s.log = s.log.With("session", s.ID, "user", userID)
	return nil
}

// RequireAuthenticated returns an Unauthenticated error unless the session
// has completed Authentication (spec §4.3 state machine, §8 "authentication
// gate").
func (s *Session) RequireAuthenticated() error {
	if s.State() != StateAuthenticated {
		return texweaveerr.New(texweaveerr.Unauthenticated, "authentication required")
	}
	return nil
}

// OpenDocument records id as opened by this session.
func (s *Session) OpenDocument(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openDocs[id] = struct{}{}
}

// HasOpened reports whether this session has opened id.
func (s *Session) HasOpened(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.openDocs[id]
	return ok
}

// OpenDocuments returns the set of document ids this session has opened.
func (s *Session) OpenDocuments() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(s.openDocs))
	for id := range s.openDocs {
		out = append(out, id)
	}
	return out
}

// SetPresence records this session's last-reported presence for id.
func (s *Session) SetPresence(id uuid.UUID, presence json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[id] = presence
}

// Presence returns this session's last-reported presence for id, if any.
func (s *Session) Presence(id uuid.UUID) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[id]
	return p, ok
}

// Enqueue pushes a frame onto the outbound queue. On overflow it coalesces
// the oldest PresenceUpdate frame first; if that still doesn't make room,
// the session is closed with slow_consumer (spec §5, §8 scenario 6) and
// Enqueue returns false.
func (s *Session) Enqueue(f Frame) bool {
	if ok := s.queue.Push(f); ok {
		return true
	}
	s.log.Warn("outbound queue overflow, closing session")
	s.Close(texweaveerr.New(texweaveerr.SlowConsumer, "outbound queue overflow"))
	return false
}

// SendError enqueues an Error frame. If the error is fatal (auth failure,
// slow consumer, internal), the caller should also Close the session.
func (s *Session) SendError(err *texweaveerr.Error) {
	s.Enqueue(frame(TagError, ErrorPayload{Code: string(err.Code), Message: err.Message}))
}

// Close transitions the session to Closed, stops its loops, notifies the
// close callback (spec §5 "disconnect callback"), and closes the
// underlying transport. Safe to call multiple times.
func (s *Session) Close(reason *texweaveerr.Error) {
	s.closeOnce.Do(func() {
		if reason != nil {
			// Push directly rather than via Enqueue: Enqueue closes the
			// session on overflow, which would reenter this closeOnce.Do
			// from the same goroutine and deadlock.
			s.queue.Push(frame(TagError, ErrorPayload{Code: string(reason.Code), Message: reason.Message}))
		}
		s.mu.Lock()
		s.state = StateClosed
		cancel := s.cancel
		s.mu.Unlock()

		s.queue.Close()
		if cancel != nil {
			cancel()
		}
		_ = s.sender.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
