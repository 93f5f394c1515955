package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/texweave/node/crdt"
	"github.com/texweave/node/internal/transportapi"
	"github.com/texweave/node/peer"
	"github.com/texweave/node/registry"
	"github.com/texweave/node/session"
	"github.com/texweave/node/transport"
)

// recordingSender is a fake session.Sender that captures every frame sent
// to it, for asserting fan-out behavior without a real socket.
type recordingSender struct {
	mu     sync.Mutex
	frames []session.Frame
}

func (s *recordingSender) Send(f session.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}
func (s *recordingSender) Close() error         { return nil }
func (s *recordingSender) RemoteAddr() string   { return "test" }
func (s *recordingSender) snapshot() []session.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func newOpenSession(t *testing.T, reg *registry.Registry, router *session.Router, docID uuid.UUID) (*session.Session, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	sess := session.New(sender, nil, nil)
	// Run drains the outbound queue into sender.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sess.Run(ctx)
	require.NoError(t, sess.Authenticate("alice"))
	sess.OpenDocument(docID)
	router.SubscribeLocal(sess, docID)
	return sess, sender
}

func TestOnLocalApplyFansOutIncludingOrigin(t *testing.T) {
	hub := transport.NewInProcessHub()
	nodeTransport := hub.NewNode("node-1")
	reg := registry.NewRegistry(crdt.NewEngine())
	peers := peer.NewRegistry(10)
	router := session.NewRouter(reg, nodeTransport, peers, nil)
	nodeTransport.SetIncomingHandler(router)

	doc, err := reg.CreateDocument("Paper", uuid.New(), "")
	require.NoError(t, err)

	origin, originSender := newOpenSession(t, reg, router, doc.ID)
	other, otherSender := newOpenSession(t, reg, router, doc.ID)

	patch, err := reg.Engine().ApplyLocal(doc.Handle(), crdt.Op{Kind: crdt.KindInsert, Position: 0, Content: "hi"})
	require.NoError(t, err)
	version := doc.BumpVersion()

	router.OnLocalApply(doc.ID, patch, origin.ID, reg.Engine().CurrentText(doc.Handle()), version)

	requireHasDocumentUpdate(t, originSender, "hi")
	requireHasDocumentUpdate(t, otherSender, "hi")
	_ = other
}

// requireHasDocumentUpdate waits up to a second for the session's drain loop
// to deliver a DocumentUpdate frame carrying content to sender.
func requireHasDocumentUpdate(t *testing.T, sender *recordingSender, content string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		frames := sender.snapshot()
		for _, f := range frames {
			if f.Type != "DocumentUpdate" {
				continue
			}
			var p session.DocumentUpdatePayload
			require.NoError(t, json.Unmarshal(f.Payload, &p))
			if p.Content == content {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no DocumentUpdate frame with content %q found in %d frames", content, len(frames))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUnsubscribeAllRemovesFromEveryDocument(t *testing.T) {
	hub := transport.NewInProcessHub()
	nodeTransport := hub.NewNode("node-1")
	reg := registry.NewRegistry(crdt.NewEngine())
	peers := peer.NewRegistry(10)
	router := session.NewRouter(reg, nodeTransport, peers, nil)
	nodeTransport.SetIncomingHandler(router)

	docA, err := reg.CreateDocument("A", uuid.New(), "")
	require.NoError(t, err)
	docB, err := reg.CreateDocument("B", uuid.New(), "")
	require.NoError(t, err)

	sess, sender := newOpenSession(t, reg, router, docA.ID)
	router.SubscribeLocal(sess, docB.ID)
	sess.OpenDocument(docB.ID)

	router.UnsubscribeAll(sess)

	patch, err := reg.Engine().ApplyLocal(docA.Handle(), crdt.Op{Kind: crdt.KindInsert, Position: 0, Content: "x"})
	require.NoError(t, err)
	version := docA.BumpVersion()
	router.OnLocalApply(docA.ID, patch, "someone-else", reg.Engine().CurrentText(docA.Handle()), version)

	for _, f := range sender.snapshot() {
		require.NotEqual(t, session.Tag("DocumentUpdate"), f.Type, "unsubscribed session must not receive further updates")
	}
}

func TestRemoteSyncRequestReturnsFullExportWhenNoCookie(t *testing.T) {
	hub := transport.NewInProcessHub()
	nodeA := hub.NewNode("node-a")
	nodeB := hub.NewNode("node-b")

	regA := registry.NewRegistry(crdt.NewEngine())
	routerA := session.NewRouter(regA, nodeA, peer.NewRegistry(10), nil)
	nodeA.SetIncomingHandler(routerA)

	regB := registry.NewRegistry(crdt.NewEngine())
	routerB := session.NewRouter(regB, nodeB, peer.NewRegistry(10), nil)
	nodeB.SetIncomingHandler(routerB)

	doc, err := regA.CreateDocument("Shared", uuid.New(), "hello")
	require.NoError(t, err)

	req := transportapi.Request{Kind: transportapi.KindSync, DocID: doc.ID.String()}
	resp, err := nodeB.SendRequest(context.Background(), "node-a", req)
	require.NoError(t, err)
	require.False(t, resp.NotFound)
	require.NotEmpty(t, resp.FullExport)
}
