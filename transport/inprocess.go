package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/texweave/node/internal/transportapi"
)

// InProcessHub wires a fixed set of InProcessTransport nodes together
// in-memory, with no real networking, so the session/router code can be
// exercised deterministically in tests (spec §9: "a single trait-like
// transport contract... with two interchangeable implementations").
type InProcessHub struct {
	mu    sync.Mutex
	nodes map[string]*InProcessTransport
}

func NewInProcessHub() *InProcessHub {
	return &InProcessHub{nodes: make(map[string]*InProcessTransport)}
}

// NewNode registers a new peer identified by peerID on the hub.
func (h *InProcessHub) NewNode(peerID string) *InProcessTransport {
	t := &InProcessTransport{
		peerID: peerID,
		hub:    h,
		topics: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.nodes[peerID] = t
	h.mu.Unlock()
	return t
}

func (h *InProcessHub) others(exclude string) []*InProcessTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*InProcessTransport, 0, len(h.nodes))
	for id, n := range h.nodes {
		if id == exclude {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (h *InProcessHub) node(peerID string) (*InProcessTransport, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[peerID]
	return n, ok
}

// InProcessTransport implements transportapi.Transport by delivering
// directly to sibling nodes registered on the same InProcessHub.
type InProcessTransport struct {
	peerID string
	hub    *InProcessHub

	mu      sync.Mutex
	topics  map[string]struct{}
	handler transportapi.IncomingHandler
}

func (t *InProcessTransport) Publish(topic string, data []byte) error {
	for _, n := range t.hub.others(t.peerID) {
		n.mu.Lock()
		_, subscribed := n.topics[topic]
		handler := n.handler
		n.mu.Unlock()
		if subscribed && handler != nil {
			handler.OnGossip(topic, t.peerID, data)
		}
	}
	return nil
}

func (t *InProcessTransport) Subscribe(topic string) error {
	t.mu.Lock()
	t.topics[topic] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *InProcessTransport) Unsubscribe(topic string) error {
	t.mu.Lock()
	delete(t.topics, topic)
	t.mu.Unlock()
	return nil
}

func (t *InProcessTransport) SendRequest(ctx context.Context, peerID string, req transportapi.Request) (transportapi.Response, error) {
	n, ok := t.hub.node(peerID)
	if !ok {
		return transportapi.Response{}, fmt.Errorf("in-process transport: unknown peer %q", peerID)
	}
	n.mu.Lock()
	handler := n.handler
	n.mu.Unlock()
	if handler == nil {
		return transportapi.Response{}, fmt.Errorf("in-process transport: peer %q has no handler", peerID)
	}
	return handler.OnRequest(t.peerID, req), nil
}

func (t *InProcessTransport) SetIncomingHandler(h transportapi.IncomingHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *InProcessTransport) LocalPeerID() string { return t.peerID }
