package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/texweave/node/internal/transportapi"
)

type recordingHandler struct {
	gossipTopic string
	gossipData  []byte
	gossipFrom  string
	reqKind     transportapi.RequestKind
}

func (h *recordingHandler) OnGossip(topic string, senderPeer string, data []byte) {
	h.gossipTopic, h.gossipFrom, h.gossipData = topic, senderPeer, data
}
func (h *recordingHandler) OnRequest(peerID string, req transportapi.Request) transportapi.Response {
	h.reqKind = req.Kind
	return transportapi.Response{Known: true}
}
func (h *recordingHandler) OnPeerJoined(peerID string, docID string) {}
func (h *recordingHandler) OnPeerLeft(peerID string)                 {}

func TestInProcessPublishDeliversOnlyToSubscribers(t *testing.T) {
	hub := NewInProcessHub()
	a := hub.NewNode("a")
	b := hub.NewNode("b")
	c := hub.NewNode("c")

	hb := &recordingHandler{}
	hc := &recordingHandler{}
	b.SetIncomingHandler(hb)
	c.SetIncomingHandler(hc)

	require.NoError(t, b.Subscribe("doc-ops/1"))
	// c never subscribes.

	require.NoError(t, a.Publish("doc-ops/1", []byte("payload")))

	require.Equal(t, "doc-ops/1", hb.gossipTopic)
	require.Equal(t, "a", hb.gossipFrom)
	require.Equal(t, []byte("payload"), hb.gossipData)
	require.Empty(t, hc.gossipTopic)
}

func TestInProcessSendRequestRoutesToHandler(t *testing.T) {
	hub := NewInProcessHub()
	a := hub.NewNode("a")
	b := hub.NewNode("b")

	hb := &recordingHandler{}
	b.SetIncomingHandler(hb)

	resp, err := a.SendRequest(context.Background(), "b", transportapi.Request{Kind: transportapi.KindJoin, DocID: "doc-1"})
	require.NoError(t, err)
	require.True(t, resp.Known)
	require.Equal(t, transportapi.KindJoin, hb.reqKind)
}

func TestInProcessSendRequestUnknownPeerErrors(t *testing.T) {
	hub := NewInProcessHub()
	a := hub.NewNode("a")

	_, err := a.SendRequest(context.Background(), "ghost", transportapi.Request{Kind: transportapi.KindJoin})
	require.Error(t, err)
}
