package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"

	"github.com/texweave/node/internal/config"
	"github.com/texweave/node/internal/transportapi"
)

// SyncProtocolID is the libp2p stream protocol carrying the unary
// request/response channel (spec §4.5 JoinRequest/SyncRequest/BranchSync).
const SyncProtocolID protocol.ID = "/texweave/sync/1.0.0"

// P2PTransport is the libp2p-backed implementation of transportapi.Transport
// (spec §4.5): go-libp2p-pubsub for the gossip channel, a libp2p stream
// protocol for the unary RPC channel, and mDNS/Kademlia for discovery.
type P2PTransport struct {
	host host.Host
	ps   *pubsub.PubSub
	dht  *dht.IpfsDHT

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription
	cancel map[string]context.CancelFunc

	handler transportapi.IncomingHandler
	log     *slog.Logger
}

// NewP2PTransport builds a libp2p host per cfg.Network and wires pub/sub,
// the sync protocol stream handler, and (if enabled) mDNS and Kademlia
// discovery. It does not dial bootstrap peers; call DialBootstrap for that.
func NewP2PTransport(ctx context.Context, cfg *config.Config, log *slog.Logger) (*P2PTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "p2p")

	priv, err := identityFromSeed(cfg.Network.PeerIDSeed)
	if err != nil {
		return nil, fmt.Errorf("derive identity: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.Network.ListenAddresses))
	for _, a := range cfg.Network.ListenAddresses {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return nil, fmt.Errorf("listen address %q: %w", a, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("construct libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("construct gossipsub: %w", err)
	}

	t := &P2PTransport{
		host:   h,
		ps:     ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		cancel: make(map[string]context.CancelFunc),
		log:    log,
	}

	h.SetStreamHandler(SyncProtocolID, t.handleStream)
	h.Network().Notify(t.connectionNotifiee())

	if cfg.Network.EnableKad {
		kdht, err := dht.New(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("construct kademlia dht: %w", err)
		}
		if err := kdht.Bootstrap(ctx); err != nil {
			log.Warn("dht bootstrap failed", "err", err)
		}
		t.dht = kdht
	}

	if cfg.Network.EnableMDNS {
		svc := mdns.NewMdnsService(h, "texweave", &mdnsNotifee{host: h, log: log})
		if err := svc.Start(); err != nil {
			log.Warn("mdns start failed", "err", err)
		}
	}

	return t, nil
}

// identityFromSeed derives a stable ed25519 keypair from the leading 32
// bytes of seed (spec §6: "the 32 leading bytes are used to derive a
// deterministic long-lived key pair"), or generates a fresh one if seed is
// nil.
func identityFromSeed(seed *string) (crypto.PrivKey, error) {
	if seed == nil {
		priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
		return priv, err
	}
	leading := []byte(*seed)
	if len(leading) > 32 {
		leading = leading[:32]
	}
	digest := sha256.Sum256(leading)
	priv, _, err := crypto.GenerateEd25519Key(&seededReader{seed: digest[:]})
	return priv, err
}

// seededReader deterministically stretches a fixed seed via repeated
// hashing, for reproducible identities across restarts (spec §6
// peer_id_seed).
type seededReader struct {
	seed  []byte
	block [32]byte
	drawn bool
}

func (r *seededReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if !r.drawn {
			r.block = sha256.Sum256(r.seed)
			r.drawn = true
		} else {
			r.block = sha256.Sum256(r.block[:])
		}
		n += copy(p[n:], r.block[:])
	}
	return n, nil
}

func (t *P2PTransport) connectionNotifiee() *network.NotifyBundle {
	return &network.NotifyBundle{
		DisconnectedF: func(_ network.Network, c network.Conn) {
			if t.handler != nil {
				t.handler.OnPeerLeft(c.RemotePeer().String())
			}
		},
	}
}

type mdnsNotifee struct {
	host host.Host
	log  *slog.Logger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err != nil {
		n.log.Warn("mdns peer connect failed", "peer", pi.ID, "err", err)
	}
}

// DialBootstrap dials every configured bootstrap address in the
// background with exponential backoff (spec §4.5: 1s initial, x1.5,
// 30s cap, unbounded attempts), returning once dials have been launched.
func (t *P2PTransport) DialBootstrap(ctx context.Context, addrs []string) {
	for _, addrStr := range addrs {
		addrStr := addrStr
		go t.dialWithBackoff(ctx, addrStr)
	}
}

func (t *P2PTransport) dialWithBackoff(ctx context.Context, addrStr string) {
	ma, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		t.log.Warn("bad bootstrap address", "addr", addrStr, "err", err)
		return
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		t.log.Warn("bad bootstrap address", "addr", addrStr, "err", err)
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 1.5
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // unbounded attempts

	_ = backoff.Retry(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := t.host.Connect(dialCtx, *info); err != nil {
			t.log.Warn("bootstrap dial failed, retrying", "peer", info.ID, "err", err)
			return err
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

func (t *P2PTransport) joinTopic(topicName string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if top, ok := t.topics[topicName]; ok {
		return top, nil
	}
	top, err := t.ps.Join(topicName)
	if err != nil {
		return nil, err
	}
	t.topics[topicName] = top
	return top, nil
}

// Publish fire-and-forget broadcasts data on topic, bounded by
// config.PublishTimeout (spec §5).
func (t *P2PTransport) Publish(topicName string, data []byte) error {
	top, err := t.joinTopic(topicName)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.PublishTimeout)
	defer cancel()
	return top.Publish(ctx, data)
}

// Subscribe joins topic and starts forwarding inbound messages to the
// registered IncomingHandler. A no-op if already subscribed.
func (t *P2PTransport) Subscribe(topicName string) error {
	t.mu.Lock()
	if _, ok := t.subs[topicName]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	top, err := t.joinTopic(topicName)
	if err != nil {
		return err
	}
	sub, err := top.Subscribe()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.subs[topicName] = sub
	t.cancel[topicName] = cancel
	t.mu.Unlock()

	go t.readLoop(ctx, topicName, sub)
	return nil
}

func (t *P2PTransport) readLoop(ctx context.Context, topicName string, sub *pubsub.Subscription) {
	selfID := t.host.ID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return // cancelled by Unsubscribe, or the subscription was closed
		}
		if msg.ReceivedFrom == selfID {
			continue
		}
		if t.handler != nil {
			t.handler.OnGossip(topicName, msg.ReceivedFrom.String(), msg.Data)
		}
	}
}

// Unsubscribe leaves topic; a no-op if not currently joined.
func (t *P2PTransport) Unsubscribe(topicName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cancel, ok := t.cancel[topicName]; ok {
		cancel()
		delete(t.cancel, topicName)
	}
	if sub, ok := t.subs[topicName]; ok {
		sub.Cancel()
		delete(t.subs, topicName)
	}
	if top, ok := t.topics[topicName]; ok {
		_ = top.Close()
		delete(t.topics, topicName)
	}
	return nil
}

// SendRequest performs a unary RPC against peerID over the sync protocol.
func (t *P2PTransport) SendRequest(ctx context.Context, peerIDStr string, req transportapi.Request) (transportapi.Response, error) {
	pid, err := peer.Decode(peerIDStr)
	if err != nil {
		return transportapi.Response{}, fmt.Errorf("decode peer id: %w", err)
	}
	s, err := t.host.NewStream(ctx, pid, SyncProtocolID)
	if err != nil {
		return transportapi.Response{}, fmt.Errorf("open stream: %w", err)
	}
	defer s.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}
	if err := json.NewEncoder(s).Encode(req); err != nil {
		return transportapi.Response{}, fmt.Errorf("write request: %w", err)
	}
	var resp transportapi.Response
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&resp); err != nil && err != io.EOF {
		return transportapi.Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

func (t *P2PTransport) handleStream(s network.Stream) {
	defer s.Close()
	var req transportapi.Request
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&req); err != nil {
		t.log.Warn("malformed sync request", "err", err)
		return
	}
	var resp transportapi.Response
	if t.handler != nil {
		resp = t.handler.OnRequest(s.Conn().RemotePeer().String(), req)
	}
	if err := json.NewEncoder(s).Encode(resp); err != nil {
		t.log.Warn("failed to write sync response", "err", err)
	}
}

// SetIncomingHandler registers h as the single recipient of gossip and
// request events. Must be called before any Subscribe/handleStream fires.
func (t *P2PTransport) SetIncomingHandler(h transportapi.IncomingHandler) { t.handler = h }

// LocalPeerID returns this node's libp2p peer id.
func (t *P2PTransport) LocalPeerID() string { return t.host.ID().String() }

// Close tears down the host and every joined topic.
func (t *P2PTransport) Close() error {
	t.mu.Lock()
	for name, cancel := range t.cancel {
		cancel()
		delete(t.cancel, name)
	}
	t.mu.Unlock()
	if t.dht != nil {
		_ = t.dht.Close()
	}
	return t.host.Close()
}
