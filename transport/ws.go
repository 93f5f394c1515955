// Package transport implements the two endpoints the core talks through:
// a gorilla/websocket-backed client protocol handler (this file), and a
// libp2p-backed P2P transport (p2p.go) satisfying transportapi.Transport.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/texweave/node/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSender adapts a gorilla *websocket.Conn to session.Sender. It holds no
// lock of its own: gorilla/websocket forbids concurrent writers on one
// connection, and the session's outbound drain loop is the only caller of
// Send; Close uses WriteControl and Conn.Close, which gorilla allows to run
// concurrently with a writer.
type wsSender struct {
	conn *websocket.Conn
}

func (s *wsSender) Send(f session.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *wsSender) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *wsSender) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// Handler upgrades HTTP connections to WebSocket and feeds frames into the
// Session Manager (spec §4.3, §6 "WebSocket on the configured ws host/port").
type Handler struct {
	manager *session.Manager
	log     *slog.Logger
}

func NewHandler(manager *session.Manager, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{manager: manager, log: log.With("component", "ws")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sess := h.manager.Accept(&wsSender{conn: conn})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go sess.Run(ctx)
	go h.manager.AuthDeadline(ctx, sess)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("ws read error", "session", sess.ID, "err", err)
			}
			sess.Close(nil)
			return
		}
		h.manager.HandleFrame(ctx, sess, raw)
		if sess.State() == session.StateClosed {
			return
		}
	}
}
