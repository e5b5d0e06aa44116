package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nmea-ws-proxy/backend/internal/config"
	"github.com/nmea-ws-proxy/backend/internal/logger"
	"github.com/nmea-ws-proxy/backend/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer. Oversized frames close the socket with 1009.
	maxMessageSize = 1 << 20
)

// Options configures the websocket handler.
type Options struct {
	// Origins is the handshake allow-list; empty or containing "*" allows every origin.
	Origins map[string]bool

	// PingInterval is the keepalive period; zero disables keepalive pings.
	PingInterval time.Duration

	// PingTimeout is how long a pong may take after a ping.
	PingTimeout time.Duration

	// Session is passed to every session created by the handler.
	Session session.Config
}

// Handler accepts websocket connections and runs one session per connection.
type Handler struct {
	ctx      context.Context
	registry *session.Registry
	opts     Options
	upgrader websocket.Upgrader
	log      zerolog.Logger

	wg sync.WaitGroup
}

// NewHandler creates a handler. Sessions stop when ctx is cancelled.
func NewHandler(ctx context.Context, registry *session.Registry, opts Options) *Handler {
	h := &Handler{
		ctx:      ctx,
		registry: registry,
		opts:     opts,
		log:      logger.Component("ws"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin applies the allow-list. A request without an Origin header only passes the wildcard.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.Origins) == 0 || h.opts.Origins[config.AllowAllOrigins] {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin != "" && h.opts.Origins[origin] {
		return true
	}

	h.log.Warn().Str("origin", origin).Str("remote", r.RemoteAddr).Msg("origin rejected")
	return false
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.HandleConnection(w, r); err != nil {
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
	}
}

// HandleConnection upgrades the request and starts the session and its pumps.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	// Upgrade to WebSocket; the upgrader answers rejected handshakes itself.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn)
	sess := session.New(h.ctx, client, r.RemoteAddr, h.opts.Session)
	if err := h.registry.Add(sess); err != nil {
		sess.Close()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return err
	}

	h.wg.Add(2)
	go h.writePump(client)
	go h.readPump(client, sess)

	sess.Start()
	return nil
}

// Wait blocks until every connection's pumps have exited.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// readPump feeds inbound frames to the session and runs teardown when the connection ends.
func (h *Handler) readPump(client *Client, sess *session.Session) {
	defer func() {
		sess.Close()
		h.registry.Remove(sess.ID())
		client.Close()
		client.Conn().Close()
		h.wg.Done()
	}()

	conn := client.Conn()
	conn.SetReadLimit(maxMessageSize)

	if h.opts.PingInterval > 0 {
		pongWait := h.opts.PingInterval + h.opts.PingTimeout
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Debug().Err(err).Str("session_id", sess.ID()).Msg("websocket closed")
			}
			return
		}

		if err := sess.Deliver(message); err != nil {
			return
		}
	}
}

// writePump pumps queued messages to the WebSocket connection and sends keepalive pings.
func (h *Handler) writePump(client *Client) {
	var tick <-chan time.Time
	if h.opts.PingInterval > 0 {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	conn := client.Conn()
	defer func() {
		conn.Close()
		h.wg.Done()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The session side closed the channel
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			// Each event goes in its own frame so clients can JSON.parse every message
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(client.SendChan())
			for i := 0; i < n; i++ {
				queued, ok := <-client.SendChan()
				if !ok {
					break
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}
		case <-tick:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
