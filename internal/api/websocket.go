package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"paddle-arena/internal/telemetry"
)

const (
	// MaxWSConnectionsTotal is the maximum number of WebSocket connections allowed
	MaxWSConnectionsTotal = 2000

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var (
	errConnClosed = eris.New("connection closed")
	errSendFull   = eris.New("send buffer full")
)

// wsConn adapts a gorilla connection to session.Conn. Writes go through a
// buffered channel drained by writePump, so Send never blocks the caller.
type wsConn struct {
	id          string
	participant string // verified ticket subject, empty when unauthenticated
	ip          string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newWSConn(conn *websocket.Conn, ip, participant string, buffer int) *wsConn {
	return &wsConn{
		id:          uuid.NewString(),
		participant: participant,
		ip:          ip,
		conn:        conn,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// ParticipantID implements session.Identified.
func (c *wsConn) ParticipantID() string { return c.participant }

func (c *wsConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		telemetry.RecordWSDropped()
		return errSendFull
	}
}

// Close queues a close frame behind any pending messages. Only the first
// call has an effect.
func (c *wsConn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.write(websocket.TextMessage, msg) {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.flush()
			if c.closeCode != websocket.CloseAbnormalClosure {
				c.write(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			}
			return
		}
	}
}

// flush writes whatever was queued before Close.
func (c *wsConn) flush() {
	for {
		select {
		case msg := <-c.send:
			if !c.write(websocket.TextMessage, msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(messageType int, data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data) == nil
}

// readPump feeds inbound text frames to onMessage until the peer goes away or
// the connection is closed locally, then calls onClose once.
func (c *wsConn) readPump(onMessage func([]byte), onClose func()) {
	defer func() {
		c.Close(websocket.CloseNormalClosure, "")
		onClose()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		onMessage(message)
	}
}

// wsTransport upgrades requests and enforces connection limits.
type wsTransport struct {
	upgrader  websocket.Upgrader
	wsLimiter *WebSocketRateLimiter
	buffer    int
	active    atomic.Int64
	log       zerolog.Logger
}

func newWSTransport(origins OriginChecker, maxPerIP, buffer int, log zerolog.Logger) *wsTransport {
	if maxPerIP <= 0 {
		maxPerIP = 8
	}
	if buffer <= 0 {
		buffer = 64
	}
	t := &wsTransport{
		wsLimiter: NewWebSocketRateLimiter(maxPerIP),
		buffer:    buffer,
		log:       log,
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origins.Allowed(origin) {
				return true
			}
			t.log.Warn().Str("origin", origin).Msg("⚠️ WebSocket connection rejected from origin")
			telemetry.RecordConnectionRejected("origin")
			return false
		},
	}
	return t
}

// serve upgrades the request and runs the pumps. attach runs before the read
// loop starts; it returns false when the connection was refused (and closed).
func (t *wsTransport) serve(w http.ResponseWriter, r *http.Request, participant string,
	attach func(*wsConn) bool, onMessage func(*wsConn, []byte), onClose func(*wsConn)) {
	ip := GetClientIP(r)

	if t.active.Load() >= MaxWSConnectionsTotal {
		t.log.Warn().Int64("active", t.active.Load()).Msg("⚠️ WebSocket connection rejected: total limit reached")
		telemetry.RecordConnectionRejected("ws_total_limit")
		writeError(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if !t.wsLimiter.Allow(ip) {
		t.log.Warn().Str("ip", ip).Msg("⚠️ WebSocket connection rejected: per-IP limit reached")
		telemetry.RecordConnectionRejected("ws_ip_limit")
		writeError(w, "too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	raw, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Debug().Err(err).Msg("WebSocket upgrade failed")
		t.wsLimiter.Release(ip)
		return
	}

	c := newWSConn(raw, ip, participant, t.buffer)
	t.opened()
	go func() {
		c.writePump()
		t.wsLimiter.Release(ip)
		t.closed()
	}()

	if !attach(c) {
		return
	}
	go c.readPump(func(msg []byte) { onMessage(c, msg) }, func() { onClose(c) })
}

func (t *wsTransport) opened() {
	t.active.Add(1)
	telemetry.AddWSConnections(1)
}

func (t *wsTransport) closed() {
	t.active.Add(-1)
	telemetry.AddWSConnections(-1)
}

// Active returns the number of open sockets.
func (t *wsTransport) Active() int64 {
	return t.active.Load()
}
