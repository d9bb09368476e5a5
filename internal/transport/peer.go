// Package transport pumps JSON frames over a server-side websocket.
package transport

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max inbound message size; post frames carry base64 image data.
	maxMessageSize = 12 << 20

	defaultSendBuffer = 256
)

var (
	// ErrSendBufferFull indicates a peer too slow to keep up; the peer is closed.
	ErrSendBufferFull = errors.New("transport: send buffer full")
	// ErrPeerClosed indicates a send on a closed peer.
	ErrPeerClosed = errors.New("transport: peer closed")
)

// NewUpgrader accepts upgrades without an Origin header, from the serving host, or from
// one of allowedOrigins ("scheme://host[:port]").
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
		if origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, allowed)
		},
	}
}

func originAllowed(r *http.Request, allowed map[string]struct{}) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	_, ok := allowed[strings.ToLower(parsed.Scheme+"://"+parsed.Host)]
	return ok
}

// Peer owns one websocket connection: a single writer goroutine drains the send queue.
type Peer struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewPeer wraps conn. A non-positive buffer uses the default size.
func NewPeer(conn *websocket.Conn, buffer int, logger *zap.Logger) *Peer {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Peer{
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send encodes frame and queues it without blocking.
func (p *Peer) Send(frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.send <- payload:
		return nil
	default:
		p.logger.Warn("websocket send buffer full, closing peer")
		p.Close()
		return ErrSendBufferFull
	}
}

// SendWait encodes frame and queues it, waiting for room until the peer closes. A stalled
// client ends the wait through the writer's deadline.
func (p *Peer) SendWait(frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.send <- payload:
		return nil
	case <-p.done:
		return ErrPeerClosed
	}
}

// ReadLoop delivers inbound messages to handle until the connection fails or closes.
func (p *Peer) ReadLoop(handle func(message []byte)) {
	defer p.Close()
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.logger.Warn("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		handle(message)
	}
}

// WriteLoop writes queued messages and keepalive pings until the peer closes.
func (p *Peer) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.Close()
	}()
	for {
		select {
		case <-p.done:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				p.logger.Warn("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.logger.Warn("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Done is closed once the peer shuts down.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close stops both loops. The underlying connection closes once the read deadline or the
// close handshake ends the reader.
func (p *Peer) Close() {
	p.once.Do(func() {
		close(p.done)
		// Unblock a reader waiting on a silent client.
		_ = p.conn.SetReadDeadline(time.Now().Add(writeWait))
	})
}

// Shutdown closes the peer and the connection.
func (p *Peer) Shutdown() {
	p.Close()
	_ = p.conn.Close()
}
