package server

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// closeWriteWait bounds writing the close frame.
const closeWriteWait = time.Second

// wsConn is a Connection over a gorilla WebSocket. Data frames are
// serialized by writeMu; control frames go through WriteControl, which
// gorilla allows concurrently with other writes.
type wsConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closed       atomic.Bool
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) IsOpen() bool {
	return !c.closed.Load()
}

// Send writes one text frame. Sending on a closed connection returns
// net.ErrClosed.
func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return net.ErrClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a close frame with code and closes the socket. Only the first
// call does anything.
func (c *wsConn) Close(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait)); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
		debugLog.Printf("Connection %s: write close frame: %v", c.id, err)
	}
	return c.ws.Close()
}

// newUpgrader builds the upgrader. An empty allow-list accepts every
// origin, which the terminal client needs since it sends none.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(allowedOrigins) == 0 || origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return slices.ContainsFunc(allowedOrigins, func(allowed string) bool {
				return strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host)
			})
		},
	}
}

// HandleWebSocket upgrades the request and runs the connection until it closes
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		debugLog.Printf("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	conn := newWSConn(ws, s.config.SendTimeout)
	if !s.trackConn() {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	debugLog.Printf("WebSocket connection %s from %s", conn.ID(), r.RemoteAddr)

	go s.serveConn(conn)
}

// serveConn owns conn's read side. It returns once the socket is done and
// the disconnect has been processed.
func (s *Server) serveConn(conn *wsConn) {
	defer s.connWG.Done()

	ws := conn.ws
	ws.SetReadLimit(s.config.MaxMessageSize)
	extend := func() error { return ws.SetReadDeadline(time.Now().Add(s.config.PongWait)) }
	extend()
	ws.SetPongHandler(func(string) error { return extend() })

	s.controller.Connect(conn)

	done := make(chan struct{})
	go s.pingLoop(conn, done)

	defer func() {
		close(done)
		conn.Close(websocket.CloseNormalClosure, "")
		s.controller.Disconnect(conn)
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			s.handleReadError(conn, err)
			return
		}
		extend()

		if messageType != websocket.TextMessage {
			conn.Close(websocket.CloseUnsupportedData, "text frames only")
			return
		}
		s.controller.HandleMessage(conn, data)
	}
}

// handleReadError sorts read failures into orderly closes, which need
// nothing more, and transport faults, which force a server-error close.
func (s *Server) handleReadError(conn *wsConn, err error) {
	switch {
	case !conn.IsOpen():
		// We closed it ourselves (shutdown or earlier fault).
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		debugLog.Printf("Connection %s: closed by peer", conn.ID())
	case errors.Is(err, websocket.ErrReadLimit):
		debugLog.Printf("Connection %s: message exceeds %d bytes", conn.ID(), s.config.MaxMessageSize)
		conn.Close(websocket.CloseMessageTooBig, "message too big")
	case isTimeout(err):
		debugLog.Printf("Connection %s: idle timeout", conn.ID())
		conn.Close(websocket.CloseGoingAway, "idle timeout")
	default:
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			debugLog.Printf("Connection %s: closed by peer with %d", conn.ID(), closeErr.Code)
			return
		}
		s.controller.TransportError(conn, err)
	}
}

func (s *Server) pingLoop(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.PingPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				debugLog.Printf("Connection %s: ping failed: %v", conn.ID(), err)
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
