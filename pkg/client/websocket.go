package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/chatcast/pkg/protocol"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send after Close or once the server has gone away.
var ErrClosed = errors.New("connection closed")

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	incomingBuffer   = 64
)

// Client is a JSON envelope connection to a chat server. Envelopes from the
// server arrive on Incoming; the channel closes when the connection ends.
type Client struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	incoming  chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// URL builds the WebSocket URL for a host:port address and endpoint path
func URL(addr, path string, useTLS bool) string {
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: path}
	return u.String()
}

// Dial connects to the chat endpoint at wsURL
func Dial(ctx context.Context, wsURL string) (*Client, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		// Improve error message for the common scheme mismatch
		if errors.Is(err, websocket.ErrBadHandshake) {
			if strings.HasPrefix(wsURL, "wss:") {
				return nil, fmt.Errorf("handshake failed - server may not support WSS (try ws:// instead): %w", err)
			}
			return nil, fmt.Errorf("handshake failed - check the server address and WebSocket path: %w", err)
		}
		return nil, err
	}

	c := &Client{
		ws:       ws,
		incoming: make(chan protocol.Envelope, incomingBuffer),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Incoming delivers decoded envelopes in arrival order
func (c *Client) Incoming() <-chan protocol.Envelope {
	return c.incoming
}

// Err reports why the connection ended. It is nil while the connection is
// open and after an orderly close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send writes one envelope as a text frame
func (c *Client) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Join announces name. It must be the first envelope sent on a connection.
func (c *Client) Join(name, text string) error {
	return c.Send(protocol.NewJoin(name, text))
}

// Say posts a chat message as name
func (c *Client) Say(name, body string) error {
	return c.Send(protocol.NewChat(name, body))
}

// Close sends a normal close frame and shuts the connection down
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.incoming)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			// Skip frames we cannot understand rather than dropping the connection
			continue
		}

		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

// finish records the read error unless it is an orderly close
func (c *Client) finish(err error) {
	select {
	case <-c.done:
		return
	default:
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
		err = nil
	}

	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
