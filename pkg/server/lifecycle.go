package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aeolun/chatcast/pkg/protocol"
	"github.com/gorilla/websocket"
)

// Fallback texts used when the localizer is missing a key.
const (
	fallbackJoin            = "%s has joined the chat"
	fallbackLeave           = "%s has left the chat"
	fallbackErrorProcessing = "Error processing message"
)

// ControllerConfig tunes the session lifecycle.
type ControllerConfig struct {
	// StoreTimeout bounds each persistence call. Zero means no bound.
	StoreTimeout time.Duration
	// RelayClientUserCount broadcasts client-sent UserCount envelopes as-is
	// when true and drops them when false.
	RelayClientUserCount bool
}

// Controller drives each connection through connect, join, relay and
// disconnect. A connection is Connected until its first decodable message
// names it, Named until it closes.
type Controller struct {
	registry    *Registry
	broadcaster *Broadcaster
	store       MessageStore
	localizer   Localizer
	metrics     *Metrics
	config      ControllerConfig
}

// NewController wires the lifecycle. store and localizer may be nil: nothing
// is persisted and the English fallback texts are used.
func NewController(registry *Registry, broadcaster *Broadcaster, store MessageStore, localizer Localizer, metrics *Metrics, config ControllerConfig) *Controller {
	return &Controller{
		registry:    registry,
		broadcaster: broadcaster,
		store:       store,
		localizer:   localizer,
		metrics:     metrics,
		config:      config,
	}
}

// Connect registers conn and tells it how many connections are live.
func (c *Controller) Connect(conn Connection) {
	n := c.registry.Add(conn.ID(), conn)
	c.metrics.RecordConnectionOpened(n)
	debugLog.Printf("Connection %s: opened (%d live)", conn.ID(), n)

	if err := c.broadcaster.Unicast(conn, protocol.NewUserCount(n)); err != nil {
		debugLog.Printf("Connection %s: initial user count: %v", conn.ID(), err)
	}
}

// HandleMessage processes one inbound text payload from conn.
func (c *Controller) HandleMessage(conn Connection, payload []byte) {
	env, err := protocol.Decode(payload)
	if err != nil {
		c.metrics.RecordDecodeFailure()
		debugLog.Printf("Connection %s: decode failed: %v", conn.ID(), err)
		reply := protocol.NewError(c.text("chat.message.error.processing", fallbackErrorProcessing))
		if err := c.broadcaster.Unicast(conn, reply); err != nil {
			debugLog.Printf("Connection %s: error reply: %v", conn.ID(), err)
		}
		return
	}
	c.metrics.RecordMessageReceived(env.Kind)

	if !c.registry.HasName(conn.ID()) {
		c.join(conn, env)
		return
	}
	c.relay(conn, env)
}

// join handles the first decodable message: it names the connection and
// announces it. The triggering envelope itself is only rebroadcast when it
// already is a Join.
func (c *Controller) join(conn Connection, env protocol.Envelope) {
	if !c.registry.SetName(conn.ID(), env.Sender) {
		debugLog.Printf("Connection %s: dropped first message, connection is gone", conn.ID())
		return
	}

	announce := env
	if env.Kind != protocol.KindJoin {
		announce = protocol.NewJoin(env.Sender, c.text("chat.message.join", fallbackJoin, env.Sender))
	}
	log.Printf("%s joined (connection %s)", env.Sender, conn.ID())

	c.persist(announce)
	c.broadcaster.Broadcast(announce)
	c.broadcaster.Broadcast(protocol.NewUserCount(c.registry.Count()))
}

func (c *Controller) relay(conn Connection, env protocol.Envelope) {
	if env.Kind == protocol.KindUserCount && !c.config.RelayClientUserCount {
		c.metrics.RecordMessageDropped(env.Kind)
		debugLog.Printf("Connection %s: dropped client UserCount", conn.ID())
		return
	}
	if env.Kind == protocol.KindChat {
		c.persist(env)
	}
	c.broadcaster.Broadcast(env)
}

// Disconnect unregisters conn, announces the leave if it had joined and
// always publishes the new count.
func (c *Controller) Disconnect(conn Connection) {
	name, named := c.registry.Remove(conn.ID())
	remaining := c.registry.Count()
	c.metrics.RecordConnectionClosed(remaining)
	debugLog.Printf("Connection %s: closed (%d live)", conn.ID(), remaining)

	if named {
		log.Printf("%s left (connection %s)", name, conn.ID())
		leave := protocol.NewLeave(name, c.text("chat.message.leave", fallbackLeave, name))
		c.persist(leave)
		c.broadcaster.Broadcast(leave)
	}
	c.broadcaster.Broadcast(protocol.NewUserCount(c.registry.Count()))
}

// TransportError force-closes conn with a server error status. Nothing is
// persisted or broadcast; the close path runs Disconnect.
func (c *Controller) TransportError(conn Connection, cause error) {
	c.metrics.RecordTransportFault()
	errorLog.Printf("Connection %s: transport error: %v", conn.ID(), cause)

	if !conn.IsOpen() {
		return
	}
	if err := conn.Close(websocket.CloseInternalServerErr, "server error"); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		debugLog.Printf("Connection %s: close after transport error: %v", conn.ID(), err)
	}
}

// persist saves env if a store is configured. Failures are logged and
// counted; delivery goes ahead regardless.
func (c *Controller) persist(env protocol.Envelope) {
	if c.store == nil {
		return
	}

	ctx := context.Background()
	if c.config.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.StoreTimeout)
		defer cancel()
	}

	if _, err := c.store.SaveMessage(ctx, env); err != nil {
		c.metrics.RecordStoreFailure()
		errorLog.Printf("Failed to store %s from %q: %v", env.Kind, env.Sender, err)
	}
}

// text resolves key through the localizer, falling back to the English
// format string.
func (c *Controller) text(key, fallback string, args ...any) string {
	if c.localizer != nil {
		msg, err := c.localizer.Text(key, args...)
		if err == nil {
			return msg
		}
		c.metrics.RecordLocalizeFailure()
		errorLog.Printf("Localize %s: %v", key, err)
	}
	return fmt.Sprintf(fallback, args...)
}
