package server

import (
	"fmt"
	"time"

	"github.com/aeolun/chatcast/pkg/protocol"
)

// Broadcaster serializes envelopes once and fans them out to the registry.
type Broadcaster struct {
	registry *Registry
	metrics  *Metrics
}

func NewBroadcaster(registry *Registry, metrics *Metrics) *Broadcaster {
	return &Broadcaster{registry: registry, metrics: metrics}
}

// Broadcast delivers env to every open connection and returns how many
// sends succeeded. A failing recipient is logged and skipped; it is not
// removed from the registry.
func (b *Broadcaster) Broadcast(env protocol.Envelope) int {
	start := time.Now()

	data, err := protocol.Encode(env)
	if err != nil {
		errorLog.Printf("Broadcast: failed to encode %s envelope: %v", env.Kind, err)
		return 0
	}

	delivered := 0
	for _, conn := range b.registry.Snapshot() {
		if !conn.IsOpen() {
			continue
		}
		if err := conn.Send(data); err != nil {
			debugLog.Printf("Connection %s: broadcast %s failed: %v", conn.ID(), env.Kind, err)
			b.metrics.RecordDeliveryFailure()
			continue
		}
		delivered++
	}

	b.metrics.RecordBroadcast(env.Kind, delivered, time.Since(start))
	return delivered
}

// Unicast delivers env to a single connection.
func (b *Broadcaster) Unicast(conn Connection, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Kind, err)
	}
	if err := conn.Send(data); err != nil {
		b.metrics.RecordDeliveryFailure()
		return fmt.Errorf("send %s to %s: %w", env.Kind, conn.ID(), err)
	}
	b.metrics.RecordDelivered(env.Kind, 1)
	return nil
}
