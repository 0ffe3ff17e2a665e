package server

import (
	"errors"
	"testing"

	"github.com/aeolun/chatcast/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroadcaster(conns ...*fakeConn) (*Broadcaster, *Registry, *Metrics) {
	r := NewRegistry()
	for _, c := range conns {
		r.Add(c.ID(), c)
	}
	m := NewMetrics()
	return NewBroadcaster(r, m), r, m
}

func TestBroadcastReachesEveryOpenConnection(t *testing.T) {
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	bc, _, _ := newTestBroadcaster(a, b, c)

	delivered := bc.Broadcast(protocol.NewChat("alice", "hi"))
	assert.Equal(t, 3, delivered)

	for _, conn := range []*fakeConn{a, b, c} {
		envs := conn.envelopes(t)
		require.Len(t, envs, 1, "connection %s", conn.ID())
		assert.Equal(t, protocol.KindChat, envs[0].Kind)
		assert.Equal(t, "alice", envs[0].Sender)
		assert.Equal(t, "hi", envs[0].Body)
	}
}

func TestBroadcastSkipsClosedConnections(t *testing.T) {
	a, b := newFakeConn("a"), newFakeConn("b")
	bc, _, _ := newTestBroadcaster(a, b)
	b.Close(1000, "")

	assert.Equal(t, 1, bc.Broadcast(protocol.NewChat("alice", "hi")))
	assert.Len(t, a.envelopes(t), 1)
	assert.Empty(t, b.envelopes(t))
}

func TestBroadcastContinuesPastFailingRecipient(t *testing.T) {
	a, bad, c := newFakeConn("a"), newFakeConn("bad"), newFakeConn("c")
	bad.failSends(errors.New("broken pipe"))
	bc, r, m := newTestBroadcaster(a, bad, c)

	assert.Equal(t, 2, bc.Broadcast(protocol.NewChat("alice", "hi")))
	assert.Len(t, a.envelopes(t), 1)
	assert.Len(t, c.envelopes(t), 1)

	// The failing connection stays registered; its own close path removes it.
	assert.Equal(t, 3, r.Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveryFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesDelivered.WithLabelValues("Chat")))
}

func TestBroadcastEmptyRegistry(t *testing.T) {
	bc, _, _ := newTestBroadcaster()
	assert.Equal(t, 0, bc.Broadcast(protocol.NewUserCount(0)))
}

func TestBroadcastPreservesOrderPerReceiver(t *testing.T) {
	a, b := newFakeConn("a"), newFakeConn("b")
	bc, _, _ := newTestBroadcaster(a, b)

	bodies := []string{"one", "two", "three", "four"}
	for _, body := range bodies {
		bc.Broadcast(protocol.NewChat("alice", body))
	}

	for _, conn := range []*fakeConn{a, b} {
		envs := conn.envelopes(t)
		require.Len(t, envs, len(bodies))
		for i, env := range envs {
			assert.Equal(t, bodies[i], env.Body)
		}
	}
}

func TestBroadcastInvalidKindSendsNothing(t *testing.T) {
	a := newFakeConn("a")
	bc, _, _ := newTestBroadcaster(a)

	assert.Equal(t, 0, bc.Broadcast(protocol.Envelope{Kind: protocol.Kind(42)}))
	assert.Empty(t, a.envelopes(t))
}

func TestUnicast(t *testing.T) {
	a, b := newFakeConn("a"), newFakeConn("b")
	bc, _, _ := newTestBroadcaster(a, b)

	require.NoError(t, bc.Unicast(a, protocol.NewError("nope")))
	envs := a.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.KindError, envs[0].Kind)
	assert.Equal(t, protocol.SystemSender, envs[0].Sender)
	assert.Empty(t, b.envelopes(t))

	b.Close(1000, "")
	assert.Error(t, bc.Unicast(b, protocol.NewError("nope")))
}

func TestNilMetricsAreIgnored(t *testing.T) {
	a := newFakeConn("a")
	r := NewRegistry()
	r.Add("a", a)
	bc := NewBroadcaster(r, nil)

	assert.Equal(t, 1, bc.Broadcast(protocol.NewChat("alice", "hi")))
}
