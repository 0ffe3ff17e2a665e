package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/chatcast/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readTimeout = 5 * time.Second

// startTestServer starts a real server on a random port and returns it with
// its loopback address
func startTestServer(t *testing.T, modify func(*ServerConfig)) (*Server, string) {
	t.Helper()

	config := DefaultConfig()
	config.HTTPPort = 0
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	if modify != nil {
		modify(&config)
	}

	srv, err := NewServer(config)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	return srv, net.JoinHostPort("127.0.0.1", port)
}

// dial connects a client and consumes the user count sent on connect
func dial(t *testing.T, addr string) (*websocket.Conn, int) {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/chat", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.KindUserCount, env.Kind)
	return ws, env.Count
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(readTimeout)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err, "frame %s", data)
	return env
}

func expectKinds(t *testing.T, ws *websocket.Conn, kinds ...protocol.Kind) []protocol.Envelope {
	t.Helper()

	envs := make([]protocol.Envelope, 0, len(kinds))
	for _, want := range kinds {
		env := readEnvelope(t, ws)
		require.Equal(t, want, env.Kind, "got %+v", env)
		envs = append(envs, env)
	}
	return envs
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, env protocol.Envelope) {
	t.Helper()

	data, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

// expectClose reads until the server's close frame arrives and returns its code
func expectClose(t *testing.T, ws *websocket.Conn) int {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr.Code
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestServerChatSession(t *testing.T) {
	_, addr := startTestServer(t, nil)

	alice, n := dial(t, addr)
	assert.Equal(t, 1, n)
	bob, n := dial(t, addr)
	assert.Equal(t, 2, n)
	carol, n := dial(t, addr)
	assert.Equal(t, 3, n)

	sendEnvelope(t, alice, protocol.NewChat("alice", "hi"))
	for _, ws := range []*websocket.Conn{alice, bob, carol} {
		envs := expectKinds(t, ws, protocol.KindJoin, protocol.KindUserCount)
		assert.Equal(t, "alice has joined the chat", envs[0].Body)
		assert.Equal(t, 3, envs[1].Count)
	}

	sendEnvelope(t, bob, protocol.NewJoin("bob", "bob is here"))
	for _, ws := range []*websocket.Conn{alice, bob, carol} {
		envs := expectKinds(t, ws, protocol.KindJoin, protocol.KindUserCount)
		assert.Equal(t, "bob is here", envs[0].Body)
	}

	sendEnvelope(t, alice, protocol.NewChat("alice", "hello everyone"))
	for _, ws := range []*websocket.Conn{alice, bob, carol} {
		env := readEnvelope(t, ws)
		assert.Equal(t, protocol.KindChat, env.Kind)
		assert.Equal(t, "alice", env.Sender)
		assert.Equal(t, "hello everyone", env.Body)
	}

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	for _, ws := range []*websocket.Conn{alice, carol} {
		envs := expectKinds(t, ws, protocol.KindLeave, protocol.KindUserCount)
		assert.Equal(t, "bob has left the chat", envs[0].Body)
		assert.Equal(t, 2, envs[1].Count)
	}

	var history []HistoryEntry
	require.Equal(t, http.StatusOK, getJSON(t, "http://"+addr+"/api/chat/messages", &history))
	got := make([]string, len(history))
	for i, h := range history {
		got[i] = h.Kind.String() + ":" + h.Sender
	}
	assert.Equal(t, []string{"Leave:bob", "Chat:alice", "Join:bob", "Join:alice"}, got)
}

func TestServerMalformedPayload(t *testing.T) {
	_, addr := startTestServer(t, nil)

	alice, _ := dial(t, addr)
	bob, _ := dial(t, addr)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("this is not json")))
	env := readEnvelope(t, alice)
	assert.Equal(t, protocol.KindError, env.Kind)
	assert.Equal(t, "Error processing message", env.Body)

	// bob sees nothing from the bad payload; his first frame is alice's join.
	sendEnvelope(t, alice, protocol.NewChat("alice", "hi"))
	expectKinds(t, bob, protocol.KindJoin, protocol.KindUserCount)
}

func TestServerRejectsOversizedMessage(t *testing.T) {
	_, addr := startTestServer(t, func(c *ServerConfig) { c.MaxMessageSize = 256 })

	ws, _ := dial(t, addr)
	big := protocol.NewChat("alice", strings.Repeat("x", 1024))
	data, err := protocol.Encode(big)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	assert.Equal(t, websocket.CloseMessageTooBig, expectClose(t, ws))
}

func TestServerRejectsBinaryFrames(t *testing.T) {
	_, addr := startTestServer(t, nil)

	ws, _ := dial(t, addr)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))

	assert.Equal(t, websocket.CloseUnsupportedData, expectClose(t, ws))
}

func TestServerStopClosesClients(t *testing.T) {
	srv, addr := startTestServer(t, nil)

	alice, _ := dial(t, addr)
	sendEnvelope(t, alice, protocol.NewChat("alice", "hi"))
	expectKinds(t, alice, protocol.KindJoin, protocol.KindUserCount)

	require.NoError(t, srv.Stop())
	assert.Equal(t, websocket.CloseGoingAway, expectClose(t, alice))
	assert.Equal(t, 0, srv.Registry().Count())

	// Stop is idempotent.
	assert.NoError(t, srv.Stop())
}

func TestServerHistoryEndpoints(t *testing.T) {
	_, addr := startTestServer(t, nil)
	base := "http://" + addr

	alice, _ := dial(t, addr)
	sendEnvelope(t, alice, protocol.NewChat("alice", "first"))
	expectKinds(t, alice, protocol.KindJoin, protocol.KindUserCount)
	sendEnvelope(t, alice, protocol.NewChat("alice", "second"))
	expectKinds(t, alice, protocol.KindChat)

	bob, _ := dial(t, addr)
	sendEnvelope(t, bob, protocol.NewChat("bob", "hey"))
	expectKinds(t, bob, protocol.KindJoin, protocol.KindUserCount)
	sendEnvelope(t, bob, protocol.NewChat("bob", "yo"))
	expectKinds(t, bob, protocol.KindChat)

	t.Run("chat only", func(t *testing.T) {
		var got []HistoryEntry
		require.Equal(t, http.StatusOK, getJSON(t, base+"/api/chat/messages/chat", &got))
		// "first" joined alice and was never stored as chat.
		require.Len(t, got, 2)
		assert.Equal(t, "yo", got[0].Body)
		assert.Equal(t, "second", got[1].Body)
	})

	t.Run("by kind", func(t *testing.T) {
		var got []HistoryEntry
		require.Equal(t, http.StatusOK, getJSON(t, base+"/api/chat/messages/type/JOIN", &got))
		require.Len(t, got, 2)
		assert.Equal(t, "bob", got[0].Sender)
	})

	t.Run("by sender ignores case", func(t *testing.T) {
		var got []HistoryEntry
		require.Equal(t, http.StatusOK, getJSON(t, base+"/api/chat/messages/sender/ALICE", &got))
		require.Len(t, got, 2)
		for _, h := range got {
			assert.Equal(t, "alice", h.Sender)
		}
	})

	t.Run("limit", func(t *testing.T) {
		var got []HistoryEntry
		require.Equal(t, http.StatusOK, getJSON(t, base+"/api/chat/messages?limit=2", &got))
		assert.Len(t, got, 2)
	})

	t.Run("bad requests", func(t *testing.T) {
		var body map[string]string
		assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"/api/chat/messages/type/Shout", &body))
		assert.NotEmpty(t, body["error"])
		assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"/api/chat/messages?limit=zero", &body))
		assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"/api/chat/messages?limit=-4", &body))
	})

	t.Run("ids are strings", func(t *testing.T) {
		var raw []map[string]any
		require.Equal(t, http.StatusOK, getJSON(t, base+"/api/chat/messages?limit=1", &raw))
		require.Len(t, raw, 1)
		assert.IsType(t, "", raw[0]["id"])
	})
}

func TestServerHistoryDisabled(t *testing.T) {
	_, addr := startTestServer(t, func(c *ServerConfig) { c.DatabasePath = "" })

	ws, _ := dial(t, addr)
	sendEnvelope(t, ws, protocol.NewChat("alice", "hi"))
	expectKinds(t, ws, protocol.KindJoin, protocol.KindUserCount)

	var body map[string]string
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, "http://"+addr+"/api/chat/messages", &body))

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, "http://"+addr+"/health", &health))
	assert.NotContains(t, health, "database_accessible")
}

func TestServerMessagesExport(t *testing.T) {
	_, addr := startTestServer(t, nil)
	base := "http://" + addr

	var en map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, base+"/api/messages", &en))
	assert.Equal(t, "{0} has joined the chat", en["chat.message.join"])

	var ca map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, base+"/api/messages?lang=ca", &ca))
	assert.Equal(t, "{0} s'ha unit al xat", ca["chat.message.join"])

	req, err := http.NewRequest(http.MethodGet, base+"/api/messages", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Language", "ca-ES,ca;q=0.9,en;q=0.5")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "ca", resp.Header.Get("Content-Language"))
}

func TestServerHealthAndMetrics(t *testing.T) {
	_, addr := startTestServer(t, nil)
	base := "http://" + addr

	ws, _ := dial(t, addr)
	sendEnvelope(t, ws, protocol.NewChat("alice", "hi"))
	expectKinds(t, ws, protocol.KindJoin, protocol.KindUserCount)

	var health map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, base+"/health", &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, 1.0, health["active_connections"])
	assert.Equal(t, 1.0, health["joined_users"])
	assert.Equal(t, true, health["database_accessible"])
	assert.Equal(t, 1.0, health["stored_messages"])

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatcast_active_connections 1")
	assert.Contains(t, string(body), `chatcast_messages_received_total{kind="Chat"} 1`)
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.WSPath = ""
	_, err := NewServer(config)
	assert.Error(t, err)

	config = DefaultConfig()
	config.DefaultLocale = "de"
	config.DatabasePath = ""
	_, err = NewServer(config)
	assert.Error(t, err)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty allow-list", nil, "http://anything.example", true},
		{"no origin header", []string{"chat.example.com"}, "", true},
		{"host match", []string{"chat.example.com"}, "https://chat.example.com", true},
		{"full origin match", []string{"https://chat.example.com"}, "https://chat.example.com", true},
		{"case insensitive", []string{"Chat.Example.com"}, "https://chat.example.com", true},
		{"other host", []string{"chat.example.com"}, "https://evil.example.com", false},
		{"unparseable origin", []string{"chat.example.com"}, "://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newUpgrader(tt.allowed)
			req := httptest.NewRequest(http.MethodGet, "/chat", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, up.CheckOrigin(req))
		})
	}
}

func TestServerRejectsDisallowedOrigin(t *testing.T) {
	_, addr := startTestServer(t, func(c *ServerConfig) { c.AllowedOrigins = []string{"chat.example.com"} })

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/chat", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
