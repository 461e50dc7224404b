package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

// wsServer is a loopback websocket server that records every inbound envelope
// and hands accepted connections to the test for server-initiated pushes and
// closes.
type wsServer struct {
	srv       *httptest.Server
	frames    chan Envelope
	connected chan *websocket.Conn
	closeOnce sync.Once
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		frames:    make(chan Envelope, 64),
		connected: make(chan *websocket.Conn, 8),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.connected <- c
		for {
			_, data, err := c.Read(r.Context())
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				s.frames <- env
			}
		}
	}))
	t.Cleanup(s.shutdown)
	return s
}

func (s *wsServer) url() string {
	return "ws://" + strings.TrimPrefix(s.srv.URL, "http://")
}

func (s *wsServer) shutdown() {
	s.closeOnce.Do(func() {
		s.srv.CloseClientConnections()
		s.srv.Close()
	})
}

// waitConn returns the next accepted connection.
func (s *wsServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.connected:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

// waitFrame returns the next inbound envelope of the given type, skipping
// others.
func (s *wsServer) waitFrame(t *testing.T, msgType string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-s.frames:
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %q frame", msgType)
		}
	}
}

// push writes an envelope to the client over a server-held connection.
func (s *wsServer) push(t *testing.T, c *websocket.Conn, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, c.Write(context.Background(), websocket.MessageText, data))
}

// stateRecorder collects state transitions for later assertions.
type stateRecorder struct {
	mu  sync.Mutex
	seq []ConnectionState
}

func (r *stateRecorder) record(old, new ConnectionState) {
	r.mu.Lock()
	r.seq = append(r.seq, new)
	r.mu.Unlock()
}

func (r *stateRecorder) states() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.seq...)
}

func (r *stateRecorder) saw(s ConnectionState) bool {
	for _, v := range r.states() {
		if v == s {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func rawPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
