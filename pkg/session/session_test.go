package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/figrelay/figrelay/pkg/protocol"
	"github.com/figrelay/figrelay/pkg/relay"
	"github.com/figrelay/figrelay/pkg/session"
)

const testWait = 2 * time.Second

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.Level = logrus.ErrorLevel
	return log
}

func newTestRelay(t *testing.T) string {
	t.Helper()
	srv := &relay.Server{Log: testLogger()}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// execRequest is the executor-side view of a caller request.
type execRequest struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// startExecutor joins the channel as the executor and answers requests
// with whatever the handler returns. A nil handler result leaves the
// request unanswered.
func startExecutor(t *testing.T, wsURL, channel string, handle func(req execRequest) []protocol.Response) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"/?type=executor&channel="+channel, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	// connected envelope
	ws.SetReadDeadline(time.Now().Add(testWait))
	_, _, err = ws.ReadMessage()
	require.NoError(t, err)
	ws.SetReadDeadline(time.Time{})

	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req execRequest
			if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
				continue
			}
			for _, resp := range handle(req) {
				out, err := json.Marshal(resp)
				if err != nil {
					continue
				}
				if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
					return
				}
			}
		}
	}()
}

func echoExecutor(t *testing.T, wsURL, channel string) {
	t.Helper()
	startExecutor(t, wsURL, channel, func(req execRequest) []protocol.Response {
		return []protocol.Response{{ID: req.ID, Result: map[string]bool{"pong": true}}}
	})
}

func newSession(t *testing.T) *session.Session {
	t.Helper()
	s := &session.Session{Log: testLogger()}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCallRoundTrip(t *testing.T) {
	wsURL := newTestRelay(t)
	echoExecutor(t, wsURL, "ROOM1")

	s := newSession(t)
	require.NoError(t, s.Connect(context.Background(), wsURL, "ROOM1"))
	assert.True(t, s.ExecutorPresent())

	result, err := s.Call(context.Background(), "ping", map[string]any{}, testWait)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(result))
	assert.Equal(t, 0, s.PendingCount())
}

func TestConnectWaitsForExecutor(t *testing.T) {
	wsURL := newTestRelay(t)

	s := newSession(t)
	s.ConnectTimeout = testWait

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Connect(context.Background(), wsURL, "ROOM1")
	}()

	// The executor shows up after the caller is already waiting.
	time.Sleep(100 * time.Millisecond)
	echoExecutor(t, wsURL, "ROOM1")

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(testWait):
		t.Fatal("Connect did not settle")
	}
	assert.True(t, s.ExecutorPresent())
}

func TestConnectTimesOutWithoutExecutor(t *testing.T) {
	wsURL := newTestRelay(t)

	s := newSession(t)
	s.ConnectTimeout = 200 * time.Millisecond

	err := s.Connect(context.Background(), wsURL, "ROOM1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no executor joined")
	assert.Contains(t, err.Error(), "ROOM1")
	assert.False(t, s.Connected())
}

func TestConnectRequiresChannel(t *testing.T) {
	s := newSession(t)
	err := s.Connect(context.Background(), "ws://127.0.0.1:0", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel is required")
}

func TestCallBeforeConnect(t *testing.T) {
	s := newSession(t)
	_, err := s.Call(context.Background(), "ping", nil, testWait)
	assert.ErrorIs(t, err, session.ErrNotConnected)
}

func TestCallAfterExecutorLeft(t *testing.T) {
	wsURL := newTestRelay(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"/?type=executor&channel=ROOM1", nil)
	require.NoError(t, err)
	ws.SetReadDeadline(time.Now().Add(testWait))
	_, _, err = ws.ReadMessage()
	require.NoError(t, err)

	s := newSession(t)
	require.NoError(t, s.Connect(context.Background(), wsURL, "ROOM1"))

	ws.Close()
	require.Eventually(t, func() bool {
		return !s.ExecutorPresent()
	}, testWait, 10*time.Millisecond)

	_, err = s.Call(context.Background(), "ping", nil, testWait)
	assert.ErrorIs(t, err, session.ErrNoExecutor)
	assert.Equal(t, 0, s.PendingCount())
}

func TestCallTimeout(t *testing.T) {
	wsURL := newTestRelay(t)
	startExecutor(t, wsURL, "ROOM1", func(execRequest) []protocol.Response {
		return nil // never answer
	})

	s := newSession(t)
	require.NoError(t, s.Connect(context.Background(), wsURL, "ROOM1"))

	_, err := s.Call(context.Background(), "ping", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrTimeout)
	assert.Contains(t, err.Error(), "50")
	assert.Equal(t, 0, s.PendingCount(), "a timed out request must not leak")
}

func TestDuplicateResponseIgnored(t *testing.T) {
	wsURL := newTestRelay(t)
	startExecutor(t, wsURL, "ROOM1", func(req execRequest) []protocol.Response {
		resp := protocol.Response{ID: req.ID, Result: map[string]bool{"pong": true}}
		return []protocol.Response{resp, resp}
	})

	s := newSession(t)
	require.NoError(t, s.Connect(context.Background(), wsURL, "ROOM1"))

	result, err := s.Call(context.Background(), "ping", nil, testWait)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(result))
	assert.Equal(t, 0, s.PendingCount())

	// The session keeps working after the duplicate was dropped.
	result, err = s.Call(context.Background(), "ping", nil, testWait)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(result))
}

func TestExecutorErrorRejectsCall(t *testing.T) {
	wsURL := newTestRelay(t)
	startExecutor(t, wsURL, "ROOM1", func(req execRequest) []protocol.Response {
		return []protocol.Response{{ID: req.ID, Error: "node not found"}}
	})

	s := newSession(t)
	require.NoError(t, s.Connect(context.Background(), wsURL, "ROOM1"))

	_, err := s.Call(context.Background(), "get_node", nil, testWait)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node not found")
	assert.Equal(t, 0, s.PendingCount())
}

func TestBackpressureCeiling(t *testing.T) {
	wsURL := newTestRelay(t)
	startExecutor(t, wsURL, "ROOM1", func(execRequest) []protocol.Response {
		return nil // keep everything pending
	})

	s := newSession(t)
	s.MaxPending = 2
	require.NoError(t, s.Connect(context.Background(), wsURL, "ROOM1"))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Call(context.Background(), "slow", nil, testWait)
		}()
	}
	require.Eventually(t, func() bool {
		return s.PendingCount() == 2
	}, testWait, 5*time.Millisecond)

	_, err := s.Call(context.Background(), "one_too_many", nil, testWait)
	assert.ErrorIs(t, err, session.ErrTooManyPending)

	s.Close()
	wg.Wait()
}

func TestStaleSessionFramesDropped(t *testing.T) {
	wsURL := newTestRelay(t)
	startExecutor(t, wsURL, "ROOM1", func(req execRequest) []protocol.Response {
		sessionID := "sess-a"
		if req.Type == "second" {
			// A frame flushed by an executor process that has since been
			// superseded.
			sessionID = "sess-b"
		}
		return []protocol.Response{{ID: req.ID, Result: map[string]bool{"ok": true}, SessionID: sessionID}}
	})

	s := newSession(t)
	require.NoError(t, s.Connect(context.Background(), wsURL, "ROOM1"))

	// The first tagged response records sess-a as the live executor session.
	_, err := s.Call(context.Background(), "first", nil, testWait)
	require.NoError(t, err)

	// A response from a different session is discarded, so the call times out.
	_, err = s.Call(context.Background(), "second", nil, 200*time.Millisecond)
	assert.ErrorIs(t, err, session.ErrTimeout)
	assert.Equal(t, 0, s.PendingCount())
}

func TestCloseRejectsPending(t *testing.T) {
	wsURL := newTestRelay(t)
	startExecutor(t, wsURL, "ROOM1", func(execRequest) []protocol.Response {
		return nil
	})

	s := newSession(t)
	require.NoError(t, s.Connect(context.Background(), wsURL, "ROOM1"))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "slow", nil, testWait)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return s.PendingCount() == 1
	}, testWait, 5*time.Millisecond)

	require.NoError(t, s.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, session.ErrClosed)
	case <-time.After(testWait):
		t.Fatal("pending call not rejected on Close")
	}
	assert.Equal(t, 0, s.PendingCount())

	_, err := s.Call(context.Background(), "ping", nil, testWait)
	assert.ErrorIs(t, err, session.ErrClosed)
}

func TestReconnectSupersedesOldSocket(t *testing.T) {
	wsURL := newTestRelay(t)
	echoExecutor(t, wsURL, "ROOM1")
	echoExecutor(t, wsURL, "ROOM2")

	s := newSession(t)
	require.NoError(t, s.Connect(context.Background(), wsURL, "ROOM1"))
	require.NoError(t, s.Connect(context.Background(), wsURL, "ROOM2"))

	assert.Equal(t, "ROOM2", s.Channel())
	result, err := s.Call(context.Background(), "ping", nil, testWait)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(result))
}

// TestIdleTimeoutForcesReconnect runs the session against a stub relay
// that claims an executor is present and then goes silent: it never reads,
// so the session's pings are never answered. The rolling deadline must
// kill the socket and reject the pending request well before its own
// timeout.
func TestIdleTimeoutForcesReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		present := true
		msg, _ := json.Marshal(protocol.SystemMessage{
			Kind:                 protocol.KindSystem,
			Event:                protocol.EventConnected,
			Channel:              "ROOM1",
			FigmaExecutorPresent: &present,
		})
		ws.WriteMessage(websocket.TextMessage, msg)
		// Hold the socket open without ever reading; pings back up unanswered.
		<-r.Context().Done()
	}))
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	s := newSession(t)
	s.PingInterval = 50 * time.Millisecond
	s.IdleTimeout = 200 * time.Millisecond
	require.NoError(t, s.Connect(context.Background(), wsURL, "ROOM1"))

	start := time.Now()
	_, err := s.Call(context.Background(), "ping", nil, 10*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")
	assert.Less(t, time.Since(start), 2*time.Second, "idle timeout should fire long before the request timeout")
	assert.False(t, s.Connected())
	assert.Equal(t, 0, s.PendingCount())
}
