// Package session implements the caller half of the figrelay protocol.
//
// A Session owns one logical connection to the relay on behalf of a
// request-issuing process. It hides channel semantics behind a
// request/response contract: Connect waits for an executor to be
// reachable, Call correlates a request with its response by id, and every
// wait is bounded by a timer. The session never retries on its own;
// retry policy belongs to the process embedding it, which knows whether
// its requests are idempotent.
package session

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/figrelay/figrelay/pkg/protocol"
)

const (
	// DefaultConnectTimeout bounds the whole connect phase: dialing plus
	// waiting for an executor to appear on the channel.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultRequestTimeout is used by Call when no timeout is given.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultPingInterval is how often the session probes the relay.
	DefaultPingInterval = 10 * time.Second

	// DefaultIdleTimeout is the rolling deadline pushed forward by any
	// inbound traffic. When it elapses the socket is forcibly closed so
	// the owner reconnects fast instead of hanging silently.
	DefaultIdleTimeout = 30 * time.Second

	// DefaultMaxPending is the pending-request admission ceiling.
	DefaultMaxPending = 64

	writeWait = 10 * time.Second
)

// A Session is the caller-side endpoint of a relay channel.
// Its zero value is usable; tunables left at zero take the defaults above.
type Session struct {
	Log            *logrus.Logger
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	PingInterval   time.Duration
	IdleTimeout    time.Duration
	MaxPending     int

	mu              sync.Mutex
	ws              *websocket.Conn
	gen             uint64 // bumped every time the active socket changes
	channel         string
	executorPresent bool
	executorSession string
	pending         map[string]chan callResult
	waiter          *connectWaiter
	closed          bool

	writeMu sync.Mutex // serializes data-frame writes to ws
}

type callResult struct {
	result json.RawMessage
	err    error
}

// connectWaiter settles the connect phase exactly once; late socket
// events after settling are silent no-ops.
type connectWaiter struct {
	ch      chan error
	settled bool
}

// inbound is the union of every envelope shape the relay or executor can
// send to a caller.
type inbound struct {
	Kind                 string          `json:"kind"`
	Event                string          `json:"event"`
	Channel              string          `json:"channel"`
	FigmaExecutorPresent *bool           `json:"figmaExecutorPresent"`
	ID                   string          `json:"id"`
	Result               json.RawMessage `json:"result"`
	Error                string          `json:"error"`
	SessionID            string          `json:"sessionId"`
}

// Connect dials the relay with role caller bound to the given channel and
// waits until the channel has an executor. A prior socket, if any, is
// closed first and its pending requests are rejected; a session holds one
// active socket at a time.
//
// Connect fails when the connect window elapses with no executor, or when
// the socket errors or closes before one appears.
func (s *Session) Connect(ctx context.Context, relayURL, channel string) error {
	if channel == "" {
		return errors.New("a channel is required; there is no default channel")
	}
	u, err := url.Parse(relayURL)
	if err != nil {
		return errors.Wrap(err, "Parse relay URL")
	}
	q := u.Query()
	q.Set("type", "caller")
	q.Set("channel", channel)
	u.RawQuery = q.Encode()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.teardownLocked(errors.Wrap(ErrNotConnected, "superseded by a new connection"))
	s.mu.Unlock()

	deadline := time.Now().Add(s.connectTimeout())
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return errors.Wrapf(err, "Dial relay for channel %q", channel)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	s.ws = ws
	s.channel = channel
	s.executorPresent = false
	s.executorSession = ""
	if s.pending == nil {
		s.pending = make(map[string]chan callResult)
	}
	waiter := &connectWaiter{ch: make(chan error, 1)}
	s.waiter = waiter
	s.mu.Unlock()

	go s.readLoop(ws, gen)
	go s.pingLoop(ws, gen)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case err := <-waiter.ch:
		if err != nil {
			return errors.Wrapf(err, "Connect to channel %q", channel)
		}
		return nil
	case <-timer.C:
		s.settleWaiter(gen, nil) // a late executor_connected must not re-settle
		s.disconnect(ws, gen, ErrNotConnected)
		return errors.Errorf("no executor joined channel %q within %s", channel, s.connectTimeout())
	case <-ctx.Done():
		s.settleWaiter(gen, nil)
		s.disconnect(ws, gen, ErrNotConnected)
		return errors.Wrapf(ctx.Err(), "Connect to channel %q", channel)
	}
}

// Call sends a request to the channel's executor and waits for the
// response carrying the same correlation id. If timeout is zero,
// RequestTimeout applies. Call fails immediately, issuing no request,
// when the session is not connected, the channel has no executor, or the
// pending ceiling is reached.
func (s *Session) Call(ctx context.Context, reqType string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = s.requestTimeout()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.ws == nil {
		s.mu.Unlock()
		return nil, errors.Wrap(ErrNotConnected, "call refused")
	}
	if !s.executorPresent {
		channel := s.channel
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrNoExecutor, "channel %q", channel)
	}
	if len(s.pending) >= s.maxPending() {
		n := len(s.pending)
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrTooManyPending, "%d requests in flight (limit %d)", n, s.maxPending())
	}

	id := uuid.NewString()
	resultCh := make(chan callResult, 1)
	s.pending[id] = resultCh
	ws := s.ws
	channel := s.channel
	s.mu.Unlock()

	data, err := json.Marshal(protocol.Request{ID: id, Type: reqType, Payload: payload})
	if err != nil {
		s.removePending(id)
		return nil, errors.Wrap(err, "Marshal request")
	}

	s.writeMu.Lock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = ws.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		s.removePending(id)
		return nil, errors.Wrapf(err, "Write %s request to channel %q", reqType, channel)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-timer.C:
		left := s.removePending(id)
		return nil, errors.Wrapf(ErrTimeout, "%s request on channel %q timed out after %s (%d still pending)",
			reqType, channel, timeout, left)
	case <-ctx.Done():
		s.removePending(id)
		return nil, errors.Wrapf(ctx.Err(), "%s request on channel %q", reqType, channel)
	}
}

// Close tears the session down, rejecting every pending request at once.
// A closed session cannot be reconnected.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.teardownLocked(ErrClosed)
	return nil
}

// Channel returns the channel this session is bound to.
func (s *Session) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Connected reports whether the session currently holds an open socket.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws != nil
}

// ExecutorPresent reports whether the session's channel has an executor.
func (s *Session) ExecutorPresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executorPresent
}

// PendingCount returns the number of requests awaiting a response.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// readLoop reads frames from one socket generation until it dies. Any
// inbound traffic pushes the rolling idle deadline forward, so a busy
// session never times out from inactivity false-positives.
func (s *Session) readLoop(ws *websocket.Conn, gen uint64) {
	idle := s.idleTimeout()
	ws.SetReadDeadline(time.Now().Add(idle))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.disconnect(ws, gen, err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(idle))
		s.handleFrame(gen, data)
	}
}

// pingLoop probes the relay at a fixed interval. Liveness is enforced on
// the read side: if nothing (not even a pong) arrives within the idle
// deadline, readLoop's read fails and the socket is torn down.
func (s *Session) pingLoop(ws *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(s.pingInterval())
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		stale := s.gen != gen
		s.mu.Unlock()
		if stale {
			return
		}
		if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return
		}
	}
}

func (s *Session) handleFrame(gen uint64, data []byte) {
	var env inbound
	if err := json.Unmarshal(data, &env); err != nil {
		s.log().WithFields(logrus.Fields{
			"error": err,
		}).Warn("Dropping unparsable frame")
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		// Frame from a socket this session has already superseded.
		s.mu.Unlock()
		return
	}

	// Stale-session filtering: both sides have to hold an opinion for a
	// frame to be discarded; a missing tag on either side means process it.
	if env.SessionID != "" {
		if s.executorSession == "" {
			s.executorSession = env.SessionID
		} else if s.executorSession != env.SessionID {
			channel := s.channel
			s.mu.Unlock()
			s.log().WithFields(logrus.Fields{
				"channel":       channel,
				"stale_session": env.SessionID,
			}).Debug("Dropping frame from superseded executor session")
			return
		}
	}

	if env.Kind == protocol.KindSystem {
		s.handleSystemLocked(env)
		s.mu.Unlock()
		return
	}

	if env.ID == "" {
		s.mu.Unlock()
		s.log().Debug("Dropping application frame without an id")
		return
	}
	resultCh, ok := s.pending[env.ID]
	if !ok {
		// Duplicate or post-timeout delivery; expected under reconnect churn.
		s.mu.Unlock()
		return
	}
	delete(s.pending, env.ID)
	s.mu.Unlock()

	if env.Error != "" {
		resultCh <- callResult{err: errors.Errorf("executor error: %s", env.Error)}
		return
	}
	resultCh <- callResult{result: env.Result}
}

// handleSystemLocked reacts to relay control messages. Called with s.mu held.
func (s *Session) handleSystemLocked(env inbound) {
	switch env.Event {
	case protocol.EventConnected:
		if env.FigmaExecutorPresent != nil && *env.FigmaExecutorPresent {
			s.executorPresent = true
			s.settleWaiterLocked(nil)
		}
	case protocol.EventExecutorConnected:
		s.executorPresent = true
		// A fresh executor gets a fresh identity; forget the old tag so the
		// next tagged frame records the new one.
		s.executorSession = ""
		s.settleWaiterLocked(nil)
	case protocol.EventExecutorDisconnected:
		s.executorPresent = false
		s.executorSession = ""
	case protocol.EventError:
		s.log().WithFields(logrus.Fields{
			"channel": env.Channel,
			"error":   env.Error,
		}).Warn("Relay reported an error")
	}
}

// disconnect forcibly terminates one socket generation and rejects its
// pending requests. Events from generations the session has already moved
// past are ignored.
func (s *Session) disconnect(ws *websocket.Conn, gen uint64, cause error) {
	ws.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.teardownLocked(cause)
}

// teardownLocked closes the active socket, rejects all pending requests
// in bulk, and settles an unsettled connect. Called with s.mu held.
func (s *Session) teardownLocked(cause error) {
	if s.ws != nil {
		s.ws.Close()
		s.ws = nil
	}
	s.gen++
	s.executorPresent = false
	s.executorSession = ""

	if n := len(s.pending); n > 0 {
		s.log().WithFields(logrus.Fields{
			"channel": s.channel,
			"pending": n,
			"cause":   cause,
		}).Warn("Rejecting pending requests")
	}
	for id, resultCh := range s.pending {
		delete(s.pending, id)
		resultCh <- callResult{err: errors.Wrap(cause, "connection lost")}
	}

	if s.waiter != nil && !s.waiter.settled {
		s.waiter.settled = true
		s.waiter.ch <- errors.Wrap(cause, "connection lost before an executor appeared")
	}
	s.waiter = nil
}

// settleWaiter resolves the connect phase for the given generation, if it
// is still unsettled. A nil error marks success; it is also used to mark
// the waiter dead after the connect window has elapsed.
func (s *Session) settleWaiter(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.settleWaiterLocked(err)
}

func (s *Session) settleWaiterLocked(err error) {
	if s.waiter == nil || s.waiter.settled {
		return
	}
	s.waiter.settled = true
	s.waiter.ch <- err
}

// removePending drops a pending entry, returning how many remain.
func (s *Session) removePending(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return len(s.pending)
}

func (s *Session) connectTimeout() time.Duration {
	if s.ConnectTimeout > 0 {
		return s.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (s *Session) requestTimeout() time.Duration {
	if s.RequestTimeout > 0 {
		return s.RequestTimeout
	}
	return DefaultRequestTimeout
}

func (s *Session) pingInterval() time.Duration {
	if s.PingInterval > 0 {
		return s.PingInterval
	}
	return DefaultPingInterval
}

func (s *Session) idleTimeout() time.Duration {
	if s.IdleTimeout > 0 {
		return s.IdleTimeout
	}
	return DefaultIdleTimeout
}

func (s *Session) maxPending() int {
	if s.MaxPending > 0 {
		return s.MaxPending
	}
	return DefaultMaxPending
}

func (s *Session) log() *logrus.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}
