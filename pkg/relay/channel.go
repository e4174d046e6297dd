package relay

import (
	"crypto/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/figrelay/figrelay/pkg/protocol"
)

// A channel pairs at most one executor with any number of callers.
// A channel with neither is garbage and is removed immediately.
type channel struct {
	name      string
	executor  *conn
	callers   map[*conn]struct{}
	createdAt time.Time
}

const channelIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// channelIDLen is the length of relay-minted channel ids.
const channelIDLen = 8

// mintChannelID generates an unpredictable channel id for an executor
// that connected without one.
func mintChannelID() string {
	buf := make([]byte, channelIDLen)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	for i, b := range buf {
		buf[i] = channelIDAlphabet[int(b)%len(channelIDAlphabet)]
	}
	return string(buf)
}

// getOrCreateChannel fetches the named channel, creating it on first join.
// Caller must hold srv.mu.
func (srv *Server) getOrCreateChannel(name string) *channel {
	ch, ok := srv.channels[name]
	if !ok {
		ch = &channel{
			name:      name,
			callers:   make(map[*conn]struct{}),
			createdAt: time.Now(),
		}
		srv.channels[name] = ch
		if len(srv.channels) > srv.maxChannels {
			srv.maxChannels = len(srv.channels)
			srv.maxChansAt = time.Now()
		}
	}
	return ch
}

// addExecutor installs c as the channel's executor. If the channel already
// has one, the old executor is closed first; a channel never tracks two.
// Current callers are told an executor arrived.
func (srv *Server) addExecutor(name string, c *conn) {
	srv.mu.Lock()
	ch := srv.getOrCreateChannel(name)
	replaced := ch.executor
	ch.executor = c
	callers := ch.callerSnapshot()
	srv.noteConnAdded()
	srv.mu.Unlock()

	if replaced != nil {
		srv.Log.WithFields(logrus.Fields{
			"channel":  name,
			"old_conn": replaced.id,
			"new_conn": c.id,
		}).Info("Executor replaced")
		replaced.stop(protocol.CloseExecutorReplaced, "replaced by a new executor")
	}

	c.sendSystem(protocol.SystemMessage{
		Kind:    protocol.KindSystem,
		Event:   protocol.EventConnected,
		Channel: name,
	})

	announce := protocol.SystemMessage{
		Kind:    protocol.KindSystem,
		Event:   protocol.EventExecutorConnected,
		Channel: name,
	}
	for _, caller := range callers {
		caller.sendSystem(announce)
	}
}

// addCaller adds c to the channel's caller set and replies with whether an
// executor is already present.
func (srv *Server) addCaller(name string, c *conn) {
	srv.mu.Lock()
	ch := srv.getOrCreateChannel(name)
	ch.callers[c] = struct{}{}
	present := ch.executor != nil
	srv.noteConnAdded()
	srv.mu.Unlock()

	c.sendSystem(protocol.SystemMessage{
		Kind:                 protocol.KindSystem,
		Event:                protocol.EventConnected,
		Channel:              name,
		FigmaExecutorPresent: &present,
	})
}

// dropConn removes a connection from its channel, announces executor
// departures, and deletes the channel once it is empty.
func (srv *Server) dropConn(c *conn) {
	srv.mu.Lock()
	srv.conns--
	ch, ok := srv.channels[c.channel]
	if !ok {
		srv.mu.Unlock()
		return
	}

	wasExecutor := false
	switch c.role {
	case roleExecutor:
		// A replaced executor is already gone from the slot; only the
		// current one clears it.
		if ch.executor == c {
			ch.executor = nil
			wasExecutor = true
		}
	case roleCaller:
		delete(ch.callers, c)
	}

	var callers []*conn
	if wasExecutor {
		callers = ch.callerSnapshot()
	}
	empty := ch.executor == nil && len(ch.callers) == 0
	if empty {
		delete(srv.channels, c.channel)
	}
	srv.mu.Unlock()

	srv.Log.WithFields(logrus.Fields{
		"conn":            c.id,
		"role":            c.role,
		"channel":         c.channel,
		"channel_removed": empty,
		"reason":          c.closeReason,
	}).Info("Peer disconnected")

	if wasExecutor {
		gone := protocol.SystemMessage{
			Kind:    protocol.KindSystem,
			Event:   protocol.EventExecutorDisconnected,
			Channel: c.channel,
		}
		for _, caller := range callers {
			caller.sendSystem(gone)
		}
	}
}

// route forwards an application frame according to the sender's role.
// The frame's content is opaque; only the transport framing matters here.
func (srv *Server) route(c *conn, data []byte) {
	switch c.role {
	case roleExecutor:
		srv.broadcastToCallers(c, data)
	case roleCaller:
		srv.forwardToExecutor(c, data)
	}
}

// broadcastToCallers relays an executor frame to every caller currently in
// the channel. Delivery is fire-and-forget per recipient.
func (srv *Server) broadcastToCallers(from *conn, data []byte) {
	srv.mu.RLock()
	ch, ok := srv.channels[from.channel]
	if !ok || ch.executor != from {
		// A superseded executor flushing its last frames; nothing to relay.
		srv.mu.RUnlock()
		return
	}
	callers := ch.callerSnapshot()
	srv.mu.RUnlock()

	for _, caller := range callers {
		caller.trySend(data)
	}
}

// forwardToExecutor relays a caller frame to the channel's executor. If no
// executor is connected and writable, the caller is told so instead of
// being left waiting silently.
func (srv *Server) forwardToExecutor(from *conn, data []byte) {
	srv.mu.RLock()
	ch, ok := srv.channels[from.channel]
	var executor *conn
	if ok {
		executor = ch.executor
	}
	srv.mu.RUnlock()

	if executor == nil {
		from.sendSystem(protocol.NewErrorMessage(from.channel, "executor not connected to channel"))
		return
	}
	if !executor.trySend(data) {
		from.sendSystem(protocol.NewErrorMessage(from.channel, "executor not accepting messages"))
	}
}

// callerSnapshot copies the caller set so it can be iterated without the
// registry lock held.
func (ch *channel) callerSnapshot() []*conn {
	callers := make([]*conn, 0, len(ch.callers))
	for caller := range ch.callers {
		callers = append(callers, caller)
	}
	return callers
}

func (srv *Server) noteConnAdded() {
	srv.conns++
	if srv.conns > srv.maxConns {
		srv.maxConns = srv.conns
		srv.maxConnsAt = time.Now()
	}
}
