package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// sendBuffSize is the buffer size of the per-connection outbound queue.
	// A peer whose queue is full has frames dropped rather than blocking
	// the rest of the channel.
	sendBuffSize = 32

	// writeWait bounds a single write to a peer.
	writeWait = 10 * time.Second
)

type role string

const (
	roleExecutor role = "executor"
	roleCaller   role = "caller"
)

// conn is one admitted WebSocket connection.
// Frames queued on send are written to the peer by writePump; readPump
// feeds inbound frames to the server for routing.
type conn struct {
	srv     *Server
	ws      *websocket.Conn
	role    role
	channel string
	id      uint64

	send chan []byte

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
}

func (srv *Server) newConn(ws *websocket.Conn, r role, channel string) *conn {
	srv.mu.Lock()
	srv.nextID++
	id := srv.nextID
	srv.mu.Unlock()

	return &conn{
		srv:     srv,
		ws:      ws,
		role:    r,
		channel: channel,
		id:      id,
		send:    make(chan []byte, sendBuffSize),
		done:    make(chan struct{}),
	}
}

// trySend queues a frame for delivery, reporting whether it was accepted.
// It never blocks; a full queue loses the frame.
func (c *conn) trySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.srv.Log.WithFields(logrus.Fields{
			"conn":    c.id,
			"role":    c.role,
			"channel": c.channel,
		}).Warn("Send queue full, dropping frame")
		return false
	}
}

// sendSystem marshals and queues a system message for the peer.
func (c *conn) sendSystem(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.srv.Log.WithFields(logrus.Fields{
			"conn":  c.id,
			"error": err,
		}).Error("Error marshaling system message")
		return
	}
	c.trySend(data)
}

// stop schedules the connection to be closed with the given close code.
// Stop is idempotent; only the first call's code and reason are used.
func (c *conn) stop(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// writePump writes queued frames to the peer, pings it periodically, and
// sends the close frame once the connection is stopped.
func (c *conn) writePump() {
	var pingCh <-chan time.Time
	if c.srv.TimeBetweenPings > 0 {
		ticker := time.NewTicker(c.srv.TimeBetweenPings)
		defer ticker.Stop()
		pingCh = ticker.C
	}
	defer c.ws.Close()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.stop(websocket.CloseAbnormalClosure, "write error")
				return
			}

		case <-pingCh:
			deadline := time.Now().Add(writeWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.stop(websocket.CloseAbnormalClosure, "ping error")
				return
			}

		case <-c.done:
			deadline := time.Now().Add(writeWait)
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

// readPump reads frames from the peer and routes them until the peer
// disconnects or times out. A read error and a clean close are bookkept
// identically: the connection leaves its channel either way.
func (c *conn) readPump() {
	defer func() {
		c.stop(websocket.CloseNormalClosure, "peer disconnected")
		c.srv.dropConn(c)
	}()

	var idle time.Duration
	if c.srv.TimeBetweenPings > 0 && c.srv.PingsUntilTimeout > 0 {
		idle = c.srv.TimeBetweenPings * time.Duration(c.srv.PingsUntilTimeout)
		c.ws.SetReadDeadline(time.Now().Add(idle))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(idle))
		})
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.srv.Log.WithFields(logrus.Fields{
				"conn":    c.id,
				"role":    c.role,
				"channel": c.channel,
				"error":   err,
			}).Debug("Peer read ended")
			return
		}
		if idle > 0 {
			c.ws.SetReadDeadline(time.Now().Add(idle))
		}
		c.srv.route(c, data)
	}
}
