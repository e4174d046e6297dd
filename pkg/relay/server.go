// Package relay implements the channel relay at the heart of figrelay.
//
// The relay accepts WebSocket connections, groups them into named
// channels, and forwards application frames between the channel's single
// executor and any number of callers. Frames are relayed verbatim and
// never buffered: a caller that is absent when the executor broadcasts
// simply misses the frame. The relay is an ephemeral pipe, not a queue.
package relay

import (
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/figrelay/figrelay/pkg/protocol"
)

// Server contains state for a figrelay relay.
type Server struct {
	// Path is the URL path the relay is mounted at. Connections arriving
	// on any other path are closed with CloseInvalidPath. Defaults to "/".
	Path string

	// TimeBetweenPings specifies the amount of time that will elapse before
	// connected peers are sent a ping. If 0, no pings will be sent and
	// unresponsive peers will not be dropped.
	TimeBetweenPings time.Duration

	// PingsUntilTimeout specifies the number of pings that may go
	// unanswered before a peer is considered dead and dropped.
	// If TimeBetweenPings is 0, this field has no effect.
	PingsUntilTimeout int

	// TLSConfig optionally provides a TLS configuration for use by ListenAndServeTLS.
	TLSConfig *tls.Config

	// StatsPassword sets the password for retrieving stats.
	// If empty, the stats endpoint is disabled.
	StatsPassword string

	Log *logrus.Logger

	initOnce sync.Once
	upgrader websocket.Upgrader
	nextID   uint64

	// registry state, guarded by mu.
	mu          sync.RWMutex
	channels    map[string]*channel
	conns       int
	createdTime time.Time
	maxChannels int
	maxChansAt  time.Time
	maxConns    int
	maxConnsAt  time.Time
}

func (srv *Server) init() {
	srv.initOnce.Do(func() {
		if srv.Path == "" {
			srv.Path = "/"
		}
		if srv.Log == nil {
			srv.Log = logrus.New()
		}
		now := time.Now()
		srv.channels = make(map[string]*channel)
		srv.createdTime = now
		srv.maxChansAt = now
		srv.maxConnsAt = now
		srv.upgrader = websocket.Upgrader{
			// The executor runs inside a plugin sandbox and the callers are
			// local processes; origin checks add nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		}
	})
}

// ListenAndServe listens on addr and serves the relay.
func (srv *Server) ListenAndServe(addr string) error {
	srv.init()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"path":        srv.Path,
		"tls_enabled": false,
	}).Info("Listening for incoming connections")
	return srv.Serve(listener)
}

// ListenAndServeTLS behaves just like ListenAndServe, but wraps connections with TLS.
func (srv *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	srv.init()
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return errors.Wrap(err, "Load X.509 key pair")
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if srv.TLSConfig == nil {
		return errors.New("No TLSConfig set in server, and no certFile/keyFile given")
	}

	listener, err := tls.Listen("tcp", addr, srv.TLSConfig)
	if err != nil {
		return errors.Wrap(err, "Listen TLS")
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"path":        srv.Path,
		"tls_enabled": true,
	}).Info("Listening for incoming connections")
	return srv.Serve(listener)
}

// Serve serves the relay on the given listener.
func (srv *Server) Serve(listener net.Listener) error {
	srv.init()
	srv.Log.WithFields(logrus.Fields{
		"time_between_pings":  srv.TimeBetweenPings,
		"pings_until_timeout": srv.PingsUntilTimeout,
	}).Info("Relay started")
	httpSrv := &http.Server{Handler: srv}
	return httpSrv.Serve(listener)
}

// ServeHTTP upgrades connections to WebSocket and admits them to the relay.
// It also serves the stats endpoint, when one is configured.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.init()
	if r.URL.Path == srv.statsPath() && !websocket.IsWebSocketUpgrade(r) {
		srv.serveStats(w, r)
		return
	}

	ws, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.Log.WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
			"error":       err,
		}).Error("Error upgrading connection")
		return
	}

	if r.URL.Path != srv.Path {
		srv.refuse(ws, r, protocol.CloseInvalidPath,
			"invalid path "+r.URL.Path+"; relay is mounted at "+srv.Path)
		return
	}

	q := r.URL.Query()
	chName := q.Get("channel")
	var roleConn role
	switch q.Get("type") {
	case "executor":
		roleConn = roleExecutor
	case "caller":
		roleConn = roleCaller
		if chName == "" {
			// There is no default channel; a caller must bind to the
			// channel its executor announced.
			srv.refuse(ws, r, protocol.CloseChannelRequired, "callers must supply a channel")
			return
		}
	default:
		srv.refuse(ws, r, protocol.CloseInvalidRole, "type must be executor or caller")
		return
	}

	minted := false
	if chName == "" {
		chName = mintChannelID()
		minted = true
	}

	c := srv.newConn(ws, roleConn, chName)
	go c.writePump()

	srv.Log.WithFields(logrus.Fields{
		"conn":        c.id,
		"remote_addr": r.RemoteAddr,
		"role":        roleConn,
		"channel":     chName,
		"minted":      minted,
	}).Info("Peer connected")

	switch roleConn {
	case roleExecutor:
		srv.addExecutor(chName, c)
	case roleCaller:
		srv.addCaller(chName, c)
	}

	// Read in the handler goroutine until the peer goes away.
	c.readPump()
}

// refuse closes a just-upgraded socket with a distinguishing close code
// before it is admitted to any channel.
func (srv *Server) refuse(ws *websocket.Conn, r *http.Request, code int, reason string) {
	srv.Log.WithFields(logrus.Fields{
		"remote_addr": r.RemoteAddr,
		"path":        r.URL.Path,
		"close_code":  code,
		"reason":      reason,
	}).Warn("Refusing connection")
	deadline := time.Now().Add(writeWait)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	ws.Close()
}

func (srv *Server) statsPath() string {
	return strings.TrimSuffix(srv.Path, "/") + "/stats"
}
