package relay

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Stats contains summary information about a running relay.
type Stats struct {
	Uptime        time.Duration `json:"uptime"`
	NumChannels   int           `json:"num_channels"`
	MaxChannels   int           `json:"max_channels"`
	MaxChannelsAt time.Time     `json:"max_channels_at"`
	NumConns      int           `json:"num_conns"`
	NumExecutors  int           `json:"num_executors"`
	NumCallers    int           `json:"num_callers"`
	MaxConns      int           `json:"max_conns"`
	MaxConnsAt    time.Time     `json:"max_conns_at"`
}

// Stats gets stats for this relay.
func (srv *Server) Stats() Stats {
	srv.init()
	srv.mu.RLock()
	defer srv.mu.RUnlock()

	var executors, callers int
	for _, ch := range srv.channels {
		if ch.executor != nil {
			executors++
		}
		callers += len(ch.callers)
	}

	return Stats{
		Uptime:        time.Since(srv.createdTime),
		NumChannels:   len(srv.channels),
		MaxChannels:   srv.maxChannels,
		MaxChannelsAt: srv.maxChansAt,
		NumConns:      srv.conns,
		NumExecutors:  executors,
		NumCallers:    callers,
		MaxConns:      srv.maxConns,
		MaxConnsAt:    srv.maxConnsAt,
	}
}

// serveStats answers GET <path>/stats with a JSON stats snapshot. The
// endpoint only exists when a stats password is configured; the password
// is taken from the X-Stats-Password header or the password query
// parameter.
func (srv *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	if srv.StatsPassword == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	password := r.Header.Get("X-Stats-Password")
	if password == "" {
		password = r.URL.Query().Get("password")
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(srv.StatsPassword)) != 1 {
		srv.Log.WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
		}).Warn("Stats request with wrong password")
		http.Error(w, "wrong password", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(srv.Stats()); err != nil {
		srv.Log.WithFields(logrus.Fields{
			"error": err,
		}).Error("Error writing stats response")
	}
}
