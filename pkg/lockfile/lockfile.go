// Package lockfile keeps two relay processes from binding the same
// address. The lock is a JSON record on disk keyed by host:port; a lock
// whose owning process has since died is reclaimed by the next acquirer.
package lockfile

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// A Record is what an acquiring process persists to the lock file.
type Record struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      string    `json:"port"`
	CreatedAt time.Time `json:"createdAt"`
}

// A Result reports the outcome of an Acquire. When the lock is already
// held by a live process, Acquired is false and OwnerPID identifies the
// holder, so the caller can choose to reuse the running relay instead of
// failing outright.
type Result struct {
	Acquired bool
	OwnerPID int
	Path     string
}

// A Lock guards a single bind address.
type Lock struct {
	dir      string
	host     string
	port     string
	path     string
	acquired bool
}

// New creates a lock for the given bind address, stored under dir.
// If dir is empty, the system temp directory is used.
func New(dir, addr string) (*Lock, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrap(err, "Parse bind address")
	}
	if dir == "" {
		dir = os.TempDir()
	}
	return &Lock{
		dir:  dir,
		host: host,
		port: port,
		path: filepath.Join(dir, lockName(host, port)),
	}, nil
}

func lockName(host, port string) string {
	if host == "" {
		host = "any"
	}
	// IPv6 hosts contain colons, which some filesystems reject.
	host = strings.ReplaceAll(host, ":", "_")
	return "figrelay-" + host + "-" + port + ".lock"
}

// Path returns the location of the lock file.
func (l *Lock) Path() string {
	return l.path
}

// Acquire attempts to take the lock. If the lock file already exists and
// its owner is still alive, the result reports the owner instead of an
// error. A record left behind by a dead process is deleted and creation
// is retried once.
func (l *Lock) Acquire() (Result, error) {
	res, err := l.tryCreate()
	if err == nil || !errors.Is(err, os.ErrExist) {
		return res, err
	}

	record, readErr := l.read()
	if readErr == nil && pidAlive(record.PID) {
		return Result{Acquired: false, OwnerPID: record.PID, Path: l.path}, nil
	}

	// Unreadable records and records owned by dead processes are stale.
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		return Result{Path: l.path}, errors.Wrap(rmErr, "Remove stale lock")
	}

	res, err = l.tryCreate()
	if errors.Is(err, os.ErrExist) {
		// Lost the race to another process reclaiming the same lock.
		if record, readErr := l.read(); readErr == nil {
			return Result{Acquired: false, OwnerPID: record.PID, Path: l.path}, nil
		}
		return Result{Path: l.path}, errors.Wrap(err, "Reacquire lock")
	}
	return res, err
}

func (l *Lock) tryCreate() (Result, error) {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Result{Path: l.path}, errors.Wrap(err, "Create lock file")
	}
	defer f.Close()

	record := Record{
		PID:       os.Getpid(),
		Host:      l.host,
		Port:      l.port,
		CreatedAt: time.Now(),
	}
	if err := json.NewEncoder(f).Encode(record); err != nil {
		os.Remove(l.path)
		return Result{Path: l.path}, errors.Wrap(err, "Write lock record")
	}

	l.acquired = true
	return Result{Acquired: true, OwnerPID: record.PID, Path: l.path}, nil
}

func (l *Lock) read() (Record, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return Record{}, errors.Wrap(err, "Read lock file")
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, errors.Wrap(err, "Parse lock record")
	}
	if record.PID <= 0 {
		return Record{}, errors.New("Lock record has no pid")
	}
	return record, nil
}

// Release removes the lock file. Only the process that acquired the lock
// may release it; a release from a non-owning instance is a no-op.
func (l *Lock) Release() error {
	if !l.acquired {
		return nil
	}
	l.acquired = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Remove lock file")
	}
	return nil
}

// pidAlive reports whether a process with the given pid exists. This is a
// lightweight probe, not a crash-proof check: a recycled pid will look
// alive.
func pidAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// The process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
