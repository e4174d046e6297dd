package lockfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	lock, err := New(dir, "127.0.0.1:3055")
	require.NoError(t, err)

	result, err := lock.Acquire()
	require.NoError(t, err)
	assert.True(t, result.Acquired)
	assert.Equal(t, os.Getpid(), result.OwnerPID)

	data, err := os.ReadFile(lock.Path())
	require.NoError(t, err)
	var record Record
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, os.Getpid(), record.PID)
	assert.Equal(t, "127.0.0.1", record.Host)
	assert.Equal(t, "3055", record.Port)
	assert.False(t, record.CreatedAt.IsZero())

	require.NoError(t, lock.Release())
	_, err = os.Stat(lock.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestSecondAcquireReportsOwner(t *testing.T) {
	dir := t.TempDir()
	first, err := New(dir, "127.0.0.1:3055")
	require.NoError(t, err)
	result, err := first.Acquire()
	require.NoError(t, err)
	require.True(t, result.Acquired)
	defer first.Release()

	second, err := New(dir, "127.0.0.1:3055")
	require.NoError(t, err)
	result, err = second.Acquire()
	require.NoError(t, err)
	assert.False(t, result.Acquired)
	assert.Equal(t, os.Getpid(), result.OwnerPID, "the holder's pid is reported")

	// The non-owner must not be able to release the holder's lock.
	require.NoError(t, second.Release())
	_, err = os.Stat(first.Path())
	assert.NoError(t, err, "release by a non-owner is a no-op")
}

func TestStaleLockReclaimed(t *testing.T) {
	dir := t.TempDir()
	lock, err := New(dir, "127.0.0.1:3055")
	require.NoError(t, err)

	// A record left behind by a process that no longer exists. Pids on
	// Linux are bounded well below this.
	stale := Record{PID: 1 << 30, Host: "127.0.0.1", Port: "3055", CreatedAt: time.Now().Add(-time.Hour)}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(lock.Path(), data, 0o644))

	result, err := lock.Acquire()
	require.NoError(t, err)
	assert.True(t, result.Acquired, "stale lock should be reclaimed")
	assert.Equal(t, os.Getpid(), result.OwnerPID)
	require.NoError(t, lock.Release())
}

func TestCorruptLockTreatedAsStale(t *testing.T) {
	dir := t.TempDir()
	lock, err := New(dir, "127.0.0.1:3055")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(lock.Path(), []byte("not json"), 0o644))

	result, err := lock.Acquire()
	require.NoError(t, err)
	assert.True(t, result.Acquired)
	require.NoError(t, lock.Release())
}

func TestLocksKeyedByAddress(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, "127.0.0.1:3055")
	require.NoError(t, err)
	b, err := New(dir, "127.0.0.1:3056")
	require.NoError(t, err)
	assert.NotEqual(t, a.Path(), b.Path())

	resA, err := a.Acquire()
	require.NoError(t, err)
	resB, err := b.Acquire()
	require.NoError(t, err)
	assert.True(t, resA.Acquired)
	assert.True(t, resB.Acquired, "different ports lock independently")
	a.Release()
	b.Release()
}

func TestIPv6HostAddress(t *testing.T) {
	lock, err := New(t.TempDir(), "[::1]:3055")
	require.NoError(t, err)
	assert.NotContains(t, filepath.Base(lock.Path()), ":")

	result, err := lock.Acquire()
	require.NoError(t, err)
	assert.True(t, result.Acquired)
	require.NoError(t, lock.Release())
}

func TestBadAddressRejected(t *testing.T) {
	_, err := New(t.TempDir(), "no-port")
	assert.Error(t, err)
}
