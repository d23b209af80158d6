package lock

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/gridcharge/pkg/log"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

func writeLock(t *testing.T, path string, info Info, age time.Duration) {
	t.Helper()
	b, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
	mt := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mt, mt))
}

func TestAcquire(t *testing.T) {
	ctx := context.Background()
	host, _ := os.Hostname()

	t.Run("Fresh", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".server.lock")
		l, err := Acquire(ctx, path, 15*time.Minute)
		require.NoError(t, err)

		b, err := os.ReadFile(path)
		require.NoError(t, err)
		var info Info
		require.NoError(t, json.Unmarshal(b, &info))
		assert.Equal(t, os.Getpid(), info.PID)
		assert.Equal(t, host, info.Hostname)
		assert.Equal(t, l.Info().StartTime.Unix(), info.StartTime.Unix())

		l.Release(ctx)
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("HeldByLiveProcess", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".server.lock")
		l, err := Acquire(ctx, path, 15*time.Minute)
		require.NoError(t, err)
		defer l.Release(ctx)

		_, err = Acquire(ctx, path, 15*time.Minute)
		require.ErrorIs(t, err, ErrLocked)
		assert.Contains(t, err.Error(), "held by pid")
	})

	t.Run("StaleByAge", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".server.lock")
		writeLock(t, path, Info{PID: os.Getpid(), Hostname: host}, 20*time.Minute)

		l, err := Acquire(ctx, path, 15*time.Minute)
		require.NoError(t, err)
		l.Release(ctx)
	})

	t.Run("DeadPIDSameHost", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".server.lock")
		// pids are capped well below this on linux
		writeLock(t, path, Info{PID: 1 << 30, Hostname: host}, time.Minute)

		l, err := Acquire(ctx, path, 15*time.Minute)
		require.NoError(t, err)
		l.Release(ctx)
	})

	t.Run("DeadPIDOtherHost", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".server.lock")
		writeLock(t, path, Info{PID: 1 << 30, Hostname: host + "-other"}, time.Minute)

		_, err := Acquire(ctx, path, 15*time.Minute)
		assert.ErrorIs(t, err, ErrLocked)
	})

	t.Run("UnreadableRecent", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".server.lock")
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

		_, err := Acquire(ctx, path, 15*time.Minute)
		assert.ErrorIs(t, err, ErrLocked)
	})

	t.Run("MissingDir", func(t *testing.T) {
		_, err := Acquire(ctx, filepath.Join(t.TempDir(), "nope", ".server.lock"), time.Minute)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrLocked)
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), ".server.lock")
	l, err := Acquire(ctx, path, 15*time.Minute)
	require.NoError(t, err)
	defer l.Release(ctx)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	require.NoError(t, l.Refresh())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), st.ModTime(), time.Minute)
}

func TestReleaseTakenOver(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), ".server.lock")
	l, err := Acquire(ctx, path, 15*time.Minute)
	require.NoError(t, err)

	writeLock(t, path, Info{PID: os.Getpid() + 1, Hostname: "elsewhere"}, 0)
	l.Release(ctx)

	_, err = os.Stat(path)
	assert.NoError(t, err, "someone else's lock must be left alone")
}
