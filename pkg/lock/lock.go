// Package lock makes sure only one instance runs against a battery at a time.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/raterudder/gridcharge/pkg/log"
)

// ErrLocked is returned when another live instance holds the lock.
var ErrLocked = errors.New("another instance is already running")

// Info is the content of the lock file.
type Info struct {
	PID       int       `json:"pid"`
	StartTime time.Time `json:"startTime"`
	Hostname  string    `json:"hostname"`
}

// Lock is a held lock file. Refresh it more often than the stale timeout so a
// long running instance isn't taken over.
type Lock struct {
	path string
	info Info
}

// Acquire creates the lock file at path. An existing lock is taken over when
// its file hasn't been touched for staleAfter, or when it was written by a
// process on this host that no longer exists.
func Acquire(ctx context.Context, path string, staleAfter time.Duration) (*Lock, error) {
	host, _ := os.Hostname()
	l := &Lock{
		path: path,
		info: Info{PID: os.Getpid(), StartTime: time.Now().UTC(), Hostname: host},
	}
	b, err := json.Marshal(l.info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock: %w", err)
	}

	// a second attempt is only made after removing a stale lock
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.Write(b)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file: %w", errors.Join(werr, cerr))
			}
			log.Ctx(ctx).InfoContext(ctx, "lock acquired", slog.String("path", path), slog.Int("pid", l.info.PID))
			return l, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		stale, reason, err := isStale(path, host, staleAfter)
		if err != nil {
			return nil, err
		}
		if !stale {
			return nil, fmt.Errorf("%w: %s", ErrLocked, reason)
		}
		log.Ctx(ctx).WarnContext(ctx, "removing stale lock", slog.String("path", path), slog.String("reason", reason))
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: lock was recreated while taking it over", ErrLocked)
}

func isStale(path, host string, staleAfter time.Duration) (bool, string, error) {
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return true, "lock disappeared", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to stat lock file: %w", err)
	}
	age := time.Since(st.ModTime())
	if age >= staleAfter {
		return true, fmt.Sprintf("lock is %s old", age.Round(time.Second)), nil
	}

	var info Info
	b, err := os.ReadFile(path)
	if err != nil {
		return false, "", fmt.Errorf("failed to read lock file: %w", err)
	}
	if err := json.Unmarshal(b, &info); err != nil {
		// a half written lock from a crash, fall back to the age check
		return false, fmt.Sprintf("unreadable lock %s old", age.Round(time.Second)), nil
	}
	if info.Hostname == host && info.PID > 0 && !processAlive(info.PID) {
		return true, fmt.Sprintf("pid %d is not running", info.PID), nil
	}
	return false, fmt.Sprintf("held by pid %d on %s since %s", info.PID, info.Hostname, info.StartTime.Format(time.RFC3339)), nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	// EPERM means it exists but belongs to someone else
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Info returns what was written to the lock file.
func (l *Lock) Info() Info {
	return l.info
}

// Refresh touches the lock file so it doesn't go stale.
func (l *Lock) Refresh() error {
	now := time.Now()
	if err := os.Chtimes(l.path, now, now); err != nil {
		return fmt.Errorf("failed to refresh lock: %w", err)
	}
	return nil
}

// Release removes the lock file if it is still ours.
func (l *Lock) Release(ctx context.Context) {
	var info Info
	if b, err := os.ReadFile(l.path); err == nil && json.Unmarshal(b, &info) == nil && info.PID != l.info.PID {
		log.Ctx(ctx).WarnContext(ctx, "lock was taken over, not removing", slog.Int("pid", info.PID))
		return
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Ctx(ctx).WarnContext(ctx, "failed to release lock", slog.Any("error", err))
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "lock released", slog.String("path", l.path))
}
