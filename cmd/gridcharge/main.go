package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/raterudder/gridcharge/pkg/ess"
	"github.com/raterudder/gridcharge/pkg/lock"
	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/notify"
	"github.com/raterudder/gridcharge/pkg/server"
	"github.com/raterudder/gridcharge/pkg/storage"
	"github.com/raterudder/gridcharge/pkg/utility"
)

func main() {
	// .env is optional, real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	s := storage.Configured()
	e := ess.Configured(s)
	u := utility.Configured()
	n := notify.Configured()
	srv := server.Configured(e, u, s, n)

	lockFile := lflag.String("lock-file", ".server.lock", "Path of the single instance lock file")
	lockStale := lflag.Duration("lock-stale-after", 15*time.Minute, "Age after which an unrefreshed lock is taken over")

	lflag.Configure()

	log.SetDefaultLogLevel(slogLevel())
	// libraries logging through slog directly end up in the same stream
	slog.SetDefault(log.Default())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	l, err := lock.Acquire(ctx, *lockFile, *lockStale)
	if err != nil {
		msg := "failed to acquire lock"
		if errors.Is(err, lock.ErrLocked) {
			msg = "another instance is running"
		}
		log.Ctx(ctx).ErrorContext(ctx, msg, slog.String("lockFile", *lockFile), slog.Any("error", err))
		os.Exit(1)
	}
	srv.SetLock(l)

	code := 0
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		code = 1
	} else {
		log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
	}

	n.Close()
	if err := s.Close(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
	}
	l.Release(context.WithoutCancel(ctx))
	cancel()
	os.Exit(code)
}

// slogLevel maps the level lflag set on llog to slog.
func slogLevel() slog.Level {
	switch llog.GetLevel() {
	case llog.DebugLevel:
		return slog.LevelDebug
	case llog.InfoLevel:
		return slog.LevelInfo
	case llog.WarnLevel:
		return slog.LevelWarn
	case llog.ErrorLevel:
		return slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
}
