// Command showforecast prints what the next cycle would decide without
// commanding the battery or recording anything.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/gridcharge/pkg/ess"
	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/notify"
	"github.com/raterudder/gridcharge/pkg/server"
	"github.com/raterudder/gridcharge/pkg/storage"
	"github.com/raterudder/gridcharge/pkg/utility"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	s := storage.Configured()
	e := ess.Configured(s)
	u := utility.Configured()
	srv := server.Configured(e, u, s, notify.NewMulti())

	lflag.Configure()
	// the report owns stdout
	log.SetOutput(os.Stderr)

	ctx := context.Background()
	err := srv.WriteReport(ctx, os.Stdout)
	if cerr := s.Close(); cerr != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to close storage", slog.Any("error", cerr))
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to build report", slog.Any("error", err))
		os.Exit(1)
	}
}
