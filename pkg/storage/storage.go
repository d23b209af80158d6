package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/gridcharge/pkg/types"
)

// Database persists the session state and the cycle history.
type Database interface {
	// Session
	// GetSessionState returns the stored state and the version it was written
	// with. A missing state is returned as the zero state with version 0.
	GetSessionState(ctx context.Context) (types.SessionState, int, error)
	SetSessionState(ctx context.Context, state types.SessionState, version int) error

	// History
	InsertAction(ctx context.Context, action types.Action) error
	GetActionHistory(ctx context.Context, start, end time.Time) ([]types.Action, error)
	GetLatestAction(ctx context.Context) (*types.Action, error)
	UpsertPrices(ctx context.Context, prices []types.Price) error
	GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.Price, error)

	// Simulated battery
	UpdateESSMockState(ctx context.Context, state types.ESSMockState) error
	GetESSMockState(ctx context.Context) (types.ESSMockState, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "file", "Storage provider to use (available: file, firestore)")

	var p struct{ Database }

	fs := configuredFirestore()
	file := configuredFile()

	lflag.Do(func() {
		switch *provider {
		case "file":
			if err := file.Validate(); err != nil {
				panic(fmt.Sprintf("file storage validation failed: %v", err))
			}
			p.Database = file
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
