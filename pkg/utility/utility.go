// Package utility fetches half-hourly import prices for the dynamic tariff.
package utility

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/gridcharge/pkg/types"
)

// Provider returns the import prices of the configured tariff.
type Provider interface {
	// GetPrices returns the slots overlapping [start, end) ordered by start.
	GetPrices(ctx context.Context, start, end time.Time) ([]types.Price, error)
}

// Configured sets up the price provider based on flags.
func Configured() Provider {
	provider := lflag.String("price-provider", "octopus", "Price provider for the dynamic tariff (available: octopus)")

	var p struct{ Provider }

	octopus := configuredOctopus()

	lflag.Do(func() {
		switch *provider {
		case "octopus":
			if err := octopus.Validate(); err != nil {
				panic(fmt.Sprintf("octopus validation failed: %v", err))
			}
			p.Provider = octopus
		default:
			panic(fmt.Sprintf("unknown price provider: %s", *provider))
		}
	})

	return &p
}
