// Package targets computes the SOC the battery should be charged to
// overnight, from the monthly seasonal table and the solar forecast.
package targets

import (
	"errors"
	"fmt"
	"time"

	"github.com/raterudder/gridcharge/pkg/types"
)

// ErrInvalidMonth is the panic value for a month outside January-December.
var ErrInvalidMonth = errors.New("month out of range")

// Table looks up seasonal targets by month.
type Table struct {
	targets types.SeasonalTargets
}

// NewTable validates the targets and returns a Table.
func NewTable(t types.SeasonalTargets) (*Table, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Table{targets: t}, nil
}

// Lookup returns the targets for month. A month outside 1-12 is a programming
// error and panics.
func (t *Table) Lookup(month time.Month) types.MonthTargets {
	if month < time.January || month > time.December {
		panic(fmt.Errorf("%w: %d", ErrInvalidMonth, month))
	}
	return t.targets[month-1]
}
