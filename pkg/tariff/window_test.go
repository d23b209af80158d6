package tariff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/raterudder/gridcharge/pkg/types"
)

func at(hhmm string) time.Time {
	c := types.MustParseClockTime(hhmm)
	return time.Date(2026, 1, 15, int(c)/60, int(c)%60, 0, 0, time.UTC)
}

func TestInWindow(t *testing.T) {
	overnight := types.FixedWindowTariff{
		Start: types.MustParseClockTime("22:00"),
		End:   types.MustParseClockTime("04:00"),
	}
	goWindow := types.FixedWindowTariff{
		Start: types.MustParseClockTime("00:30"),
		End:   types.MustParseClockTime("05:30"),
	}

	tests := []struct {
		name   string
		window types.FixedWindowTariff
		now    string
		want   bool
	}{
		{"crossing midnight before midnight", overnight, "23:30", true},
		{"crossing midnight after midnight", overnight, "01:00", true},
		{"crossing midnight end is exclusive", overnight, "04:00", false},
		{"crossing midnight start is inclusive", overnight, "22:00", true},
		{"crossing midnight just before start", overnight, "21:59", false},
		{"crossing midnight midday", overnight, "12:00", false},
		{"same day start", goWindow, "00:30", true},
		{"same day last minute", goWindow, "05:29", true},
		{"same day end is exclusive", goWindow, "05:30", false},
		{"same day before start", goWindow, "00:29", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InWindow(at(tt.now), tt.window))
		})
	}

	t.Run("uses UTC not local time", func(t *testing.T) {
		// 00:45 BST is 23:45 UTC the previous evening
		bst := time.FixedZone("BST", 3600)
		now := time.Date(2026, 7, 1, 0, 45, 0, 0, bst)
		assert.False(t, InWindow(now, goWindow))
		// 06:15 BST is 05:15 UTC
		now = time.Date(2026, 7, 1, 6, 15, 0, 0, bst)
		assert.True(t, InWindow(now, goWindow))
	})
}

func TestIsCheapRateNow(t *testing.T) {
	w := types.FixedWindowTariff{
		Start: types.MustParseClockTime("00:30"),
		End:   types.MustParseClockTime("05:30"),
	}
	assert.False(t, IsCheapRateNow(at("12:00"), w, false, nil, 50))
	assert.True(t, IsCheapRateNow(at("12:00"), w, true, nil, 50))
	assert.True(t, IsCheapRateNow(at("01:00"), w, false, nil, 50))

	t.Run("dynamic delegates to price", func(t *testing.T) {
		from := at("12:00")
		prices := []types.Price{
			{ValidFrom: from, ValidTo: from.Add(30 * time.Minute), IncVATPrice: 5},
			{ValidFrom: from.Add(30 * time.Minute), ValidTo: from.Add(time.Hour), IncVATPrice: 30},
			{ValidFrom: from.Add(time.Hour), ValidTo: from.Add(90 * time.Minute), IncVATPrice: 40},
			{ValidFrom: from.Add(90 * time.Minute), ValidTo: from.Add(2 * time.Hour), IncVATPrice: 50},
		}
		cfg := types.DynamicPriceTariff{CheapPercentile: 25, ModeratePercentile: 25, CheapSOCThreshold: 60, ModerateSOCThreshold: 30, MinCheapMedianGap: 0.1}
		assert.True(t, IsCheapRateNow(from.Add(time.Minute), cfg, false, prices, 40))
		assert.False(t, IsCheapRateNow(from.Add(time.Minute), cfg, false, prices, 80))
	})
}

func TestWindowEnding(t *testing.T) {
	w := types.FixedWindowTariff{
		Start: types.MustParseClockTime("00:30"),
		End:   types.MustParseClockTime("05:00"),
	}
	// across the hour boundary the gap is 5 minutes, not 45
	assert.Equal(t, 5, MinutesUntilEnd(at("04:55"), w))
	assert.True(t, WindowEnding(at("04:55"), w, 10))
	assert.True(t, WindowEnding(at("04:50"), w, 10))
	assert.False(t, WindowEnding(at("04:49"), w, 10))
	assert.False(t, WindowEnding(at("05:00"), w, 10))

	overnight := types.FixedWindowTariff{
		Start: types.MustParseClockTime("23:00"),
		End:   types.MustParseClockTime("00:05"),
	}
	assert.Equal(t, 10, MinutesUntilEnd(at("23:55"), overnight))
	assert.True(t, WindowEnding(at("23:55"), overnight, 10))
	assert.Equal(t, 65, MinutesUntilEnd(at("23:00"), overnight))
}
