package utility

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/gridcharge/pkg/common"
	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/types"
)

const (
	octopusSlot     = 30 * time.Minute
	octopusMaxPages = 20
)

// Octopus implements Provider for Octopus Energy tariffs, e.g. Agile, using
// the public standard-unit-rates endpoint. No API key is needed.
type Octopus struct {
	apiURL  string
	product string
	tariff  string
	client  *http.Client

	mu          sync.Mutex
	lastSlot    time.Time
	cachedStart time.Time
	cachedEnd   time.Time
	cached      []types.Price
}

// configuredOctopus sets up flags for Octopus and returns the instance.
func configuredOctopus() *Octopus {
	o := &Octopus{
		client: common.HTTPClient(30 * time.Second),
	}
	apiURL := lflag.String("octopus-api-url", "https://api.octopus.energy/v1", "Base URL of the Octopus Energy API")
	product := lflag.String("octopus-product", "AGILE-FLEX-22-11-25", "Octopus product code")
	tariff := lflag.String("octopus-tariff", "E-1R-AGILE-FLEX-22-11-25-C", "Octopus electricity tariff code, the last letter is the region")

	lflag.Do(func() {
		o.apiURL = *apiURL
		o.product = *product
		o.tariff = *tariff
	})

	return o
}

// Validate ensures the configuration is valid.
func (o *Octopus) Validate() error {
	if o.apiURL == "" {
		return fmt.Errorf("octopus-api-url is required")
	}
	if _, err := url.Parse(o.apiURL); err != nil {
		return fmt.Errorf("failed to parse octopus url (%s): %w", o.apiURL, err)
	}
	if o.product == "" || o.tariff == "" {
		return fmt.Errorf("octopus-product and octopus-tariff are required")
	}
	return nil
}

type octopusRate struct {
	ValueIncVAT float64    `json:"value_inc_vat"`
	ValidFrom   time.Time  `json:"valid_from"`
	ValidTo     *time.Time `json:"valid_to"`
}

type octopusResponse struct {
	Count   int           `json:"count"`
	Next    *string       `json:"next"`
	Results []octopusRate `json:"results"`
}

// GetPrices returns the rates overlapping [start, end). Responses are cached
// until the next half-hour slot as long as the range is covered.
func (o *Octopus) GetPrices(ctx context.Context, start, end time.Time) ([]types.Price, error) {
	slot := time.Now().Truncate(octopusSlot)

	o.mu.Lock()
	if slot.Equal(o.lastSlot) && !start.Before(o.cachedStart) && !end.After(o.cachedEnd) {
		prices := filterPrices(o.cached, start, end)
		o.mu.Unlock()
		return prices, nil
	}
	o.mu.Unlock()

	// widen to whole slots so later calls within this slot hit the cache
	fetchStart := start.Truncate(octopusSlot)
	fetchEnd := end.Truncate(octopusSlot).Add(octopusSlot)
	prices, err := o.fetchPricesRange(ctx, fetchStart, fetchEnd)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.lastSlot = slot
	o.cachedStart = fetchStart
	o.cachedEnd = fetchEnd
	o.cached = prices
	o.mu.Unlock()

	return filterPrices(prices, start, end), nil
}

func (o *Octopus) ratesURL(start, end time.Time) (string, error) {
	u, err := url.Parse(o.apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	u.Path, err = url.JoinPath(u.Path, "products", o.product, "electricity-tariffs", o.tariff, "standard-unit-rates/")
	if err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("period_from", start.UTC().Format(time.RFC3339))
	params.Set("period_to", end.UTC().Format(time.RFC3339))
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// fetchPricesRange follows the paginated results until there's no next page.
func (o *Octopus) fetchPricesRange(ctx context.Context, start, end time.Time) ([]types.Price, error) {
	next, err := o.ratesURL(start, end)
	if err != nil {
		return nil, err
	}

	bySlot := make(map[int64]types.Price)
	for page := 0; next != ""; page++ {
		if page >= octopusMaxPages {
			return nil, fmt.Errorf("too many pages of octopus rates")
		}
		res, err := o.fetchPage(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, r := range res.Results {
			if r.ValidFrom.IsZero() {
				log.Ctx(ctx).WarnContext(ctx, "skipping octopus rate without valid_from")
				continue
			}
			validTo := r.ValidFrom.Add(octopusSlot)
			if r.ValidTo != nil {
				validTo = *r.ValidTo
			}
			bySlot[r.ValidFrom.Unix()] = types.Price{
				ValidFrom:   r.ValidFrom.UTC(),
				ValidTo:     validTo.UTC(),
				IncVATPrice: r.ValueIncVAT,
			}
		}
		next = ""
		if res.Next != nil {
			next = *res.Next
		}
	}

	prices := make([]types.Price, 0, len(bySlot))
	for _, p := range bySlot {
		prices = append(prices, p)
	}
	sort.Slice(prices, func(i, j int) bool {
		return prices[i].ValidFrom.Before(prices[j].ValidFrom)
	})
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched octopus prices",
		slog.Int("count", len(prices)),
		slog.String("start", start.Format(time.RFC3339)),
		slog.String("end", end.Format(time.RFC3339)),
	)
	return prices, nil
}

func (o *Octopus) fetchPage(ctx context.Context, pageURL string) (octopusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return octopusResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching prices from octopus", slog.String("url", pageURL))

	resp, err := o.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch prices", slog.Any("error", err))
		return octopusResponse{}, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if err := common.CheckResponse(resp); err != nil {
		return octopusResponse{}, fmt.Errorf("octopus api: %w", err)
	}

	var res octopusResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode octopus response", slog.Any("error", err))
		return octopusResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return res, nil
}

// filterPrices returns the prices overlapping [start, end).
func filterPrices(prices []types.Price, start, end time.Time) []types.Price {
	var out []types.Price
	for _, p := range prices {
		if p.ValidTo.After(start) && p.ValidFrom.Before(end) {
			out = append(out, p)
		}
	}
	return out
}
