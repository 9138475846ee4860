package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Batch price providers. The monitor polls in chunks sized to each
// provider's batch limit and falls back from primary to secondary when a
// chunk fails.

// Provider fetches current USD prices for a batch of mints. Mints missing
// from the response are simply absent from the result map.
type Provider interface {
	Name() string
	MaxBatch() int
	FetchPrices(ctx context.Context, mints []string) (map[string]float64, error)
}

// ─── DexScreener ────────────────────────────────────────────────────

const (
	dexScreenerPriceURL  = "https://api.dexscreener.com/latest/dex/tokens/"
	dexScreenerMaxBatch  = 30
	defaultClientTimeout = 8 * time.Second
)

type DexScreenerPrices struct {
	httpClient *http.Client
}

func NewDexScreenerPrices() *DexScreenerPrices {
	return &DexScreenerPrices{httpClient: &http.Client{Timeout: defaultClientTimeout}}
}

func (d *DexScreenerPrices) Name() string  { return "dexscreener" }
func (d *DexScreenerPrices) MaxBatch() int { return dexScreenerMaxBatch }

func (d *DexScreenerPrices) FetchPrices(ctx context.Context, mints []string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dexScreenerPriceURL+strings.Join(mints, ","), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dexscreener price fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dexscreener returned status %d", resp.StatusCode)
	}

	var body struct {
		Pairs []struct {
			BaseToken struct {
				Address string `json:"address"`
			} `json:"baseToken"`
			PriceUSD     string `json:"priceUsd"`
			LiquidityUSD struct {
				USD float64 `json:"usd"`
			} `json:"liquidity"`
		} `json:"pairs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("dexscreener decode failed: %w", err)
	}

	// A token can appear in many pairs; keep the price from its deepest one.
	prices := make(map[string]float64, len(mints))
	depth := make(map[string]float64)
	for _, pair := range body.Pairs {
		addr := pair.BaseToken.Address
		price, err := strconv.ParseFloat(pair.PriceUSD, 64)
		if err != nil || price <= 0 {
			continue
		}
		if pair.LiquidityUSD.USD >= depth[addr] {
			depth[addr] = pair.LiquidityUSD.USD
			prices[addr] = price
		}
	}
	return prices, nil
}

// ─── Birdeye ────────────────────────────────────────────────────────

const (
	birdeyeMultiPriceURL = "https://public-api.birdeye.so/defi/multi_price"
	birdeyeMaxBatch      = 100
)

type BirdeyePrices struct {
	apiKey     string
	httpClient *http.Client
}

func NewBirdeyePrices(apiKey string) *BirdeyePrices {
	return &BirdeyePrices{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultClientTimeout},
	}
}

func (b *BirdeyePrices) Name() string  { return "birdeye" }
func (b *BirdeyePrices) MaxBatch() int { return birdeyeMaxBatch }

func (b *BirdeyePrices) FetchPrices(ctx context.Context, mints []string) (map[string]float64, error) {
	url := birdeyeMultiPriceURL + "?list_address=" + strings.Join(mints, ",")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", b.apiKey)
	req.Header.Set("x-chain", "solana")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("birdeye price fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("birdeye returned status %d", resp.StatusCode)
	}

	var body struct {
		Success bool                       `json:"success"`
		Data    map[string]struct {
			Value float64 `json:"value"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("birdeye decode failed: %w", err)
	}
	if !body.Success {
		return nil, fmt.Errorf("birdeye reported failure")
	}

	prices := make(map[string]float64, len(body.Data))
	for addr, entry := range body.Data {
		if entry.Value > 0 {
			prices[addr] = entry.Value
		}
	}
	return prices, nil
}
