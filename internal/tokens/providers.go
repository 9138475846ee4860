package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/walltrack/walltrack-engine/pkg/models"
)

// Metadata providers. DexScreener is the primary aggregator, Birdeye the
// fallback. Both are thin HTTP clients in the engine's usual shape: a
// Config struct, a constructor, and per-call context deadlines.

// Provider fetches metadata and safety signals for a single token.
type Provider interface {
	Name() string
	FetchToken(ctx context.Context, address string) (models.TokenRecord, error)
}

// ─── DexScreener (primary) ──────────────────────────────────────────

type DexScreenerConfig struct {
	BaseURL string
	Timeout time.Duration
}

type DexScreenerClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewDexScreenerClient(cfg DexScreenerConfig) *DexScreenerClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.dexscreener.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &DexScreenerClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *DexScreenerClient) Name() string { return "dexscreener" }

type dexScreenerResponse struct {
	Pairs []struct {
		BaseToken struct {
			Address string `json:"address"`
			Symbol  string `json:"symbol"`
		} `json:"baseToken"`
		PriceUSD  string `json:"priceUsd"`
		Liquidity struct {
			USD float64 `json:"usd"`
		} `json:"liquidity"`
		FDV    float64 `json:"fdv"`
		Volume struct {
			H24 float64 `json:"h24"`
		} `json:"volume"`
		PairCreatedAt int64 `json:"pairCreatedAt"` // unix millis
	} `json:"pairs"`
}

func (c *DexScreenerClient) FetchToken(ctx context.Context, address string) (models.TokenRecord, error) {
	url := fmt.Sprintf("%s/latest/dex/tokens/%s", c.baseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.TokenRecord{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.TokenRecord{}, fmt.Errorf("dexscreener request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.TokenRecord{}, fmt.Errorf("dexscreener returned status %d", resp.StatusCode)
	}

	var body dexScreenerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.TokenRecord{}, fmt.Errorf("dexscreener decode failed: %w", err)
	}
	if len(body.Pairs) == 0 {
		return models.TokenRecord{}, fmt.Errorf("dexscreener has no pairs for %s", address)
	}

	// Multiple pairs may trade the token; use the deepest one.
	best := body.Pairs[0]
	for _, p := range body.Pairs[1:] {
		if p.Liquidity.USD > best.Liquidity.USD {
			best = p
		}
	}

	price, _ := strconv.ParseFloat(best.PriceUSD, 64)
	rec := models.TokenRecord{
		Address:      address,
		Symbol:       best.BaseToken.Symbol,
		PriceUSD:     price,
		LiquidityUSD: best.Liquidity.USD,
		MarketCapUSD: best.FDV,
		Volume24hUSD: best.Volume.H24,
		Source:       c.Name(),
		FetchedAt:    time.Now(),
	}
	if best.PairCreatedAt > 0 {
		created := time.UnixMilli(best.PairCreatedAt)
		rec.AgeMinutes = time.Since(created).Minutes()
	}
	return rec, nil
}

// ─── Birdeye (fallback) ─────────────────────────────────────────────

type BirdeyeConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type BirdeyeClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewBirdeyeClient(cfg BirdeyeConfig) *BirdeyeClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://public-api.birdeye.so"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &BirdeyeClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *BirdeyeClient) Name() string { return "birdeye" }

type birdeyeOverviewResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Symbol      string  `json:"symbol"`
		Price       float64 `json:"price"`
		Liquidity   float64 `json:"liquidity"`
		MarketCap   float64 `json:"mc"`
		Volume24h   float64 `json:"v24hUSD"`
		HolderCount int     `json:"holder"`
	} `json:"data"`
}

type birdeyeSecurityResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Top10HolderPercent float64 `json:"top10HolderPercent"`
		FreezeAuthority    *string `json:"freezeAuthority"`
		MintAuthority      *string `json:"mintAuthority"`
		CreationTime       int64   `json:"creationTime"` // unix seconds
	} `json:"data"`
}

func (c *BirdeyeClient) FetchToken(ctx context.Context, address string) (models.TokenRecord, error) {
	var overview birdeyeOverviewResponse
	if err := c.get(ctx, "/defi/token_overview?address="+address, &overview); err != nil {
		return models.TokenRecord{}, err
	}
	if !overview.Success {
		return models.TokenRecord{}, fmt.Errorf("birdeye overview unsuccessful for %s", address)
	}

	rec := models.TokenRecord{
		Address:      address,
		Symbol:       overview.Data.Symbol,
		PriceUSD:     overview.Data.Price,
		LiquidityUSD: overview.Data.Liquidity,
		MarketCapUSD: overview.Data.MarketCap,
		Volume24hUSD: overview.Data.Volume24h,
		HolderCount:  overview.Data.HolderCount,
		Source:       c.Name(),
		FetchedAt:    time.Now(),
	}

	// Security lookup is best-effort; missing safety data leaves the
	// zero values (no honeypot, no authorities) rather than failing the
	// whole record.
	var security birdeyeSecurityResponse
	if err := c.get(ctx, "/defi/token_security?address="+address, &security); err == nil && security.Success {
		rec.Top10HolderPct = security.Data.Top10HolderPercent
		rec.HasFreezeAuthority = security.Data.FreezeAuthority != nil
		rec.HasMintAuthority = security.Data.MintAuthority != nil
		if security.Data.CreationTime > 0 {
			rec.AgeMinutes = time.Since(time.Unix(security.Data.CreationTime, 0)).Minutes()
		}
	}
	return rec, nil
}

func (c *BirdeyeClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("x-chain", "solana")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("birdeye request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("birdeye returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
