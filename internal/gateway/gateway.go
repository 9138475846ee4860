package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/walltrack/walltrack-engine/pkg/models"
)

// Swap gateway client. All on-chain transaction crafting is delegated to an
// external gateway service: the engine asks for a quote, then submits the
// swap and receives the on-chain transaction signature, which becomes the
// order's idempotency key.

// Quote is a priced route returned by the gateway. Raw is passed back
// verbatim on swap so the gateway can reuse its route computation.
type Quote struct {
	InputMint  string          `json:"inputMint"`
	OutputMint string          `json:"outputMint"`
	InAmount   float64         `json:"inAmount"`
	OutAmount  float64         `json:"outAmount"`
	PriceUSD   float64         `json:"priceUsd"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// SwapResult is the outcome of a submitted swap.
type SwapResult struct {
	TxSignature string  `json:"txSignature"`
	OutAmount   float64 `json:"outAmount"`
	PriceUSD    float64 `json:"priceUsd"`
}

// Gateway is the outbound execution interface. The HTTP client talks to the
// real gateway; Simulated fills synthetically for simulation mode.
type Gateway interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount float64) (Quote, error)
	Swap(ctx context.Context, q Quote, slippageBps int) (SwapResult, error)
}

// ─── HTTP gateway ───────────────────────────────────────────────────

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amount float64) (Quote, error) {
	q := url.Values{}
	q.Set("input", inputMint)
	q.Set("output", outputMint)
	q.Set("amount", strconv.FormatFloat(amount, 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return Quote{}, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("gateway quote failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("gateway quote returned status %d", resp.StatusCode)
	}

	var quote Quote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return Quote{}, fmt.Errorf("gateway quote decode failed: %w", err)
	}
	return quote, nil
}

func (c *Client) Swap(ctx context.Context, quote Quote, slippageBps int) (SwapResult, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"quote":       quote,
		"slippageBps": slippageBps,
	})
	if err != nil {
		return SwapResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return SwapResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SwapResult{}, fmt.Errorf("gateway swap failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SwapResult{}, fmt.Errorf("gateway swap returned status %d", resp.StatusCode)
	}

	var result SwapResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return SwapResult{}, fmt.Errorf("gateway swap decode failed: %w", err)
	}
	if result.TxSignature == "" {
		return SwapResult{}, fmt.Errorf("gateway swap returned no tx signature")
	}
	return result, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// ─── Simulated gateway ──────────────────────────────────────────────

// Simulated fills every swap at the reference price supplied by a lookup
// function, without network calls. Used for simulation-mode wallets and in
// tests.
type Simulated struct {
	// PriceFunc returns the reference USD price for a mint. Nil means the
	// quote's own price is echoed back.
	PriceFunc func(mint string) float64
}

func (s *Simulated) Quote(ctx context.Context, inputMint, outputMint string, amount float64) (Quote, error) {
	q := Quote{
		InputMint:  inputMint,
		OutputMint: outputMint,
		InAmount:   amount,
		OutAmount:  amount,
	}
	if s.PriceFunc != nil {
		// Price the token leg, whichever side of the pair it is on.
		mint := outputMint
		if mint == models.WSOLMint {
			mint = inputMint
		}
		q.PriceUSD = s.PriceFunc(mint)
	}
	return q, nil
}

func (s *Simulated) Swap(ctx context.Context, q Quote, slippageBps int) (SwapResult, error) {
	return SwapResult{
		TxSignature: "sim-" + uuid.NewString(),
		OutAmount:   q.OutAmount,
		PriceUSD:    q.PriceUSD,
	}, nil
}
