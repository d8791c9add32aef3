package pumpportal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/launchpad/collector/pkg/distribution"
	"github.com/malbeclabs/launchpad/collector/pkg/metrics"
	"github.com/malbeclabs/launchpad/utils/pkg/retry"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL     = "https://pumpportal.fun"
	DefaultPriorityFee = "0.000001"
	DefaultSlippage    = 10
	DefaultPool        = "auto"

	actionCollectCreatorFee = "collectCreatorFee"
	actionBuy               = "buy"

	maxErrorBody = 64 << 10
)

// APIError is a non-200 response from the trade-local endpoint.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pumpportal: status %d: %s", e.Status, e.Message)
}

func (e *APIError) StatusCode() int { return e.Status }

type Config struct {
	Logger     *slog.Logger
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	PriorityFee decimal.Decimal
	Slippage    int
	Pool        string
	Retry       retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.PriorityFee.IsZero() {
		cfg.PriorityFee = decimal.RequireFromString(DefaultPriorityFee)
	}
	if cfg.PriorityFee.IsNegative() {
		return errors.New("priority fee must not be negative")
	}
	if cfg.Slippage <= 0 {
		cfg.Slippage = DefaultSlippage
	}
	if cfg.Pool == "" {
		cfg.Pool = DefaultPool
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Client builds unsigned transactions through the PumpPortal local trading API.
type Client struct {
	log *slog.Logger
	cfg Config
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

type tradeRequest struct {
	PublicKey        string      `json:"publicKey"`
	Action           string      `json:"action"`
	Mint             string      `json:"mint,omitempty"`
	Amount           json.Number `json:"amount,omitempty"`
	DenominatedInSol string      `json:"denominatedInSol,omitempty"`
	Slippage         int         `json:"slippage,omitempty"`
	PriorityFee      json.Number `json:"priorityFee"`
	Pool             string      `json:"pool,omitempty"`
}

// CollectFee returns the serialized transaction that claims signer's creator fees for mint.
func (c *Client) CollectFee(ctx context.Context, mint, signer solana.PublicKey) ([]byte, error) {
	req := tradeRequest{
		PublicKey:   signer.String(),
		Action:      actionCollectCreatorFee,
		PriorityFee: c.priorityFee(),
	}
	if !mint.IsZero() {
		req.Mint = mint.String()
	}
	return c.trade(ctx, req)
}

// Buy returns the serialized transaction that spends lamports of signer's SOL on mint.
func (c *Client) Buy(ctx context.Context, mint, signer solana.PublicKey, lamports uint64) ([]byte, error) {
	if lamports == 0 {
		return nil, errors.New("buy amount must be greater than 0")
	}
	return c.trade(ctx, tradeRequest{
		PublicKey:        signer.String(),
		Action:           actionBuy,
		Mint:             mint.String(),
		Amount:           json.Number(distribution.LamportsToSOL(lamports).String()),
		DenominatedInSol: "true",
		Slippage:         c.cfg.Slippage,
		PriorityFee:      c.priorityFee(),
		Pool:             c.cfg.Pool,
	})
}

func (c *Client) priorityFee() json.Number {
	return json.Number(c.cfg.PriorityFee.String())
}

func (c *Client) trade(ctx context.Context, req tradeRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trade request: %w", err)
	}

	endpoint := c.cfg.BaseURL + "/api/trade-local"
	if c.cfg.APIKey != "" {
		endpoint += "?api-key=" + url.QueryEscape(c.cfg.APIKey)
	}

	retryCfg := c.cfg.Retry
	retryCfg.Retryable = func(err error) bool {
		if distribution.ClassOf(err) != distribution.ClassOther {
			return false
		}
		return retry.IsRetryable(err)
	}
	retryCfg.OnRetry = func(attempt int, err error) {
		c.log.Warn("pumpportal: request failed, retrying", "action", req.Action, "mint", req.Mint, "attempt", attempt, "error", err)
	}

	return retry.DoValue(ctx, retryCfg, func() ([]byte, error) {
		start := time.Now()
		raw, err := c.post(ctx, endpoint, body)
		metrics.RecordRPC("pumpportal", req.Action, time.Since(start), err)
		return raw, err
	})
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Status: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
		return nil, distribution.Classified(distribution.ClassifyMessage(apiErr.Message), apiErr)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("pumpportal: empty transaction payload")
	}
	return raw, nil
}

// errorMessage extracts a human-readable message from a JSON or plain-text error body.
func errorMessage(raw []byte, status string) string {
	if gjson.ValidBytes(raw) {
		for _, path := range []string{"error.message", "error", "message", "errors.0"} {
			if v := gjson.GetBytes(raw, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return status
}
