package chain

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/malbeclabs/launchpad/collector/pkg/metrics"
	"golang.org/x/time/rate"
)

const (
	DefaultMainnetRPCURL = "https://api.mainnet-beta.solana.com"

	rpcInvalidParams = -32602
)

// RPCConfig configures the JSON-RPC transport.
type RPCConfig struct {
	Endpoint string
	Headers  map[string]string
	// RequestsPerSecond caps outgoing requests; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// NewRPC returns a solana-go RPC client whose requests are rate limited and instrumented.
func NewRPC(cfg RPCConfig) *rpc.Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultMainnetRPCURL
	}
	inner := jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{
		HTTPClient:    &http.Client{Timeout: 60 * time.Second},
		CustomHeaders: cfg.Headers,
	})

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return rpc.NewWithCustomRPCClient(&limitedRPC{inner: inner, limiter: limiter})
}

// HeliusRPCURL returns the Helius mainnet endpoint for apiKey.
func HeliusRPCURL(apiKey string) string {
	return "https://mainnet.helius-rpc.com/?api-key=" + apiKey
}

// limitedRPC wraps a JSON-RPC transport with a client-side limiter and request metrics.
type limitedRPC struct {
	inner   jsonrpc.RPCClient
	limiter *rate.Limiter
}

func (c *limitedRPC) CallForInto(ctx context.Context, out any, method string, params []any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := c.inner.CallForInto(ctx, out, method, params)
	metrics.RecordRPC("solana", method, time.Since(start), err)
	return err
}

func (c *limitedRPC) CallWithCallback(ctx context.Context, method string, params []any, callback func(*http.Request, *http.Response) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := c.inner.CallWithCallback(ctx, method, params, callback)
	metrics.RecordRPC("solana", method, time.Since(start), err)
	return err
}

func (c *limitedRPC) CallBatch(ctx context.Context, requests jsonrpc.RPCRequests) (jsonrpc.RPCResponses, error) {
	if err := c.limiter.WaitN(ctx, max(1, len(requests))); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := c.inner.CallBatch(ctx, requests)
	metrics.RecordRPC("solana", "batch", time.Since(start), err)
	return res, err
}

func (c *limitedRPC) Close() error {
	return c.inner.Close()
}

// isAccountNotFound matches the invalid-params error nodes return for a token account that does
// not exist.
func isAccountNotFound(err error) bool {
	if errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == rpcInvalidParams && strings.Contains(strings.ToLower(rpcErr.Message), "could not find account")
	}
	return false
}
