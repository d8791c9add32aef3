package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/launchpad/collector/pkg/metrics"
)

// TokenEnumerator pages through every launched token.
type TokenEnumerator interface {
	ListTokens(ctx context.Context, limit, offset int) ([]Token, error)
}

// KeyProvider resolves a creator's signing key. Implementations return ErrNoSigningKey when the
// creator has no stored key.
type KeyProvider interface {
	SigningKey(ctx context.Context, userID string) (solana.PrivateKey, error)
}

// Trading builds unsigned transactions for the fee collection and buy operations.
type Trading interface {
	CollectFee(ctx context.Context, mint, signer solana.PublicKey) ([]byte, error)
	Buy(ctx context.Context, mint, signer solana.PublicKey, lamports uint64) ([]byte, error)
}

// Chain is the subset of ledger operations the engine needs.
type Chain interface {
	GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
	SubmitAndConfirm(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	TransferNative(ctx context.Context, from solana.PrivateKey, to solana.PublicKey, lamports uint64) (solana.Signature, error)
	ScanHolders(ctx context.Context, mint solana.PublicKey) ([]Holder, error)
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)
	TransferAllTokens(ctx context.Context, from solana.PrivateKey, mint, to solana.PublicKey) (solana.Signature, uint64, error)
}

const (
	DefaultPageSize             = 1000
	DefaultMaxHolders           = 10
	DefaultSettleTimeout        = 3 * time.Second
	DefaultSupportSettleTimeout = 5 * time.Second
	DefaultSettleInterval       = 250 * time.Millisecond

	// Epsilon is the smallest balance increase attributed to a collection that was already
	// processed elsewhere: 0.0001 SOL.
	Epsilon int64 = 100_000
)

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Tokens  TokenEnumerator
	Keys    KeyProvider
	Trading Trading
	Chain   Chain

	PageSize   int
	MaxHolders int

	// Support-token leg target. Both must be set for the leg to execute.
	SupportMint      solana.PublicKey
	SupportRecipient solana.PublicKey

	// SettleTimeout bounds the wait for the creator balance to reflect a collection. Zero samples
	// immediately.
	SettleTimeout        time.Duration
	SettleInterval       time.Duration
	SupportSettleTimeout time.Duration

	ExcludeHolders            []solana.PublicKey
	ExcludeCreatorFromHolders bool

	// DryRun plans every leg without executing any.
	DryRun bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Tokens == nil {
		return errors.New("token enumerator is required")
	}
	if cfg.Keys == nil {
		return errors.New("key provider is required")
	}
	if cfg.Trading == nil {
		return errors.New("trading client is required")
	}
	if cfg.Chain == nil {
		return errors.New("chain client is required")
	}
	if cfg.SettleTimeout < 0 || cfg.SupportSettleTimeout < 0 {
		return errors.New("settle timeouts must not be negative")
	}
	if cfg.SupportMint.IsZero() != cfg.SupportRecipient.IsZero() {
		return errors.New("support mint and support recipient must be configured together")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxHolders <= 0 {
		cfg.MaxHolders = DefaultMaxHolders
	}
	if cfg.SettleInterval <= 0 {
		cfg.SettleInterval = DefaultSettleInterval
	}
	return nil
}

// Engine runs fee collection and distribution over every launched token.
type Engine struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Run processes every token sequentially. It never returns an error: enumeration failures are
// recorded on the summary and per-token failures on their results.
func (e *Engine) Run(ctx context.Context) *RunSummary {
	summary := &RunSummary{
		ID:        uuid.New(),
		StartedAt: e.cfg.Clock.Now().UTC(),
		Results:   []TokenResult{},
	}
	log := e.log.With("run_id", summary.ID.String())
	log.Info("distribution: run started", "dry_run", e.cfg.DryRun)

	txn := sentry.StartTransaction(ctx, "fee_collection.run")
	txn.SetTag("run_id", summary.ID.String())
	defer txn.Finish()
	ctx = txn.Context()

	offset := 0
	for {
		page, err := e.cfg.Tokens.ListTokens(ctx, e.cfg.PageSize, offset)
		if err != nil {
			summary.Error = fmt.Sprintf("failed to list tokens at offset %d: %v", offset, err)
			log.Error("distribution: failed to list tokens", "offset", offset, "error", err)
			sentry.CaptureException(err)
			break
		}
		for _, token := range page {
			if err := ctx.Err(); err != nil {
				summary.Error = fmt.Sprintf("run interrupted: %v", err)
				break
			}
			summary.Results = append(summary.Results, e.processGuarded(ctx, log, token))
		}
		if summary.Error != "" || len(page) < e.cfg.PageSize {
			break
		}
		offset += len(page)
	}

	summary.FinishedAt = e.cfg.Clock.Now().UTC()
	log.Info("distribution: run finished",
		"tokens", len(summary.Results),
		"succeeded", summary.Succeeded(),
		"failed", summary.Failed(),
		"duration", summary.Duration().String(),
	)
	return summary
}

func (e *Engine) processGuarded(ctx context.Context, log *slog.Logger, token Token) (result TokenResult) {
	span := sentry.StartSpan(ctx, "fee_collection.token", sentry.WithDescription(token.Mint.String()))
	span.SetData("token.name", token.Name)
	defer func() {
		if r := recover(); r != nil {
			log.Error("distribution: panic while processing token", "mint", token.Mint.String(), "panic", r)
			sentry.CurrentHub().Recover(r)
			metrics.TokensProcessedTotal.WithLabelValues("failed").Inc()
			result = TokenResult{
				Token:   token.Mint.String(),
				Name:    token.Name,
				Success: false,
				Error:   fmt.Sprintf("panic: %v", r),
			}
		}
		span.Status = sentry.SpanStatusOK
		if !result.Success {
			span.Status = sentry.SpanStatusInternalError
		}
		span.Finish()
	}()
	return e.processToken(span.Context(), log, token)
}

// ProcessToken runs collection and distribution for a single token.
func (e *Engine) ProcessToken(ctx context.Context, token Token) TokenResult {
	return e.processGuarded(ctx, e.log, token)
}

func (e *Engine) processToken(ctx context.Context, log *slog.Logger, token Token) TokenResult {
	log = log.With("mint", token.Mint.String(), "name", token.Name)
	result := TokenResult{Token: token.Mint.String(), Name: token.Name}

	fail := func(err error) TokenResult {
		log.Error("distribution: token failed", "error", err)
		metrics.TokensProcessedTotal.WithLabelValues("failed").Inc()
		result.Success = false
		result.Error = err.Error()
		return result
	}

	key, err := e.cfg.Keys.SigningKey(ctx, token.CreatorUserID)
	if err != nil {
		return fail(&ConfigurationError{UserID: token.CreatorUserID, Err: err})
	}
	signer := key.PublicKey()

	before, err := e.cfg.Chain.GetBalance(ctx, signer)
	if err != nil {
		return fail(&UpstreamError{Op: "read creator balance", Err: err})
	}

	attempt, err := e.collectFee(ctx, token.Mint, key)
	if err != nil {
		return fail(err)
	}

	after, err := e.awaitBalanceChange(ctx, signer, before, e.cfg.SettleTimeout)
	if err != nil {
		return fail(&UpstreamError{Op: "read creator balance after collection", Err: err})
	}
	Reconcile(attempt, before, after)
	result.Collection = attempt
	log.Info("distribution: fee collection reconciled",
		"outcome", string(attempt.Outcome),
		"already_collected", attempt.AlreadyCollected,
		"delta_sol", signedLamportsToSOL(attempt.Delta).String(),
	)
	metrics.TokensProcessedTotal.WithLabelValues(string(attempt.Outcome)).Inc()

	switch attempt.Outcome {
	case OutcomeNoFees:
		result.Success = true
		result.Message = "no fees to distribute"
		return result
	case OutcomeUndeterminable:
		result.Success = true
		result.Message = "fees already collected, amount cannot be determined"
		return result
	}
	metrics.LamportsCollectedTotal.Add(float64(attempt.Collected))

	policy := token.FeeDistribution
	plan := PlanDistribution(policy, attempt.Collected)
	result.Plan = &plan
	if plan.DefaultedToDev {
		log.Warn("distribution: fee policy sums to zero, defaulting to dev")
	}

	var holders []Holder
	if plan.Leg(LegHolders).Active {
		holders = e.resolveHolders(ctx, log, token, signer)
	}

	dev := token.CreatorWallet
	if dev.IsZero() {
		dev = signer
	}
	result.Legs = e.execute(ctx, log, disbursement{
		mint:    token.Mint,
		key:     key,
		dev:     dev,
		plan:    plan,
		holders: holders,
	})

	result.Success = true
	if failed := failedLegs(result.Legs); failed > 0 {
		result.Message = fmt.Sprintf("%d of %d distribution legs failed", failed, result.ExecutedLegs())
	}
	log.Info("distribution: token processed",
		"collected_sol", LamportsToSOL(attempt.Collected).String(),
		"legs", len(result.Legs),
		"message", result.Message,
	)
	return result
}

func failedLegs(legs []LegResult) int {
	n := 0
	for _, l := range legs {
		if !l.Skipped && !l.Success {
			n++
		}
	}
	return n
}
