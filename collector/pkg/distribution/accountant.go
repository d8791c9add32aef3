package distribution

import (
	"context"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Reconcile attributes the creator balance change around a collection call and fills in the
// attempt's outcome.
//
//	fresh collection,   delta <= 0    -> no fees (fees did not cover the transaction cost)
//	fresh collection,   delta > 0     -> collected = delta
//	already collected,  delta > eps   -> collected = delta
//	already collected,  delta <= eps  -> undeterminable
func Reconcile(attempt *CollectionAttempt, before, after uint64) {
	attempt.BalanceBefore = before
	attempt.BalanceAfter = after
	attempt.Delta = balanceDelta(before, after)
	attempt.Collected = 0

	threshold := int64(0)
	if attempt.AlreadyCollected {
		threshold = Epsilon
	}
	switch {
	case attempt.Delta > threshold:
		attempt.Outcome = OutcomeCollected
		attempt.Collected = uint64(attempt.Delta)
	case attempt.AlreadyCollected:
		attempt.Outcome = OutcomeUndeterminable
	default:
		attempt.Outcome = OutcomeNoFees
	}
}

func balanceDelta(before, after uint64) int64 {
	if after >= before {
		d := after - before
		if d > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(d)
	}
	d := before - after
	if d > math.MaxInt64 {
		return math.MinInt64
	}
	return -int64(d)
}

// awaitBalanceChange polls account until its balance differs from before or timeout elapses,
// returning the last sample.
func (e *Engine) awaitBalanceChange(ctx context.Context, account solana.PublicKey, before uint64, timeout time.Duration) (uint64, error) {
	deadline := e.cfg.Clock.Now().Add(timeout)
	for {
		balance, err := e.cfg.Chain.GetBalance(ctx, account)
		if err != nil {
			return 0, err
		}
		if balance != before {
			return balance, nil
		}
		remaining := deadline.Sub(e.cfg.Clock.Now())
		if remaining <= 0 {
			return balance, nil
		}
		wait := min(e.cfg.SettleInterval, remaining)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-e.cfg.Clock.After(wait):
		}
	}
}

func signedLamportsToSOL(lamports int64) decimal.Decimal {
	return decimal.New(lamports, -9)
}
