package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/launchpad/collector/pkg/metrics"
)

type disbursement struct {
	mint    solana.PublicKey
	key     solana.PrivateKey
	dev     solana.PublicKey
	plan    Plan
	holders []Holder
}

// execute runs the active legs in order: holders, dev, flywheel, support token. A failing leg is
// recorded and the remaining legs still run.
func (e *Engine) execute(ctx context.Context, log *slog.Logger, d disbursement) []LegResult {
	var legs []LegResult

	if leg := d.plan.Leg(LegHolders); leg.Active {
		legs = append(legs, e.payHolders(ctx, d, leg.Amount)...)
	}
	if leg := d.plan.Leg(LegDev); leg.Active {
		legs = append(legs, e.transfer(ctx, LegDev, d.key, d.dev, leg.Amount))
	}
	if leg := d.plan.Leg(LegFlywheel); leg.Active {
		legs = append(legs, e.buy(ctx, LegFlywheel, d.mint, d.key, leg.Amount))
	}
	if leg := d.plan.Leg(LegSupportToken); leg.Active {
		legs = append(legs, e.supportToken(ctx, log, d.key, leg.Amount))
	}

	for _, l := range legs {
		status := legStatus(l)
		metrics.LegsTotal.WithLabelValues(string(l.Kind), status).Inc()
		if l.Success {
			metrics.LamportsDistributedTotal.WithLabelValues(string(l.Kind)).Add(float64(l.Amount))
		}
		attrs := []any{
			"leg", string(l.Kind),
			"target", targetString(l.Target),
			"amount_sol", LamportsToSOL(l.Amount).String(),
			"status", status,
			"signature", signatureString(l.Signature),
			"error", l.Error,
		}
		if status == "failed" || status == "partial" {
			log.Warn("distribution: leg did not complete", attrs...)
		} else {
			log.Info("distribution: leg executed", attrs...)
		}
	}
	return legs
}

func (e *Engine) payHolders(ctx context.Context, d disbursement, amount uint64) []LegResult {
	if len(d.holders) == 0 {
		return []LegResult{skippedLeg(LegHolders, solana.PublicKey{}, amount, "no holders found")}
	}
	share := amount / uint64(len(d.holders))
	legs := make([]LegResult, 0, len(d.holders))
	for _, h := range d.holders {
		legs = append(legs, e.transfer(ctx, LegHolders, d.key, h.Owner, share))
	}
	return legs
}

func (e *Engine) transfer(ctx context.Context, kind LegKind, key solana.PrivateKey, to solana.PublicKey, amount uint64) LegResult {
	if skip, ok := e.precheck(kind, to, amount); ok {
		return skip
	}
	sig, err := e.cfg.Chain.TransferNative(ctx, key, to, amount)
	return legResult(kind, to, amount, sig, err)
}

func (e *Engine) buy(ctx context.Context, kind LegKind, mint solana.PublicKey, key solana.PrivateKey, amount uint64) LegResult {
	if skip, ok := e.precheck(kind, mint, amount); ok {
		return skip
	}
	raw, err := e.cfg.Trading.Buy(ctx, mint, key.PublicKey(), amount)
	if err != nil {
		return legResult(kind, mint, amount, solana.Signature{}, fmt.Errorf("buy request failed: %w", err))
	}
	sig, err := e.signAndSubmit(ctx, raw, key)
	return legResult(kind, mint, amount, sig, err)
}

// supportToken buys the support token and forwards the whole resulting balance to the support
// recipient. A failed forward leaves the purchase successful with TransferSuccess false.
func (e *Engine) supportToken(ctx context.Context, log *slog.Logger, key solana.PrivateKey, amount uint64) LegResult {
	mint, recipient := e.cfg.SupportMint, e.cfg.SupportRecipient
	if mint.IsZero() || recipient.IsZero() {
		return skippedLeg(LegSupportToken, recipient, amount, "support token is not configured")
	}

	leg := e.buy(ctx, LegSupportToken, mint, key, amount)
	leg.Target = recipient
	if !leg.Success {
		return leg
	}

	forwarded := false
	leg.TransferSuccess = &forwarded

	received, err := e.awaitTokenBalance(ctx, key.PublicKey(), mint)
	if err != nil {
		leg.Error = fmt.Sprintf("failed to read support token balance: %v", err)
		return leg
	}
	if received == 0 {
		leg.Error = "no support tokens received before settle timeout"
		return leg
	}

	sig, sent, err := e.cfg.Chain.TransferAllTokens(ctx, key, mint, recipient)
	if err != nil {
		leg.Error = fmt.Sprintf("failed to forward support tokens: %v", err)
		leg.ErrorClass = ClassOf(err)
		log.Warn("distribution: support tokens purchased but not forwarded", "error", err, "balance", received)
		return leg
	}
	forwarded = true
	leg.ForwardSignature = sig
	leg.ForwardedAmount = sent
	return leg
}

func (e *Engine) awaitTokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	deadline := e.cfg.Clock.Now().Add(e.cfg.SupportSettleTimeout)
	for {
		balance, err := e.cfg.Chain.TokenBalance(ctx, owner, mint)
		if err != nil {
			return 0, err
		}
		if balance > 0 {
			return balance, nil
		}
		remaining := deadline.Sub(e.cfg.Clock.Now())
		if remaining <= 0 {
			return 0, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-e.cfg.Clock.After(min(e.cfg.SettleInterval, remaining)):
		}
	}
}

func (e *Engine) precheck(kind LegKind, target solana.PublicKey, amount uint64) (LegResult, bool) {
	if amount == 0 {
		return skippedLeg(kind, target, 0, "amount rounds down to zero"), true
	}
	if e.cfg.DryRun {
		return skippedLeg(kind, target, amount, "dry run"), true
	}
	return LegResult{}, false
}

func skippedLeg(kind LegKind, target solana.PublicKey, amount uint64, reason string) LegResult {
	return LegResult{Kind: kind, Target: target, Amount: amount, Skipped: true, Error: reason}
}

func legResult(kind LegKind, target solana.PublicKey, amount uint64, sig solana.Signature, err error) LegResult {
	res := LegResult{Kind: kind, Target: target, Amount: amount, Signature: sig, Success: err == nil}
	if err != nil {
		res.Error = err.Error()
		res.ErrorClass = ClassOf(err)
		if res.ErrorClass == ClassOther {
			var ce *ClassifiedError
			if !errors.As(err, &ce) {
				res.ErrorClass = ClassifyMessage(err.Error())
			}
		}
	}
	return res
}

func legStatus(l LegResult) string {
	switch {
	case l.Skipped:
		return "skipped"
	case !l.Success:
		return "failed"
	case l.TransferSuccess != nil && !*l.TransferSuccess:
		return "partial"
	}
	return "success"
}

func targetString(pk solana.PublicKey) string {
	if pk.IsZero() {
		return ""
	}
	return pk.String()
}

func signatureString(sig solana.Signature) string {
	if sig.IsZero() {
		return ""
	}
	return sig.String()
}
