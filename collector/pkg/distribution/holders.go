package distribution

import (
	"bytes"
	"context"
	"log/slog"
	"slices"

	"github.com/gagliardetto/solana-go"
)

// RankHolders drops empty and excluded accounts, orders the rest by balance descending (ties by
// owner) and keeps the top n.
func RankHolders(all []Holder, n int, exclude map[solana.PublicKey]struct{}) []Holder {
	ranked := make([]Holder, 0, len(all))
	for _, h := range all {
		if h.Balance == 0 {
			continue
		}
		if _, ok := exclude[h.Owner]; ok {
			continue
		}
		ranked = append(ranked, h)
	}
	slices.SortStableFunc(ranked, func(a, b Holder) int {
		switch {
		case a.Balance > b.Balance:
			return -1
		case a.Balance < b.Balance:
			return 1
		}
		return bytes.Compare(a.Owner[:], b.Owner[:])
	})
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// resolveHolders returns the top holders of the token. A failed scan degrades to no holders.
func (e *Engine) resolveHolders(ctx context.Context, log *slog.Logger, token Token, signer solana.PublicKey) []Holder {
	all, err := e.cfg.Chain.ScanHolders(ctx, token.Mint)
	if err != nil {
		log.Warn("distribution: holder scan failed, skipping holders leg", "error", err)
		return nil
	}

	exclude := make(map[solana.PublicKey]struct{}, len(e.cfg.ExcludeHolders)+2)
	for _, pk := range e.cfg.ExcludeHolders {
		exclude[pk] = struct{}{}
	}
	if e.cfg.ExcludeCreatorFromHolders {
		exclude[signer] = struct{}{}
		if !token.CreatorWallet.IsZero() {
			exclude[token.CreatorWallet] = struct{}{}
		}
	}

	holders := RankHolders(all, e.cfg.MaxHolders, exclude)
	log.Debug("distribution: holders resolved", "scanned", len(all), "selected", len(holders))
	return holders
}
