package distribution

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// PlannedLeg is one of the four planned payouts for a collected amount.
type PlannedLeg struct {
	Kind    LegKind `json:"type"`
	Percent float64 `json:"percent"`
	Amount  uint64  `json:"amount"`
	Active  bool    `json:"active"`
}

// Plan is the effective policy applied to a collected amount.
type Plan struct {
	Total          uint64       `json:"total"`
	Policy         Policy       `json:"policy"`
	DefaultedToDev bool         `json:"defaulted_to_dev,omitempty"`
	Legs           []PlannedLeg `json:"legs"`
}

// Leg returns the planned leg of the given kind.
func (p *Plan) Leg(kind LegKind) PlannedLeg {
	for _, l := range p.Legs {
		if l.Kind == kind {
			return l
		}
	}
	return PlannedLeg{Kind: kind}
}

// Allocated is the sum of all planned leg amounts.
func (p *Plan) Allocated() uint64 {
	var sum uint64
	for _, l := range p.Legs {
		sum += l.Amount
	}
	return sum
}

var hundred = decimal.NewFromInt(100)

// PlanDistribution splits total across the policy legs. Percentages are not rescaled: a policy
// summing below 100 leaves the remainder with the creator wallet, one summing above 100 may
// over-allocate. A policy summing to exactly zero sends everything to dev.
func PlanDistribution(policy Policy, total uint64) Plan {
	eff := Policy{
		Holders:      clampPercent(policy.Holders),
		Dev:          clampPercent(policy.Dev),
		Flywheel:     clampPercent(policy.Flywheel),
		SupportToken: clampPercent(policy.SupportToken),
	}

	plan := Plan{Total: total}
	if eff.Holders+eff.Dev+eff.Flywheel+eff.SupportToken == 0 {
		eff = DefaultPolicy
		plan.DefaultedToDev = true
	}
	plan.Policy = eff

	for _, l := range []struct {
		kind LegKind
		pct  float64
	}{
		{LegHolders, eff.Holders},
		{LegDev, eff.Dev},
		{LegFlywheel, eff.Flywheel},
		{LegSupportToken, eff.SupportToken},
	} {
		plan.Legs = append(plan.Legs, PlannedLeg{
			Kind:    l.kind,
			Percent: l.pct,
			Amount:  shareOf(total, l.pct),
			Active:  l.pct > 0,
		})
	}
	return plan
}

func clampPercent(pct float64) float64 {
	if math.IsNaN(pct) || math.IsInf(pct, 0) || pct <= 0 {
		return 0
	}
	return pct
}

// shareOf computes floor(total * pct / 100) without float rounding on the lamport side.
func shareOf(total uint64, pct float64) uint64 {
	if total == 0 || pct <= 0 {
		return 0
	}
	amount := decimal.NewFromBigInt(new(big.Int).SetUint64(total), 0).
		Mul(decimal.NewFromFloat(pct)).
		Div(hundred).
		Floor()
	bi := amount.BigInt()
	if !bi.IsUint64() {
		return math.MaxUint64
	}
	return bi.Uint64()
}

// LamportsToSOL converts lamports to a SOL decimal for logs and summaries.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -9)
}
