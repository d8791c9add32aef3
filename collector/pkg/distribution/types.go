package distribution

import (
	"encoding/json"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Token is the read-only view of a launched token the engine operates on.
type Token struct {
	Mint            solana.PublicKey
	Name            string
	Symbol          string
	CreatorUserID   string
	CreatorWallet   solana.PublicKey
	FeeDistribution Policy
}

// Policy holds the four fee-split percentages configured by the token creator.
type Policy struct {
	Holders      float64 `json:"holders"`
	Dev          float64 `json:"dev"`
	Flywheel     float64 `json:"flywheel"`
	SupportToken float64 `json:"supportToken"`
}

// DefaultPolicy routes everything to the creator.
var DefaultPolicy = Policy{Dev: 100}

// UnmarshalJSON accepts the historical support-leg keys written by older clients. A document
// without a dev key gives the creator 100; an explicit null gives 0.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var raw struct {
		Holders       *float64        `json:"holders"`
		Dev           json.RawMessage `json:"dev"`
		Flywheel      *float64        `json:"flywheel"`
		SupportToken  *float64        `json:"supportToken"`
		SupportBonkv2 *float64        `json:"supportBonkv2"`
		SupportPonk   *float64        `json:"supportPonk"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Policy{}
	if raw.Holders != nil {
		p.Holders = *raw.Holders
	}
	switch {
	case raw.Dev == nil:
		p.Dev = DefaultPolicy.Dev
	case string(raw.Dev) != "null":
		if err := json.Unmarshal(raw.Dev, &p.Dev); err != nil {
			return err
		}
	}
	if raw.Flywheel != nil {
		p.Flywheel = *raw.Flywheel
	}
	switch {
	case raw.SupportToken != nil:
		p.SupportToken = *raw.SupportToken
	case raw.SupportBonkv2 != nil:
		p.SupportToken = *raw.SupportBonkv2
	case raw.SupportPonk != nil:
		p.SupportToken = *raw.SupportPonk
	}
	return nil
}

// Holder is one token account owner and its raw token balance.
type Holder struct {
	Owner   solana.PublicKey `json:"owner"`
	Balance uint64           `json:"balance"`
}

type CollectionOutcome string

const (
	OutcomeCollected      CollectionOutcome = "collected"
	OutcomeNoFees         CollectionOutcome = "no_fees"
	OutcomeUndeterminable CollectionOutcome = "undeterminable"
)

// CollectionAttempt records one fee collection and the balance samples around it.
type CollectionAttempt struct {
	Signature        solana.Signature  `json:"signature,omitzero"`
	AlreadyCollected bool              `json:"already_collected"`
	BalanceBefore    uint64            `json:"balance_before"`
	BalanceAfter     uint64            `json:"balance_after"`
	Delta            int64             `json:"delta"`
	Collected        uint64            `json:"collected"`
	Outcome          CollectionOutcome `json:"outcome"`
}

type LegKind string

const (
	LegHolders      LegKind = "holder"
	LegDev          LegKind = "dev"
	LegFlywheel     LegKind = "flywheel"
	LegSupportToken LegKind = "supportToken"
)

// LegResult is the outcome of one outgoing transfer or purchase.
type LegResult struct {
	Kind       LegKind          `json:"type"`
	Target     solana.PublicKey `json:"address,omitzero"`
	Amount     uint64           `json:"amount"`
	Success    bool             `json:"success"`
	Skipped    bool             `json:"skipped,omitempty"`
	Signature  solana.Signature `json:"signature,omitzero"`
	Error      string           `json:"error,omitempty"`
	ErrorClass ErrorClass       `json:"error_class,omitempty"`

	// Support leg only: outcome of forwarding the purchased tokens.
	TransferSuccess  *bool            `json:"transfer_success,omitempty"`
	ForwardSignature solana.Signature `json:"forward_signature,omitzero"`
	ForwardedAmount  uint64           `json:"forwarded_amount,omitempty"`
}

// TokenResult is the per-token entry of a run summary.
type TokenResult struct {
	Token      string             `json:"token"`
	Name       string             `json:"name"`
	Success    bool               `json:"success"`
	Error      string             `json:"error,omitempty"`
	Message    string             `json:"message,omitempty"`
	Collection *CollectionAttempt `json:"collection,omitempty"`
	Plan       *Plan              `json:"plan,omitempty"`
	Legs       []LegResult        `json:"legs,omitempty"`
}

// ExecutedLegs counts legs that were actually attempted on chain.
func (r TokenResult) ExecutedLegs() int {
	n := 0
	for _, l := range r.Legs {
		if !l.Skipped {
			n++
		}
	}
	return n
}

// RunSummary aggregates one pass over all tokens.
type RunSummary struct {
	ID         uuid.UUID     `json:"id"`
	Trigger    string        `json:"trigger,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Error      string        `json:"error,omitempty"`
	Results    []TokenResult `json:"results"`
}

func (s *RunSummary) Succeeded() int {
	n := 0
	for _, r := range s.Results {
		if r.Success {
			n++
		}
	}
	return n
}

func (s *RunSummary) Failed() int {
	return len(s.Results) - s.Succeeded()
}

func (s *RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}
