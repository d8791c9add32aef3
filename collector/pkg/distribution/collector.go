package distribution

import (
	"context"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// DecodeTransaction decodes the serialized (legacy or versioned) transaction returned by the
// trading API.
func DecodeTransaction(raw []byte) (*solana.Transaction, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty transaction payload")
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// SignInPlace fills the signature slot belonging to key. The trading API returns transactions
// with zeroed placeholder signatures, so appending would produce an invalid signature set.
func SignInPlace(tx *solana.Transaction, key solana.PrivateKey) error {
	pub := key.PublicKey()
	signers := int(tx.Message.Header.NumRequiredSignatures)
	idx := -1
	for i := 0; i < signers && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(pub) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("signer %s is not a required signer of the transaction", pub)
	}

	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	sig, err := key.Sign(msg)
	if err != nil {
		return fmt.Errorf("failed to sign message: %w", err)
	}

	if len(tx.Signatures) < signers {
		padded := make([]solana.Signature, signers)
		copy(padded, tx.Signatures)
		tx.Signatures = padded
	}
	tx.Signatures[idx] = sig
	return nil
}

// signAndSubmit decodes an unsigned trading transaction, signs it with key and submits it.
func (e *Engine) signAndSubmit(ctx context.Context, raw []byte, key solana.PrivateKey) (solana.Signature, error) {
	tx, err := DecodeTransaction(raw)
	if err != nil {
		return solana.Signature{}, err
	}
	if err := SignInPlace(tx, key); err != nil {
		return solana.Signature{}, err
	}
	return e.cfg.Chain.SubmitAndConfirm(ctx, tx)
}

// collectFee claims the creator fees accrued for mint. An already-processed rejection from either
// the trading API or the chain is reported through AlreadyCollected, not as an error.
func (e *Engine) collectFee(ctx context.Context, mint solana.PublicKey, key solana.PrivateKey) (*CollectionAttempt, error) {
	attempt := &CollectionAttempt{}

	raw, err := e.cfg.Trading.CollectFee(ctx, mint, key.PublicKey())
	if err != nil {
		if ClassOf(err) == ClassAlreadyProcessed {
			attempt.AlreadyCollected = true
			return attempt, nil
		}
		return nil, &UpstreamError{Op: "collect creator fee", Err: err}
	}

	sig, err := e.signAndSubmit(ctx, raw, key)
	if err != nil {
		if ClassOf(err) == ClassAlreadyProcessed {
			attempt.AlreadyCollected = true
			return attempt, nil
		}
		return nil, &UpstreamError{Op: "submit fee collection", Err: err}
	}
	attempt.Signature = sig
	return attempt, nil
}
