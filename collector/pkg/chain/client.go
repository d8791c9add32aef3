package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	sendandconfirmtransaction "github.com/gagliardetto/solana-go/rpc/sendAndConfirmTransaction"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/launchpad/collector/pkg/distribution"
	"github.com/malbeclabs/launchpad/utils/pkg/retry"
)

const (
	DefaultConfirmTimeout = 60 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond

	tokenAccountSize = 165
)

var ErrConfirmationTimeout = errors.New("transaction not confirmed before timeout")

// RPC is the subset of the solana-go RPC client used here.
type RPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	IsBlockhashValid(ctx context.Context, blockHash solana.Hash, commitment rpc.CommitmentType) (*rpc.IsValidBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	RPC    RPC
	// WS enables signature subscriptions for confirmation; nil falls back to status polling.
	WS *ws.Client

	Commitment     rpc.CommitmentType
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// SendRetries is passed to the node as maxRetries for rebroadcasting.
	SendRetries uint
	Retry       retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Client implements distribution.Chain against a Solana RPC node.
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

func (c *Client) GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	res, err := c.cfg.RPC.GetBalance(ctx, account, c.cfg.Commitment)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance of %s: %w", account, err)
	}
	return res.Value, nil
}

// SubmitAndConfirm sends a signed transaction with preflight and waits for confirmation. Errors
// carry their classification.
func (c *Client) SubmitAndConfirm(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.send(ctx, tx)
	if err != nil {
		return solana.Signature{}, classified(err)
	}
	if err := c.confirm(ctx, sig); err != nil {
		return sig, classified(err)
	}
	return sig, nil
}

// TransferNative moves lamports with a transaction built on a fresh blockhash.
func (c *Client) TransferNative(ctx context.Context, from solana.PrivateKey, to solana.PublicKey, lamports uint64) (solana.Signature, error) {
	ix := system.NewTransferInstruction(lamports, from.PublicKey(), to).Build()
	return c.submitInstructions(ctx, from, []solana.Instruction{ix})
}

// ScanHolders lists every token account of mint with its owner and raw balance.
func (c *Client) ScanHolders(ctx context.Context, mint solana.PublicKey) ([]distribution.Holder, error) {
	accounts, err := c.cfg.RPC.GetProgramAccountsWithOpts(ctx, solana.TokenProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: c.cfg.Commitment,
		Encoding:   solana.EncodingJSONParsed,
		Filters: []rpc.RPCFilter{
			{DataSize: tokenAccountSize},
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: mint[:]}},
		},
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan token accounts of %s: %w", mint, err)
	}
	holders := ParseHolders(accounts)
	c.log.Debug("chain: token accounts scanned", "mint", mint.String(), "accounts", len(accounts), "holders", len(holders))
	return holders, nil
}

// TokenBalance returns the raw balance of owner's associated token account; a missing account is 0.
func (c *Client) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, err
	}
	amount, _, err := c.tokenAccountBalance(ctx, ata)
	return amount, err
}

// TransferAllTokens forwards the whole balance of from's associated token account to the
// recipient's associated token account, creating it when absent.
func (c *Client) TransferAllTokens(ctx context.Context, from solana.PrivateKey, mint, to solana.PublicKey) (solana.Signature, uint64, error) {
	owner := from.PublicKey()
	source, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.Signature{}, 0, err
	}
	destination, _, err := solana.FindAssociatedTokenAddress(to, mint)
	if err != nil {
		return solana.Signature{}, 0, err
	}

	amount, decimals, err := c.tokenAccountBalance(ctx, source)
	if err != nil {
		return solana.Signature{}, 0, err
	}
	if amount == 0 {
		return solana.Signature{}, 0, fmt.Errorf("no %s tokens held by %s", mint, owner)
	}

	exists, err := c.accountExists(ctx, destination)
	if err != nil {
		return solana.Signature{}, 0, err
	}
	var ixs []solana.Instruction
	if !exists {
		ixs = append(ixs, associatedtokenaccount.NewCreateInstruction(owner, to, mint).Build())
	}
	ixs = append(ixs, token.NewTransferCheckedInstruction(amount, decimals, source, mint, destination, owner, nil).Build())

	sig, err := c.submitInstructions(ctx, from, ixs)
	if err != nil {
		return solana.Signature{}, 0, err
	}
	return sig, amount, nil
}

// submitInstructions signs and submits ixs paid by signer. A send that the node rejected is
// retried on a fresh blockhash. A send that failed in transit may still have been accepted, so
// the same signed transaction is rebroadcast until its blockhash expires; it is only re-signed
// once the old signature can no longer land and has not.
func (c *Client) submitInstructions(ctx context.Context, signer solana.PrivateKey, ixs []solana.Instruction) (solana.Signature, error) {
	cfg := c.cfg.Retry
	cfg.Retryable = isRetryableSend
	cfg.OnRetry = func(attempt int, err error) {
		c.log.Warn("chain: transaction send failed, retrying", "attempt", attempt, "error", err)
	}

	// pending is the last transaction whose send outcome is unknown.
	var pending *solana.Transaction
	return retry.DoValue(ctx, cfg, func() (solana.Signature, error) {
		tx := pending
		if tx != nil {
			reuse, err := c.resendable(ctx, tx)
			if err != nil {
				return solana.Signature{}, err
			}
			if !reuse {
				tx = nil
			}
		}
		if tx != nil {
			sig := tx.Signatures[0]
			if ok, err := c.landed(ctx, sig); err == nil && ok {
				return sig, c.permanent(c.confirm(ctx, sig))
			}
			c.log.Debug("chain: rebroadcasting transaction", "signature", sig.String())
		} else {
			var err error
			if tx, err = c.sign(ctx, signer, ixs); err != nil {
				return solana.Signature{}, err
			}
		}

		sig, err := c.send(ctx, tx)
		if err != nil {
			if pending == tx && Classify(err) == distribution.ClassAlreadyProcessed {
				return tx.Signatures[0], c.permanent(c.confirm(ctx, tx.Signatures[0]))
			}
			// A rejected rebroadcast says nothing about the earlier send, so it stays pending.
			if pending != tx && !inTransit(err) {
				pending = nil
			} else {
				pending = tx
			}
			return solana.Signature{}, classified(err)
		}
		pending = nil
		if err := c.confirm(ctx, sig); err != nil {
			return sig, c.permanent(err)
		}
		return sig, nil
	})
}

// resendable reports whether tx should be rebroadcast as is. It is false once the blockhash has
// expired and tx is confirmed absent; a landed tx is returned as resendable so the caller confirms it.
func (c *Client) resendable(ctx context.Context, tx *solana.Transaction) (bool, error) {
	valid, err := c.cfg.RPC.IsBlockhashValid(ctx, tx.Message.RecentBlockhash, c.cfg.Commitment)
	if err != nil {
		return false, fmt.Errorf("failed to check blockhash validity: %w", err)
	}
	if valid != nil && valid.Value {
		return true, nil
	}
	// Expired: the status lookup must succeed before a new signature is allowed.
	ok, err := c.landed(ctx, tx.Signatures[0])
	if err != nil {
		return false, fmt.Errorf("failed to look up transaction %s: %w", tx.Signatures[0], err)
	}
	return ok, nil
}

func (c *Client) sign(ctx context.Context, signer solana.PrivateKey, ixs []solana.Instruction) (*solana.Transaction, error) {
	blockhash, err := c.cfg.RPC.GetLatestBlockhash(ctx, c.cfg.Commitment)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(ixs, blockhash.Value.Blockhash, solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	}); err != nil {
		return nil, retry.Permanent(err)
	}
	return tx, nil
}

// inTransit reports whether a send failure leaves it unknown if the node accepted the transaction.
// A JSON-RPC error response is a rejection.
func inTransit(err error) bool {
	var rpcErr *jsonrpc.RPCError
	return !errors.As(err, &rpcErr)
}

func (c *Client) permanent(err error) error {
	if err == nil {
		return nil
	}
	return retry.Permanent(classified(err))
}

func isRetryableSend(err error) bool {
	if distribution.ClassOf(err) != distribution.ClassOther {
		return false
	}
	return retry.IsRetryable(err)
}

func (c *Client) send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	opts := rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.cfg.Commitment,
	}
	if c.cfg.SendRetries > 0 {
		retries := c.cfg.SendRetries
		opts.MaxRetries = &retries
	}
	sig, err := c.cfg.RPC.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

func (c *Client) confirm(ctx context.Context, sig solana.Signature) error {
	if c.cfg.WS != nil {
		timeout := c.cfg.ConfirmTimeout
		confirmed, err := sendandconfirmtransaction.WaitForConfirmation(ctx, c.cfg.WS, sig, &timeout)
		if err != nil {
			return fmt.Errorf("failed to confirm transaction %s: %w", sig, err)
		}
		if !confirmed {
			return fmt.Errorf("%w: %s", ErrConfirmationTimeout, sig)
		}
		return nil
	}

	deadline := c.cfg.Clock.Now().Add(c.cfg.ConfirmTimeout)
	for {
		status, err := c.status(ctx, sig)
		if err != nil {
			c.log.Debug("chain: signature status lookup failed", "signature", sig.String(), "error", err)
		}
		if status != nil {
			if status.Err != nil {
				return &TransactionError{Signature: sig, Err: status.Err}
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
		if !c.cfg.Clock.Now().Before(deadline) {
			return fmt.Errorf("%w: %s", ErrConfirmationTimeout, sig)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.cfg.Clock.After(c.cfg.PollInterval):
		}
	}
}

// landed reports whether sig is known to the cluster without an error.
func (c *Client) landed(ctx context.Context, sig solana.Signature) (bool, error) {
	status, err := c.status(ctx, sig)
	if err != nil || status == nil {
		return false, err
	}
	return status.Err == nil, nil
}

func (c *Client) status(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	res, err := c.cfg.RPC.GetSignatureStatuses(ctx, false, sig)
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Value) == 0 {
		return nil, nil
	}
	return res.Value[0], nil
}

func (c *Client) tokenAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, uint8, error) {
	res, err := c.cfg.RPC.GetTokenAccountBalance(ctx, account, c.cfg.Commitment)
	if err != nil {
		if isAccountNotFound(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to get token balance of %s: %w", account, err)
	}
	if res == nil || res.Value == nil {
		return 0, 0, nil
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid token amount %q: %w", res.Value.Amount, err)
	}
	return amount, res.Value.Decimals, nil
}

func (c *Client) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	_, err := c.cfg.RPC.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get account %s: %w", account, err)
	}
	return true, nil
}
