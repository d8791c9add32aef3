package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/jonboulle/clockwork"
	lptesting "github.com/malbeclabs/launchpad/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type MockTokenEnumerator struct {
	listTokensFunc func(ctx context.Context, limit, offset int) ([]Token, error)
}

func (m *MockTokenEnumerator) ListTokens(ctx context.Context, limit, offset int) ([]Token, error) {
	if m.listTokensFunc != nil {
		return m.listTokensFunc(ctx, limit, offset)
	}
	return nil, nil
}

type MockKeyProvider struct {
	keys map[string]solana.PrivateKey
}

func (m *MockKeyProvider) SigningKey(_ context.Context, userID string) (solana.PrivateKey, error) {
	key, ok := m.keys[userID]
	if !ok {
		return nil, ErrNoSigningKey
	}
	return key, nil
}

type MockTrading struct {
	collectFeeFunc func(ctx context.Context, mint, signer solana.PublicKey) ([]byte, error)
	buyFunc        func(ctx context.Context, mint, signer solana.PublicKey, lamports uint64) ([]byte, error)

	mu   sync.Mutex
	buys []buyCall
}

type buyCall struct {
	mint     solana.PublicKey
	lamports uint64
}

func (m *MockTrading) CollectFee(ctx context.Context, mint, signer solana.PublicKey) ([]byte, error) {
	if m.collectFeeFunc != nil {
		return m.collectFeeFunc(ctx, mint, signer)
	}
	return unsignedTx(signer)
}

func (m *MockTrading) Buy(ctx context.Context, mint, signer solana.PublicKey, lamports uint64) ([]byte, error) {
	m.mu.Lock()
	m.buys = append(m.buys, buyCall{mint: mint, lamports: lamports})
	m.mu.Unlock()
	if m.buyFunc != nil {
		return m.buyFunc(ctx, mint, signer, lamports)
	}
	return unsignedTx(signer)
}

func (m *MockTrading) Buys() []buyCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]buyCall(nil), m.buys...)
}

type transferCall struct {
	to       solana.PublicKey
	lamports uint64
}

type mockChain struct {
	getBalanceFunc        func(ctx context.Context, account solana.PublicKey) (uint64, error)
	submitFunc            func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	transferNativeFunc    func(ctx context.Context, to solana.PublicKey, lamports uint64) error
	scanHoldersFunc       func(ctx context.Context, mint solana.PublicKey) ([]Holder, error)
	tokenBalanceFunc      func(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)
	transferAllTokensFunc func(ctx context.Context, mint, to solana.PublicKey) (uint64, error)

	mu        sync.Mutex
	submitted int
	transfers []transferCall
}

func (m *mockChain) GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	if m.getBalanceFunc != nil {
		return m.getBalanceFunc(ctx, account)
	}
	return 0, nil
}

func (m *mockChain) SubmitAndConfirm(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, fmt.Errorf("invalid signatures: %w", err)
	}
	m.mu.Lock()
	m.submitted++
	m.mu.Unlock()
	if m.submitFunc != nil {
		return m.submitFunc(ctx, tx)
	}
	return tx.Signatures[0], nil
}

func (m *mockChain) TransferNative(ctx context.Context, from solana.PrivateKey, to solana.PublicKey, lamports uint64) (solana.Signature, error) {
	if m.transferNativeFunc != nil {
		if err := m.transferNativeFunc(ctx, to, lamports); err != nil {
			return solana.Signature{}, err
		}
	}
	m.mu.Lock()
	m.transfers = append(m.transfers, transferCall{to: to, lamports: lamports})
	m.mu.Unlock()
	return solana.Signature{1}, nil
}

func (m *mockChain) ScanHolders(ctx context.Context, mint solana.PublicKey) ([]Holder, error) {
	if m.scanHoldersFunc != nil {
		return m.scanHoldersFunc(ctx, mint)
	}
	return nil, nil
}

func (m *mockChain) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	if m.tokenBalanceFunc != nil {
		return m.tokenBalanceFunc(ctx, owner, mint)
	}
	return 0, nil
}

func (m *mockChain) TransferAllTokens(ctx context.Context, from solana.PrivateKey, mint, to solana.PublicKey) (solana.Signature, uint64, error) {
	if m.transferAllTokensFunc != nil {
		sent, err := m.transferAllTokensFunc(ctx, mint, to)
		if err != nil {
			return solana.Signature{}, 0, err
		}
		return solana.Signature{2}, sent, nil
	}
	return solana.Signature{2}, 0, nil
}

func (m *mockChain) Transfers() []transferCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transferCall(nil), m.transfers...)
}

func (m *mockChain) Submitted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitted
}

// balanceSequence returns successive balances on each call, repeating the last one.
func balanceSequence(values ...uint64) func(context.Context, solana.PublicKey) (uint64, error) {
	var mu sync.Mutex
	i := 0
	return func(context.Context, solana.PublicKey) (uint64, error) {
		mu.Lock()
		defer mu.Unlock()
		v := values[min(i, len(values)-1)]
		i++
		return v, nil
	}
}

func unsignedTx(signer solana.PublicKey) ([]byte, error) {
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1, signer, solana.SystemProgramID).Build()},
		solana.Hash{9},
		solana.TransactionPayer(signer),
	)
	if err != nil {
		return nil, err
	}
	tx.Signatures = make([]solana.Signature, 1)
	return tx.MarshalBinary()
}

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func newPubkey(t *testing.T) solana.PublicKey {
	return newKey(t).PublicKey()
}

func newTestEngine(t *testing.T, opts ...func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Logger:  lptesting.NewLogger(),
		Clock:   clockwork.NewFakeClock(),
		Tokens:  &MockTokenEnumerator{},
		Keys:    &MockKeyProvider{},
		Trading: &MockTrading{},
		Chain:   &mockChain{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	engine, err := New(cfg)
	require.NoError(t, err)
	return engine
}

type fixture struct {
	token   Token
	key     solana.PrivateKey
	chain   *mockChain
	trading *MockTrading
}

func newFixture(t *testing.T, policy Policy, balances ...uint64) *fixture {
	t.Helper()
	key := newKey(t)
	return &fixture{
		token: Token{
			Mint:            newPubkey(t),
			Name:            "Test Token",
			Symbol:          "TEST",
			CreatorUserID:   "user-1",
			CreatorWallet:   newPubkey(t),
			FeeDistribution: policy,
		},
		key:     key,
		chain:   &mockChain{getBalanceFunc: balanceSequence(balances...)},
		trading: &MockTrading{},
	}
}

func (f *fixture) engine(t *testing.T, opts ...func(*Config)) *Engine {
	t.Helper()
	return newTestEngine(t, append([]func(*Config){func(cfg *Config) {
		cfg.Keys = &MockKeyProvider{keys: map[string]solana.PrivateKey{f.token.CreatorUserID: f.key}}
		cfg.Trading = f.trading
		cfg.Chain = f.chain
	}}, opts...)...)
}

func TestLaunchpad_Distribution_Config_Validate(t *testing.T) {
	t.Parallel()

	t.Run("requires collaborators", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Logger: lptesting.NewLogger()})
		require.ErrorContains(t, err, "token enumerator is required")
	})

	t.Run("support mint and recipient go together", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{
			Logger:      lptesting.NewLogger(),
			Tokens:      &MockTokenEnumerator{},
			Keys:        &MockKeyProvider{},
			Trading:     &MockTrading{},
			Chain:       &mockChain{},
			SupportMint: newPubkey(t),
		})
		require.ErrorContains(t, err, "configured together")
	})

	t.Run("applies defaults", func(t *testing.T) {
		t.Parallel()
		engine := newTestEngine(t)
		require.Equal(t, DefaultPageSize, engine.cfg.PageSize)
		require.Equal(t, DefaultMaxHolders, engine.cfg.MaxHolders)
		require.Equal(t, DefaultSettleInterval, engine.cfg.SettleInterval)
	})
}

func TestLaunchpad_Distribution_ProcessToken(t *testing.T) {
	t.Parallel()

	t.Run("fresh collection pays holders evenly and dev", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Policy{Holders: 50, Dev: 50}, 2_000_000_000, 2_050_000_000)
		h1, h2, h3 := newPubkey(t), newPubkey(t), newPubkey(t)
		f.chain.scanHoldersFunc = func(context.Context, solana.PublicKey) ([]Holder, error) {
			return []Holder{{Owner: h1, Balance: 300}, {Owner: h2, Balance: 0}, {Owner: h3, Balance: 100}, {Owner: h2, Balance: 200}}, nil
		}

		res := f.engine(t).ProcessToken(context.Background(), f.token)
		require.True(t, res.Success, res.Error)
		require.Empty(t, res.Message)
		require.Equal(t, OutcomeCollected, res.Collection.Outcome)
		require.Equal(t, uint64(50_000_000), res.Collection.Collected)
		require.False(t, res.Collection.Signature.IsZero())
		require.Equal(t, 1, f.chain.Submitted())

		share := uint64(25_000_000 / 3)
		require.Equal(t, []transferCall{
			{to: h1, lamports: share},
			{to: h2, lamports: share},
			{to: h3, lamports: share},
			{to: f.token.CreatorWallet, lamports: 25_000_000},
		}, f.chain.Transfers())
		require.Len(t, res.Legs, 4)
		require.LessOrEqual(t, 3*share, uint64(25_000_000))
		for _, leg := range res.Legs {
			require.True(t, leg.Success)
		}
	})

	t.Run("one collection funds every leg", func(t *testing.T) {
		t.Parallel()
		supportMint, recipient := newPubkey(t), newPubkey(t)
		f := newFixture(t, Policy{Holders: 50, Dev: 30, Flywheel: 10, SupportToken: 10}, 3_000_000_000, 4_000_000_000)
		holders := make([]Holder, 5)
		for i := range holders {
			holders[i] = Holder{Owner: newPubkey(t), Balance: uint64(1_000 * (i + 1))}
		}
		f.chain.scanHoldersFunc = func(context.Context, solana.PublicKey) ([]Holder, error) {
			return holders, nil
		}
		f.chain.tokenBalanceFunc = func(_ context.Context, owner, mint solana.PublicKey) (uint64, error) {
			require.Equal(t, f.key.PublicKey(), owner)
			require.Equal(t, supportMint, mint)
			return 8_765_432, nil
		}
		f.chain.transferAllTokensFunc = func(_ context.Context, mint, to solana.PublicKey) (uint64, error) {
			require.Equal(t, supportMint, mint)
			require.Equal(t, recipient, to)
			return 8_765_432, nil
		}

		res := f.engine(t, func(cfg *Config) {
			cfg.SupportMint = supportMint
			cfg.SupportRecipient = recipient
		}).ProcessToken(context.Background(), f.token)

		require.True(t, res.Success, res.Error)
		require.Empty(t, res.Message)
		require.Equal(t, uint64(1_000_000_000), res.Collection.Collected)
		require.Equal(t, uint64(500_000_000), res.Plan.Leg(LegHolders).Amount)
		require.Equal(t, uint64(300_000_000), res.Plan.Leg(LegDev).Amount)
		require.Equal(t, uint64(100_000_000), res.Plan.Leg(LegFlywheel).Amount)
		require.Equal(t, uint64(100_000_000), res.Plan.Leg(LegSupportToken).Amount)

		// Holders are paid largest balance first.
		want := make([]transferCall, 0, 6)
		for i := len(holders) - 1; i >= 0; i-- {
			want = append(want, transferCall{to: holders[i].Owner, lamports: 100_000_000})
		}
		want = append(want, transferCall{to: f.token.CreatorWallet, lamports: 300_000_000})
		require.Equal(t, want, f.chain.Transfers())
		require.Equal(t, []buyCall{
			{mint: f.token.Mint, lamports: 100_000_000},
			{mint: supportMint, lamports: 100_000_000},
		}, f.trading.Buys())

		require.Len(t, res.Legs, 8)
		for _, leg := range res.Legs {
			require.True(t, leg.Success, leg.Error)
		}
		support := res.Legs[7]
		require.Equal(t, LegSupportToken, support.Kind)
		require.Equal(t, uint64(100_000_000), support.Amount)
		require.NotNil(t, support.TransferSuccess)
		require.True(t, *support.TransferSuccess)
		require.Equal(t, uint64(8_765_432), support.ForwardedAmount)
		require.Equal(t, 3, f.chain.Submitted())
	})

	t.Run("already collected with positive delta still distributes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Policy{Dev: 100}, 1_000_000_000, 1_003_000_000)
		f.trading.collectFeeFunc = func(context.Context, solana.PublicKey, solana.PublicKey) ([]byte, error) {
			return nil, Classified(ClassAlreadyProcessed, errors.New("This transaction has already been processed"))
		}

		res := f.engine(t).ProcessToken(context.Background(), f.token)
		require.True(t, res.Success)
		require.True(t, res.Collection.AlreadyCollected)
		require.Equal(t, OutcomeCollected, res.Collection.Outcome)
		require.Equal(t, 0, f.chain.Submitted())
		require.Equal(t, []transferCall{{to: f.token.CreatorWallet, lamports: 3_000_000}}, f.chain.Transfers())
	})

	t.Run("already processed on submission is not an error", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Policy{Dev: 100}, 1_000_000_000, 1_000_000_000-20_000)
		f.chain.submitFunc = func(context.Context, *solana.Transaction) (solana.Signature, error) {
			return solana.Signature{}, Classified(ClassAlreadyProcessed, errors.New("AlreadyProcessed"))
		}

		res := f.engine(t).ProcessToken(context.Background(), f.token)
		require.True(t, res.Success)
		require.Equal(t, OutcomeUndeterminable, res.Collection.Outcome)
		require.Equal(t, int64(-20_000), res.Collection.Delta)
		require.Equal(t, "fees already collected, amount cannot be determined", res.Message)
		require.Empty(t, res.Legs)
		require.Empty(t, f.chain.Transfers())
	})

	t.Run("no fees executes no legs", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Policy{Holders: 25, Dev: 25, Flywheel: 25, SupportToken: 25}, 1_000_000_000, 999_995_000)

		res := f.engine(t).ProcessToken(context.Background(), f.token)
		require.True(t, res.Success)
		require.Equal(t, OutcomeNoFees, res.Collection.Outcome)
		require.Equal(t, "no fees to distribute", res.Message)
		require.Nil(t, res.Plan)
		require.Empty(t, res.Legs)
		require.Empty(t, f.chain.Transfers())
		require.Empty(t, f.trading.Buys())
	})

	t.Run("missing signing key is a configuration error", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Policy{Dev: 100}, 0)
		engine := f.engine(t, func(cfg *Config) { cfg.Keys = &MockKeyProvider{} })

		res := engine.ProcessToken(context.Background(), f.token)
		require.False(t, res.Success)
		require.Contains(t, res.Error, "configuration error for creator user-1")
		require.Contains(t, res.Error, ErrNoSigningKey.Error())
	})

	t.Run("upstream collection failure aborts the token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Policy{Dev: 100}, 1_000_000_000, 2_000_000_000)
		f.trading.collectFeeFunc = func(context.Context, solana.PublicKey, solana.PublicKey) ([]byte, error) {
			return nil, errors.New("502 bad gateway")
		}

		res := f.engine(t).ProcessToken(context.Background(), f.token)
		require.False(t, res.Success)
		require.Equal(t, "collect creator fee failed: 502 bad gateway", res.Error)
		require.Empty(t, f.chain.Transfers())
	})

	t.Run("failing dev leg does not stop later legs", func(t *testing.T) {
		t.Parallel()
		supportMint, recipient := newPubkey(t), newPubkey(t)
		f := newFixture(t, Policy{Dev: 50, Flywheel: 25, SupportToken: 25}, 1_000_000_000, 1_100_000_000)
		f.chain.transferNativeFunc = func(context.Context, solana.PublicKey, uint64) error {
			return Classified(ClassInsufficientFunds, errors.New("insufficient lamports"))
		}
		f.chain.tokenBalanceFunc = func(context.Context, solana.PublicKey, solana.PublicKey) (uint64, error) {
			return 42_000, nil
		}
		f.chain.transferAllTokensFunc = func(_ context.Context, mint, to solana.PublicKey) (uint64, error) {
			require.Equal(t, supportMint, mint)
			require.Equal(t, recipient, to)
			return 42_000, nil
		}

		res := f.engine(t, func(cfg *Config) {
			cfg.SupportMint = supportMint
			cfg.SupportRecipient = recipient
		}).ProcessToken(context.Background(), f.token)

		require.True(t, res.Success)
		require.Equal(t, "1 of 3 distribution legs failed", res.Message)
		require.Len(t, res.Legs, 3)

		dev := res.Legs[0]
		require.Equal(t, LegDev, dev.Kind)
		require.False(t, dev.Success)
		require.Equal(t, ClassInsufficientFunds, dev.ErrorClass)

		flywheel := res.Legs[1]
		require.Equal(t, LegFlywheel, flywheel.Kind)
		require.True(t, flywheel.Success)
		require.Equal(t, f.token.Mint, flywheel.Target)

		support := res.Legs[2]
		require.Equal(t, LegSupportToken, support.Kind)
		require.True(t, support.Success)
		require.NotNil(t, support.TransferSuccess)
		require.True(t, *support.TransferSuccess)
		require.Equal(t, uint64(42_000), support.ForwardedAmount)

		require.Equal(t, []buyCall{
			{mint: f.token.Mint, lamports: 25_000_000},
			{mint: supportMint, lamports: 25_000_000},
		}, f.trading.Buys())
		require.Equal(t, 3, f.chain.Submitted())
	})

	t.Run("support forward failure is a partial success", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Policy{SupportToken: 100}, 1_000_000_000, 1_010_000_000)
		f.chain.tokenBalanceFunc = func(context.Context, solana.PublicKey, solana.PublicKey) (uint64, error) {
			return 7, nil
		}
		f.chain.transferAllTokensFunc = func(context.Context, solana.PublicKey, solana.PublicKey) (uint64, error) {
			return 0, errors.New("blockhash not found")
		}

		res := f.engine(t, func(cfg *Config) {
			cfg.SupportMint = newPubkey(t)
			cfg.SupportRecipient = newPubkey(t)
		}).ProcessToken(context.Background(), f.token)

		require.True(t, res.Success)
		require.Len(t, res.Legs, 1)
		leg := res.Legs[0]
		require.True(t, leg.Success)
		require.NotNil(t, leg.TransferSuccess)
		require.False(t, *leg.TransferSuccess)
		require.Contains(t, leg.Error, "failed to forward support tokens")
		require.Equal(t, "partial", legStatus(leg))
	})

	t.Run("unconfigured support leg is skipped", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Policy{SupportToken: 100}, 1_000_000_000, 1_010_000_000)

		res := f.engine(t).ProcessToken(context.Background(), f.token)
		require.True(t, res.Success)
		require.Len(t, res.Legs, 1)
		require.True(t, res.Legs[0].Skipped)
		require.Equal(t, "support token is not configured", res.Legs[0].Error)
		require.Empty(t, f.trading.Buys())
	})

	t.Run("holder scan failure skips holders leg only", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Policy{Holders: 50, Dev: 50}, 1_000_000_000, 1_000_200_000)
		f.chain.scanHoldersFunc = func(context.Context, solana.PublicKey) ([]Holder, error) {
			return nil, errors.New("getProgramAccounts timed out")
		}

		res := f.engine(t).ProcessToken(context.Background(), f.token)
		require.True(t, res.Success)
		require.Len(t, res.Legs, 2)
		require.True(t, res.Legs[0].Skipped)
		require.Equal(t, "no holders found", res.Legs[0].Error)
		require.Equal(t, []transferCall{{to: f.token.CreatorWallet, lamports: 100_000}}, f.chain.Transfers())
	})

	t.Run("creator can be excluded from holders", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Policy{Holders: 100}, 1_000_000_000, 1_000_000_400)
		other := newPubkey(t)
		f.chain.scanHoldersFunc = func(context.Context, solana.PublicKey) ([]Holder, error) {
			return []Holder{{Owner: f.key.PublicKey(), Balance: 900}, {Owner: f.token.CreatorWallet, Balance: 800}, {Owner: other, Balance: 1}}, nil
		}

		res := f.engine(t, func(cfg *Config) { cfg.ExcludeCreatorFromHolders = true }).ProcessToken(context.Background(), f.token)
		require.True(t, res.Success)
		require.Equal(t, []transferCall{{to: other, lamports: 400}}, f.chain.Transfers())
	})

	t.Run("zero policy falls back to dev", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Policy{}, 1_000_000_000, 1_000_500_000)

		res := f.engine(t).ProcessToken(context.Background(), f.token)
		require.True(t, res.Success)
		require.True(t, res.Plan.DefaultedToDev)
		require.Equal(t, []transferCall{{to: f.token.CreatorWallet, lamports: 500_000}}, f.chain.Transfers())
	})

	t.Run("dry run executes no legs", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Policy{Dev: 50, Flywheel: 50}, 1_000_000_000, 1_000_500_000)

		res := f.engine(t, func(cfg *Config) { cfg.DryRun = true }).ProcessToken(context.Background(), f.token)
		require.True(t, res.Success)
		require.Len(t, res.Legs, 2)
		for _, leg := range res.Legs {
			require.True(t, leg.Skipped)
			require.Equal(t, "dry run", leg.Error)
		}
		require.Empty(t, f.chain.Transfers())
		require.Empty(t, f.trading.Buys())
	})
}

func TestLaunchpad_Distribution_Run(t *testing.T) {
	t.Parallel()

	t.Run("pages tokens and isolates failures", func(t *testing.T) {
		t.Parallel()
		key := newKey(t)
		tokens := []Token{
			{Mint: newPubkey(t), Name: "a", CreatorUserID: "ok", FeeDistribution: DefaultPolicy},
			{Mint: newPubkey(t), Name: "b", CreatorUserID: "missing", FeeDistribution: DefaultPolicy},
			{Mint: newPubkey(t), Name: "c", CreatorUserID: "panics", FeeDistribution: DefaultPolicy},
		}
		var offsets []int
		enum := &MockTokenEnumerator{listTokensFunc: func(_ context.Context, limit, offset int) ([]Token, error) {
			offsets = append(offsets, offset)
			end := min(offset+limit, len(tokens))
			return tokens[offset:end], nil
		}}
		trading := &MockTrading{collectFeeFunc: func(_ context.Context, mint, signer solana.PublicKey) ([]byte, error) {
			if mint.Equals(tokens[2].Mint) {
				panic("boom")
			}
			return unsignedTx(signer)
		}}

		engine := newTestEngine(t, func(cfg *Config) {
			cfg.PageSize = 2
			cfg.Tokens = enum
			cfg.Keys = &MockKeyProvider{keys: map[string]solana.PrivateKey{"ok": key, "panics": key}}
			cfg.Trading = trading
			cfg.Chain = &mockChain{getBalanceFunc: balanceSequence(10, 10)}
		})

		summary := engine.Run(context.Background())
		require.Empty(t, summary.Error)
		require.Equal(t, []int{0, 2}, offsets)
		require.Len(t, summary.Results, 3)
		require.True(t, summary.Results[0].Success)
		require.False(t, summary.Results[1].Success)
		require.False(t, summary.Results[2].Success)
		require.Equal(t, "panic: boom", summary.Results[2].Error)
		require.Equal(t, 1, summary.Succeeded())
		require.Equal(t, 2, summary.Failed())
	})

	t.Run("enumeration failure yields an empty summary", func(t *testing.T) {
		t.Parallel()
		engine := newTestEngine(t, func(cfg *Config) {
			cfg.Tokens = &MockTokenEnumerator{listTokensFunc: func(context.Context, int, int) ([]Token, error) {
				return nil, errors.New("connection refused")
			}}
		})

		summary := engine.Run(context.Background())
		require.Empty(t, summary.Results)
		require.Contains(t, summary.Error, "connection refused")
	})
}
