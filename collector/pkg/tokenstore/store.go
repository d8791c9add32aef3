package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/launchpad/collector/pkg/distribution"
)

type Config struct {
	Logger *slog.Logger
	DSN    string

	MaxConns int32
	MinConns int32
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DSN == "" {
		return errors.New("postgres DSN is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.MinConns <= 0 {
		cfg.MinConns = 2
	}
	return nil
}

// Store reads launched tokens and creator credentials from Postgres.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return NewWithPool(cfg.Logger, pool), nil
}

func NewWithPool(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() { s.pool.Close() }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ListTokens returns one page of tokens, newest first. Rows with an unparseable mint are skipped.
func (s *Store) ListTokens(ctx context.Context, limit, offset int) ([]distribution.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT mint, name, symbol, creator_user_id, creator_wallet, fee_distribution
		FROM tokens
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]distribution.Token, 0, limit)
	for rows.Next() {
		var (
			mint, name, symbol, wallet string
			userID                     int64
			policy                     []byte
		)
		if err := rows.Scan(&mint, &name, &symbol, &userID, &wallet, &policy); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		mintKey, err := solana.PublicKeyFromBase58(mint)
		if err != nil {
			s.log.Warn("tokenstore: skipping token with invalid mint", "mint", mint, "error", err)
			continue
		}
		// An invalid creator wallet leaves the zero key; the engine then pays the signer.
		walletKey, err := solana.PublicKeyFromBase58(wallet)
		if err != nil {
			s.log.Warn("tokenstore: invalid creator wallet", "mint", mint, "wallet", wallet, "error", err)
			walletKey = solana.PublicKey{}
		}
		tokens = append(tokens, distribution.Token{
			Mint:            mintKey,
			Name:            name,
			Symbol:          symbol,
			CreatorUserID:   strconv.FormatInt(userID, 10),
			CreatorWallet:   walletKey,
			FeeDistribution: ParsePolicy(policy),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tokens: %w", err)
	}
	return tokens, nil
}

// ParsePolicy decodes a stored fee_distribution document, falling back to the all-to-creator
// default when it is missing or malformed.
func ParsePolicy(raw []byte) distribution.Policy {
	if len(raw) == 0 || string(raw) == "null" {
		return distribution.DefaultPolicy
	}
	// Older rows stored the JSON document as a JSON string.
	var nested string
	if err := json.Unmarshal(raw, &nested); err == nil {
		raw = []byte(nested)
	}
	var p distribution.Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return distribution.DefaultPolicy
	}
	return p
}
