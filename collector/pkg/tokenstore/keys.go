package tokenstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/launchpad/collector/pkg/distribution"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/scrypt"
)

// Stored keys are sealed with AES-256-GCM under scrypt(secret, "salt") using a 16-byte nonce,
// serialized as hex "nonce:tag:ciphertext".
const (
	scryptSalt = "salt"
	scryptN    = 16384
	scryptR    = 8
	scryptP    = 1
	keyLen     = 32
	nonceSize  = 16
	tagSize    = 16
)

var ErrMalformedCiphertext = errors.New("malformed encrypted key")

// Cipher seals and opens creator signing keys.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the sealing key from secret. Derivation is slow; build once.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("key encryption secret is required")
	}
	key, err := scrypt.Key([]byte(secret), []byte(scryptSalt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(body), nil
}

func (c *Cipher) Decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", ErrMalformedCiphertext
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", ErrMalformedCiphertext
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", ErrMalformedCiphertext
	}
	body, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	plain, err := c.aead.Open(nil, nonce, append(body, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt key: %w", err)
	}
	return string(plain), nil
}

// EncryptPrivateKey seals key in its base58 form.
func (c *Cipher) EncryptPrivateKey(key solana.PrivateKey) (string, error) {
	return c.Encrypt(base58.Encode(key))
}

// DecryptPrivateKey opens a sealed base58 secret key and validates its length.
func (c *Cipher) DecryptPrivateKey(encoded string) (solana.PrivateKey, error) {
	plain, err := c.Decrypt(encoded)
	if err != nil {
		return nil, err
	}
	raw, err := base58.Decode(strings.TrimSpace(plain))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("invalid secret key length %d", len(raw))
	}
	return solana.PrivateKey(raw), nil
}

// KeyProvider resolves a creator's signing key from the users table.
type KeyProvider struct {
	store  *Store
	cipher *Cipher
}

func NewKeyProvider(store *Store, c *Cipher) *KeyProvider {
	return &KeyProvider{store: store, cipher: c}
}

func (p *KeyProvider) SigningKey(ctx context.Context, userID string) (solana.PrivateKey, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", userID, err)
	}

	var encrypted *string
	err = p.store.pool.QueryRow(ctx, `SELECT wallet_private_key FROM users WHERE id = $1`, id).Scan(&encrypted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, distribution.ErrNoSigningKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query signing key: %w", err)
	}
	if encrypted == nil || *encrypted == "" {
		return nil, distribution.ErrNoSigningKey
	}
	return p.cipher.DecryptPrivateKey(*encrypted)
}
