// Package solana holds the small subset of Solana primitives the swap flow needs:
// ed25519 keypairs with base58 addresses and signing of serialized transactions.
package solana

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

// Signer signs transaction messages for one account
type Signer interface {
	PublicKey() string
	Sign(message []byte) []byte
}

// Keypair is an ed25519 account key
type Keypair struct {
	private ed25519.PrivateKey
}

// GenerateKeypair creates a new random keypair
func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &Keypair{private: priv}, nil
}

// KeypairFromSecret builds a keypair from the 64-byte secret key (seed || public key)
func KeypairFromSecret(secret []byte) (*Keypair, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}

	priv := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
	if !bytes.Equal(priv[ed25519.SeedSize:], secret[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("secret key public half does not match its seed")
	}
	return &Keypair{private: priv}, nil
}

// ParseKeypair accepts the secret key as hex (optionally 0x-prefixed) or base58
func ParseKeypair(encoded string) (*Keypair, error) {
	encoded = strings.TrimSpace(encoded)
	trimmed := strings.TrimPrefix(encoded, "0x")

	if len(trimmed) == 2*ed25519.PrivateKeySize {
		if raw, err := hex.DecodeString(trimmed); err == nil {
			return KeypairFromSecret(raw)
		}
	}

	raw := base58.Decode(encoded)
	if len(raw) == 0 {
		return nil, fmt.Errorf("secret key is neither hex nor base58")
	}
	return KeypairFromSecret(raw)
}

// PublicKey returns the base58 account address
func (k *Keypair) PublicKey() string {
	return base58.Encode(k.private.Public().(ed25519.PublicKey))
}

// Sign signs a message
func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// SecretHex returns the 64-byte secret key as lowercase hex
func (k *Keypair) SecretHex() string {
	return hex.EncodeToString(k.private)
}

// SecretBase58 returns the secret key in the base58 form wallets import
func (k *Keypair) SecretBase58() string {
	return base58.Encode(k.private)
}

// DecodePublicKey parses a base58 address into its 32 raw bytes
func DecodePublicKey(address string) ([]byte, error) {
	raw := base58.Decode(address)
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	return raw, nil
}
