package nostr

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// SecretKey wraps a secp256k1 private key used for event signing.
type SecretKey struct {
	key *secp256k1.PrivateKey
}

// ParseSecretKey accepts a 64-char hex key or a bech32 "nsec1..." key.
func ParseSecretKey(raw string) (*SecretKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty secret key")
	}

	var keyBytes []byte
	if strings.HasPrefix(raw, "nsec1") {
		hrp, data, err := bech32.DecodeNoLimit(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode bech32 secret key: %w", err)
		}
		if hrp != "nsec" {
			return nil, fmt.Errorf("unexpected bech32 prefix %q", hrp)
		}
		keyBytes, err = bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			return nil, fmt.Errorf("failed to convert bech32 bits: %w", err)
		}
	} else {
		var err error
		keyBytes, err = hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("secret key is neither hex nor nsec bech32: %w", err)
		}
	}

	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(keyBytes))
	}
	return &SecretKey{key: secp256k1.PrivKeyFromBytes(keyBytes)}, nil
}

// GenerateSecretKey creates a fresh random signing key.
func GenerateSecretKey() (*SecretKey, error) {
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	return &SecretKey{key: k}, nil
}

// PublicKeyHex returns the x-only public key as 64 hex chars.
func (sk *SecretKey) PublicKeyHex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(sk.key.PubKey()))
}
