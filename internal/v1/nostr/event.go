// Package nostr implements the signed-event model used on the discovery
// fabric: canonical event hashing, BIP-340 schnorr signatures, and the
// subscription filter encoding.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event is a signed record exchanged with discovery relays.
type Event struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize produces the canonical array form the event id is hashed over:
// [0, pubkey, created_at, kind, tags, content].
func (e *Event) Serialize() ([]byte, error) {
	arr := []any{0, e.Pubkey, e.CreatedAt, e.Kind, e.Tags, e.Content}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	// Encode appends a newline that is not part of the canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID returns the hex sha256 of the canonical serialization.
func (e *Event) ComputeID() (string, error) {
	ser, err := e.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(ser)
	return hex.EncodeToString(sum[:]), nil
}

// Sign fills in Pubkey, ID and Sig using the given secret key.
func (e *Event) Sign(sk *SecretKey) error {
	e.Pubkey = sk.PublicKeyHex()

	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id

	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("failed to decode event id: %w", err)
	}

	sig, err := schnorr.Sign(sk.key, idBytes)
	if err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that the event id matches its contents and that the
// signature is valid for the event's pubkey.
func (e *Event) Verify() bool {
	id, err := e.ComputeID()
	if err != nil || id != e.ID {
		return false
	}

	pkBytes, err := hex.DecodeString(e.Pubkey)
	if err != nil || len(pkBytes) != 32 {
		return false
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return false
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return false
	}
	return sig.Verify(idBytes, pk)
}

// TagValue returns the second element of the first tag whose key matches,
// or "" when absent.
func (e *Event) TagValue(key string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}

// TagsByKey returns every tag (including the key element) whose key matches.
func (e *Event) TagsByKey(key string) [][]string {
	var out [][]string
	for _, tag := range e.Tags {
		if len(tag) >= 1 && tag[0] == key {
			out = append(out, tag)
		}
	}
	return out
}

// HasTag reports whether a tag with the given key and value exists.
func (e *Event) HasTag(key, value string) bool {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == key && tag[1] == value {
			return true
		}
	}
	return false
}
