// Package auth implements the challenge-response handshake that proves a
// client controls the public key it claims.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openworld-labs/gridsync/internal/v1/logging"
	"github.com/openworld-labs/gridsync/internal/v1/nostr"
	"go.uber.org/zap"
)

// KindAuthResponse is the event kind clients must sign the challenge with.
const KindAuthResponse = 27235

// MaxClockSkew bounds |now - created_at| on the signed response.
const MaxClockSkew = 300 * time.Second

// GenerateChallenge returns a fresh 32-byte random nonce, hex-encoded.
func GenerateChallenge() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Verifier validates signed challenge responses.
type Verifier struct {
	now func() time.Time
}

// NewVerifier creates a Verifier using the wall clock.
func NewVerifier() *Verifier {
	return &Verifier{now: time.Now}
}

// NewVerifierWithClock creates a Verifier with an injected clock for tests.
func NewVerifierWithClock(now func() time.Time) *Verifier {
	return &Verifier{now: now}
}

// VerifyAuthResponse checks that signedPayload is a valid signed event whose
// pubkey matches the claim, whose content is the exact challenge, whose kind
// is KindAuthResponse, and whose timestamp is within MaxClockSkew of now.
// Any parse failure fails the verification.
func (v *Verifier) VerifyAuthResponse(claimedPubkey, challenge, signedPayload string) bool {
	var ev nostr.Event
	if err := json.Unmarshal([]byte(signedPayload), &ev); err != nil {
		logging.Warn(context.Background(), "Auth response is not a valid event", zap.Error(err))
		return false
	}

	if ev.Pubkey != claimedPubkey {
		return false
	}
	if ev.Content != challenge {
		return false
	}
	if ev.Kind != KindAuthResponse {
		return false
	}

	skew := v.now().Unix() - ev.CreatedAt
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(MaxClockSkew.Seconds()) {
		return false
	}

	return ev.Verify()
}
