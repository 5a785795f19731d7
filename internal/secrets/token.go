package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// TokenPrefix marks Sibyl runner tokens so leaked values are recognizable
// in logs and secret scanners.
const TokenPrefix = "srt_"

// KeyRunnerTokenSecret is the vault key holding the HMAC key for runner
// token hashing.
const KeyRunnerTokenSecret = "SIBYL_RUNNER_TOKEN_SECRET" //nolint:gosec // G101: vault key name, not a credential

// ErrNoTokenSecret is returned when the vault has no HMAC key configured.
var ErrNoTokenSecret = errors.New("runner token secret is not configured")

// GenerateRunnerToken returns a new plaintext runner token. Only the HMAC
// is stored; the plaintext is shown once at issue time.
func GenerateRunnerToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return TokenPrefix + hex.EncodeToString(b), nil
}

// HashRunnerToken returns the hex HMAC-SHA256 of the token under the
// vault's token secret.
func (v *Vault) HashRunnerToken(token string) (string, error) {
	secret := v.Get(KeyRunnerTokenSecret)
	if secret == "" {
		return "", ErrNoTokenSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyRunnerToken reports whether token matches the stored hash, using
// a constant-time comparison.
func (v *Vault) VerifyRunnerToken(token, storedHash string) bool {
	if !strings.HasPrefix(token, TokenPrefix) {
		return false
	}
	computed, err := v.HashRunnerToken(token)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(computed), []byte(storedHash))
}
