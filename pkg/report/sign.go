package report

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SigningKeyEnv holds a hex-encoded signing key when no key file is set.
	SigningKeyEnv = "PHX_SIGNING_KEY"

	// KeySize is the HMAC-SHA256 key length in bytes.
	KeySize = 32
)

var errKeyTooShort = errors.New("signing key too short")

// Sign returns the lowercase hex HMAC-SHA256 of payload.
func Sign(key, payload []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// checkSignature reports whether sig matches payload under key, in constant
// time over the decoded MACs.
func checkSignature(key, payload []byte, sig string) bool {
	want, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, key)
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}

// LoadKey resolves the signing key: a key file when path is set (hex or raw
// bytes, first KeySize bytes used), otherwise the environment. Returns
// (nil, nil) when no key is configured, which produces unsigned bundles.
func LoadKey(path string) ([]byte, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimSpace(string(raw))
		if decoded, err := hex.DecodeString(trimmed); err == nil && len(decoded) >= KeySize {
			return decoded[:KeySize], nil
		}
		if len(raw) >= KeySize {
			return raw[:KeySize], nil
		}
		return nil, fmt.Errorf("%w: %s", errKeyTooShort, path)
	}
	if v := os.Getenv(SigningKeyEnv); v != "" {
		decoded, err := hex.DecodeString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", SigningKeyEnv, err)
		}
		if len(decoded) < KeySize {
			return nil, fmt.Errorf("%w: %s", errKeyTooShort, SigningKeyEnv)
		}
		return decoded[:KeySize], nil
	}
	return nil, nil
}

// DeriveKey stretches an operator passphrase into a signing key. The salt is
// fixed so the same passphrase verifies bundles on another machine.
func DeriveKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte("PhoenixCore/report/v1"), 600_000, KeySize, sha256.New)
}
