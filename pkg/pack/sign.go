package pack

import (
	"context"
	"crypto/hmac"
	"fmt"
	"os"
	"strings"

	"github.com/Bboy9090/PhoenixCore/internal/fsatomic"
	"github.com/Bboy9090/PhoenixCore/pkg/report"
)

// SignatureSuffix is appended to the manifest file name.
const SignatureSuffix = ".sig"

// Sign writes an HMAC-SHA256 signature over the raw manifest bytes next to
// the manifest and returns the signature path. The scheme matches evidence
// bundle sealing, so one bench key covers both.
func Sign(ctx context.Context, manifestPath string, key []byte) (string, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", err
	}
	sig := report.Sign(key, data)
	sigPath := manifestPath + SignatureSuffix
	if err := fsatomic.SaveBytes(ctx, sigPath, []byte(sig+"\n"), 0o644); err != nil {
		return "", err
	}
	return sigPath, nil
}

// VerifySignature checks the manifest against its signature file. A missing
// signature is an integrity violation, not a pass.
func VerifySignature(manifestPath string, key []byte) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(manifestPath + SignatureSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: signature file missing for %s", ErrIntegrity, manifestPath)
		}
		return err
	}
	want := report.Sign(key, data)
	got := strings.TrimSpace(string(raw))
	if !hmac.Equal([]byte(want), []byte(got)) {
		return fmt.Errorf("%w: manifest signature mismatch for %s", ErrIntegrity, manifestPath)
	}
	return nil
}
