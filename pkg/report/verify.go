package report

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Signature verdicts reported by VerifyTree.
const (
	SigValid      = "valid"
	SigInvalid    = "invalid"
	SigMissing    = "missing"
	SigUnverified = "unverified"
)

// Verification is the outcome of checking one bundle against its manifest.
type Verification struct {
	Dir           string   `json:"dir"`
	SchemaVersion string   `json:"schema_version"`
	FilesChecked  int      `json:"files_checked"`
	Mismatched    []string `json:"mismatched,omitempty"`
	Missing       []string `json:"missing,omitempty"`
	Unlisted      []string `json:"unlisted,omitempty"`
	Signature     string   `json:"signature"`
	OK            bool     `json:"ok"`
}

// Verify checks every file in dir against the manifest and checks the
// manifest signature when a key is given. Without a key the hashes are still
// checked and the signature is reported unverified. A key with no signature
// file is a violation: signed deployments must not see unsigned bundles.
// The returned Verification is populated even when err is an integrity
// violation, so callers can show what failed.
func Verify(ctx context.Context, dir string, key []byte) (*Verification, error) {
	m, raw, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	v := &Verification{
		Dir:           dir,
		SchemaVersion: m.SchemaVersion,
	}

	sigBytes, sigErr := os.ReadFile(filepath.Join(dir, SignatureName))
	switch {
	case len(key) == 0:
		if errors.Is(sigErr, os.ErrNotExist) {
			v.Signature = SigMissing
		} else {
			v.Signature = SigUnverified
		}
	case errors.Is(sigErr, os.ErrNotExist):
		v.Signature = SigMissing
	case sigErr != nil:
		return v, sigErr
	case checkSignature(key, raw, string(sigBytes)):
		v.Signature = SigValid
	default:
		v.Signature = SigInvalid
	}

	for rel, want := range m.Files {
		if err := ctx.Err(); err != nil {
			return v, err
		}
		got, err := hashFile(filepath.Join(dir, filepath.FromSlash(rel)))
		switch {
		case errors.Is(err, os.ErrNotExist):
			v.Missing = append(v.Missing, rel)
		case err != nil:
			return v, err
		case got != want:
			v.Mismatched = append(v.Mismatched, rel)
		}
		v.FilesChecked++
	}
	unlisted, err := findUnlisted(dir, m.Files)
	if err != nil {
		return v, err
	}
	v.Unlisted = unlisted
	sort.Strings(v.Mismatched)
	sort.Strings(v.Missing)

	sigBad := v.Signature == SigInvalid || (len(key) > 0 && v.Signature == SigMissing)
	v.OK = len(v.Mismatched) == 0 && len(v.Missing) == 0 && len(v.Unlisted) == 0 && !sigBad
	if !v.OK {
		return v, fmt.Errorf("%w: %s", ErrIntegrityViolation, v.describe())
	}
	return v, nil
}

func (v *Verification) describe() string {
	var parts []string
	if n := len(v.Mismatched); n > 0 {
		parts = append(parts, fmt.Sprintf("%d mismatched (%s)", n, strings.Join(v.Mismatched, ", ")))
	}
	if n := len(v.Missing); n > 0 {
		parts = append(parts, fmt.Sprintf("%d missing (%s)", n, strings.Join(v.Missing, ", ")))
	}
	if n := len(v.Unlisted); n > 0 {
		parts = append(parts, fmt.Sprintf("%d unlisted (%s)", n, strings.Join(v.Unlisted, ", ")))
	}
	if v.Signature == SigInvalid || v.Signature == SigMissing {
		parts = append(parts, "signature "+v.Signature)
	}
	return strings.Join(parts, "; ")
}

// TreeResult aggregates verification across every bundle under a root.
type TreeResult struct {
	Root    string          `json:"root"`
	Bundles []*Verification `json:"bundles"`
	Skipped []string        `json:"skipped,omitempty"`
	OK      bool            `json:"ok"`
}

// VerifyTree finds every directory under root holding a manifest and
// verifies each. One bad bundle fails the tree but the walk continues, so
// the result names every violation in one pass. Directories whose manifest
// cannot even be read are listed as skipped and fail the tree too.
func VerifyTree(ctx context.Context, root string, key []byte) (*TreeResult, error) {
	tr := &TreeResult{Root: root, OK: true}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if !d.IsDir() {
			return nil
		}
		if _, serr := os.Stat(filepath.Join(p, ManifestName)); serr != nil {
			return nil
		}
		v, verr := Verify(ctx, p, key)
		if v == nil {
			tr.Skipped = append(tr.Skipped, p)
			tr.OK = false
			return filepath.SkipDir
		}
		tr.Bundles = append(tr.Bundles, v)
		if verr != nil && !errors.Is(verr, ErrIntegrityViolation) {
			return verr
		}
		if !v.OK {
			tr.OK = false
		}
		return filepath.SkipDir
	})
	if err != nil {
		return tr, err
	}
	if !tr.OK {
		return tr, fmt.Errorf("%w: %d of %d bundles failed", ErrIntegrityViolation,
			countBad(tr), len(tr.Bundles)+len(tr.Skipped))
	}
	return tr, nil
}

func countBad(tr *TreeResult) int {
	n := len(tr.Skipped)
	for _, v := range tr.Bundles {
		if !v.OK {
			n++
		}
	}
	return n
}

// findUnlisted returns files present on disk but absent from the manifest.
func findUnlisted(dir string, listed map[string]string) ([]string, error) {
	var extra []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestName || rel == SignatureName || strings.HasSuffix(rel, ".tmp") {
			return nil
		}
		if _, ok := listed[rel]; !ok {
			extra = append(extra, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(extra)
	return extra, nil
}
