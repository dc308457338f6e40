// Package report builds and verifies evidence bundles. A bundle is one
// directory per run holding the captured device graph, the run record, the
// run log and any artifacts, sealed by a manifest of SHA-256 digests and an
// optional HMAC signature over the manifest bytes.
package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Bboy9090/PhoenixCore/internal/fsatomic"
)

const (
	// SchemaVersion versions the manifest layout.
	SchemaVersion = "1.0.0"

	ManifestName  = "manifest.json"
	SignatureName = "manifest.sig"
	LogName       = "logs.txt"
)

// ErrIntegrityViolation marks a bundle whose content no longer matches its
// manifest or whose signature fails.
var ErrIntegrityViolation = errors.New("evidence bundle integrity violation")

// Manifest lists every file in a bundle with its SHA-256 digest.
type Manifest struct {
	SchemaVersion string            `json:"schema_version"`
	CreatedAt     time.Time         `json:"created_at"`
	Files         map[string]string `json:"files"`
}

// Builder accumulates one run's evidence under <baseDir>/<runID>.
type Builder struct {
	log zerolog.Logger
	dir string
	mu  sync.Mutex
}

// NewBuilder creates the bundle directory for runID and returns a Builder
// writing into it.
func NewBuilder(logger zerolog.Logger, baseDir, runID string) (*Builder, error) {
	if err := checkEntryName(runID); err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	dir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Builder{
		log: logger.With().Str("component", "report").Str("run_id", runID).Logger(),
		dir: dir,
	}, nil
}

// Dir returns the bundle directory.
func (b *Builder) Dir() string { return b.dir }

// PutJSON durably writes v as indented JSON under name. Safe to call again
// for the same name; the run record is rewritten on every state change.
func (b *Builder) PutJSON(ctx context.Context, name string, v any) error {
	if err := checkEntryName(name); err != nil {
		return err
	}
	return fsatomic.SaveJSON(ctx, filepath.Join(b.dir, filepath.FromSlash(name)), v, 0o644)
}

// AddArtifact durably writes raw bytes under name.
func (b *Builder) AddArtifact(ctx context.Context, name string, data []byte) error {
	if err := checkEntryName(name); err != nil {
		return err
	}
	return fsatomic.SaveBytes(ctx, filepath.Join(b.dir, filepath.FromSlash(name)), data, 0o644)
}

// AppendLog appends one line to the bundle log.
func (b *Builder) AppendLog(line string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(b.dir, LogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(line + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

// Finalize hashes every file in the bundle, writes the manifest and, when a
// key is present, signs the exact manifest bytes into manifest.sig. Finalize
// is the last write; anything added afterwards shows up as unlisted during
// verification.
func (b *Builder) Finalize(ctx context.Context, key []byte) (*Manifest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	files, err := hashTree(ctx, b.dir)
	if err != nil {
		return nil, err
	}
	m := &Manifest{
		SchemaVersion: SchemaVersion,
		CreatedAt:     time.Now().UTC(),
		Files:         files,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	if err := fsatomic.SaveBytes(ctx, filepath.Join(b.dir, ManifestName), data, 0o644); err != nil {
		return nil, err
	}
	if len(key) > 0 {
		sig := Sign(key, data)
		if err := fsatomic.SaveBytes(ctx, filepath.Join(b.dir, SignatureName), []byte(sig+"\n"), 0o644); err != nil {
			return nil, err
		}
	}
	b.log.Info().Int("files", len(files)).Bool("signed", len(key) > 0).Msg("bundle sealed")
	return m, nil
}

// hashTree digests every regular file under dir except the seal files
// themselves and stray temp files.
func hashTree(ctx context.Context, dir string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
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
		digest, err := hashFile(p)
		if err != nil {
			return err
		}
		files[rel] = digest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadManifest parses dir's manifest and returns it with the raw bytes the
// signature covers.
func ReadManifest(dir string) (*Manifest, []byte, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s missing", ErrIntegrityViolation, ManifestName)
		}
		return nil, nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("%w: %s unparseable: %v", ErrIntegrityViolation, ManifestName, err)
	}
	return &m, raw, nil
}

// checkEntryName rejects names that would escape the bundle directory.
func checkEntryName(name string) error {
	if name == "" || strings.Contains(name, `\`) || path.Clean("/"+name) != "/"+name {
		return fmt.Errorf("invalid bundle entry name %q", name)
	}
	return nil
}
