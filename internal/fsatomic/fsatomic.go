// Package fsatomic provides crash-safe file persistence for evidence data.
// Every write lands via temp file + fsync + rename so a poweroff mid-write
// leaves either the old content or the new, never a torn file.
package fsatomic

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// SaveJSON atomically writes v as indented JSON (trailing newline) to path.
// If perm is 0, 0600 is used.
func SaveJSON(ctx context.Context, path string, v any, perm fs.FileMode) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return SaveBytes(ctx, path, b, perm)
}

// SaveBytes atomically writes b to path with the same durability guarantees
// as SaveJSON. Used for byte-exact artifacts (signatures, manifests) where
// re-marshaling would change the signed bytes.
func SaveBytes(ctx context.Context, path string, b []byte, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0o600
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(b); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := fsyncDir(filepath.Dir(path)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := renameWithRetry(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return fsyncDir(filepath.Dir(path))
}

// renameWithRetry renames tmp into place. On Windows a destination that
// exists or is transiently open can fail the rename, so retry briefly.
func renameWithRetry(tmp, path string) error {
	for i := 0; i < 5; i++ {
		err := os.Rename(tmp, path)
		if err == nil {
			return nil
		}
		if runtime.GOOS != "windows" {
			return err
		}
		_ = os.Remove(path)
		time.Sleep(time.Duration(10*(i+1)) * time.Millisecond)
	}
	return errors.New("rename failed after retries")
}

// LoadJSON loads JSON from path into v. Returns exists=false when the file
// is missing. A stale path+".tmp" left by a crash is removed first.
func LoadJSON(path string, v any) (bool, error) {
	_ = os.Remove(path + ".tmp")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// WithLock runs fn while holding an exclusive advisory lock on path+".lock".
func WithLock(path string, fn func() error) error {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	unlock, err := flockExclusive(path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func fsyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
