package report

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ExportZip packs the bundle at dir into a single zip at out. WalkDir is
// lexical, so entry order is stable across exports of the same bundle.
func ExportZip(ctx context.Context, dir, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
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
		if strings.HasSuffix(rel, ".tmp") {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		hdr := &zip.FileHeader{Name: rel, Method: zip.Deflate, Modified: fi.ModTime()}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		_, cerr := io.Copy(w, src)
		src.Close()
		return cerr
	})
	if err != nil {
		zw.Close()
		f.Close()
		os.Remove(out)
		return fmt.Errorf("export %s: %w", dir, err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
