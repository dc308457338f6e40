package pack

import (
	"archive/zip"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Export writes the pack's declared members to a zip: the manifest, its
// signature when present, workflows and assets. Files the manifest does not
// name stay out of the archive. Directory assets are walked recursively.
func Export(ctx context.Context, dir, zipPath string) error {
	manifestPath, err := FindManifest(dir)
	if err != nil {
		return err
	}
	m, err := Load(manifestPath)
	if err != nil {
		return err
	}

	members := []string{filepath.Base(manifestPath)}
	if _, err := os.Stat(manifestPath + SignatureSuffix); err == nil {
		members = append(members, filepath.Base(manifestPath)+SignatureSuffix)
	}
	members = append(members, m.Workflows...)
	members = append(members, m.Assets...)

	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)
	fail := func(err error) error {
		zw.Close()
		out.Close()
		os.Remove(zipPath)
		return err
	}

	seen := make(map[string]bool)
	for _, rel := range members {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		abs := filepath.Join(dir, filepath.FromSlash(rel))
		fi, err := os.Stat(abs)
		if err != nil {
			return fail(err)
		}
		if fi.IsDir() {
			err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, werr error) error {
				if werr != nil {
					return werr
				}
				if d.IsDir() {
					return nil
				}
				sub, rerr := filepath.Rel(dir, p)
				if rerr != nil {
					return rerr
				}
				return addMember(zw, p, filepath.ToSlash(sub), seen)
			})
		} else {
			err = addMember(zw, abs, filepath.ToSlash(rel), seen)
		}
		if err != nil {
			return fail(err)
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(zipPath)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(zipPath)
		return err
	}
	return out.Close()
}

func addMember(zw *zip.Writer, abs, name string, seen map[string]bool) error {
	if seen[name] {
		return nil
	}
	seen[name] = true
	fi, err := os.Stat(abs)
	if err != nil {
		return err
	}
	src, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer src.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: fi.ModTime(),
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
