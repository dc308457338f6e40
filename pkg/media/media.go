// Package media performs the destructive writes of installer-media builds:
// wiping boot regions, applying images, staging payload trees. Nothing here
// decides whether a write is allowed; callers hold an authorized safety
// decision and the per-disk lock before a Device is ever opened.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/Bboy9090/PhoenixCore/pkg/imaging"
)

// DefaultWipeBytes clears the partition table and any stale boot sector.
const DefaultWipeBytes = 1 << 20

var (
	ErrTargetTooSmall = errors.New("target device smaller than source image")
	ErrVerifyMismatch = errors.New("verify-after-write digest mismatch")
	ErrSymlinkSkipped = errors.New("symbolic links cannot be staged")
	ErrWriteTruncated = errors.New("device accepted fewer bytes than written")
)

// Device is a writable handle on a target. Reads are used only by the
// verify-after-write pass.
type Device interface {
	io.WriterAt
	io.ReaderAt
	Size() uint64
	Sync() error
	Close() error
	Path() string
}

// Opener opens target devices for writing. Production opens device nodes;
// tests substitute temp files.
type Opener interface {
	OpenWrite(path string) (Device, error)
}

// Wipe zeroes the first n bytes of dev (DefaultWipeBytes when n is 0) and
// syncs. Cancellation is honored between slabs.
func Wipe(ctx context.Context, dev Device, n uint64) error {
	if n == 0 {
		n = DefaultWipeBytes
	}
	if size := dev.Size(); size > 0 && n > size {
		n = size
	}
	const slab = 256 * 1024
	zeros := make([]byte, slab)
	var off uint64
	for off < n {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := uint64(slab)
		if rest := n - off; rest < chunk {
			chunk = rest
		}
		if _, err := dev.WriteAt(zeros[:chunk], int64(off)); err != nil {
			return fmt.Errorf("wipe %s at %d: %w", dev.Path(), off, err)
		}
		off += chunk
	}
	return dev.Sync()
}

// ApplyOptions tunes ApplyImage.
type ApplyOptions struct {
	ChunkSize int64
	Progress  imaging.Progress
	Verify    bool
}

// ApplyResult is the evidence record of one image write.
type ApplyResult struct {
	BytesWritten uint64 `json:"bytes_written"`
	SourceDigest string `json:"source_digest"`
	VerifyDigest string `json:"verify_digest,omitempty"`
	Verified     bool   `json:"verified"`
	DurationMS   int64  `json:"duration_ms"`
}

// ApplyImage streams src onto dev chunk by chunk, hashing the source as it
// goes. With Verify set, the written range is read back and its digest
// compared; a mismatch is an integrity failure, not a warning.
func ApplyImage(ctx context.Context, dev Device, src imaging.Source, opts ApplyOptions) (*ApplyResult, error) {
	if devSize := dev.Size(); devSize > 0 && src.Size() > devSize {
		return nil, fmt.Errorf("%w: image %d bytes, device %d bytes", ErrTargetTooSmall, src.Size(), devSize)
	}
	plan, err := imaging.PlanChunks(src.Size(), opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = imaging.DefaultChunkSize
	}
	start := time.Now()
	h := sha256.New()
	buf := make([]byte, chunkSize)
	var done uint64
	total := src.Size()
	for _, c := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := src.ReadAt(buf[:c.Length], int64(c.Offset))
		if err == io.EOF && uint64(n) == c.Length {
			err = nil
		}
		if err != nil || uint64(n) != c.Length {
			return nil, fmt.Errorf("read source %s at %d: %w", src.Path(), c.Offset, firstErr(err, io.ErrUnexpectedEOF))
		}
		wn, err := dev.WriteAt(buf[:n], int64(c.Offset))
		if err != nil {
			return nil, fmt.Errorf("write %s at %d: %w", dev.Path(), c.Offset, err)
		}
		if wn != n {
			return nil, fmt.Errorf("%w: %s at %d", ErrWriteTruncated, dev.Path(), c.Offset)
		}
		h.Write(buf[:n])
		done += uint64(n)
		if opts.Progress != nil {
			opts.Progress(done, total)
		}
	}
	if err := dev.Sync(); err != nil {
		return nil, fmt.Errorf("sync %s: %w", dev.Path(), err)
	}
	res := &ApplyResult{
		BytesWritten: done,
		SourceDigest: hex.EncodeToString(h.Sum(nil)),
	}
	if opts.Verify {
		digest, err := readBackDigest(ctx, dev, done, chunkSize)
		if err != nil {
			return nil, err
		}
		res.VerifyDigest = digest
		if digest != res.SourceDigest {
			return res, fmt.Errorf("%w: wrote %s, read back %s", ErrVerifyMismatch, res.SourceDigest, digest)
		}
		res.Verified = true
	}
	res.DurationMS = time.Since(start).Milliseconds()
	return res, nil
}

func readBackDigest(ctx context.Context, dev Device, length uint64, chunkSize int64) (string, error) {
	plan, err := imaging.PlanChunks(length, chunkSize)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	buf := make([]byte, chunkSize)
	for _, c := range plan {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := dev.ReadAt(buf[:c.Length], int64(c.Offset))
		if err == io.EOF && uint64(n) == c.Length {
			err = nil
		}
		if err != nil || uint64(n) != c.Length {
			return "", fmt.Errorf("verify read %s at %d: %w", dev.Path(), c.Offset, firstErr(err, io.ErrUnexpectedEOF))
		}
		h.Write(buf[:n])
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StagedFile is the evidence record of one staged payload file.
type StagedFile struct {
	Path      string `json:"path"`
	SizeBytes uint64 `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// StageTree copies srcDir into dstDir, hashing every file on the way.
// Walk order is lexical, so the returned records are deterministic.
// Symlinks are refused: installer targets are FAT volumes.
func StageTree(ctx context.Context, srcDir, dstDir string) ([]StagedFile, error) {
	var staged []StagedFile
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dst := filepath.Join(dstDir, rel)
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			return fmt.Errorf("%w: %s", ErrSymlinkSkipped, rel)
		case d.IsDir():
			return os.MkdirAll(dst, 0o755)
		}
		rec, err := copyFileHashed(path, dst)
		if err != nil {
			return err
		}
		rec.Path = filepath.ToSlash(rel)
		staged = append(staged, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return staged, nil
}

func copyFileHashed(src, dst string) (StagedFile, error) {
	in, err := os.Open(src)
	if err != nil {
		return StagedFile{}, err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return StagedFile{}, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return StagedFile{}, err
	}
	h := sha256.New()
	n, err := io.Copy(out, io.TeeReader(in, h))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return StagedFile{}, fmt.Errorf("stage %s: %w", src, err)
	}
	return StagedFile{SizeBytes: uint64(n), SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
