// Package imaging streams disk contents for evidence. Everything here is
// strictly read-only: OpenReadOnly never falls back to a writable handle,
// and no function in this package mutates the source.
package imaging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"time"
)

// DefaultChunkSize is used when callers do not pick their own.
const DefaultChunkSize = 8 << 20 // 8 MiB

var (
	ErrAccessDenied = errors.New("access denied opening source")
	ErrShortDevice  = errors.New("source ended before its reported size")
	ErrOutOfBounds  = errors.New("read window outside source bounds")
	ErrBadChunkSize = errors.New("chunk size must be positive")
)

// Source is a sized, seekable read-only view of a disk or image file.
type Source interface {
	io.ReaderAt
	io.Closer
	Size() uint64
	Path() string
}

type fileSource struct {
	f    *os.File
	size uint64
	path string
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *fileSource) Close() error                            { return s.f.Close() }
func (s *fileSource) Size() uint64                            { return s.size }
func (s *fileSource) Path() string                            { return s.path }

// OpenReadOnly opens path with O_RDONLY. Regular files are sized via stat;
// block devices via the platform ioctl. A permission failure maps to
// ErrAccessDenied, a missing path keeps fs.ErrNotExist.
func OpenReadOnly(path string) (Source, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", ErrAccessDenied, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := uint64(fi.Size())
	if devSize, isDev, err := deviceSize(f, fi); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("size %s: %w", path, err)
	} else if isDev {
		size = devSize
	}
	return &fileSource{f: f, size: size, path: path}, nil
}

// Chunk is one contiguous window of the stream plan.
type Chunk struct {
	Index  int    `json:"index"`
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// PlanChunks cuts total bytes into fixed-size windows; the final window
// carries the remainder. chunkSize 0 selects DefaultChunkSize.
func PlanChunks(total uint64, chunkSize int64) ([]Chunk, error) {
	if chunkSize < 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadChunkSize, chunkSize)
	}
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	cs := uint64(chunkSize)
	plan := make([]Chunk, 0, int(total/cs)+1)
	var off uint64
	for idx := 0; off < total; idx++ {
		length := cs
		if rest := total - off; rest < length {
			length = rest
		}
		plan = append(plan, Chunk{Index: idx, Offset: off, Length: length})
		off += length
	}
	return plan, nil
}

// Progress receives the bytes processed so far and the total. done is
// monotonic and reaches exactly total on completion.
type Progress func(done, total uint64)

// Options tunes HashStream.
type Options struct {
	ChunkSize int64
	PerChunk  bool
	Progress  Progress
}

// ChunkDigest is the per-window digest recorded when Options.PerChunk is on.
type ChunkDigest struct {
	Index  int    `json:"index"`
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
	Digest string `json:"digest"`
}

// Result describes one completed (or cancelled) streaming pass.
type Result struct {
	Algorithm  string        `json:"algorithm"`
	TotalBytes uint64        `json:"total_bytes"`
	Digest     string        `json:"digest"`
	ChunkSize  int64         `json:"chunk_size"`
	Chunks     []ChunkDigest `json:"chunks,omitempty"`
	DurationMS int64         `json:"duration_ms"`
}

// HashStream reads the source start to end through one continuous SHA-256.
// Cancellation is honored between chunks: the error is ctx.Err() and the
// returned result covers the bytes actually hashed. A source that ends
// early yields ErrShortDevice; evidence is never fabricated to full length.
func HashStream(ctx context.Context, src Source, opts Options) (*Result, error) {
	plan, err := PlanChunks(src.Size(), opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	res := &Result{Algorithm: "sha256", ChunkSize: chunkSize}
	start := time.Now()
	h := sha256.New()
	total := src.Size()
	buf := make([]byte, chunkSize)
	var done uint64
	for _, c := range plan {
		if err := ctx.Err(); err != nil {
			finishResult(res, h, done, start)
			return res, err
		}
		n, err := readChunk(src, buf[:c.Length], c.Offset)
		if n > 0 {
			h.Write(buf[:n])
			if opts.PerChunk {
				sum := sha256.Sum256(buf[:n])
				res.Chunks = append(res.Chunks, ChunkDigest{
					Index:  c.Index,
					Offset: c.Offset,
					Length: uint64(n),
					Digest: hex.EncodeToString(sum[:]),
				})
			}
			done += uint64(n)
		}
		if err != nil {
			finishResult(res, h, done, start)
			return res, fmt.Errorf("%w: %s at offset %d: %v", ErrShortDevice, src.Path(), c.Offset, err)
		}
		if opts.Progress != nil {
			opts.Progress(done, total)
		}
	}
	finishResult(res, h, done, start)
	return res, nil
}

func finishResult(res *Result, h hash.Hash, done uint64, start time.Time) {
	res.TotalBytes = done
	res.Digest = hex.EncodeToString(h.Sum(nil))
	res.DurationMS = time.Since(start).Milliseconds()
}

// readChunk fills p from off, tolerating the io.EOF that accompanies a full
// read of the final bytes.
func readChunk(src Source, p []byte, off uint64) (int, error) {
	n, err := src.ReadAt(p, int64(off))
	if err == io.EOF && n == len(p) {
		err = nil
	}
	if err == nil && n < len(p) {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// ReadExact returns the window [offset, offset+length) after proving it lies
// inside the source. Out-of-bounds windows fail without touching the device.
func ReadExact(src Source, offset, length uint64) ([]byte, error) {
	size := src.Size()
	if offset > size || length > size-offset {
		return nil, fmt.Errorf("%w: [%d,%d) of %d-byte source", ErrOutOfBounds, offset, offset+length, size)
	}
	if length == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, length)
	n, err := readChunk(src, buf, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s at offset %d: %v", ErrShortDevice, src.Path(), offset, err)
	}
	return buf[:n], nil
}
