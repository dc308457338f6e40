package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/Bboy9090/PhoenixCore/pkg/imaging"
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestWipeZeroesPrefix(t *testing.T) {
	data := bytes.Repeat([]byte{0xAA}, 2<<20)
	path := writeTemp(t, "disk.img", data)
	dev, err := (FileOpener{}).OpenWrite(path)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	if err := Wipe(context.Background(), dev, 0); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	dev.Close()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	for i := 0; i < DefaultWipeBytes; i++ {
		if got[i] != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, got[i])
		}
	}
	if got[DefaultWipeBytes] != 0xAA {
		t.Fatalf("byte past wipe = %#x, want 0xAA", got[DefaultWipeBytes])
	}
}

func TestApplyImageRoundTrip(t *testing.T) {
	img := pattern(300_000)
	srcPath := writeTemp(t, "image.bin", img)
	src, err := imaging.OpenReadOnly(srcPath)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer src.Close()

	dstPath := filepath.Join(t.TempDir(), "target.img")
	dev, err := (FileOpener{Capacity: 1 << 20}).OpenWrite(dstPath)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	defer dev.Close()

	var last uint64
	res, err := ApplyImage(context.Background(), dev, src, ApplyOptions{
		ChunkSize: 64 * 1024,
		Verify:    true,
		Progress:  func(done, total uint64) { last = done },
	})
	if err != nil {
		t.Fatalf("ApplyImage: %v", err)
	}
	if !res.Verified {
		t.Fatal("result not marked verified")
	}
	if res.BytesWritten != uint64(len(img)) {
		t.Fatalf("BytesWritten = %d, want %d", res.BytesWritten, len(img))
	}
	if last != uint64(len(img)) {
		t.Fatalf("final progress = %d, want %d", last, len(img))
	}
	sum := sha256.Sum256(img)
	if res.SourceDigest != hex.EncodeToString(sum[:]) {
		t.Fatalf("SourceDigest = %s, want %s", res.SourceDigest, hex.EncodeToString(sum[:]))
	}
	if res.VerifyDigest != res.SourceDigest {
		t.Fatalf("VerifyDigest = %s, want %s", res.VerifyDigest, res.SourceDigest)
	}

	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if !bytes.Equal(got, img) {
		t.Fatal("target content differs from image")
	}
}

func TestApplyImageTargetTooSmall(t *testing.T) {
	srcPath := writeTemp(t, "image.bin", pattern(4096))
	src, err := imaging.OpenReadOnly(srcPath)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer src.Close()

	dev, err := (FileOpener{Capacity: 1024}).OpenWrite(filepath.Join(t.TempDir(), "small.img"))
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	defer dev.Close()

	if _, err := ApplyImage(context.Background(), dev, src, ApplyOptions{}); !errors.Is(err, ErrTargetTooSmall) {
		t.Fatalf("err = %v, want ErrTargetTooSmall", err)
	}
}

func TestApplyImageCancelled(t *testing.T) {
	srcPath := writeTemp(t, "image.bin", pattern(4096))
	src, err := imaging.OpenReadOnly(srcPath)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer src.Close()

	dev, err := (FileOpener{Capacity: 1 << 20}).OpenWrite(filepath.Join(t.TempDir(), "target.img"))
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	defer dev.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ApplyImage(ctx, dev, src, ApplyOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestStageTree(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "EFI", "BOOT"), 0o755); err != nil {
		t.Fatal(err)
	}
	boot := pattern(2000)
	if err := os.WriteFile(filepath.Join(src, "EFI", "BOOT", "BOOTX64.EFI"), boot, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "autorun.inf"), []byte("[AutoRun]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	staged, err := StageTree(context.Background(), src, dst)
	if err != nil {
		t.Fatalf("StageTree: %v", err)
	}
	if len(staged) != 2 {
		t.Fatalf("staged %d files, want 2", len(staged))
	}
	if staged[0].Path != "EFI/BOOT/BOOTX64.EFI" || staged[1].Path != "autorun.inf" {
		t.Fatalf("unexpected order: %q, %q", staged[0].Path, staged[1].Path)
	}
	sum := sha256.Sum256(boot)
	if staged[0].SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("SHA256 = %s, want %s", staged[0].SHA256, hex.EncodeToString(sum[:]))
	}
	got, err := os.ReadFile(filepath.Join(dst, "EFI", "BOOT", "BOOTX64.EFI"))
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if !bytes.Equal(got, boot) {
		t.Fatal("staged content differs")
	}
}

func TestStageTreeRefusesSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation needs privileges on windows")
	}
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "real"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(src, "real"), filepath.Join(src, "link")); err != nil {
		t.Fatal(err)
	}
	if _, err := StageTree(context.Background(), src, t.TempDir()); !errors.Is(err, ErrSymlinkSkipped) {
		t.Fatalf("err = %v, want ErrSymlinkSkipped", err)
	}
}
