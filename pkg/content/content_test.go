package content

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name string, b []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInspectWIM(t *testing.T) {
	img := make([]byte, 4096)
	copy(img, wimMagic)
	binary.LittleEndian.PutUint32(img[8:], 0xD0)     // header size
	binary.LittleEndian.PutUint32(img[12:], 0x10D00) // version
	binary.LittleEndian.PutUint32(img[44:], 3)       // image count
	info, err := Inspect(writeFile(t, "install.wim", img))
	if err != nil {
		t.Fatal(err)
	}
	if info.Kind != KindWIM {
		t.Fatalf("kind = %q", info.Kind)
	}
	if info.ImageCount != 3 || info.WIMVersion != 0x10D00 {
		t.Fatalf("info = %+v", info)
	}
}

func isoImage(t *testing.T, bootable bool) []byte {
	t.Helper()
	img := make([]byte, isoBootOffset+4096)
	pvd := img[isoPVDOffset:]
	pvd[0] = 1
	copy(pvd[1:6], "CD001")
	copy(pvd[40:], "FEDORA_WS_42")
	if bootable {
		br := img[isoBootOffset:]
		br[0] = 0
		copy(br[1:6], "CD001")
		copy(br[7:], elToritoSystem)
	}
	return img
}

func TestInspectISO(t *testing.T) {
	info, err := Inspect(writeFile(t, "distro.iso", isoImage(t, true)))
	if err != nil {
		t.Fatal(err)
	}
	if info.Kind != KindISO {
		t.Fatalf("kind = %q", info.Kind)
	}
	if info.Label != "FEDORA_WS_42" {
		t.Fatalf("label = %q", info.Label)
	}
	if !info.Bootable {
		t.Fatal("el torito record not detected")
	}
}

func TestInspectISONotBootable(t *testing.T) {
	info, err := Inspect(writeFile(t, "data.iso", isoImage(t, false)))
	if err != nil {
		t.Fatal(err)
	}
	if info.Kind != KindISO || info.Bootable {
		t.Fatalf("info = %+v", info)
	}
}

func TestInspectRaw(t *testing.T) {
	info, err := Inspect(writeFile(t, "disk.img", make([]byte, 1024)))
	if err != nil {
		t.Fatal(err)
	}
	if info.Kind != KindRaw || info.SizeBytes != 1024 {
		t.Fatalf("info = %+v", info)
	}
}

func TestInspectTinyFile(t *testing.T) {
	info, err := Inspect(writeFile(t, "tiny", []byte("xx")))
	if err != nil {
		t.Fatal(err)
	}
	if info.Kind != KindRaw {
		t.Fatalf("kind = %q", info.Kind)
	}
}

func TestValidateBootloaderDir(t *testing.T) {
	dir := t.TempDir()
	bootDir := filepath.Join(dir, "EFI", "BOOT")
	if err := os.MkdirAll(bootDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bootDir, "BOOTX64.EFI"), []byte{'M', 'Z'}, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bootDir, "BOOTAA64.EFI"), []byte{'M', 'Z'}, 0o644); err != nil {
		t.Fatal(err)
	}

	pkg, err := ValidateBootloaderDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkg.BootEntries) != 2 {
		t.Fatalf("entries = %+v", pkg.BootEntries)
	}
	if pkg.BootEntries[0].Arch != ArchX64 || pkg.BootEntries[1].Arch != ArchAarch64 {
		t.Fatalf("arch order = %+v", pkg.BootEntries)
	}
}

func TestValidateBootloaderDirEmpty(t *testing.T) {
	_, err := ValidateBootloaderDir(t.TempDir())
	if !errors.Is(err, ErrNoBootEntries) {
		t.Fatalf("err = %v", err)
	}
}
