// Package content inspects source media and payload trees before they are
// staged onto installer targets. Probing is pure byte inspection through the
// read-only imaging layer; nothing here shells out or mutates a source.
package content

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Bboy9090/PhoenixCore/pkg/imaging"
)

// Kind classifies a source image.
type Kind string

const (
	KindISO Kind = "iso9660"
	KindWIM Kind = "wim"
	KindRaw Kind = "raw"
)

// Info is what a preflight probe learns about a source.
type Info struct {
	Kind       Kind   `json:"kind"`
	SizeBytes  uint64 `json:"size_bytes"`
	Label      string `json:"label,omitempty"`
	Bootable   bool   `json:"bootable,omitempty"`
	WIMVersion uint32 `json:"wim_version,omitempty"`
	ImageCount uint32 `json:"image_count,omitempty"`
}

const (
	wimMagic       = "MSWIM\x00\x00\x00"
	isoPVDOffset   = 0x8000 // sector 16 of 2048-byte sectors
	isoBootOffset  = 0x8800 // sector 17: El Torito boot record
	elToritoSystem = "EL TORITO SPECIFICATION"
)

// Inspect sniffs the image at path. Files that match no known container are
// reported as raw images, not errors; only I/O failures are errors.
func Inspect(path string) (*Info, error) {
	src, err := imaging.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return inspectSource(src)
}

func inspectSource(src imaging.Source) (*Info, error) {
	info := &Info{Kind: KindRaw, SizeBytes: src.Size()}

	if src.Size() >= 48 {
		head, err := imaging.ReadExact(src, 0, 48)
		if err != nil {
			return nil, err
		}
		if string(head[:8]) == wimMagic {
			info.Kind = KindWIM
			info.WIMVersion = binary.LittleEndian.Uint32(head[12:16])
			info.ImageCount = binary.LittleEndian.Uint32(head[44:48])
			return info, nil
		}
	}

	if src.Size() >= isoPVDOffset+2048 {
		pvd, err := imaging.ReadExact(src, isoPVDOffset, 2048)
		if err != nil {
			return nil, err
		}
		if pvd[0] == 1 && string(pvd[1:6]) == "CD001" {
			info.Kind = KindISO
			info.Label = strings.TrimRight(string(pvd[40:72]), " \x00")
			info.Bootable = isoBootable(src)
			return info, nil
		}
	}

	return info, nil
}

// isoBootable looks for an El Torito boot record in the descriptor that
// follows the PVD.
func isoBootable(src imaging.Source) bool {
	if src.Size() < isoBootOffset+2048 {
		return false
	}
	br, err := imaging.ReadExact(src, isoBootOffset, 2048)
	if err != nil {
		return false
	}
	if br[0] != 0 || string(br[1:6]) != "CD001" {
		return false
	}
	return strings.HasPrefix(string(br[7:39]), elToritoSystem)
}

// BootArch tags an EFI boot entry by its fallback loader name.
type BootArch string

const (
	ArchX64     BootArch = "x64"
	ArchAarch64 BootArch = "aarch64"
	ArchIA32    BootArch = "ia32"
)

// BootEntry is one removable-media boot path found in a payload tree.
type BootEntry struct {
	Path string   `json:"path"`
	Arch BootArch `json:"arch"`
}

// BootloaderPackage is a validated EFI payload directory.
type BootloaderPackage struct {
	Root        string      `json:"root"`
	BootEntries []BootEntry `json:"boot_entries"`
}

var ErrNoBootEntries = errors.New("bootloader package missing EFI/BOOT/*.EFI entries")

// ValidateBootloaderDir checks that dir carries at least one EFI fallback
// loader and reports every one it finds.
func ValidateBootloaderDir(dir string) (*BootloaderPackage, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("bootloader root %s is not a directory", dir)
	}
	known := []struct {
		rel  string
		arch BootArch
	}{
		{"EFI/BOOT/BOOTX64.EFI", ArchX64},
		{"EFI/BOOT/BOOTAA64.EFI", ArchAarch64},
		{"EFI/BOOT/BOOTIA32.EFI", ArchIA32},
	}
	pkg := &BootloaderPackage{Root: dir}
	for _, k := range known {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(k.rel))); err == nil {
			pkg.BootEntries = append(pkg.BootEntries, BootEntry{Path: k.rel, Arch: k.arch})
		}
	}
	if len(pkg.BootEntries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoBootEntries, dir)
	}
	return pkg, nil
}
