package fat32

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPlanLayoutGeometry(t *testing.T) {
	cases := []struct {
		bytes   uint64
		wantSPC uint8
	}{
		{64 * 1024 * 1024, 1},
		{1 * 1024 * 1024 * 1024, 8},
		{32 * 1024 * 1024 * 1024, 32},
		{64 * 1024 * 1024 * 1024, 64},
	}
	for _, tc := range cases {
		l, err := PlanLayout(tc.bytes)
		if err != nil {
			t.Fatalf("PlanLayout(%d): %v", tc.bytes, err)
		}
		if l.TotalSectors != uint32(tc.bytes/BytesPerSector) {
			t.Fatalf("total sectors = %d", l.TotalSectors)
		}
		if l.SectorsPerCluster != tc.wantSPC {
			t.Fatalf("size %d: sectors per cluster = %d, want %d", tc.bytes, l.SectorsPerCluster, tc.wantSPC)
		}
		clusters := dataClusters(l.TotalSectors, l.SectorsPerFAT, l.SectorsPerCluster)
		if clusters < minClusters || clusters > maxClusters {
			t.Fatalf("size %d: cluster count %d outside FAT32 range", tc.bytes, clusters)
		}
		entries := uint32(BytesPerSector / 4)
		if l.SectorsPerFAT*entries < clusters+2 {
			t.Fatalf("size %d: FAT of %d sectors cannot map %d clusters", tc.bytes, l.SectorsPerFAT, clusters)
		}
		// One sector fewer would leave data clusters unmapped.
		short := dataClusters(l.TotalSectors, l.SectorsPerFAT-1, l.SectorsPerCluster)
		if (l.SectorsPerFAT-1)*entries >= short+2 {
			t.Fatalf("size %d: FAT oversized at %d sectors", tc.bytes, l.SectorsPerFAT)
		}
		wantRoot := uint32(ReservedSectors) + NumFATs*l.SectorsPerFAT
		if l.RootDirSector != wantRoot {
			t.Fatalf("root dir sector = %d, want %d", l.RootDirSector, wantRoot)
		}
	}
}

func TestPlanLayoutRejects(t *testing.T) {
	if _, err := PlanLayout(16 * 1024 * 1024); !errors.Is(err, ErrTooSmall) {
		t.Fatalf("small: %v", err)
	}
	if _, err := PlanLayout(64*1024*1024 + 100); !errors.Is(err, ErrNotAligned) {
		t.Fatalf("unaligned: %v", err)
	}
}

func TestFormatWritesStructures(t *testing.T) {
	const size = 64 * 1024 * 1024
	path := filepath.Join(t.TempDir(), "vol.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}

	layout, err := Format(f, size, "phoenix usb")
	if err != nil {
		t.Fatal(err)
	}
	if layout.Label != "PHOENIX USB" {
		t.Fatalf("label = %q", layout.Label)
	}

	sector := func(n uint32) []byte {
		b := make([]byte, BytesPerSector)
		if _, err := f.ReadAt(b, int64(n)*BytesPerSector); err != nil {
			t.Fatalf("read sector %d: %v", n, err)
		}
		return b
	}

	boot := sector(0)
	if boot[510] != 0x55 || boot[511] != 0xAA {
		t.Fatal("boot sector signature missing")
	}
	if string(boot[3:11]) != "PHOENIX " {
		t.Fatalf("oem = %q", boot[3:11])
	}
	if got := binary.LittleEndian.Uint32(boot[0x20:]); got != layout.TotalSectors {
		t.Fatalf("TotSec32 = %d", got)
	}
	if got := binary.LittleEndian.Uint32(boot[0x24:]); got != layout.SectorsPerFAT {
		t.Fatalf("FATSz32 = %d", got)
	}
	if string(boot[0x52:0x5A]) != "FAT32   " {
		t.Fatalf("fs type = %q", boot[0x52:0x5A])
	}
	if string(boot[0x47:0x52]) != "PHOENIX USB" {
		t.Fatalf("bpb label = %q", boot[0x47:0x52])
	}
	if !bytes.Equal(boot, sector(backupBootSector)) {
		t.Fatal("backup boot sector differs")
	}

	info := sector(fsinfoSector)
	if string(info[0:4]) != "RRaA" || string(info[0x1E4:0x1E8]) != "rrAa" {
		t.Fatal("fsinfo signatures missing")
	}
	if info[510] != 0x55 || info[511] != 0xAA {
		t.Fatal("fsinfo trailer missing")
	}

	for i := uint32(0); i < NumFATs; i++ {
		fat := sector(ReservedSectors + i*layout.SectorsPerFAT)
		if binary.LittleEndian.Uint32(fat[0:]) != 0x0FFFFFF8 {
			t.Fatalf("fat %d entry 0 = %x", i, fat[0:4])
		}
		if binary.LittleEndian.Uint32(fat[8:]) != 0x0FFFFFFF {
			t.Fatalf("fat %d root chain = %x", i, fat[8:12])
		}
	}

	root := sector(layout.RootDirSector)
	if string(root[0:11]) != "PHOENIX USB" || root[11] != 0x08 {
		t.Fatalf("label entry = %q attr=%x", root[0:11], root[11])
	}
}

func TestFormatUnlabeled(t *testing.T) {
	const size = 64 * 1024 * 1024
	f, err := os.Create(filepath.Join(t.TempDir(), "vol.img"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	layout, err := Format(f, size, "")
	if err != nil {
		t.Fatal(err)
	}
	if layout.Label != "" {
		t.Fatalf("label = %q", layout.Label)
	}
	root := make([]byte, 32)
	if _, err := f.ReadAt(root, int64(layout.RootDirSector)*BytesPerSector); err != nil {
		t.Fatal(err)
	}
	if root[11] == 0x08 {
		t.Fatal("unlabeled volume should have no label entry")
	}
}

func TestEncodeLabel(t *testing.T) {
	if got := encodeLabel("boot"); string(got[:]) != "BOOT       " {
		t.Fatalf("got %q", got)
	}
	if got := encodeLabel("averylongvolumelabel"); string(got[:]) != "AVERYLONGVO" {
		t.Fatalf("got %q", got)
	}
	if got := encodeLabel(""); string(got[:]) != "           " {
		t.Fatalf("got %q", got)
	}
}
