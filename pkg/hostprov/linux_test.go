package hostprov

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Bboy9090/PhoenixCore/pkg/devgraph"
)

func fixtureProvider(t *testing.T, mountsFile string) *LinuxProvider {
	t.Helper()
	p := NewLinux(zerolog.Nop())
	p.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name != "lsblk" {
			t.Fatalf("unexpected command %q", name)
		}
		return os.ReadFile(filepath.Join("testdata", "lsblk.json"))
	}
	p.mountsPath = filepath.Join("testdata", mountsFile)
	return p
}

func TestNormalizeSize(t *testing.T) {
	if got := normalizeSize(json.Number("8589934592")); got != 8589934592 {
		t.Fatalf("expected 8GiB, got %d", got)
	}
	if got := normalizeSize(float64(4096)); got != 4096 {
		t.Fatalf("float: got %d", got)
	}
	if got := normalizeSize("1024"); got != 1024 {
		t.Fatalf("string: got %d", got)
	}
	if got := normalizeSize(float64(-1)); got != 0 {
		t.Fatalf("negative: got %d", got)
	}
	if got := normalizeSize(nil); got != 0 {
		t.Fatalf("nil: got %d", got)
	}
}

func TestEnumerateFixture(t *testing.T) {
	g, err := fixtureProvider(t, "mounts").Enumerate(context.Background())
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("graph invalid: %v", err)
	}
	if len(g.Disks) != 3 {
		t.Fatalf("want 3 disks (loop excluded), got %d", len(g.Disks))
	}

	nvme, ok := g.FindDisk("disk-s5gxnx0t902301e")
	if !ok {
		t.Fatalf("nvme disk missing; disks=%+v", g.Disks)
	}
	if !nvme.IsSystemDisk {
		t.Fatal("disk hosting / must be a system disk")
	}
	if nvme.Bus != devgraph.BusNVMe {
		t.Fatalf("nvme bus = %q", nvme.Bus)
	}
	if len(nvme.Partitions) != 2 {
		t.Fatalf("nvme partitions = %d", len(nvme.Partitions))
	}
	if got := nvme.Partitions[1].Mountpoints; len(got) != 1 || got[0] != "/" {
		t.Fatalf("root partition mountpoints = %v", got)
	}

	usb, ok := g.FindDisk("disk-4c530001230908117433")
	if !ok {
		t.Fatal("usb disk missing")
	}
	if usb.IsSystemDisk {
		t.Fatal("usb stick misclassified as system disk")
	}
	if !usb.Removable || usb.Bus != devgraph.BusUSB {
		t.Fatalf("usb flags: removable=%v bus=%q", usb.Removable, usb.Bus)
	}
	if got := usb.Partitions[0].Mountpoints[0]; got != "/run/media/op/PHOENIX USB" {
		t.Fatalf("escaped mountpoint = %q", got)
	}

	card, ok := g.FindDisk("disk-mmcblk0")
	if !ok {
		t.Fatal("zero-size card reader should still be listed")
	}
	if card.SizeBytes != 0 || card.Bus != devgraph.BusSD {
		t.Fatalf("card: size=%d bus=%q", card.SizeBytes, card.Bus)
	}
}

func TestEnumerateFreshGraphPerCall(t *testing.T) {
	p := fixtureProvider(t, "mounts")
	g1, err := p.Enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	g2, err := p.Enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if g1.GraphID == g2.GraphID {
		t.Fatal("re-enumeration must mint a new graph_id")
	}
}

func TestMountTableUnreadable(t *testing.T) {
	g, err := fixtureProvider(t, "absent-mounts").Enumerate(context.Background())
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	for _, d := range g.Disks {
		if !d.IsSystemDisk {
			t.Fatalf("disk %s must be conservative when mounts are unreadable", d.ID)
		}
	}
}

func TestRootUnresolvedIsConservative(t *testing.T) {
	dir := t.TempDir()
	mounts := filepath.Join(dir, "mounts")
	// Overlay rootfs: no /dev-backed mount at /.
	if err := os.WriteFile(mounts, []byte("overlay / overlay rw 0 0\n/dev/sdb1 /mnt vfat rw 0 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	lsblk := `{"blockdevices":[
		{"name":"sdb","kname":"sdb","path":"/dev/sdb","size":1000000,"type":"disk","tran":"usb","rm":true,
		 "children":[{"name":"sdb1","kname":"sdb1","path":"/dev/sdb1","size":500000,"type":"part"}]},
		{"name":"sdc","kname":"sdc","path":"/dev/sdc","size":1000000,"type":"disk","tran":"usb","rm":true}
	]}`
	p := NewLinux(zerolog.Nop())
	p.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(lsblk), nil
	}
	p.mountsPath = mounts
	g, err := p.Enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range g.Disks {
		if !d.IsSystemDisk {
			t.Fatalf("disk %s must be a system disk when / is unattributable", d.ID)
		}
	}
}

func TestEnumerateCommandFailure(t *testing.T) {
	p := NewLinux(zerolog.Nop())
	p.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("exec format error")
	}
	_, err := p.Enumerate(context.Background())
	if !errors.Is(err, ErrEnumeration) {
		t.Fatalf("err = %v, want ErrEnumeration", err)
	}
}

func TestEnumerateBadJSON(t *testing.T) {
	p := NewLinux(zerolog.Nop())
	p.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("not json"), nil
	}
	_, err := p.Enumerate(context.Background())
	if !errors.Is(err, ErrEnumeration) {
		t.Fatalf("err = %v, want ErrEnumeration", err)
	}
}

func TestUnescapeMount(t *testing.T) {
	if got := unescapeMount(`/mnt/usb\040stick`); got != "/mnt/usb stick" {
		t.Fatalf("got %q", got)
	}
	if got := unescapeMount("/plain"); got != "/plain" {
		t.Fatalf("got %q", got)
	}
}

func TestFakeDeepCopies(t *testing.T) {
	f := &Fake{Disks: []devgraph.Disk{{
		ID: "disk-a", DevicePath: "/dev/a", SizeBytes: 100,
		Partitions: []devgraph.Partition{{ID: "part-a1", DevicePath: "/dev/a1", SizeBytes: 50, Mountpoints: []string{"/mnt"}}},
	}}}
	g1, err := f.Enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	g1.Disks[0].Partitions[0].Mountpoints[0] = "/changed"
	g2, err := f.Enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if g2.Disks[0].Partitions[0].Mountpoints[0] != "/mnt" {
		t.Fatal("fake graphs must not share slices")
	}
}
