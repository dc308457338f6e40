package devgraph

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func sampleDisks() []Disk {
	return []Disk{
		{
			ID:         "disk-nvme0n1",
			DevicePath: "/dev/nvme0n1",
			SizeBytes:  512 * 1024 * 1024 * 1024,
			Model:      "Samsung SSD 980",
			Bus:        BusNVMe,
			Partitions: []Partition{
				{ID: "part-nvme0n1p1", DevicePath: "/dev/nvme0n1p1", SizeBytes: 512 * 1024 * 1024, FSType: "vfat", Mountpoints: []string{"/boot/efi"}},
				{ID: "part-nvme0n1p2", DevicePath: "/dev/nvme0n1p2", SizeBytes: 500 * 1024 * 1024 * 1024, FSType: "ext4", Mountpoints: []string{"/"}},
			},
			IsSystemDisk: true,
		},
		{
			ID:         "disk-sda",
			DevicePath: "/dev/sda",
			SizeBytes:  32 * 1024 * 1024 * 1024,
			Bus:        BusUSB,
			Removable:  true,
		},
	}
}

func TestNewAssignsIdentity(t *testing.T) {
	g := New(HostInfo{OS: "linux"}, sampleDisks())
	if g.SchemaVersion != SchemaVersion {
		t.Fatalf("schema_version = %q", g.SchemaVersion)
	}
	if g.GraphID == "" {
		t.Fatal("graph_id empty")
	}
	if g.CapturedAt.IsZero() {
		t.Fatal("captured_at zero")
	}
	g2 := New(HostInfo{OS: "linux"}, sampleDisks())
	if g.GraphID == g2.GraphID {
		t.Fatal("re-enumeration must produce a new graph_id")
	}
}

func TestNormalizeEmptySlices(t *testing.T) {
	g := New(HostInfo{}, []Disk{{ID: "d", DevicePath: "/dev/x", SizeBytes: 1}})
	b, err := json.Marshal(g)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(b, []byte(`"partitions":null`)) {
		t.Fatalf("partitions marshaled as null: %s", b)
	}
	if g.Disks[0].Bus != BusUnknown {
		t.Fatalf("bus = %q, want unknown", g.Disks[0].Bus)
	}
}

func TestJSONRoundTripStable(t *testing.T) {
	g := New(HostInfo{OS: "linux", OSVersion: "6.8", Hostname: "bench1"}, sampleDisks())
	b1, err := json.Marshal(g)
	if err != nil {
		t.Fatal(err)
	}
	var back DeviceGraph
	if err := json.Unmarshal(b1, &back); err != nil {
		t.Fatal(err)
	}
	b2, err := json.Marshal(&back)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("round trip not byte-stable:\n%s\n%s", b1, b2)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*DeviceGraph)
		wantErr string
	}{
		{"ok", func(g *DeviceGraph) {}, ""},
		{"empty disk id", func(g *DeviceGraph) { g.Disks[0].ID = "" }, "empty id"},
		{"duplicate disk id", func(g *DeviceGraph) { g.Disks[1].ID = g.Disks[0].ID }, "duplicate"},
		{"partition exceeds disk", func(g *DeviceGraph) {
			g.Disks[0].Partitions[0].SizeBytes = g.Disks[0].SizeBytes + 1
		}, "larger than disk"},
		{"partitions exceed disk total", func(g *DeviceGraph) {
			g.Disks[0].Partitions[0].SizeBytes = g.Disks[0].SizeBytes
			g.Disks[0].Partitions[1].SizeBytes = 1
		}, "total"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := New(HostInfo{}, sampleDisks())
			tc.mutate(g)
			err := g.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestFindDisk(t *testing.T) {
	g := New(HostInfo{}, sampleDisks())
	d, ok := g.FindDisk("disk-sda")
	if !ok || d.DevicePath != "/dev/sda" {
		t.Fatalf("FindDisk: ok=%v d=%+v", ok, d)
	}
	if _, ok := g.FindDisk("disk-none"); ok {
		t.Fatal("found nonexistent disk")
	}
}

func TestMounted(t *testing.T) {
	g := New(HostInfo{}, sampleDisks())
	sys, _ := g.FindDisk("disk-nvme0n1")
	if !sys.Mounted() {
		t.Fatal("system disk should report mounted")
	}
	usb, _ := g.FindDisk("disk-sda")
	if usb.Mounted() {
		t.Fatal("bare usb disk should not report mounted")
	}
}
