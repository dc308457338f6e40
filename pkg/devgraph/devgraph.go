// Package devgraph defines the device graph: a point-in-time, typed snapshot
// of the host's physical disks. A graph is immutable once captured; callers
// that need current state re-enumerate and get a new graph with a new ID.
package devgraph

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is written into every captured graph.
const SchemaVersion = "1.1.0"

// Bus identifies how a disk is attached.
type Bus string

const (
	BusUSB     Bus = "usb"
	BusNVMe    Bus = "nvme"
	BusSATA    Bus = "sata"
	BusSD      Bus = "sd"
	BusVirtio  Bus = "virtio"
	BusUnknown Bus = "unknown"
)

// Partition is a child of exactly one Disk.
type Partition struct {
	ID          string   `json:"id"`
	DevicePath  string   `json:"device_path"`
	SizeBytes   uint64   `json:"size_bytes"`
	FSType      string   `json:"fs_type,omitempty"`
	Label       string   `json:"label,omitempty"`
	Mountpoints []string `json:"mountpoints"`
}

// Disk is a physical block device. IsSystemDisk is conservative: providers
// set it false only when the disk provably does not host the running OS.
type Disk struct {
	ID           string      `json:"id"`
	DevicePath   string      `json:"device_path"`
	SizeBytes    uint64      `json:"size_bytes"`
	Model        string      `json:"model,omitempty"`
	Serial       string      `json:"serial,omitempty"`
	Bus          Bus         `json:"bus"`
	Removable    bool        `json:"removable"`
	IsSystemDisk bool        `json:"is_system_disk"`
	Partitions   []Partition `json:"partitions"`
}

// HostInfo records where the graph was captured.
type HostInfo struct {
	OS        string `json:"os"`
	OSVersion string `json:"os_version"`
	Hostname  string `json:"hostname"`
	MachineID string `json:"machine_id,omitempty"`
}

// DeviceGraph is the snapshot consumed by the safety gate and recorded in
// evidence bundles.
type DeviceGraph struct {
	SchemaVersion string    `json:"schema_version"`
	GraphID       string    `json:"graph_id"`
	CapturedAt    time.Time `json:"captured_at"`
	Host          HostInfo  `json:"host"`
	Disks         []Disk    `json:"disks"`
}

// New builds a fresh graph with a generated ID and capture timestamp.
// Nil slices are normalized so the graph marshals with [] instead of null.
func New(host HostInfo, disks []Disk) *DeviceGraph {
	if disks == nil {
		disks = []Disk{}
	}
	for i := range disks {
		if disks[i].Partitions == nil {
			disks[i].Partitions = []Partition{}
		}
		if disks[i].Bus == "" {
			disks[i].Bus = BusUnknown
		}
		for j := range disks[i].Partitions {
			if disks[i].Partitions[j].Mountpoints == nil {
				disks[i].Partitions[j].Mountpoints = []string{}
			}
		}
	}
	return &DeviceGraph{
		SchemaVersion: SchemaVersion,
		GraphID:       uuid.NewString(),
		CapturedAt:    time.Now().UTC(),
		Host:          host,
		Disks:         disks,
	}
}

// Validate checks the structural invariants of a captured graph.
func (g *DeviceGraph) Validate() error {
	if g.SchemaVersion == "" {
		return fmt.Errorf("device graph: missing schema_version")
	}
	if g.GraphID == "" {
		return fmt.Errorf("device graph: missing graph_id")
	}
	if g.CapturedAt.IsZero() {
		return fmt.Errorf("device graph: missing captured_at")
	}
	seen := make(map[string]struct{}, len(g.Disks))
	for i := range g.Disks {
		d := &g.Disks[i]
		if d.ID == "" {
			return fmt.Errorf("device graph: disk %d has empty id", i)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("device graph: duplicate id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		var partTotal uint64
		for j := range d.Partitions {
			p := &d.Partitions[j]
			if p.ID == "" {
				return fmt.Errorf("device graph: disk %q partition %d has empty id", d.ID, j)
			}
			if _, dup := seen[p.ID]; dup {
				return fmt.Errorf("device graph: duplicate id %q", p.ID)
			}
			seen[p.ID] = struct{}{}
			if p.SizeBytes > d.SizeBytes {
				return fmt.Errorf("device graph: partition %q (%d bytes) larger than disk %q (%d bytes)",
					p.ID, p.SizeBytes, d.ID, d.SizeBytes)
			}
			partTotal += p.SizeBytes
		}
		if partTotal > d.SizeBytes {
			return fmt.Errorf("device graph: partitions of disk %q total %d bytes, disk is %d bytes",
				d.ID, partTotal, d.SizeBytes)
		}
	}
	return nil
}

// FindDisk returns the disk with the given ID.
func (g *DeviceGraph) FindDisk(id string) (*Disk, bool) {
	for i := range g.Disks {
		if g.Disks[i].ID == id {
			return &g.Disks[i], true
		}
	}
	return nil, false
}

// Mounted reports whether any partition of the disk has a mountpoint.
func (d *Disk) Mounted() bool {
	for i := range d.Partitions {
		if len(d.Partitions[i].Mountpoints) > 0 {
			return true
		}
	}
	return false
}
