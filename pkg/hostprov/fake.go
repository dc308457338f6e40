package hostprov

import (
	"context"

	"github.com/Bboy9090/PhoenixCore/pkg/devgraph"
)

// Fake serves a fixed disk inventory. Each Enumerate call returns a fresh
// graph (new graph_id, new timestamp) over deep-copied disks, matching the
// re-enumeration contract of real providers.
type Fake struct {
	Host  devgraph.HostInfo
	Disks []devgraph.Disk
	Err   error
}

func (f *Fake) Enumerate(ctx context.Context) (*devgraph.DeviceGraph, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	disks := make([]devgraph.Disk, len(f.Disks))
	for i, d := range f.Disks {
		cp := d
		cp.Partitions = make([]devgraph.Partition, len(d.Partitions))
		for j, p := range d.Partitions {
			pc := p
			pc.Mountpoints = append([]string(nil), p.Mountpoints...)
			cp.Partitions[j] = pc
		}
		disks[i] = cp
	}
	g := devgraph.New(f.Host, disks)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
