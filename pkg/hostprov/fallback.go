package hostprov

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/Bboy9090/PhoenixCore/pkg/devgraph"
)

// FallbackProvider covers platforms without a native enumerator. It only
// sees mounted filesystems, so it cannot prove any disk is safe: every
// disk it reports is a system disk and the gate will demand force+token.
type FallbackProvider struct {
	log zerolog.Logger
}

func NewFallback(log zerolog.Logger) *FallbackProvider {
	return &FallbackProvider{log: log.With().Str("component", "hostprov").Logger()}
}

func (p *FallbackProvider) Enumerate(ctx context.Context) (*devgraph.DeviceGraph, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnumeration, err)
	}
	disks := make([]devgraph.Disk, 0, len(parts))
	seen := map[string]int{}
	for _, pt := range parts {
		var size uint64
		if usage, err := disk.UsageWithContext(ctx, pt.Mountpoint); err == nil {
			size = usage.Total
		}
		dev := pt.Device
		idx, ok := seen[dev]
		if !ok {
			disks = append(disks, devgraph.Disk{
				ID:           "disk-" + sanitizeID(dev),
				DevicePath:   dev,
				Bus:          devgraph.BusUnknown,
				IsSystemDisk: true,
			})
			idx = len(disks) - 1
			seen[dev] = idx
		}
		disks[idx].Partitions = append(disks[idx].Partitions, devgraph.Partition{
			ID:          "part-" + sanitizeID(dev+"-"+pt.Mountpoint),
			DevicePath:  dev,
			SizeBytes:   size,
			FSType:      pt.Fstype,
			Mountpoints: []string{pt.Mountpoint},
		})
		// The filesystem view cannot size the whole device; keep the disk
		// at least as large as the partitions it carries.
		disks[idx].SizeBytes += size
	}
	g := devgraph.New(p.fallbackHost(ctx), disks)
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnumeration, err)
	}
	return g, nil
}

func (p *FallbackProvider) fallbackHost(ctx context.Context) devgraph.HostInfo {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		hn, _ := os.Hostname()
		return devgraph.HostInfo{OS: runtime.GOOS, Hostname: hn}
	}
	return devgraph.HostInfo{
		OS:        info.OS,
		OSVersion: strings.TrimSpace(info.Platform + " " + info.PlatformVersion),
		Hostname:  info.Hostname,
		MachineID: info.HostID,
	}
}
