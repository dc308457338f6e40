package hostprov

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/Bboy9090/PhoenixCore/pkg/devgraph"
)

// CommandFunc runs a command and returns its stdout. Tests substitute a
// fixture-backed implementation.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// LinuxProvider builds the device graph from lsblk --json plus the mount
// table. It never opens device nodes.
type LinuxProvider struct {
	log        zerolog.Logger
	run        CommandFunc
	mountsPath string
}

func NewLinux(log zerolog.Logger) *LinuxProvider {
	return &LinuxProvider{
		log:        log.With().Str("component", "hostprov").Logger(),
		run:        runCommand,
		mountsPath: "/proc/self/mounts",
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cctx, name, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s timed out", name)
		}
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(errBuf.String()))
	}
	return out.Bytes(), nil
}

type lsblkTree struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	KName      string        `json:"kname"`
	Path       string        `json:"path"`
	Size       any           `json:"size"`
	Type       string        `json:"type"`
	Tran       string        `json:"tran"`
	Model      string        `json:"model"`
	Serial     string        `json:"serial"`
	Label      string        `json:"label"`
	FSType     string        `json:"fstype"`
	Mountpoint *string       `json:"mountpoint"`
	RM         *bool         `json:"rm"`
	Children   []lsblkDevice `json:"children"`
}

// normalizeSize tolerates the number/string variance across lsblk builds.
func normalizeSize(v any) uint64 {
	switch t := v.(type) {
	case float64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case int64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case json.Number:
		n, _ := t.Int64()
		if n < 0 {
			return 0
		}
		return uint64(n)
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func (p *LinuxProvider) Enumerate(ctx context.Context) (*devgraph.DeviceGraph, error) {
	tree, err := p.lsblk(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnumeration, err)
	}
	mounts, mntErr := readMounts(p.mountsPath)
	if mntErr != nil {
		p.log.Warn().Err(mntErr).Msg("mount table unreadable; treating every disk as a system disk")
	}
	disks := p.buildDisks(tree, mounts, mntErr != nil)
	g := devgraph.New(p.hostInfo(ctx), disks)
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnumeration, err)
	}
	return g, nil
}

func (p *LinuxProvider) lsblk(ctx context.Context) (*lsblkTree, error) {
	args := []string{"--bytes", "--json", "-o",
		"NAME,KNAME,PATH,SIZE,TYPE,TRAN,MODEL,SERIAL,LABEL,FSTYPE,MOUNTPOINT,RM"}
	out, err := p.run(ctx, "lsblk", args...)
	if err != nil {
		return nil, err
	}
	var tree lsblkTree
	if err := json.Unmarshal(out, &tree); err != nil {
		return nil, fmt.Errorf("lsblk json: %w", err)
	}
	return &tree, nil
}

func (p *LinuxProvider) buildDisks(tree *lsblkTree, mounts map[string][]string, ambiguous bool) []devgraph.Disk {
	rootSeen := false
	disks := make([]devgraph.Disk, 0, len(tree.Blockdevices))
	for _, bd := range tree.Blockdevices {
		if bd.Type != "disk" {
			continue
		}
		path := firstNonEmpty(bd.Path, "/dev/"+bd.Name)
		d := devgraph.Disk{
			ID:         diskID(bd),
			DevicePath: path,
			SizeBytes:  normalizeSize(bd.Size),
			Model:      strings.TrimSpace(bd.Model),
			Serial:     strings.TrimSpace(bd.Serial),
			Bus:        busFor(bd),
			Removable:  bd.RM != nil && *bd.RM,
		}
		system := false
		for _, c := range bd.Children {
			if c.Type != "part" {
				continue
			}
			cpath := firstNonEmpty(c.Path, "/dev/"+c.Name)
			mps := append([]string(nil), mounts[cpath]...)
			if c.Mountpoint != nil && *c.Mountpoint != "" && !contains(mps, *c.Mountpoint) {
				mps = append(mps, *c.Mountpoint)
			}
			for _, mp := range mps {
				if mp == "/" {
					rootSeen = true
				}
				if systemMount(mp) {
					system = true
				}
			}
			d.Partitions = append(d.Partitions, devgraph.Partition{
				ID:          "part-" + sanitizeID(c.KName),
				DevicePath:  cpath,
				SizeBytes:   normalizeSize(c.Size),
				FSType:      c.FSType,
				Label:       c.Label,
				Mountpoints: mps,
			})
		}
		d.IsSystemDisk = system || ambiguous
		disks = append(disks, d)
	}
	if !rootSeen && !ambiguous {
		// Root filesystem not attributable to any partition (overlay,
		// tmpfs, LVM indirection): nothing is provably safe.
		p.log.Warn().Msg("root filesystem device unresolved; treating every disk as a system disk")
		for i := range disks {
			disks[i].IsSystemDisk = true
		}
	}
	return disks
}

func (p *LinuxProvider) hostInfo(ctx context.Context) devgraph.HostInfo {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		p.log.Debug().Err(err).Msg("host info unavailable")
		hn, _ := os.Hostname()
		return devgraph.HostInfo{OS: "linux", Hostname: hn}
	}
	return devgraph.HostInfo{
		OS:        info.OS,
		OSVersion: strings.TrimSpace(info.Platform + " " + info.PlatformVersion),
		Hostname:  info.Hostname,
		MachineID: info.HostID,
	}
}

// diskID prefers the hardware serial so the ID survives replugging; the
// kernel name is the fallback for serial-less devices.
func diskID(bd lsblkDevice) string {
	if s := strings.TrimSpace(bd.Serial); s != "" {
		return "disk-" + sanitizeID(s)
	}
	return "disk-" + sanitizeID(bd.KName)
}

func busFor(bd lsblkDevice) devgraph.Bus {
	switch strings.ToLower(bd.Tran) {
	case "usb":
		return devgraph.BusUSB
	case "nvme":
		return devgraph.BusNVMe
	case "sata", "ata":
		return devgraph.BusSATA
	case "mmc", "sd":
		return devgraph.BusSD
	case "virtio":
		return devgraph.BusVirtio
	}
	switch {
	case strings.HasPrefix(bd.KName, "mmcblk"):
		return devgraph.BusSD
	case strings.HasPrefix(bd.KName, "vd"):
		return devgraph.BusVirtio
	case strings.HasPrefix(bd.KName, "nvme"):
		return devgraph.BusNVMe
	}
	return devgraph.BusUnknown
}

func systemMount(mp string) bool {
	switch mp {
	case "/", "/boot", "/boot/efi", "/usr", "/var":
		return true
	}
	return false
}

// readMounts maps device paths to their mountpoints from a mounts(5) file.
// Octal escapes in the mountpoint column are decoded.
func readMounts(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := map[string][]string{}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		out[fields[0]] = append(out[fields[0]], unescapeMount(fields[1]))
	}
	return out, nil
}

func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
