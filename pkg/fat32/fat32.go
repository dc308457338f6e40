// Package fat32 formats a volume as FAT32 by writing the on-disk structures
// directly: boot region, FSInfo, both FATs and an empty root directory. No
// external mkfs is involved, so the exact bytes written are known and the
// layout can be recorded as evidence.
package fat32

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	BytesPerSector  = 512
	ReservedSectors = 32
	NumFATs         = 2
	RootCluster     = 2

	fsinfoSector     = 1
	backupBootSector = 6
	mediaDescriptor  = 0xF8

	minClusters = 65525 // below this the volume is FAT16 territory
	maxClusters = 0x0FFFFFF5
)

var (
	ErrTooSmall   = errors.New("volume too small for FAT32")
	ErrNotAligned = errors.New("volume size must be a multiple of 512 bytes")
	ErrNoGeometry = errors.New("no FAT32 cluster geometry fits this volume")
)

// Layout is the computed shape of the filesystem, returned so callers can
// record it alongside the format evidence.
type Layout struct {
	TotalSectors      uint32 `json:"total_sectors"`
	SectorsPerCluster uint8  `json:"sectors_per_cluster"`
	SectorsPerFAT     uint32 `json:"sectors_per_fat"`
	RootDirSector     uint32 `json:"root_dir_sector"`
	VolumeID          uint32 `json:"volume_id"`
	Label             string `json:"label"`
}

// PlanLayout computes the FAT32 geometry for a volume of totalBytes without
// touching any device.
func PlanLayout(totalBytes uint64) (*Layout, error) {
	if totalBytes%BytesPerSector != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrNotAligned, totalBytes)
	}
	if totalBytes < 33*1024*1024 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, totalBytes)
	}
	totalSectors := uint32(totalBytes / BytesPerSector)
	spc := selectSectorsPerCluster(totalSectors)
	fatSize := computeFATSize(totalSectors, spc)
	clusters := dataClusters(totalSectors, fatSize, spc)
	if clusters < minClusters || clusters > maxClusters {
		return nil, fmt.Errorf("%w: %d clusters at %d bytes", ErrNoGeometry, clusters, totalBytes)
	}
	dataStart := uint32(ReservedSectors) + NumFATs*fatSize
	return &Layout{
		TotalSectors:      totalSectors,
		SectorsPerCluster: spc,
		SectorsPerFAT:     fatSize,
		RootDirSector:     dataStart + (RootCluster-2)*uint32(spc),
	}, nil
}

// selectSectorsPerCluster follows the conventional volume-size table:
// 512-byte clusters up to 260 MiB, then 4 KiB, 8 KiB, 16 KiB and 32 KiB
// steps.
func selectSectorsPerCluster(totalSectors uint32) uint8 {
	switch {
	case totalSectors <= 532480: // 260 MiB
		return 1
	case totalSectors <= 16777216: // 8 GiB
		return 8
	case totalSectors <= 33554432: // 16 GiB
		return 16
	case totalSectors <= 67108864: // 32 GiB
		return 32
	default:
		return 64
	}
}

// computeFATSize sizes one FAT to map every data cluster that remains once
// the reserved region and both FAT copies are carved out. Solving
// entries*fat >= (total - reserved - 2*fat)/spc + 2 for fat gives the bound.
func computeFATSize(totalSectors uint32, spc uint8) uint32 {
	den := uint32(BytesPerSector/4)*uint32(spc) + NumFATs
	num := totalSectors - ReservedSectors + 2*uint32(spc)
	return (num + den - 1) / den
}

func dataClusters(totalSectors, fatSize uint32, spc uint8) uint32 {
	overhead := uint32(ReservedSectors) + NumFATs*fatSize
	if totalSectors <= overhead {
		return 0
	}
	return (totalSectors - overhead) / uint32(spc)
}

// Format writes a fresh FAT32 filesystem covering totalBytes of dev. The
// label is upcased and truncated to 11 characters; empty means unlabeled.
// Durability (sync) is the caller's responsibility.
func Format(dev io.WriterAt, totalBytes uint64, label string) (*Layout, error) {
	layout, err := PlanLayout(totalBytes)
	if err != nil {
		return nil, err
	}
	layout.VolumeID = uint32(time.Now().Unix())
	labelBytes := encodeLabel(label)
	layout.Label = strings.TrimRight(string(labelBytes[:]), " ")

	boot := buildBootSector(layout, labelBytes)
	if err := writeSector(dev, 0, boot[:]); err != nil {
		return nil, err
	}
	if err := writeSector(dev, backupBootSector, boot[:]); err != nil {
		return nil, err
	}

	fsinfo := buildFSInfo()
	if err := writeSector(dev, fsinfoSector, fsinfo[:]); err != nil {
		return nil, err
	}
	if err := writeSector(dev, backupBootSector+1, fsinfo[:]); err != nil {
		return nil, err
	}

	for i := uint32(0); i < NumFATs; i++ {
		if err := writeFAT(dev, ReservedSectors+i*layout.SectorsPerFAT, layout.SectorsPerFAT); err != nil {
			return nil, err
		}
	}

	if err := zeroSectors(dev, layout.RootDirSector, uint32(layout.SectorsPerCluster)); err != nil {
		return nil, err
	}
	if layout.Label != "" {
		if err := writeLabelEntry(dev, layout.RootDirSector, labelBytes); err != nil {
			return nil, err
		}
	}
	return layout, nil
}

func buildBootSector(l *Layout, label [11]byte) [BytesPerSector]byte {
	var s [BytesPerSector]byte
	s[0], s[1], s[2] = 0xEB, 0x58, 0x90
	copy(s[3:11], "PHOENIX ")
	binary.LittleEndian.PutUint16(s[0x0B:], BytesPerSector)
	s[0x0D] = l.SectorsPerCluster
	binary.LittleEndian.PutUint16(s[0x0E:], ReservedSectors)
	s[0x10] = NumFATs
	// RootEntCnt, TotSec16 and FATSz16 stay zero on FAT32.
	s[0x15] = mediaDescriptor
	binary.LittleEndian.PutUint16(s[0x18:], 63)  // sectors per track
	binary.LittleEndian.PutUint16(s[0x1A:], 255) // heads
	binary.LittleEndian.PutUint32(s[0x20:], l.TotalSectors)
	binary.LittleEndian.PutUint32(s[0x24:], l.SectorsPerFAT)
	binary.LittleEndian.PutUint32(s[0x2C:], RootCluster)
	binary.LittleEndian.PutUint16(s[0x30:], fsinfoSector)
	binary.LittleEndian.PutUint16(s[0x32:], backupBootSector)
	s[0x40] = 0x80 // drive number
	s[0x42] = 0x29 // extended boot signature
	binary.LittleEndian.PutUint32(s[0x43:], l.VolumeID)
	copy(s[0x47:0x52], label[:])
	copy(s[0x52:0x5A], "FAT32   ")
	s[510], s[511] = 0x55, 0xAA
	return s
}

func buildFSInfo() [BytesPerSector]byte {
	var s [BytesPerSector]byte
	copy(s[0:4], []byte{0x52, 0x52, 0x61, 0x41})         // "RRaA"
	copy(s[0x1E4:0x1E8], []byte{0x72, 0x72, 0x41, 0x61}) // "rrAa"
	binary.LittleEndian.PutUint32(s[0x1E8:], 0xFFFFFFFF) // free count unknown
	binary.LittleEndian.PutUint32(s[0x1EC:], 0xFFFFFFFF) // next free unknown
	s[510], s[511] = 0x55, 0xAA
	return s
}

// writeFAT lays down one FAT: media descriptor entry, end-of-chain for the
// reserved cluster, end-of-chain for the root directory, zeros for the rest.
func writeFAT(dev io.WriterAt, startSector, sectors uint32) error {
	first := make([]byte, BytesPerSector)
	binary.LittleEndian.PutUint32(first[0:], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(first[4:], 0x0FFFFFFF)
	binary.LittleEndian.PutUint32(first[8:], 0x0FFFFFFF)
	if err := writeSector(dev, startSector, first); err != nil {
		return err
	}
	return zeroSectors(dev, startSector+1, sectors-1)
}

func writeLabelEntry(dev io.WriterAt, rootSector uint32, label [11]byte) error {
	entry := make([]byte, 32)
	copy(entry[0:11], label[:])
	entry[11] = 0x08 // ATTR_VOLUME_ID
	_, err := dev.WriteAt(entry, int64(rootSector)*BytesPerSector)
	return err
}

func writeSector(dev io.WriterAt, sector uint32, data []byte) error {
	_, err := dev.WriteAt(data, int64(sector)*BytesPerSector)
	return err
}

// zeroSectors clears count sectors starting at start, in 1 MiB slabs.
func zeroSectors(dev io.WriterAt, start, count uint32) error {
	const slabSectors = 2048
	slab := make([]byte, slabSectors*BytesPerSector)
	for count > 0 {
		n := uint32(slabSectors)
		if count < n {
			n = count
		}
		if err := writeSector(dev, start, slab[:n*BytesPerSector]); err != nil {
			return err
		}
		start += n
		count -= n
	}
	return nil
}

func encodeLabel(label string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	upper := strings.ToUpper(strings.TrimSpace(label))
	for i := 0; i < len(upper) && i < 11; i++ {
		out[i] = upper[i]
	}
	return out
}
