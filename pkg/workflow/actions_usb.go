package workflow

import (
	"context"
	"fmt"

	"github.com/Bboy9090/PhoenixCore/pkg/content"
	"github.com/Bboy9090/PhoenixCore/pkg/fat32"
	"github.com/Bboy9090/PhoenixCore/pkg/media"
)

// installerUSBBuild turns a disk into a bootable installer volume: wipe,
// FAT32 format, then optionally stage an extracted payload tree onto the
// remounted volume. One instance per target OS so workflows can state their
// intent and the source check can match it.
type installerUSBBuild struct {
	os string
}

const installerUSBBuildSchema = `{
  "type": "object",
  "required": ["target_disk_id", "source"],
  "properties": {
    "target_disk_id": {"type": "string", "minLength": 1},
    "source": {"type": "string", "minLength": 1},
    "stage_dir": {"type": "string", "minLength": 1},
    "target_mount": {"type": "string", "minLength": 1},
    "label": {"type": "string", "maxLength": 11},
    "wipe_bytes": {"type": "integer", "minimum": 512}
  },
  "additionalProperties": false
}`

func (a *installerUSBBuild) Name() string      { return "installer-usb-build-" + a.os }
func (a *installerUSBBuild) Destructive() bool { return true }
func (a *installerUSBBuild) ValidateParams(p map[string]any) error {
	if err := validateParams(installerUSBBuildSchema, p); err != nil {
		return err
	}
	if stringParam(p, "stage_dir") != "" && stringParam(p, "target_mount") == "" {
		return fmt.Errorf("%w: stage_dir requires target_mount", ErrInvalidParams)
	}
	return nil
}

// sourceUsable reports whether the inspected source kind can seed this OS's
// installer. macOS restore images commonly arrive as raw dumps.
func (a *installerUSBBuild) sourceUsable(kind content.Kind) bool {
	switch a.os {
	case "windows":
		return kind == content.KindISO || kind == content.KindWIM
	case "linux":
		return kind == content.KindISO
	case "macos":
		return kind == content.KindISO || kind == content.KindRaw
	}
	return false
}

func (a *installerUSBBuild) Run(ctx context.Context, rc *RunContext, params map[string]any) (ArtifactList, error) {
	disk, err := resolveDisk(rc.Graph, stringParam(params, "target_disk_id"))
	if err != nil {
		return nil, err
	}
	source := stringParam(params, "source")
	info, err := content.Inspect(source)
	if err != nil {
		return nil, fmt.Errorf("inspect source: %w", err)
	}
	if !a.sourceUsable(info.Kind) {
		return nil, fmt.Errorf("source kind %q is not usable for a %s installer", info.Kind, a.os)
	}

	dev, err := rc.Opener.OpenWrite(disk.DevicePath)
	if err != nil {
		return nil, err
	}
	defer dev.Close()
	if err := media.Wipe(ctx, dev, uint64Param(params, "wipe_bytes")); err != nil {
		return nil, err
	}
	label := stringParam(params, "label")
	if label == "" {
		label = "PHOENIX"
	}
	layout, err := fat32.Format(dev, disk.SizeBytes, label)
	if err != nil {
		return nil, err
	}
	if err := dev.Sync(); err != nil {
		return nil, err
	}
	rc.Log.Info().Str("disk", disk.ID).Str("os", a.os).Uint32("total_sectors", layout.TotalSectors).Msg("volume formatted")

	var artifacts ArtifactList
	rec := struct {
		OS          string        `json:"os"`
		DiskID      string        `json:"disk_id"`
		DevicePath  string        `json:"device_path"`
		SizeBytes   uint64        `json:"size_bytes"`
		Source      string        `json:"source"`
		SourceInfo  *content.Info `json:"source_info"`
		Layout      *fat32.Layout `json:"layout"`
		StagedInto  string        `json:"staged_into,omitempty"`
		StagedFiles int           `json:"staged_files,omitempty"`
	}{
		OS: a.os, DiskID: disk.ID, DevicePath: disk.DevicePath, SizeBytes: disk.SizeBytes,
		Source: source, SourceInfo: info, Layout: layout,
	}

	if stageDir := stringParam(params, "stage_dir"); stageDir != "" {
		mount := stringParam(params, "target_mount")
		if a.os != "macos" {
			if _, err := content.ValidateBootloaderDir(stageDir); err != nil {
				return nil, err
			}
		}
		staged, err := media.StageTree(ctx, stageDir, mount)
		if err != nil {
			return nil, err
		}
		rec.StagedInto = mount
		rec.StagedFiles = len(staged)
		name := "artifacts/" + rc.StepID + "-staged-files.json"
		if err := rc.Bundle.PutJSON(ctx, name, staged); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, name)
		rc.Log.Info().Int("files", len(staged)).Str("mount", mount).Msg("payload staged")
	}

	name := "artifacts/" + rc.StepID + "-usb-build.json"
	if err := rc.Bundle.PutJSON(ctx, name, rec); err != nil {
		return nil, err
	}
	return append(artifacts, name), nil
}

// stageBootloader copies a validated EFI payload tree onto a mounted target.
// File-level writes to an operator-designated mount, so it runs ungated.
type stageBootloader struct{}

const stageBootloaderSchema = `{
  "type": "object",
  "required": ["source", "target_mount"],
  "properties": {
    "source": {"type": "string", "minLength": 1},
    "target_mount": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`

func (stageBootloader) Name() string      { return "stage-bootloader" }
func (stageBootloader) Destructive() bool { return false }
func (stageBootloader) ValidateParams(p map[string]any) error {
	return validateParams(stageBootloaderSchema, p)
}

func (stageBootloader) Run(ctx context.Context, rc *RunContext, params map[string]any) (ArtifactList, error) {
	source := stringParam(params, "source")
	pkg, err := content.ValidateBootloaderDir(source)
	if err != nil {
		return nil, err
	}
	mount := stringParam(params, "target_mount")
	staged, err := media.StageTree(ctx, source, mount)
	if err != nil {
		return nil, err
	}
	rc.Log.Info().Int("boot_entries", len(pkg.BootEntries)).Int("files", len(staged)).Msg("bootloader staged")

	bootName := "artifacts/" + rc.StepID + "-bootloader.json"
	if err := rc.Bundle.PutJSON(ctx, bootName, pkg); err != nil {
		return nil, err
	}
	filesName := "artifacts/" + rc.StepID + "-staged-files.json"
	if err := rc.Bundle.PutJSON(ctx, filesName, staged); err != nil {
		return nil, err
	}
	return ArtifactList{bootName, filesName}, nil
}
