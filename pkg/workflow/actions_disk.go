package workflow

import (
	"context"
	"fmt"

	"github.com/Bboy9090/PhoenixCore/pkg/devgraph"
	"github.com/Bboy9090/PhoenixCore/pkg/imaging"
	"github.com/Bboy9090/PhoenixCore/pkg/media"
	"github.com/Bboy9090/PhoenixCore/pkg/safety"
)

func resolveDisk(graph *devgraph.DeviceGraph, id string) (*devgraph.Disk, error) {
	d, ok := graph.FindDisk(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", safety.ErrUnknownDisk, id)
	}
	return d, nil
}

// verifyParam defaults to true: skipping the read-back is the exception.
func verifyParam(params map[string]any) bool {
	if _, ok := params["verify"]; !ok {
		return true
	}
	return boolParam(params, "verify")
}

// diskHashReport streams a whole disk through SHA-256 and records the
// digest. Read-only; runs without a gate decision.
type diskHashReport struct{}

const diskHashReportSchema = `{
  "type": "object",
  "required": ["disk_id"],
  "properties": {
    "disk_id": {"type": "string", "minLength": 1},
    "chunk_size": {"type": "integer", "minimum": 4096},
    "per_chunk": {"type": "boolean"}
  },
  "additionalProperties": false
}`

func (diskHashReport) Name() string      { return "disk-hash-report" }
func (diskHashReport) Destructive() bool { return false }
func (diskHashReport) ValidateParams(p map[string]any) error {
	return validateParams(diskHashReportSchema, p)
}

func (diskHashReport) Run(ctx context.Context, rc *RunContext, params map[string]any) (ArtifactList, error) {
	disk, err := resolveDisk(rc.Graph, stringParam(params, "disk_id"))
	if err != nil {
		return nil, err
	}
	src, err := imaging.OpenReadOnly(disk.DevicePath)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	result, err := imaging.HashStream(ctx, src, imaging.Options{
		ChunkSize: int64Param(params, "chunk_size"),
		PerChunk:  boolParam(params, "per_chunk"),
		Progress:  rc.Progress,
	})
	if err != nil {
		return nil, err
	}
	rc.Log.Info().Str("disk", disk.ID).Str("digest", result.Digest).Uint64("bytes", result.TotalBytes).Msg("disk hashed")
	rec := struct {
		DiskID     string          `json:"disk_id"`
		DevicePath string          `json:"device_path"`
		Result     *imaging.Result `json:"result"`
	}{disk.ID, disk.DevicePath, result}
	name := "artifacts/" + rc.StepID + "-disk-hash.json"
	if err := rc.Bundle.PutJSON(ctx, name, rec); err != nil {
		return nil, err
	}
	return ArtifactList{name}, nil
}

// diskImageAndStage acquires a disk into an image file, hashing the stream
// and verifying the written copy. The disk is only read; the image lands
// wherever the output param points.
type diskImageAndStage struct{}

const diskImageAndStageSchema = `{
  "type": "object",
  "required": ["disk_id", "output"],
  "properties": {
    "disk_id": {"type": "string", "minLength": 1},
    "output": {"type": "string", "minLength": 1},
    "verify": {"type": "boolean"},
    "chunk_size": {"type": "integer", "minimum": 4096}
  },
  "additionalProperties": false
}`

func (diskImageAndStage) Name() string      { return "disk-image-and-stage" }
func (diskImageAndStage) Destructive() bool { return false }
func (diskImageAndStage) ValidateParams(p map[string]any) error {
	return validateParams(diskImageAndStageSchema, p)
}

func (diskImageAndStage) Run(ctx context.Context, rc *RunContext, params map[string]any) (ArtifactList, error) {
	disk, err := resolveDisk(rc.Graph, stringParam(params, "disk_id"))
	if err != nil {
		return nil, err
	}
	src, err := imaging.OpenReadOnly(disk.DevicePath)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	output := stringParam(params, "output")
	dev, err := media.FileOpener{}.OpenWrite(output)
	if err != nil {
		return nil, err
	}
	defer dev.Close()
	result, err := media.ApplyImage(ctx, dev, src, media.ApplyOptions{
		ChunkSize: int64Param(params, "chunk_size"),
		Verify:    verifyParam(params),
		Progress:  rc.Progress,
	})
	if err != nil {
		return nil, err
	}
	rc.Log.Info().Str("disk", disk.ID).Str("output", output).Str("digest", result.SourceDigest).Msg("disk imaged")
	rec := struct {
		DiskID     string             `json:"disk_id"`
		DevicePath string             `json:"device_path"`
		Output     string             `json:"output"`
		Result     *media.ApplyResult `json:"result"`
	}{disk.ID, disk.DevicePath, output, result}
	name := "artifacts/" + rc.StepID + "-disk-image.json"
	if err := rc.Bundle.PutJSON(ctx, name, rec); err != nil {
		return nil, err
	}
	return ArtifactList{name}, nil
}

// applyImage writes an image file onto a target disk. Destructive: runs only
// behind an authorized gate decision.
type applyImage struct{}

const applyImageSchema = `{
  "type": "object",
  "required": ["target_disk_id", "source"],
  "properties": {
    "target_disk_id": {"type": "string", "minLength": 1},
    "source": {"type": "string", "minLength": 1},
    "verify": {"type": "boolean"},
    "wipe": {"type": "boolean"},
    "chunk_size": {"type": "integer", "minimum": 4096}
  },
  "additionalProperties": false
}`

func (applyImage) Name() string      { return "apply-image" }
func (applyImage) Destructive() bool { return true }
func (applyImage) ValidateParams(p map[string]any) error {
	return validateParams(applyImageSchema, p)
}

func (applyImage) Run(ctx context.Context, rc *RunContext, params map[string]any) (ArtifactList, error) {
	disk, err := resolveDisk(rc.Graph, stringParam(params, "target_disk_id"))
	if err != nil {
		return nil, err
	}
	src, err := imaging.OpenReadOnly(stringParam(params, "source"))
	if err != nil {
		return nil, err
	}
	defer src.Close()
	dev, err := rc.Opener.OpenWrite(disk.DevicePath)
	if err != nil {
		return nil, err
	}
	defer dev.Close()
	if boolParam(params, "wipe") {
		if err := media.Wipe(ctx, dev, 0); err != nil {
			return nil, err
		}
	}
	result, err := media.ApplyImage(ctx, dev, src, media.ApplyOptions{
		ChunkSize: int64Param(params, "chunk_size"),
		Verify:    verifyParam(params),
		Progress:  rc.Progress,
	})
	if err != nil {
		return nil, err
	}
	rc.Log.Info().Str("disk", disk.ID).Uint64("bytes", result.BytesWritten).Bool("verified", result.Verified).Msg("image applied")
	rec := struct {
		DiskID     string             `json:"disk_id"`
		DevicePath string             `json:"device_path"`
		Source     string             `json:"source"`
		Result     *media.ApplyResult `json:"result"`
	}{disk.ID, disk.DevicePath, stringParam(params, "source"), result}
	name := "artifacts/" + rc.StepID + "-apply-image.json"
	if err := rc.Bundle.PutJSON(ctx, name, rec); err != nil {
		return nil, err
	}
	return ArtifactList{name}, nil
}
