package workflow

import (
	"context"

	"github.com/Bboy9090/PhoenixCore/pkg/content"
	"github.com/Bboy9090/PhoenixCore/pkg/report"
)

// reportVerify re-checks an existing evidence bundle. The step fails on any
// integrity violation, so workflows can assert past evidence before relying
// on it.
type reportVerify struct{}

const reportVerifySchema = `{
  "type": "object",
  "required": ["bundle_dir"],
  "properties": {
    "bundle_dir": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`

func (reportVerify) Name() string      { return "report-verify" }
func (reportVerify) Destructive() bool { return false }
func (reportVerify) ValidateParams(p map[string]any) error {
	return validateParams(reportVerifySchema, p)
}

func (reportVerify) Run(ctx context.Context, rc *RunContext, params map[string]any) (ArtifactList, error) {
	dir := stringParam(params, "bundle_dir")
	v, verr := report.Verify(ctx, dir, rc.SigningKey)
	var artifacts ArtifactList
	if v != nil {
		name := "artifacts/" + rc.StepID + "-verification.json"
		if err := rc.Bundle.PutJSON(ctx, name, v); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, name)
		rc.Log.Info().Str("bundle", dir).Bool("ok", v.OK).Str("signature", v.Signature).Msg("bundle verified")
	}
	if verr != nil {
		return artifacts, verr
	}
	return artifacts, nil
}

// sourceInspect probes a source image and records what it is.
type sourceInspect struct{}

const sourceInspectSchema = `{
  "type": "object",
  "required": ["source"],
  "properties": {
    "source": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`

func (sourceInspect) Name() string      { return "source-inspect" }
func (sourceInspect) Destructive() bool { return false }
func (sourceInspect) ValidateParams(p map[string]any) error {
	return validateParams(sourceInspectSchema, p)
}

func (sourceInspect) Run(ctx context.Context, rc *RunContext, params map[string]any) (ArtifactList, error) {
	source := stringParam(params, "source")
	info, err := content.Inspect(source)
	if err != nil {
		return nil, err
	}
	rc.Log.Info().Str("source", source).Str("kind", string(info.Kind)).Msg("source inspected")
	rec := struct {
		Path string        `json:"path"`
		Info *content.Info `json:"info"`
	}{source, info}
	name := "artifacts/" + rc.StepID + "-source-inspect.json"
	if err := rc.Bundle.PutJSON(ctx, name, rec); err != nil {
		return nil, err
	}
	return ArtifactList{name}, nil
}
