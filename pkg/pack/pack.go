// Package pack bundles workflows and their payload assets into a
// distributable unit: a manifest naming the members, an HMAC signature over
// the manifest, and a zip export. A bench operator validates a pack once and
// runs it as a whole; each workflow still gets its own evidence bundle.
package pack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/Bboy9090/PhoenixCore/pkg/workflow"
)

// SchemaVersion is the pack manifest version this build reads.
const SchemaVersion = "1.0.0"

// Manifest file names probed by FindManifest, in order.
const (
	ManifestJSON = "pack.json"
	ManifestYAML = "pack.yaml"
)

var (
	ErrSchemaVersion  = errors.New("unsupported pack schema version")
	ErrInvalidPack    = errors.New("invalid pack manifest")
	ErrIntegrity      = errors.New("pack integrity violation")
	ErrWorkflowFailed = errors.New("pack workflow failed")
)

// Manifest lists what a pack ships. All member paths are relative to the
// directory holding the manifest.
type Manifest struct {
	SchemaVersion string   `json:"schema_version" yaml:"schema_version"`
	Name          string   `json:"name" yaml:"name"`
	Version       string   `json:"version" yaml:"version"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
	Workflows     []string `json:"workflows" yaml:"workflows"`
	Assets        []string `json:"assets,omitempty" yaml:"assets,omitempty"`
}

const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schema_version", "name", "version", "workflows"],
  "properties": {
    "schema_version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "workflows": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "assets": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    }
  },
  "additionalProperties": false
}`

// FindManifest locates the manifest inside a pack directory.
func FindManifest(dir string) (string, error) {
	for _, name := range []string{ManifestJSON, ManifestYAML} {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: no %s or %s in %s", ErrInvalidPack, ManifestJSON, ManifestYAML, dir)
}

// Load reads and validates a manifest. Member paths are checked against the
// manifest's own directory: they must be relative, stay inside the pack
// root, and exist.
func Load(manifestPath string) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}
	var m *Manifest
	switch strings.ToLower(filepath.Ext(manifestPath)) {
	case ".json":
		m, err = LoadBytes(data, false)
	case ".yaml", ".yml":
		m, err = LoadBytes(data, true)
	default:
		return nil, fmt.Errorf("%w: unrecognized extension %q", ErrInvalidPack, filepath.Ext(manifestPath))
	}
	if err != nil {
		return nil, err
	}
	root := filepath.Dir(manifestPath)
	for _, rel := range m.Workflows {
		if err := checkMember(root, rel, false); err != nil {
			return nil, err
		}
	}
	for _, rel := range m.Assets {
		if err := checkMember(root, rel, true); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// LoadBytes parses a manifest document without touching the filesystem.
// The schema runs against the raw document so unknown fields are rejected.
func LoadBytes(data []byte, isYAML bool) (*Manifest, error) {
	docJSON := data
	if isYAML {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPack, err)
		}
		var err error
		docJSON, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPack, err)
		}
	}
	var m Manifest
	if err := json.Unmarshal(docJSON, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPack, err)
	}
	if err := checkSchemaVersion(m.SchemaVersion); err != nil {
		return nil, err
	}
	schemaLoader := gojsonschema.NewBytesLoader([]byte(manifestSchema))
	documentLoader := gojsonschema.NewBytesLoader(docJSON)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPack, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidPack, strings.Join(msgs, "; "))
	}
	return &m, nil
}

// Validate loads the manifest in dir and fully validates every workflow
// document it references.
func Validate(dir string) (*Manifest, error) {
	manifestPath, err := FindManifest(dir)
	if err != nil {
		return nil, err
	}
	m, err := Load(manifestPath)
	if err != nil {
		return nil, err
	}
	for _, rel := range m.Workflows {
		if _, err := workflow.Load(filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", rel, err)
		}
	}
	return m, nil
}

// Run validates the pack and executes its workflows in manifest order. Each
// workflow gets its own evidence bundle from the engine. The first workflow
// that does not finish successfully aborts the pack; the runs completed so
// far are returned either way.
func Run(ctx context.Context, eng *workflow.Engine, dir string, opts workflow.RunOptions) ([]*workflow.Run, error) {
	m, err := Validate(dir)
	if err != nil {
		return nil, err
	}
	var runs []*workflow.Run
	for _, rel := range m.Workflows {
		wf, err := workflow.Load(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return runs, fmt.Errorf("workflow %s: %w", rel, err)
		}
		run, err := eng.Run(ctx, wf, opts)
		if err != nil {
			return runs, fmt.Errorf("workflow %s: %w", rel, err)
		}
		runs = append(runs, run)
		if run.Status != workflow.RunSuccess {
			return runs, fmt.Errorf("%w: %s finished %s", ErrWorkflowFailed, rel, run.Status)
		}
	}
	return runs, nil
}

func checkSchemaVersion(v string) error {
	var major, minor, patch int
	if n, err := fmt.Sscanf(v, "%d.%d.%d", &major, &minor, &patch); n != 3 || err != nil {
		return fmt.Errorf("%w: %q", ErrSchemaVersion, v)
	}
	var supMajor, supMinor, supPatch int
	fmt.Sscanf(SchemaVersion, "%d.%d.%d", &supMajor, &supMinor, &supPatch)
	if major != supMajor || minor > supMinor {
		return fmt.Errorf("%w: %q (supported: %s)", ErrSchemaVersion, v, SchemaVersion)
	}
	return nil
}

// checkMember rejects absolute paths and anything that escapes the pack
// root, then requires the member to exist. Workflows must be regular files;
// assets may also be directories (payload trees staged onto media).
func checkMember(root, rel string, allowDir bool) error {
	if rel == "" || strings.Contains(rel, "\\") || path.IsAbs(rel) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: member path %q", ErrInvalidPack, rel)
	}
	if clean := path.Clean("/" + rel); clean != "/"+rel {
		return fmt.Errorf("%w: member path %q escapes the pack root", ErrInvalidPack, rel)
	}
	fi, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("%w: member %s: %v", ErrInvalidPack, rel, err)
	}
	if fi.IsDir() && !allowDir {
		return fmt.Errorf("%w: member %s is a directory", ErrInvalidPack, rel)
	}
	return nil
}
