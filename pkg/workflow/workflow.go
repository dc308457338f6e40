// Package workflow runs declarative installer-media workflows. A workflow is
// an ordered list of steps naming registered actions; the engine walks the
// steps under the safety gate and records everything into an evidence
// bundle.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is the workflow document version this build reads.
const SchemaVersion = "1.0.0"

var (
	ErrSchemaVersion     = errors.New("unsupported workflow schema version")
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrInvalidParams     = errors.New("invalid step params")
	ErrInvalidWorkflow   = errors.New("invalid workflow document")
)

// Step is one unit of work inside a workflow. Destructive is informational
// for readers of the document; the registered action's own classification is
// what the engine enforces.
type Step struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Action      string         `json:"action" yaml:"action"`
	Destructive bool           `json:"destructive,omitempty" yaml:"destructive,omitempty"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Workflow is the document model.
type Workflow struct {
	SchemaVersion string `json:"schema_version" yaml:"schema_version"`
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps         []Step `json:"steps" yaml:"steps"`
}

const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schema_version", "id", "name", "steps"],
  "properties": {
    "schema_version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"},
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "action"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "action": {"type": "string", "minLength": 1},
          "destructive": {"type": "boolean"},
          "params": {"type": "object"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// Load reads a workflow document from path, picking the codec by extension
// (.json, .yaml, .yml), and validates it.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadBytes(data, false)
	case ".yaml", ".yml":
		return LoadBytes(data, true)
	default:
		return nil, fmt.Errorf("%w: unrecognized extension %q", ErrInvalidWorkflow, filepath.Ext(path))
	}
}

// LoadBytes parses and validates a workflow document. The schema runs
// against the raw document, so fields this build does not know are rejected
// instead of silently dropped.
func LoadBytes(data []byte, isYAML bool) (*Workflow, error) {
	docJSON := data
	if isYAML {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
		}
		var err error
		docJSON, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
		}
	}
	var wf Workflow
	if err := json.Unmarshal(docJSON, &wf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	if err := CheckSchemaVersion(wf.SchemaVersion); err != nil {
		return nil, err
	}
	if err := validateDocument(docJSON); err != nil {
		return nil, err
	}
	if err := checkStepIDs(wf.Steps); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Validate checks a programmatically built document. File loads go through
// LoadBytes, which additionally rejects unknown fields in the raw document.
func (w *Workflow) Validate() error {
	if err := CheckSchemaVersion(w.SchemaVersion); err != nil {
		return err
	}
	docJSON, err := json.Marshal(w)
	if err != nil {
		return err
	}
	if err := validateDocument(docJSON); err != nil {
		return err
	}
	return checkStepIDs(w.Steps)
}

func validateDocument(docJSON []byte) error {
	schemaLoader := gojsonschema.NewBytesLoader([]byte(documentSchema))
	documentLoader := gojsonschema.NewBytesLoader(docJSON)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidWorkflow, strings.Join(msgs, "; "))
	}
	return nil
}

func checkStepIDs(steps []Step) error {
	seen := make(map[string]bool, len(steps))
	for _, st := range steps {
		if seen[st.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidWorkflow, st.ID)
		}
		seen[st.ID] = true
	}
	return nil
}

// CheckSchemaVersion accepts documents with the supported major version and
// a minor no newer than this build understands.
func CheckSchemaVersion(v string) error {
	var major, minor, patch int
	if _, err := fmt.Sscanf(v, "%d.%d.%d", &major, &minor, &patch); err != nil {
		return fmt.Errorf("%w: %q", ErrSchemaVersion, v)
	}
	var supMajor, supMinor, supPatch int
	fmt.Sscanf(SchemaVersion, "%d.%d.%d", &supMajor, &supMinor, &supPatch)
	if major != supMajor || minor > supMinor {
		return fmt.Errorf("%w: document %s, supported %s", ErrSchemaVersion, v, SchemaVersion)
	}
	return nil
}
