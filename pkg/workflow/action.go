package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/Bboy9090/PhoenixCore/pkg/devgraph"
	"github.com/Bboy9090/PhoenixCore/pkg/imaging"
	"github.com/Bboy9090/PhoenixCore/pkg/media"
	"github.com/Bboy9090/PhoenixCore/pkg/report"
)

// ArtifactList names the bundle files an action produced, relative to the
// bundle root.
type ArtifactList []string

// RunContext is the environment an action runs in. Graph is the enumeration
// the step was authorized against; for destructive steps it is captured
// fresh immediately before the gate decision.
type RunContext struct {
	Log      zerolog.Logger
	RunID    string
	StepID   string
	Graph    *devgraph.DeviceGraph
	Bundle   *report.Builder
	Opener   media.Opener
	Progress imaging.Progress
	// SigningKey lets verification actions check bundles with the engine's
	// key without reaching into configuration.
	SigningKey []byte
}

// Action is one executable behavior a workflow step can name. Destructive
// actions run only behind an authorized gate decision and the target's lock.
type Action interface {
	Name() string
	Destructive() bool
	ValidateParams(params map[string]any) error
	Run(ctx context.Context, rc *RunContext, params map[string]any) (ArtifactList, error)
}

// Registry resolves action names.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds or replaces an action.
func (r *Registry) Register(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.Name()] = a
}

// Lookup resolves name or returns ErrUnsupportedAction.
func (r *Registry) Lookup(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, name)
	}
	return a, nil
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Builtin returns a registry with every built-in action installed.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(&diskHashReport{})
	r.Register(&diskImageAndStage{})
	r.Register(&applyImage{})
	r.Register(&installerUSBBuild{os: "windows"})
	r.Register(&installerUSBBuild{os: "linux"})
	r.Register(&installerUSBBuild{os: "macos"})
	r.Register(&stageBootloader{})
	r.Register(&reportVerify{})
	r.Register(&sourceInspect{})
	return r
}

// validateParams checks params against an action's JSON schema.
func validateParams(schema string, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	schemaLoader := gojsonschema.NewBytesLoader([]byte(schema))
	documentLoader := gojsonschema.NewBytesLoader(paramsJSON)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(msgs, "; "))
	}
	return nil
}
