package workflow

import (
	"time"

	"github.com/Bboy9090/PhoenixCore/pkg/safety"
)

type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
	StepNotRun  StepStatus = "not_run"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailure   RunStatus = "failure"
	RunCancelled RunStatus = "cancelled"
)

// StepResult records one step's execution, including the gate decision that
// authorized or denied it.
type StepResult struct {
	ID          string           `json:"step_id"`
	Name        string           `json:"name,omitempty"`
	Action      string           `json:"action"`
	Destructive bool             `json:"destructive"`
	Status      StepStatus       `json:"status"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Error       string           `json:"error,omitempty"`
	Artifacts   []string         `json:"artifacts,omitempty"`
	Gate        *safety.Decision `json:"gate,omitempty"`
}

// Run is the persistent record of one workflow execution. It is rewritten
// into the evidence bundle after every transition, so a crash mid-run leaves
// an honest partial record rather than nothing.
type Run struct {
	ID            string       `json:"run_id"`
	WorkflowID    string       `json:"workflow_id"`
	WorkflowName  string       `json:"workflow_name"`
	SchemaVersion string       `json:"schema_version"`
	Status        RunStatus    `json:"status"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    *time.Time   `json:"finished_at,omitempty"`
	GraphID       string       `json:"graph_id,omitempty"`
	Steps         []StepResult `json:"steps"`
	Error         string       `json:"error,omitempty"`
	BundlePath    string       `json:"bundle_path"`
}

// logLine is one JSONL entry in the run log.
type logLine struct {
	TS     time.Time `json:"ts"`
	Level  string    `json:"level"`
	StepID string    `json:"step_id,omitempty"`
	Msg    string    `json:"msg"`
}
