// Package model defines the run-centric domain types shared by every
// component of the agent-driven code-mutation orchestrator: the Project a
// run executes against, the AgentRun itself, its ordered plan of Steps, and
// the append-only StepRecord execution artifacts.
package model

import (
	"encoding/json"
	"errors"
	"regexp"
	"time"
)

// RunStatus is the AgentRun lifecycle state, per spec.md §4.1.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusRunning    RunStatus = "running"
	RunStatusCorrecting RunStatus = "correcting"
	RunStatusOptimizing RunStatus = "optimizing"
	RunStatusValidating RunStatus = "validating"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusFailed     RunStatus = "failed"
	RunStatusComplete   RunStatus = "complete"
)

// IsValid reports whether s is one of the closed set of run statuses.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusCorrecting, RunStatusOptimizing,
		RunStatusValidating, RunStatusCancelled, RunStatusFailed, RunStatusComplete:
		return true
	default:
		return false
	}
}

// IsExecuting reports whether s is one of the non-terminal "executing"
// statuses spec.md §4.1 groups together for the at-most-one-active-job
// invariant.
func (s RunStatus) IsExecuting() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusCorrecting, RunStatusOptimizing, RunStatusValidating:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a terminal status (no further transitions,
// modulo the single complete→running auto-correction re-entry modeled by
// CanTransitionTo).
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusFailed || s == RunStatusCancelled || s == RunStatusComplete
}

// CanTransitionTo reports whether the run state machine permits s→target.
// allowCompleteReentry must be true for the single documented exception:
// a run may move complete→running only when the auto-correction path has
// determined the prior validation verdict was a failure and appended a
// correction plan (engine.Engine is the only caller ever passing true).
func (s RunStatus) CanTransitionTo(target RunStatus, allowCompleteReentry bool) bool {
	if !s.IsValid() || !target.IsValid() {
		return false
	}
	switch s {
	case RunStatusQueued:
		return target == RunStatusRunning || target == RunStatusCancelled ||
			target == RunStatusFailed || target == RunStatusComplete
	case RunStatusRunning:
		switch target {
		case RunStatusRunning, RunStatusCorrecting, RunStatusOptimizing, RunStatusValidating,
			RunStatusComplete, RunStatusFailed, RunStatusCancelled:
			return true
		}
		return false
	case RunStatusCorrecting:
		return target == RunStatusRunning || target == RunStatusFailed || target == RunStatusCancelled
	case RunStatusOptimizing:
		return target == RunStatusRunning || target == RunStatusFailed || target == RunStatusCancelled
	case RunStatusValidating:
		return target == RunStatusComplete || target == RunStatusFailed || target == RunStatusCancelled
	case RunStatusComplete:
		return allowCompleteReentry && target == RunStatusRunning
	case RunStatusFailed, RunStatusCancelled:
		return false
	default:
		return false
	}
}

// StepType is the tagged kind of a plan Step.
type StepType string

const (
	StepTypeAnalyze StepType = "analyze"
	StepTypeModify  StepType = "modify"
	StepTypeVerify  StepType = "verify"
)

// Well-known tool identifiers referenced by spec.md §3/§4.
const (
	ToolWriteFile          = "write_file"
	ToolApplyPatch         = "apply_patch"
	ToolAIMutation         = "ai_mutation"
	ToolRunPreviewContainer = "run_preview_container"
)

// mutatingTools is the set of tool identifiers that make a step mutating
// regardless of its declared StepType, per spec.md §3's Step definition.
var mutatingTools = map[string]bool{
	ToolWriteFile:  true,
	ToolApplyPatch: true,
	ToolAIMutation: true,
}

// correctionStepPrefixes identifies correction steps by id prefix, per the
// GLOSSARY's "Correction step" definition.
var correctionStepPrefixes = []string{"runtime-correction-", "validation-correction-"}

// CorrectionReasoning is the embedded reasoning record a correction step
// carries, per spec.md §3.
type CorrectionReasoning struct {
	Phase        string    `json:"phase"`
	Attempt      int       `json:"attempt"`
	FailedStepID string    `json:"failedStepId"`
	Classification string  `json:"classification"`
	Constraint   json.RawMessage `json:"constraint,omitempty"`
	Summary      string    `json:"summary"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Step is a single element of an AgentRun's plan.
type Step struct {
	ID           string               `json:"id"`
	Type         StepType             `json:"type"`
	Tool         string               `json:"tool"`
	Input        json.RawMessage      `json:"input"`
	Reasoning    *CorrectionReasoning `json:"reasoning,omitempty"`
}

// Mutates reports whether executing this step may modify repository files,
// per spec.md §3's "derived mutates capability" rule: true iff
// type=modify or tool is one of the mutating tool identifiers.
func (s Step) Mutates() bool {
	return s.Type == StepTypeModify || mutatingTools[s.Tool]
}

// IsCorrectionStep reports whether s was synthesized by the engine to
// repair a preceding failure, identified by its id prefix per the GLOSSARY.
func (s Step) IsCorrectionStep() bool {
	for _, prefix := range correctionStepPrefixes {
		if len(s.ID) >= len(prefix) && s.ID[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Plan is the ordered, mutable sequence of Steps owned by an AgentRun.
type Plan struct {
	Steps []Step `json:"steps"`
}

// InsertAfter splices newSteps into the plan immediately after index idx,
// matching spec.md §4.1/§4.4's "insert ... after the current index" wording
// for correction pairs and heavy-validation corrections.
func (p *Plan) InsertAfter(idx int, newSteps ...Step) {
	if idx < 0 || idx >= len(p.Steps) {
		p.Steps = append(p.Steps, newSteps...)
		return
	}
	out := make([]Step, 0, len(p.Steps)+len(newSteps))
	out = append(out, p.Steps[:idx+1]...)
	out = append(out, newSteps...)
	out = append(out, p.Steps[idx+1:]...)
	p.Steps = out
}

// Append adds newSteps to the end of the plan (used when appending an
// outer validation-auto-correction or debt-resolution plan).
func (p *Plan) Append(newSteps ...Step) {
	p.Steps = append(p.Steps, newSteps...)
}

// ErrorDetails is the structured taxonomy record stored on a run; kept as
// json.RawMessage here so model has no import-time dependency on taxonomy,
// avoiding an import cycle (taxonomy has no dependency on model).
type ErrorDetails = json.RawMessage

// AgentRun is the central entity of the system, per spec.md §3.
type AgentRun struct {
	ID              string `json:"id"`
	ProjectID       string `json:"projectId"`
	OrgID           string `json:"orgId"`
	WorkspaceID     string `json:"workspaceId"`
	CreatedByUserID string `json:"createdByUserId"`
	Goal            string `json:"goal"`
	ProviderID      string `json:"providerId"`
	Model           string `json:"model"`

	Status RunStatus `json:"status"`

	Plan              Plan   `json:"plan"`
	CurrentStepIndex  int    `json:"currentStepIndex"`
	LastStepID        string `json:"lastStepId"`

	RunBranch          string `json:"runBranch"`
	WorktreePath       string `json:"worktreePath"`
	BaseCommitHash     string `json:"baseCommitHash"`
	CurrentCommitHash  string `json:"currentCommitHash"`
	LastValidCommitHash string `json:"lastValidCommitHash"`

	ValidationStatus *string         `json:"validationStatus"`
	ValidationResult json.RawMessage `json:"validationResult,omitempty"`
	ValidatedAt      *time.Time      `json:"validatedAt,omitempty"`

	CorrectionAttempts   int    `json:"correctionAttempts"`
	LastCorrectionReason string `json:"lastCorrectionReason,omitempty"`

	RunLockOwner      string     `json:"runLockOwner,omitempty"`
	RunLockAcquiredAt *time.Time `json:"runLockAcquiredAt,omitempty"`

	Metadata json.RawMessage `json:"metadata,omitempty"`

	ErrorMessage string       `json:"errorMessage,omitempty"`
	ErrorDetails ErrorDetails `json:"errorDetails,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// runBranchPattern matches the sanitized run-id portion of a run branch
// name: lowercase alphanumeric with hyphens, 1-100 chars, no path traversal
// or separators — generalized from the teacher's slug pattern
// (workflow.ValidateSlug) to the longer 100-char budget spec.md §6 allows.
var runBranchPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,98}[a-z0-9])?$`)

// ErrInvalidRunID is returned when a run id cannot be sanitized into a
// valid run branch name.
var ErrInvalidRunID = errors.New("invalid run id: must be lowercase alphanumeric with hyphens, max 100 characters")

// RunBranch computes the `run/<sanitized-runId>` branch name for runID,
// per spec.md §6.
func RunBranch(runID string) (string, error) {
	if runID == "" || len(runID) > 100 || !runBranchPattern.MatchString(runID) {
		return "", ErrInvalidRunID
	}
	return "run/" + runID, nil
}

// Project is the workspace-scoped entity an AgentRun executes against, per
// spec.md §3.
type Project struct {
	ID          string `json:"id"`
	OrgID       string `json:"orgId"`
	WorkspaceID string `json:"workspaceId"`
	Template    string `json:"template"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Well-known project template identifiers.
const (
	TemplateCanonicalBackend = "canonical-backend"
	TemplateAgentWorkflow    = "agent-workflow"
)

// WorkspaceRoot returns the project's owned directory, per spec.md §3:
// <root>/<orgId>/<workspaceId>/<projectId>.
func (p Project) WorkspaceRoot(root string) string {
	return root + "/" + p.OrgID + "/" + p.WorkspaceID + "/" + p.ID
}

// StepStatus is the execution outcome recorded for a StepRecord.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// StepRecord is the append-only execution artifact for one attempt of one
// plan step, per spec.md §3. (runId, stepIndex, attempt) is unique.
type StepRecord struct {
	RunID         string          `json:"runId"`
	StepIndex     int             `json:"stepIndex"`
	Attempt       int             `json:"attempt"`
	StepID        string          `json:"stepId"`
	Type          StepType        `json:"type"`
	Tool          string          `json:"tool"`
	InputPayload  json.RawMessage `json:"inputPayload"`
	OutputPayload json.RawMessage `json:"outputPayload,omitempty"`
	Status        StepStatus      `json:"status"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	CommitHash    string          `json:"commitHash,omitempty"`
	RuntimeStatus string          `json:"runtimeStatus,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
	FinishedAt    time.Time       `json:"finishedAt"`
	CreatedAt     time.Time       `json:"createdAt"`
}
