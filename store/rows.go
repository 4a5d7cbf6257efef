package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/c360studio/deeprun/model"
)

// runRow is the sqlx scan target for agent_runs, mirroring model.AgentRun
// with nullable columns as sql.Null* per the teacher's storage/entity.go
// convention of keeping wire/domain types distinct from storage rows.
type runRow struct {
	ID                  string          `db:"id"`
	ProjectID           string          `db:"project_id"`
	OrgID               string          `db:"org_id"`
	WorkspaceID         string          `db:"workspace_id"`
	CreatedByUserID     string          `db:"created_by_user_id"`
	Goal                string          `db:"goal"`
	ProviderID          string          `db:"provider_id"`
	Model               string          `db:"model"`
	Status              string          `db:"status"`
	Plan                json.RawMessage `db:"plan"`
	CurrentStepIndex    int             `db:"current_step_index"`
	LastStepID          string          `db:"last_step_id"`
	RunBranch           string          `db:"run_branch"`
	WorktreePath        string          `db:"worktree_path"`
	BaseCommitHash      string          `db:"base_commit_hash"`
	CurrentCommitHash   string          `db:"current_commit_hash"`
	LastValidCommitHash string          `db:"last_valid_commit_hash"`
	ValidationStatus    sql.NullString  `db:"validation_status"`
	ValidationResult    json.RawMessage `db:"validation_result"`
	ValidatedAt         sql.NullTime    `db:"validated_at"`
	CorrectionAttempts  int             `db:"correction_attempts"`
	LastCorrectionReason string         `db:"last_correction_reason"`
	RunLockOwner        string          `db:"run_lock_owner"`
	RunLockAcquiredAt   sql.NullTime    `db:"run_lock_acquired_at"`
	Metadata            json.RawMessage `db:"metadata"`
	ErrorMessage        string          `db:"error_message"`
	ErrorDetails        json.RawMessage `db:"error_details"`
	CreatedAt           time.Time       `db:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at"`
	FinishedAt          sql.NullTime    `db:"finished_at"`
}

func (r *runRow) fromModel(m *model.AgentRun) {
	plan, _ := json.Marshal(m.Plan)
	*r = runRow{
		ID:                  m.ID,
		ProjectID:           m.ProjectID,
		OrgID:               m.OrgID,
		WorkspaceID:         m.WorkspaceID,
		CreatedByUserID:     m.CreatedByUserID,
		Goal:                m.Goal,
		ProviderID:          m.ProviderID,
		Model:               m.Model,
		Status:              string(m.Status),
		Plan:                plan,
		CurrentStepIndex:    m.CurrentStepIndex,
		LastStepID:          m.LastStepID,
		RunBranch:           m.RunBranch,
		WorktreePath:        m.WorktreePath,
		BaseCommitHash:      m.BaseCommitHash,
		CurrentCommitHash:   m.CurrentCommitHash,
		LastValidCommitHash: m.LastValidCommitHash,
		ValidationResult:    m.ValidationResult,
		CorrectionAttempts:  m.CorrectionAttempts,
		LastCorrectionReason: m.LastCorrectionReason,
		RunLockOwner:        m.RunLockOwner,
		Metadata:            m.Metadata,
		ErrorMessage:        m.ErrorMessage,
		ErrorDetails:        m.ErrorDetails,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
	if m.ValidationStatus != nil {
		r.ValidationStatus = sql.NullString{String: *m.ValidationStatus, Valid: true}
	}
	if m.ValidatedAt != nil {
		r.ValidatedAt = sql.NullTime{Time: *m.ValidatedAt, Valid: true}
	}
	if m.RunLockAcquiredAt != nil {
		r.RunLockAcquiredAt = sql.NullTime{Time: *m.RunLockAcquiredAt, Valid: true}
	}
	if m.FinishedAt != nil {
		r.FinishedAt = sql.NullTime{Time: *m.FinishedAt, Valid: true}
	}
}

func (r *runRow) toModel() *model.AgentRun {
	m := &model.AgentRun{
		ID:                  r.ID,
		ProjectID:           r.ProjectID,
		OrgID:               r.OrgID,
		WorkspaceID:         r.WorkspaceID,
		CreatedByUserID:     r.CreatedByUserID,
		Goal:                r.Goal,
		ProviderID:          r.ProviderID,
		Model:               r.Model,
		Status:              model.RunStatus(r.Status),
		CurrentStepIndex:    r.CurrentStepIndex,
		LastStepID:          r.LastStepID,
		RunBranch:           r.RunBranch,
		WorktreePath:        r.WorktreePath,
		BaseCommitHash:      r.BaseCommitHash,
		CurrentCommitHash:   r.CurrentCommitHash,
		LastValidCommitHash: r.LastValidCommitHash,
		ValidationResult:    r.ValidationResult,
		CorrectionAttempts:  r.CorrectionAttempts,
		LastCorrectionReason: r.LastCorrectionReason,
		RunLockOwner:        r.RunLockOwner,
		Metadata:            r.Metadata,
		ErrorMessage:        r.ErrorMessage,
		ErrorDetails:        r.ErrorDetails,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	_ = json.Unmarshal(r.Plan, &m.Plan)
	if r.ValidationStatus.Valid {
		v := r.ValidationStatus.String
		m.ValidationStatus = &v
	}
	if r.ValidatedAt.Valid {
		v := r.ValidatedAt.Time
		m.ValidatedAt = &v
	}
	if r.RunLockAcquiredAt.Valid {
		v := r.RunLockAcquiredAt.Time
		m.RunLockAcquiredAt = &v
	}
	if r.FinishedAt.Valid {
		v := r.FinishedAt.Time
		m.FinishedAt = &v
	}
	return m
}

// stepRow is the sqlx scan target for agent_steps.
type stepRow struct {
	RunID         string          `db:"run_id"`
	StepIndex     int             `db:"step_index"`
	Attempt       int             `db:"attempt"`
	StepID        string          `db:"step_id"`
	Type          string          `db:"type"`
	Tool          string          `db:"tool"`
	InputPayload  json.RawMessage `db:"input_payload"`
	OutputPayload json.RawMessage `db:"output_payload"`
	Status        string          `db:"status"`
	ErrorMessage  string          `db:"error_message"`
	CommitHash    string          `db:"commit_hash"`
	RuntimeStatus string          `db:"runtime_status"`
	StartedAt     time.Time       `db:"started_at"`
	FinishedAt    time.Time       `db:"finished_at"`
	CreatedAt     time.Time       `db:"created_at"`
}

func (stepRow) fromModel(m *model.StepRecord) stepRow {
	return stepRow{
		RunID:         m.RunID,
		StepIndex:     m.StepIndex,
		Attempt:       m.Attempt,
		StepID:        m.StepID,
		Type:          string(m.Type),
		Tool:          m.Tool,
		InputPayload:  m.InputPayload,
		OutputPayload: m.OutputPayload,
		Status:        string(m.Status),
		ErrorMessage:  m.ErrorMessage,
		CommitHash:    m.CommitHash,
		RuntimeStatus: m.RuntimeStatus,
		StartedAt:     m.StartedAt,
		FinishedAt:    m.FinishedAt,
	}
}

func (r *stepRow) toModel() *model.StepRecord {
	return &model.StepRecord{
		RunID:         r.RunID,
		StepIndex:     r.StepIndex,
		Attempt:       r.Attempt,
		StepID:        r.StepID,
		Type:          model.StepType(r.Type),
		Tool:          r.Tool,
		InputPayload:  r.InputPayload,
		OutputPayload: r.OutputPayload,
		Status:        model.StepStatus(r.Status),
		ErrorMessage:  r.ErrorMessage,
		CommitHash:    r.CommitHash,
		RuntimeStatus: r.RuntimeStatus,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		CreatedAt:     r.CreatedAt,
	}
}
