// Package telemetry is the Learning Telemetry & Stub-Debt Ledger
// (spec.md §4.8, C8): for every correction attempt it writes a
// learning_events row, appends a JSONL line, writes an immutable snapshot,
// and tracks stub-debt open/close records.
//
// The bucketed-entity naming convention is grounded on the teacher's
// storage.EntityID/EntityType (typed, colon-joined identifiers), adapted
// from NATS KV keys to filesystem paths under .deeprun/learning/. The
// best-effort publish path is grounded on cmd/semspec/app.go's startNATS
// (embedded-or-external NATS, never fatal to the caller).
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/deeprun/store"
)

// Outcome is the closed classification of a correction attempt's result,
// per spec.md §4.8.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeImproved           Outcome = "improved"
	OutcomeRegressed          Outcome = "regressed"
	OutcomeNoop               Outcome = "noop"
	OutcomeStalled            Outcome = "stalled"
	OutcomeProvisionallyFixed Outcome = "provisionally_fixed"
	OutcomeFailed             Outcome = "failed"
)

// ClassifyOutcome derives an Outcome from before/after blocking counts and
// cluster stability, per spec.md §4.8. stubMaterialized marks an
// otherwise-successful attempt as provisionally_fixed; unchanged reports
// whether the cluster set/counts were unchanged despite a mutation
// (stalled).
func ClassifyOutcome(before, after int, unchanged, stubMaterialized bool) Outcome {
	switch {
	case after == 0 && stubMaterialized:
		return OutcomeProvisionallyFixed
	case after == 0:
		return OutcomeSuccess
	case unchanged:
		return OutcomeStalled
	case after < before:
		return OutcomeImproved
	case after > before:
		return OutcomeRegressed
	default:
		return OutcomeNoop
	}
}

// LearningEvent is the structured record persisted to learning_events and
// mirrored into the run's JSONL artifact, per spec.md line 66 and §4.8.
type LearningEvent struct {
	ID                   string         `json:"id"`
	RunID                string         `json:"runId"`
	ProjectID            string         `json:"projectId"`
	StepIndex            int            `json:"stepIndex"`
	EventType            string         `json:"eventType"`
	Phase                string         `json:"phase"`
	Clusters             json.RawMessage `json:"clusters"`
	BlockingBefore       int            `json:"blockingBefore"`
	BlockingAfter        int            `json:"blockingAfter"`
	Delta                int            `json:"delta"`
	RegressionFlag       bool           `json:"regressionFlag"`
	ConvergenceFlag      bool           `json:"convergenceFlag"`
	ArchitectureCollapse bool           `json:"architectureCollapse"`
	InvariantCount       int            `json:"invariantCount"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
	Outcome              Outcome        `json:"outcome"`
	CreatedAt            time.Time      `json:"createdAt"`
}

// NewLearningEvent builds a LearningEvent with delta/regressionFlag/
// convergenceFlag derived from blockingBefore/blockingAfter per spec.md
// §4.8, and classifies its Outcome.
func NewLearningEvent(id, runID, projectID string, stepIndex int, eventType, phase string, clusters json.RawMessage, before, after int, architectureCollapse bool, invariantCount int, metadata json.RawMessage, unchanged, stubMaterialized bool, now time.Time) LearningEvent {
	if clusters == nil {
		clusters = json.RawMessage("[]")
	}
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	return LearningEvent{
		ID:                   id,
		RunID:                runID,
		ProjectID:            projectID,
		StepIndex:            stepIndex,
		EventType:            eventType,
		Phase:                phase,
		Clusters:             clusters,
		BlockingBefore:       before,
		BlockingAfter:        after,
		Delta:                before - after,
		RegressionFlag:       after > before,
		ConvergenceFlag:      after == 0,
		ArchitectureCollapse: architectureCollapse,
		InvariantCount:       invariantCount,
		Metadata:             metadata,
		Outcome:              ClassifyOutcome(before, after, unchanged, stubMaterialized),
		CreatedAt:            now,
	}
}

// StubDebtStatus is the open/closed state of one tracked stub-debt record.
type StubDebtStatus string

const (
	StubDebtOpen   StubDebtStatus = "open"
	StubDebtClosed StubDebtStatus = "closed"
)

// StubDebtRecord is one entry of the stub-debt ledger, per spec.md §4.8.
type StubDebtRecord struct {
	RunID      string         `json:"runId"`
	StepIndex  int            `json:"stepIndex"`
	Attempt    int            `json:"attempt"`
	StubPath   string         `json:"stubPath"`
	Status     StubDebtStatus `json:"status"`
	OpenedAt   time.Time      `json:"openedAt"`
	ClosedAt   *time.Time     `json:"closedAt,omitempty"`
}

// Recorder persists learning events and manages the artifact tree rooted
// at workspaceRoot/.deeprun/learning, with the store and a best-effort
// NATS publish as secondary sinks.
type Recorder struct {
	root   string
	store  *store.Store
	logger *slog.Logger

	natsConn       *nats.Conn
	embeddedServer *server.Server
}

// NewRecorder constructs a Recorder rooted at projectRoot (the project's
// .deeprun directory owns the learning/ subtree).
func NewRecorder(projectRoot string, s *store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{root: filepath.Join(projectRoot, ".deeprun", "learning"), store: s, logger: logger}
}

// ConnectNATS establishes the best-effort publish sink, grounded on the
// teacher's startNATS: connect to an external URL when given, else start
// an embedded server. Failure here never aborts the caller — DB and JSONL
// remain authoritative per spec.md §4.8.
func (r *Recorder) ConnectNATS(url string) error {
	if url != "" {
		conn, err := nats.Connect(url)
		if err != nil {
			return fmt.Errorf("connect to NATS at %s: %w", url, err)
		}
		r.natsConn = conn
		return nil
	}

	opts := &server.Options{Port: -1, JetStream: false, NoLog: true, NoSigs: true}
	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded NATS server failed to start")
	}
	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("connect to embedded NATS: %w", err)
	}
	r.natsConn = conn
	r.embeddedServer = ns
	return nil
}

// Close shuts down the NATS connection and any embedded server.
func (r *Recorder) Close() {
	if r.natsConn != nil {
		r.natsConn.Close()
	}
	if r.embeddedServer != nil {
		r.embeddedServer.Shutdown()
	}
}

// runsDir, snapshotsDir, stubDebtDir are the three artifact subtrees, per
// spec.md §4.8.
func (r *Recorder) runsDir() string      { return filepath.Join(r.root, "runs") }
func (r *Recorder) snapshotsDir() string { return filepath.Join(r.root, "snapshots") }
func (r *Recorder) stubDebtDir() string  { return filepath.Join(r.root, "stub-debt") }

// Record persists a LearningEvent to the store, appends it to the run's
// JSONL artifact, writes an immutable snapshot keyed by
// (runId, stepIndex, attempt), and best-effort publishes it to
// learning.event.<runId>. The DB write is authoritative; artifact and
// publish failures are logged, not returned, except for the snapshot
// write whose exclusive-create collision is surfaced (it signals a
// duplicate attempt was recorded twice).
func (r *Recorder) Record(ctx context.Context, ev LearningEvent, stepIndex, attempt int) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal learning event: %w", err)
	}

	if r.store != nil {
		if err := r.store.InsertLearningEvent(ctx, ev.ID, ev.RunID, ev.EventType, payload); err != nil {
			return fmt.Errorf("insert learning event: %w", err)
		}
	}

	if err := r.appendJSONL(ev.RunID, payload); err != nil {
		r.logger.Warn("learning event jsonl append failed", "run_id", ev.RunID, "error", err)
	}

	if err := r.writeSnapshot(ev.RunID, stepIndex, attempt, payload); err != nil {
		return fmt.Errorf("write learning snapshot: %w", err)
	}

	r.publish(ev.RunID, payload)
	return nil
}

func (r *Recorder) appendJSONL(runID string, payload []byte) error {
	if err := os.MkdirAll(r.runsDir(), 0o755); err != nil {
		return err
	}
	path := filepath.Join(r.runsDir(), runID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(payload, '\n'))
	return err
}

// writeSnapshot exclusive-creates an immutable snapshot file; a collision
// means the same (runId, stepIndex, attempt) was recorded twice, which
// should never happen given spec.md's per-run monotonic (stepIndex,
// attempt) ordering guarantee.
func (r *Recorder) writeSnapshot(runID string, stepIndex, attempt int, payload []byte) error {
	if err := os.MkdirAll(r.snapshotsDir(), 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%d_%d.json", runID, stepIndex, attempt)
	path := filepath.Join(r.snapshotsDir(), name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o444)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("snapshot %s already exists: %w", name, err)
		}
		return err
	}
	defer f.Close()
	_, err = f.Write(payload)
	return err
}

func (r *Recorder) publish(runID string, payload []byte) {
	if r.natsConn == nil {
		return
	}
	subject := "learning.event." + runID
	if err := r.natsConn.Publish(subject, payload); err != nil {
		r.logger.Debug("learning event publish failed", "subject", subject, "error", err)
	}
}

// OpenStubDebt writes an "open" stub-debt ledger record for a newly
// materialized stub.
func (r *Recorder) OpenStubDebt(rec StubDebtRecord) error {
	rec.Status = StubDebtOpen
	return r.writeStubDebt(rec)
}

// CloseStubDebt writes a "closed" record for a stub that debt-resolution
// has paid down.
func (r *Recorder) CloseStubDebt(rec StubDebtRecord, closedAt time.Time) error {
	rec.Status = StubDebtClosed
	rec.ClosedAt = &closedAt
	return r.writeStubDebt(rec)
}

func (r *Recorder) writeStubDebt(rec StubDebtRecord) error {
	if err := os.MkdirAll(r.stubDebtDir(), 0o755); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal stub debt record: %w", err)
	}
	name := fmt.Sprintf("%s_%d_%d.json", rec.RunID, rec.StepIndex, rec.Attempt)
	path := filepath.Join(r.stubDebtDir(), name)
	return os.WriteFile(path, payload, 0o644)
}
