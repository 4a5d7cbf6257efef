// Package correction is the Correction Planner & Policy (spec.md §4.4, C5):
// it classifies a failed step's phase/logs/failure report into an intent
// and a bounded constraint, evaluates whether a correction step complied
// with its constraint, and materializes the two deterministic recipes
// (import-resolution, debt-resolution) that bypass the general-purpose
// planner entirely.
//
// The intent classifier is grounded on the teacher's plan-reviewer
// component: that component turns an LLM verdict into a bounded
// approved/rejected decision with a capped retry count
// (maxFormatRetries-style bounding); here the same "bounded classification
// decision" shape governs how many correction attempts a phase may spend
// before delegating upward.
package correction

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Intent is the closed classification of a failed step's cause, per
// spec.md §4.4.
type Intent string

const (
	IntentRuntimeBoot          Intent = "runtime_boot"
	IntentRuntimeHealth        Intent = "runtime_health"
	IntentTypescriptCompile    Intent = "typescript_compile"
	IntentTestFailure          Intent = "test_failure"
	IntentMigrationFailure     Intent = "migration_failure"
	IntentArchitectureViolation Intent = "architecture_violation"
	IntentSecurityBaseline     Intent = "security_baseline"
	IntentUnknown              Intent = "unknown"
)

// Phase is the classifier's run phase input.
type Phase string

const (
	PhaseGoal         Phase = "goal"
	PhaseOptimization Phase = "optimization"
)

// FailureReport is the optional parsed checks/failures payload a classifier
// input may carry, sourced from the interpreter's derived profile (C6) or a
// runtime verify step's logs.
type FailureReport struct {
	Checks   []string `json:"checks,omitempty"`
	Failures []string `json:"failures,omitempty"`
}

// ClassifierInput is everything the classifier needs, per spec.md §4.4.
type ClassifierInput struct {
	Phase         Phase
	FailedStepID  string
	Attempt       int
	RuntimeLogs   string
	FailureReport *FailureReport
	Limits        Limits
}

// Limits are the hard caps a constraint may never exceed, sealed from the
// execution contract's file-session limits.
type Limits struct {
	MaxFiles          int
	MaxTotalDiffBytes int
}

// Constraint is the classifier's bounding box for the correction step's
// mutation, per spec.md §4.4.
type Constraint struct {
	Intent              Intent   `json:"intent"`
	MaxFiles            int      `json:"maxFiles"`
	MaxTotalDiffBytes   int      `json:"maxTotalDiffBytes"`
	AllowedPathPrefixes []string `json:"allowedPathPrefixes"`
	Guidance            []string `json:"guidance"`
}

// signature keyword tables. Order matters: the first matching keyword set
// wins, mirroring the teacher's config default-cascade idiom of "first
// non-zero value wins".
var signatureKeywords = []struct {
	intent   Intent
	keywords []string
}{
	{IntentRuntimeBoot, []string{"EADDRINUSE", "failed to bind", "container exited", "listen tcp"}},
	{IntentRuntimeHealth, []string{"health check failed", "healthz", "readiness probe"}},
	{IntentMigrationFailure, []string{"migration", "goose:", "duplicate column", "relation already exists"}},
	{IntentSecurityBaseline, []string{"CVE-", "vulnerability", "security baseline"}},
	{IntentArchitectureViolation, []string{"layer boundary", "architecture_contract", "forbidden import"}},
	{IntentTypescriptCompile, []string{"TS2307", "TS2322", "error TS", "tsc "}},
	{IntentTestFailure, []string{"FAIL ", "test failed", "assertion"}},
}

// Classify derives an intent from the classifier input. Keyword sets are
// tried in signatureKeywords order across the failure report's
// checks/failures and the runtime logs; the report's entries are searched
// before the logs only within one keyword set, so an earlier set matching
// the logs wins over a later set matching the report.
func Classify(in ClassifierInput) Intent {
	haystacks := make([]string, 0, 4)
	if in.FailureReport != nil {
		haystacks = append(haystacks, in.FailureReport.Checks...)
		haystacks = append(haystacks, in.FailureReport.Failures...)
	}
	if in.RuntimeLogs != "" {
		haystacks = append(haystacks, in.RuntimeLogs)
	}
	for _, candidate := range signatureKeywords {
		for _, h := range haystacks {
			for _, kw := range candidate.keywords {
				if strings.Contains(h, kw) {
					return candidate.intent
				}
			}
		}
	}
	return IntentUnknown
}

// defaultGuidance returns the guidance lines attached to a constraint for a
// given intent, used by the planner facade as the correction prompt's
// scope instructions.
func defaultGuidance(intent Intent) []string {
	switch intent {
	case IntentRuntimeBoot:
		return []string{"fix the process so it binds successfully on first attempt"}
	case IntentRuntimeHealth:
		return []string{"make the health endpoint report ready within the probe window"}
	case IntentTypescriptCompile:
		return []string{"resolve the reported compiler diagnostics without broadening scope"}
	case IntentTestFailure:
		return []string{"make the failing tests pass without weakening their assertions"}
	case IntentMigrationFailure:
		return []string{"correct the migration so it applies cleanly against the current schema"}
	case IntentArchitectureViolation:
		return []string{"restore the violated layer boundary"}
	case IntentSecurityBaseline:
		return []string{"remediate the flagged security baseline violation"}
	default:
		return []string{"make the minimal change needed to unblock the failing step"}
	}
}

// BuildConstraint classifies in and derives a bounded Constraint, clamping
// MaxFiles/MaxTotalDiffBytes to the caller-supplied hard limits.
func BuildConstraint(in ClassifierInput, allowedPathPrefixes []string) Constraint {
	intent := Classify(in)
	maxFiles := in.Limits.MaxFiles
	if maxFiles <= 0 || maxFiles > in.Limits.MaxFiles {
		maxFiles = in.Limits.MaxFiles
	}
	maxDiff := in.Limits.MaxTotalDiffBytes
	return Constraint{
		Intent:              intent,
		MaxFiles:            maxFiles,
		MaxTotalDiffBytes:   maxDiff,
		AllowedPathPrefixes: allowedPathPrefixes,
		Guidance:            defaultGuidance(intent),
	}
}

// PolicyMode mirrors config.ValidationMode for the correction-policy
// off/warn/enforce tri-state, kept as a distinct type so correction has no
// import-time dependency on config.
type PolicyMode string

const (
	PolicyOff     PolicyMode = "off"
	PolicyWarn    PolicyMode = "warn"
	PolicyEnforce PolicyMode = "enforce"
)

// StagedChange is the minimal shape Policy needs from a File Session's
// staged diff, independent of the filesession package's own types.
type StagedChange struct {
	Path  string
	Bytes int
}

// PolicyRecord is the correctionPolicy record Evaluate returns for a
// correction step, per spec.md §4.4. The engine reads Compliant; it does
// not store the record in the step output.
type PolicyRecord struct {
	Mode       PolicyMode `json:"mode"`
	Compliant  bool       `json:"compliant"`
	Violations []string   `json:"violations,omitempty"`
}

// Evaluate checks a correction step's staged changes and commit result
// against its constraint. A step is compliant iff it produced at least one
// file change and a commit, stayed within maxFiles/maxTotalDiffBytes, and
// every path matches allowedPathPrefixes.
//
// In "warn" mode Evaluate always returns compliant=true on the record (so
// the caller never fails the step) but still lists the violations that
// would have failed it in enforce mode, per spec.md §9 Open Question #3.
func Evaluate(mode PolicyMode, c Constraint, changes []StagedChange, committed bool) PolicyRecord {
	var violations []string

	if len(changes) == 0 {
		violations = append(violations, "no file changes staged")
	}
	if !committed {
		violations = append(violations, "no commit produced")
	}
	if c.MaxFiles > 0 && len(changes) > c.MaxFiles {
		violations = append(violations, fmt.Sprintf("staged %d files exceeds maxFiles %d", len(changes), c.MaxFiles))
	}

	total := 0
	for _, ch := range changes {
		total += ch.Bytes
		if !matchesAnyPrefix(ch.Path, c.AllowedPathPrefixes) {
			violations = append(violations, fmt.Sprintf("path %q does not match allowedPathPrefixes", ch.Path))
		}
	}
	if c.MaxTotalDiffBytes > 0 && total > c.MaxTotalDiffBytes {
		violations = append(violations, fmt.Sprintf("staged diff %d bytes exceeds maxTotalDiffBytes %d", total, c.MaxTotalDiffBytes))
	}

	rec := PolicyRecord{Mode: mode, Violations: violations}
	switch mode {
	case PolicyOff:
		rec.Compliant = true
		rec.Violations = nil
	case PolicyWarn:
		rec.Compliant = true
	default: // enforce
		rec.Compliant = len(violations) == 0
	}
	return rec
}

func matchesAnyPrefix(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
		if strings.HasPrefix(path, strings.TrimSuffix(p, "/**")) {
			return true
		}
	}
	return false
}

// ImportSignal is the extracted specifier/containing-file pair an
// import_resolution_error cluster must carry for the recipe to apply, per
// spec.md §4.4.
type ImportSignal struct {
	Specifier      string
	ContainingFile string
	Named          []string
	Default        bool
	Namespace      bool
	TypeOnly       bool
}

// ImportResolutionMode is which of the two deterministic recipe modes
// applied.
type ImportResolutionMode string

const (
	ModeRewrite    ImportResolutionMode = "rewrite"
	ModeMaterialize ImportResolutionMode = "materialize_stub"
)

// ImportResolutionResult is the outcome of applying the import-resolution
// recipe to a single ImportSignal.
type ImportResolutionResult struct {
	Mode           ImportResolutionMode
	ContainingFile string
	OldSpecifier   string
	NewSpecifier   string
	StubPath       string
	StubContent    string
}

// Resolver abstracts the TypeScript-style module resolution the recipe
// needs: given an importing file and a specifier, return the resolved
// target path if one exists on disk.
type Resolver interface {
	Resolve(containingFile, specifier string) (target string, ok bool)
}

// StubMarker is the decoded/encoded form of the single-line
// `// @deeprun-stub {...}` header every materialized stub carries, per
// spec.md §6.
type StubMarker struct {
	CreatedByRunID string         `json:"createdByRunId"`
	ProjectID      string         `json:"projectId"`
	StubPath       string         `json:"stubPath"`
	StubExports    map[string]any `json:"stubExports"`
	CreatedAt      string         `json:"createdAt"`
}

// StubMarkerPrefix is the literal prefix every materialized stub's first
// line carries.
const StubMarkerPrefix = "// @deeprun-stub "

// RenderStubMarker renders m as the stub file's first line.
func RenderStubMarker(m StubMarker) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal stub marker: %w", err)
	}
	return StubMarkerPrefix + string(b), nil
}

// ParseStubMarker extracts a StubMarker from a file's first line, reporting
// ok=false if the line does not carry the marker.
func ParseStubMarker(firstLine string) (StubMarker, bool) {
	if !strings.HasPrefix(firstLine, StubMarkerPrefix) {
		return StubMarker{}, false
	}
	var m StubMarker
	if err := json.Unmarshal([]byte(strings.TrimPrefix(firstLine, StubMarkerPrefix)), &m); err != nil {
		return StubMarker{}, false
	}
	return m, true
}

// StubPathID derives a stable, URL-safe identifier for a stub candidate
// path, adapted from the teacher's GenerateDecisionEntityID path-hash idiom
// (crypto/md5, 8 hex chars) to crypto/sha256 for the stub-marker id space.
func StubPathID(runID, path string) string {
	sum := sha256.Sum256([]byte(runID + ":" + path))
	return "stub." + hex.EncodeToString(sum[:])[:12]
}

// exportsSummary infers a stub's exports summary from the importing
// declaration's bindings, per spec.md §4.4.
func exportsSummary(sig ImportSignal) map[string]any {
	summary := map[string]any{}
	if sig.Default {
		summary["default"] = true
	}
	if sig.Namespace {
		summary["namespace"] = true
	}
	if len(sig.Named) > 0 {
		summary["named"] = sig.Named
	}
	if sig.TypeOnly {
		summary["typeOnly"] = true
	}
	return summary
}

// ResolveImport applies the import-resolution recipe to a single signal:
// rewrite if the resolver finds an existing target, else materialize a
// stub at the best candidate location.
func ResolveImport(runID, projectID, nowISO string, sig ImportSignal, resolver Resolver, candidatePath string) (ImportResolutionResult, error) {
	if target, ok := resolver.Resolve(sig.ContainingFile, sig.Specifier); ok {
		return ImportResolutionResult{
			Mode:           ModeRewrite,
			ContainingFile: sig.ContainingFile,
			OldSpecifier:   sig.Specifier,
			NewSpecifier:   rewriteSpecifier(target),
		}, nil
	}

	marker := StubMarker{
		CreatedByRunID: runID,
		ProjectID:      projectID,
		StubPath:       candidatePath,
		StubExports:    exportsSummary(sig),
		CreatedAt:      nowISO,
	}
	header, err := RenderStubMarker(marker)
	if err != nil {
		return ImportResolutionResult{}, err
	}
	body := header + "\n" + stubBody(sig)
	return ImportResolutionResult{
		Mode:           ModeMaterialize,
		ContainingFile: sig.ContainingFile,
		OldSpecifier:   sig.Specifier,
		StubPath:       candidatePath,
		StubContent:    body,
	}, nil
}

// rewriteSpecifier rewrites a resolved target path into a relative,
// .js-suffixed import specifier per spec.md §4.4's "rewrite" mode.
func rewriteSpecifier(target string) string {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(target, ".ts"), ".tsx")
	if !strings.HasPrefix(trimmed, ".") {
		trimmed = "./" + trimmed
	}
	return trimmed + ".js"
}

// stubBody generates the minimal module body satisfying sig's bindings.
func stubBody(sig ImportSignal) string {
	var b strings.Builder
	if sig.Default {
		b.WriteString("export default {};\n")
	}
	for _, name := range sig.Named {
		fmt.Fprintf(&b, "export const %s = undefined;\n", name)
	}
	if sig.Namespace && !sig.Default && len(sig.Named) == 0 {
		b.WriteString("export {};\n")
	}
	return b.String()
}

// ImportPressureEvent is one recent learning-event sample used by the
// structural-reset-fallback trigger, per spec.md §4.1's "import pressure
// statistics (recent 20 events)".
type ImportPressureEvent struct {
	BlockingBefore int
	BlockingAfter  int
	Regressed      bool
}

// ImportPressureWindowSize is the number of recent events the fallback
// trigger inspects.
const ImportPressureWindowSize = 20

// StructuralResetThreshold is the regressionRate that triggers the
// structural-reset fallback.
const StructuralResetThreshold = 0.25

// ShouldStructuralReset reports whether the structural reset fallback
// applies: regressionRate ≥ 0.25 or non-positive avgDelta, over the most
// recent ImportPressureWindowSize events.
func ShouldStructuralReset(events []ImportPressureEvent) bool {
	if len(events) == 0 {
		return false
	}
	window := events
	if len(window) > ImportPressureWindowSize {
		window = window[len(window)-ImportPressureWindowSize:]
	}

	regressed := 0
	deltaSum := 0
	for _, e := range window {
		if e.Regressed {
			regressed++
		}
		deltaSum += e.BlockingBefore - e.BlockingAfter
	}
	regressionRate := float64(regressed) / float64(len(window))
	avgDelta := float64(deltaSum) / float64(len(window))
	return regressionRate >= StructuralResetThreshold || avgDelta <= 0
}

// StallPressure is the per-session stall-rate sample used to decide
// whether a stall should escalate to feature_reintegration or
// architecture_reconstruction, per spec.md §4.1.
type StallPressure struct {
	SessionStalls int
	SessionEvents int
	ConsecutiveRunStalls int
}

// EscalationTarget is the planner-mode override a severe stall pressure
// escalates to.
type EscalationTarget string

const (
	EscalationNone                    EscalationTarget = ""
	EscalationFeatureReintegration     EscalationTarget = "feature_reintegration"
	EscalationArchitectureReconstruction EscalationTarget = "architecture_reconstruction"
)

// Escalate decides whether stall pressure should escalate, per spec.md
// §4.1: per-session stall rate ≥ 0.5 over ≥ 8 session events, or ≥ 1
// consecutive run stall, escalates to feature_reintegration; 2 consecutive
// stalls or a structural inconsistency escalates further to
// architecture_reconstruction.
func Escalate(p StallPressure, structuralInconsistency bool) EscalationTarget {
	stallRateTriggers := p.SessionEvents >= 8 && float64(p.SessionStalls)/float64(p.SessionEvents) >= 0.5
	if !stallRateTriggers && p.ConsecutiveRunStalls < 1 {
		return EscalationNone
	}
	if p.ConsecutiveRunStalls >= 2 || structuralInconsistency {
		return EscalationArchitectureReconstruction
	}
	return EscalationFeatureReintegration
}

// DebtTarget is one tracked stub the debt-resolution recipe must resolve
// or verify paid down, per spec.md §4.1/§4.4.
type DebtTarget struct {
	Path            string
	RecordedHash    string
	CurrentHash     string
	FileExists      bool
	HasStubMarker   bool
	ContentIsStubLike bool
	HasRemainingReferrers bool
}

// IsPaidDown reports whether a single DebtTarget counts as resolved, per
// spec.md §4.1: the file is absent, OR its hash changed AND its stub
// marker is absent AND the content is not stub-like, OR all remaining
// referrers no longer resolve to it.
func (d DebtTarget) IsPaidDown() bool {
	if !d.FileExists {
		return true
	}
	if d.CurrentHash != d.RecordedHash && !d.HasStubMarker && !d.ContentIsStubLike {
		return true
	}
	return !d.HasRemainingReferrers
}

// AllPaidDown reports whether every tracked debt target has been paid
// down.
func AllPaidDown(targets []DebtTarget) bool {
	for _, t := range targets {
		if !t.IsPaidDown() {
			return false
		}
	}
	return true
}

// DebtResolutionStep is one file the debt-resolution plan rewrites from a
// stub into a non-stub placeholder.
type DebtResolutionStep struct {
	Path    string
	Content string
}

// BuildDebtResolutionPlan rewrites each tracked stub into a non-stub
// placeholder module preserving its recorded exports summary, per
// spec.md §4.1's debt-resolution description.
func BuildDebtResolutionPlan(targets []DebtTarget, exports map[string]map[string]any) []DebtResolutionStep {
	steps := make([]DebtResolutionStep, 0, len(targets))
	for _, t := range targets {
		if t.IsPaidDown() {
			continue
		}
		sig := exportsToSignal(exports[t.Path])
		steps = append(steps, DebtResolutionStep{
			Path:    t.Path,
			Content: stubBody(sig),
		})
	}
	return steps
}

// exportsToSignal reconstructs an ImportSignal-like binding set from a
// recorded stub-exports summary, for re-deriving the placeholder body.
func exportsToSignal(exports map[string]any) ImportSignal {
	var sig ImportSignal
	if exports == nil {
		return sig
	}
	if v, ok := exports["default"].(bool); ok {
		sig.Default = v
	}
	if v, ok := exports["namespace"].(bool); ok {
		sig.Namespace = v
	}
	if v, ok := exports["named"].([]any); ok {
		for _, n := range v {
			if s, ok := n.(string); ok {
				sig.Named = append(sig.Named, s)
			}
		}
	}
	return sig
}
