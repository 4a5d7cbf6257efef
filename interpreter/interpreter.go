// Package interpreter is the Validation Failure Interpretation component
// (spec.md §4.5, C6): it maps a heavy-validation Verdict's failures into
// typed clusters and derives a correction-eligibility Profile from them.
//
// Grounded on the teacher's structural-validator and workflow-validator
// executors: both run external checks and fold their pass/fail/stderr
// output into a single result struct carrying a required/blocking count —
// here the "checks produce a result struct" idiom is generalized from a
// checklist runner's CheckResult list into a classified cluster list.
package interpreter

import (
	"regexp"
	"strings"
)

// Verdict is the heavy-validation output, per spec.md §4.5.
type Verdict struct {
	OK             bool     `json:"ok"`
	BlockingCount  int      `json:"blockingCount"`
	WarningCount   int      `json:"warningCount"`
	Summary        string   `json:"summary"`
	Checks         []Check  `json:"checks"`
	Failures       []Failure `json:"failures"`
	Logs           string   `json:"logs"`
}

// Check is a single named validation check's outcome.
type Check struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Required bool   `json:"required"`
	Detail   string `json:"detail,omitempty"`
}

// Failure is a single raw failure line/record a Verdict carries, ahead of
// clustering.
type Failure struct {
	Check   string `json:"check,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
}

// ClusterType is the closed set of failure-cluster classifications, per
// spec.md §4.5.
type ClusterType string

const (
	ClusterTypecheckFailure       ClusterType = "typecheck_failure"
	ClusterBuildFailure           ClusterType = "build_failure"
	ClusterTestFailure            ClusterType = "test_failure"
	ClusterImportResolutionError  ClusterType = "import_resolution_error"
	ClusterLayerBoundaryViolation ClusterType = "layer_boundary_violation"
	ClusterArchitectureContract   ClusterType = "architecture_contract"
	ClusterTestContractGap        ClusterType = "test_contract_gap"
)

// Cluster groups one or more Failures under a single ClusterType, carrying
// the files/imports derivable from its member failures, per spec.md §4.5.
type Cluster struct {
	Type    ClusterType `json:"type"`
	Count   int         `json:"count"`
	Files   []string    `json:"files,omitempty"`
	Imports []string    `json:"imports,omitempty"`
	Sample  string      `json:"sample,omitempty"`
}

// classifyRule pairs a regexp against a Failure's message with the cluster
// type it signals, tried in order (first match wins) — the same
// first-match-wins idiom the teacher's checklist trigger matcher
// (matchesAny) uses for glob-trigger resolution.
var classifyRules = []struct {
	typ     ClusterType
	pattern *regexp.Regexp
}{
	{ClusterImportResolutionError, regexp.MustCompile(`(?i)cannot find module|module not found|unresolved import|TS2307`)},
	{ClusterLayerBoundaryViolation, regexp.MustCompile(`(?i)layer boundary|forbidden import|must not import`)},
	{ClusterArchitectureContract, regexp.MustCompile(`(?i)architecture contract|architecture_contract`)},
	{ClusterTestContractGap, regexp.MustCompile(`(?i)missing test coverage|test contract|no test found`)},
	{ClusterTypecheckFailure, regexp.MustCompile(`(?i)error TS\d+|type error|typecheck`)},
	{ClusterTestFailure, regexp.MustCompile(`(?i)test failed|assertion|FAIL `)},
	{ClusterBuildFailure, regexp.MustCompile(`(?i)build failed|compilation error|cannot build`)},
}

// importPattern extracts a module specifier from a failure message, used
// to populate a cluster's Imports field when derivable.
var importPattern = regexp.MustCompile(`['"]([^'"]+)['"]`)

func classifyFailure(f Failure) ClusterType {
	for _, rule := range classifyRules {
		if rule.pattern.MatchString(f.Message) {
			return rule.typ
		}
	}
	return ClusterBuildFailure
}

// Interpret maps a Verdict's failures into clusters, merging failures of
// the same type into a single Cluster record.
func Interpret(v Verdict) []Cluster {
	byType := map[ClusterType]*Cluster{}
	order := []ClusterType{}

	for _, f := range v.Failures {
		typ := classifyFailure(f)
		c, ok := byType[typ]
		if !ok {
			c = &Cluster{Type: typ}
			byType[typ] = c
			order = append(order, typ)
		}
		c.Count++
		if f.File != "" && !contains(c.Files, f.File) {
			c.Files = append(c.Files, f.File)
		}
		if m := importPattern.FindStringSubmatch(f.Message); len(m) == 2 && !contains(c.Imports, m[1]) {
			c.Imports = append(c.Imports, m[1])
		}
		if c.Sample == "" {
			c.Sample = f.Message
		}
	}

	clusters := make([]Cluster, 0, len(order))
	for _, typ := range order {
		clusters = append(clusters, *byType[typ])
	}
	return clusters
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// architecturalModulePattern extracts the top-level module/package segment
// from a file path, used to count distinct architectural modules affected
// by a cluster.
var architecturalModulePattern = regexp.MustCompile(`^([^/]+)/`)

func architecturalModule(path string) (string, bool) {
	m := architecturalModulePattern.FindStringSubmatch(path)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Profile is the derived correction-eligibility profile, per spec.md §4.5.
type Profile struct {
	Clusters              []Cluster    `json:"clusters"`
	BlockingCount         int          `json:"blockingCount"`
	ArchitectureCollapse  bool         `json:"architectureCollapse,omitempty"`
	ArchitectureModules   []string     `json:"architectureModules,omitempty"`
	PlannerModeOverride   string       `json:"plannerModeOverride,omitempty"`
	ShouldAutoCorrect     bool         `json:"shouldAutoCorrect"`
	Reason                string       `json:"reason"`
}

// DeriveProfile builds a Profile from a Verdict's clusters, per spec.md
// §4.5: architectureCollapse is set when ≥2 affected architectural modules
// are detected, or a layer_boundary_violation cluster exists.
func DeriveProfile(v Verdict) Profile {
	clusters := Interpret(v)

	modulesSet := map[string]bool{}
	hasLayerViolation := false
	for _, c := range clusters {
		if c.Type == ClusterLayerBoundaryViolation {
			hasLayerViolation = true
		}
		for _, f := range c.Files {
			if mod, ok := architecturalModule(f); ok {
				modulesSet[mod] = true
			}
		}
	}
	modules := make([]string, 0, len(modulesSet))
	for m := range modulesSet {
		modules = append(modules, m)
	}

	collapse := len(modules) >= 2 || hasLayerViolation

	profile := Profile{
		Clusters:      clusters,
		BlockingCount: v.BlockingCount,
	}
	if collapse {
		profile.ArchitectureCollapse = true
		profile.ArchitectureModules = modules
		profile.PlannerModeOverride = "architecture_reconstruction"
	}

	if v.OK {
		profile.ShouldAutoCorrect = false
		profile.Reason = "verdict passed; no correction needed"
		return profile
	}

	if collapse {
		profile.ShouldAutoCorrect = false
		profile.Reason = "architecture collapse detected; delegating to structural reset"
		return profile
	}

	if len(clusters) == 0 {
		profile.ShouldAutoCorrect = false
		profile.Reason = "blocking failures present but no cluster could be derived"
		return profile
	}

	profile.ShouldAutoCorrect = true
	profile.Reason = "recoverable failure clusters present"
	return profile
}

// ImportSignalFromCluster extracts the best import_resolution_error
// signal from a profile's clusters, for handoff to the correction
// package's deterministic import-resolution recipe. ok=false when no
// import signal could be derived.
func ImportSignalFromCluster(p Profile) (file, specifier string, ok bool) {
	for _, c := range p.Clusters {
		if c.Type != ClusterImportResolutionError {
			continue
		}
		if len(c.Files) == 0 || len(c.Imports) == 0 {
			continue
		}
		return c.Files[0], c.Imports[0], true
	}
	return "", "", false
}

// SplitLines is a small helper mirroring the teacher's splitCommand
// tokenizer idiom: splits raw validator logs into trimmed, non-empty
// lines for building synthetic Failure records when a validator only
// emits free-text logs rather than a structured failures[] array.
func SplitLines(logs string) []string {
	raw := strings.Split(logs, "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
