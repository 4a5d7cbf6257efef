// Package contract implements the Execution Contract (spec.md §4.7): a
// versioned, hashed, normalized configuration bundle attached to every run.
// A mismatch between the stored hash and the hash recomputed from the
// stored effective config is always a hard CONTRACT_MISMATCH failure; a
// requested contract that differs from the persisted one is rejected
// unless override or fork is set.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/c360studio/deeprun/config"
)

// SchemaVersion is sealed into every contract's Material.
const SchemaVersion = 1

// Material is the bundle described in spec.md §3's "Execution Contract
// Material": the versions of every policy that shaped this run's plan,
// plus the normalized config and a determinism seed.
type Material struct {
	SchemaVersion             int                               `json:"schemaVersion"`
	NormalizedExecutionConfig config.NormalizedExecutionConfig `json:"normalizedExecutionConfig"`
	DeterminismPolicyVersion  string                            `json:"determinismPolicyVersion"`
	PlannerPolicyVersion      string                            `json:"plannerPolicyVersion"`
	CorrectionRecipeVersion   string                            `json:"correctionRecipeVersion"`
	ValidationPolicyVersion   string                            `json:"validationPolicyVersion"`
	RandomnessSeed            int64                             `json:"randomnessSeed"`
}

// Contract is the sealed, hashed bundle stored on an AgentRun's metadata.
type Contract struct {
	SchemaVersion   int      `json:"schemaVersion"`
	Hash            string   `json:"hash"`
	EffectiveConfig config.NormalizedExecutionConfig `json:"effectiveConfig"`
	Material        Material `json:"material"`
	FallbackUsed    bool     `json:"fallbackUsed"`
	FallbackFields  []string `json:"fallbackFields,omitempty"`
}

// policyVersions are the current versions of the planner/correction/
// validation/determinism policies this build of the kernel implements.
// Bumping any of these changes the hash of every subsequently created
// contract, by design.
var policyVersions = struct {
	Determinism string
	Planner     string
	Correction  string
	Validation  string
}{
	Determinism: "v1",
	Planner:     "v1",
	Correction:  "v1",
	Validation:  "v1",
}

// Hash computes the stable content hash of a normalized execution config.
// Fields are hashed via their canonical (alphabetically key-sorted) JSON
// encoding so that struct-field reordering in Go source never changes the
// hash — only a genuine value change does.
func Hash(cfg config.NormalizedExecutionConfig) (string, error) {
	canonical, err := canonicalize(cfg)
	if err != nil {
		return "", fmt.Errorf("canonicalize execution config: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize renders v as JSON with map keys sorted recursively — plain
// struct marshaling already emits fields in a fixed Go-source order, but we
// round-trip through a generic map so that any future map-typed field
// (e.g. a custom env overlay) still hashes deterministically.
func canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte("[")
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// Build normalizes cfg, computes its hash, and seals it with the kernel's
// current policy versions into a Contract. fallbackFields names which
// fields in cfg came from config.BuildFallback defaults rather than an
// explicit request, for observability.
func Build(cfg config.NormalizedExecutionConfig, profile string, seed int64, fallbackUsed bool, fallbackFields []string) (*Contract, error) {
	cfg.ProfileLabel = profile
	hash, err := Hash(cfg)
	if err != nil {
		return nil, err
	}
	return &Contract{
		SchemaVersion:   SchemaVersion,
		Hash:            hash,
		EffectiveConfig: cfg,
		Material: Material{
			SchemaVersion:             SchemaVersion,
			NormalizedExecutionConfig: cfg,
			DeterminismPolicyVersion:  policyVersions.Determinism,
			PlannerPolicyVersion:      policyVersions.Planner,
			CorrectionRecipeVersion:   policyVersions.Correction,
			ValidationPolicyVersion:   policyVersions.Validation,
			RandomnessSeed:            seed,
		},
		FallbackUsed:   fallbackUsed,
		FallbackFields: fallbackFields,
	}, nil
}

// ErrContractMismatch is returned by Verify when the stored hash does not
// match the hash recomputed from the stored effective config, per spec.md
// §4.7's invariant.
var ErrContractMismatch = fmt.Errorf("contract mismatch")

// Verify recomputes c's hash from its EffectiveConfig and confirms it
// equals the stored Hash. Call this on every run persistence transition,
// per spec.md §4.7.
func Verify(c *Contract) error {
	recomputed, err := Hash(c.EffectiveConfig)
	if err != nil {
		return fmt.Errorf("recompute contract hash: %w", err)
	}
	if recomputed != c.Hash {
		return fmt.Errorf("%w: stored=%s recomputed=%s", ErrContractMismatch, c.Hash, recomputed)
	}
	return nil
}

// Diff is one field-level difference found by Resolve between a persisted
// and a requested contract.
type Diff struct {
	Field    string `json:"field"`
	Persisted any   `json:"persisted"`
	Requested any   `json:"requested"`
}

// ResolveOptions controls whether a requested contract differing from the
// persisted one is accepted.
type ResolveOptions struct {
	Profile              string
	OverrideExecutionConfig bool
	Fork                  bool
}

// ErrOverrideRequired is returned by Resolve when the requested contract
// differs from the persisted one and neither override nor fork was set.
var ErrOverrideRequired = fmt.Errorf("requested contract differs from persisted; set overrideExecutionConfig or fork")

// Resolve compares a persisted contract (decoded from run metadata) against
// a freshly-requested one (envFallback used whole in place of requested
// when requested is the zero config; no per-field layering),
// per spec.md §4.7. On mismatch without override/fork it returns
// ErrOverrideRequired; Resume must map that to CONTRACT_MISMATCH.
func Resolve(persistedMetadata json.RawMessage, requested config.NormalizedExecutionConfig, envFallback config.NormalizedExecutionConfig, opts ResolveOptions) (persisted *Contract, requestedContract *Contract, diffs []Diff, err error) {
	var p Contract
	if len(persistedMetadata) > 0 {
		if err := json.Unmarshal(persistedMetadata, &p); err != nil {
			return nil, nil, nil, fmt.Errorf("decode persisted contract: %w", err)
		}
		if err := Verify(&p); err != nil {
			return nil, nil, nil, err
		}
	}

	merged := requested
	var fallbackFields []string
	if merged == (config.NormalizedExecutionConfig{}) {
		merged = envFallback
		fallbackFields = []string{"*"}
	}

	reqContract, err := Build(merged, opts.Profile, p.Material.RandomnessSeed, len(fallbackFields) > 0, fallbackFields)
	if err != nil {
		return nil, nil, nil, err
	}

	if p.Hash == "" {
		// First persistence for this run: nothing to compare against.
		return &p, reqContract, nil, nil
	}

	if reqContract.Hash == p.Hash {
		return &p, reqContract, nil, nil
	}

	diffs = diffConfigs(p.EffectiveConfig, reqContract.EffectiveConfig)
	if opts.OverrideExecutionConfig || opts.Fork {
		return &p, reqContract, diffs, nil
	}
	return &p, reqContract, diffs, ErrOverrideRequired
}

func diffConfigs(a, b config.NormalizedExecutionConfig) []Diff {
	var diffs []Diff
	if a.LightValidationMode != b.LightValidationMode {
		diffs = append(diffs, Diff{Field: "lightValidationMode", Persisted: a.LightValidationMode, Requested: b.LightValidationMode})
	}
	if a.HeavyValidationMode != b.HeavyValidationMode {
		diffs = append(diffs, Diff{Field: "heavyValidationMode", Persisted: a.HeavyValidationMode, Requested: b.HeavyValidationMode})
	}
	if a.CorrectionPolicyMode != b.CorrectionPolicyMode {
		diffs = append(diffs, Diff{Field: "correctionPolicyMode", Persisted: a.CorrectionPolicyMode, Requested: b.CorrectionPolicyMode})
	}
	if a.CorrectionConvergenceMode != b.CorrectionConvergenceMode {
		diffs = append(diffs, Diff{Field: "correctionConvergenceMode", Persisted: a.CorrectionConvergenceMode, Requested: b.CorrectionConvergenceMode})
	}
	if a.GoalMaxCorrections != b.GoalMaxCorrections {
		diffs = append(diffs, Diff{Field: "goalMaxCorrections", Persisted: a.GoalMaxCorrections, Requested: b.GoalMaxCorrections})
	}
	if a.OptimizationMaxCorrections != b.OptimizationMaxCorrections {
		diffs = append(diffs, Diff{Field: "optimizationMaxCorrections", Persisted: a.OptimizationMaxCorrections, Requested: b.OptimizationMaxCorrections})
	}
	if a.FileSession != b.FileSession {
		diffs = append(diffs, Diff{Field: "fileSession", Persisted: a.FileSession, Requested: b.FileSession})
	}
	if a.PlannerTimeout != b.PlannerTimeout {
		diffs = append(diffs, Diff{Field: "plannerTimeout", Persisted: a.PlannerTimeout, Requested: b.PlannerTimeout})
	}
	return diffs
}

// SupportEvaluation is returned by EvaluateSupport.
type SupportEvaluation struct {
	Supported bool   `json:"supported"`
	Message   string `json:"message,omitempty"`
}

// EvaluateSupport reports whether this build of the worker can execute a
// run sealed with the given Material — a worker refuses unsupported
// contracts per spec.md §4.7.
func EvaluateSupport(m Material) SupportEvaluation {
	if m.SchemaVersion > SchemaVersion {
		return SupportEvaluation{Supported: false, Message: fmt.Sprintf("contract schema v%d is newer than this worker's v%d", m.SchemaVersion, SchemaVersion)}
	}
	if m.PlannerPolicyVersion != policyVersions.Planner {
		return SupportEvaluation{Supported: false, Message: fmt.Sprintf("planner policy %s not supported by this worker (have %s)", m.PlannerPolicyVersion, policyVersions.Planner)}
	}
	if m.CorrectionRecipeVersion != policyVersions.Correction {
		return SupportEvaluation{Supported: false, Message: fmt.Sprintf("correction recipe %s not supported by this worker (have %s)", m.CorrectionRecipeVersion, policyVersions.Correction)}
	}
	if m.ValidationPolicyVersion != policyVersions.Validation {
		return SupportEvaluation{Supported: false, Message: fmt.Sprintf("validation policy %s not supported by this worker (have %s)", m.ValidationPolicyVersion, policyVersions.Validation)}
	}
	return SupportEvaluation{Supported: true}
}
