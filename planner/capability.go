package planner

// Capability is a semantic capability a planning request needs, rather
// than a hardcoded provider/model name. The Facade resolves a Capability
// to a provider through a ModelRegistry before calling Complete.
//
// Adapted from the teacher's model/capability.go, generalized from
// workflow-role capabilities (planner/developer/reviewer/writer) to the
// three operations a correction-driven run engine actually issues:
// the initial plan, runtime-failure recovery, and heavy-validation
// correction.
type Capability string

const (
	// CapabilityPlanning is for the initial goal plan: high-level
	// reasoning over the whole run.
	CapabilityPlanning Capability = "planning"

	// CapabilityRuntimeRecovery is for runtime verify failures: fast,
	// narrowly-scoped fixes under tight correction budgets.
	CapabilityRuntimeRecovery Capability = "runtime_recovery"

	// CapabilityCorrection is for heavy-validation corrections:
	// architecture/test/typecheck remediation informed by a derived
	// validation profile.
	CapabilityCorrection Capability = "correction"
)

// IsValid reports whether c is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityPlanning, CapabilityRuntimeRecovery, CapabilityCorrection:
		return true
	}
	return false
}

// String returns the capability's wire representation.
func (c Capability) String() string {
	return string(c)
}
