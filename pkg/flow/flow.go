// Package flow defines the core domain model for multi-phase data-processing flows
package flow

// Phase identifies a stage in the fixed progression of a flow.
type Phase string

const (
	PhaseInitialization Phase = "initialization"
	PhaseDataImport     Phase = "data_import"
	PhaseDiscovery      Phase = "discovery"
	PhaseAssessment     Phase = "assessment"
	PhaseFieldMapping   Phase = "field_mapping"
	PhaseTransformation Phase = "transformation"
	PhaseValidation     Phase = "validation"
	PhaseCompleted      Phase = "completed"
)

// phaseOrder is the canonical progression. A flow may only advance to the
// phase immediately following its current one.
var phaseOrder = []Phase{
	PhaseInitialization,
	PhaseDataImport,
	PhaseDiscovery,
	PhaseAssessment,
	PhaseFieldMapping,
	PhaseTransformation,
	PhaseValidation,
	PhaseCompleted,
}

// phaseProgress maps each phase to its fixed progress percentage.
var phaseProgress = map[Phase]float64{
	PhaseInitialization: 0,
	PhaseDataImport:     15,
	PhaseDiscovery:      30,
	PhaseAssessment:     45,
	PhaseFieldMapping:   60,
	PhaseTransformation: 75,
	PhaseValidation:     90,
	PhaseCompleted:      100,
}

// Phases returns the ordered phase progression.
func Phases() []Phase {
	ordered := make([]Phase, len(phaseOrder))
	copy(ordered, phaseOrder)

	return ordered
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseProgress[p]

	return ok
}

// Progress returns the fixed progress percentage for the phase, 0 for
// unknown phases.
func (p Phase) Progress() float64 {
	return phaseProgress[p]
}

// Next returns the phase immediately following p. The second return value is
// false when p is terminal or unknown.
func (p Phase) Next() (Phase, bool) {
	for i, phase := range phaseOrder {
		if phase == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1], true
		}
	}

	return "", false
}

// Status represents the lifecycle state of a flow.
type Status string

const (
	StatusInitialized        Status = "initialized"
	StatusRunning            Status = "running"
	StatusPaused             Status = "paused"
	StatusWaitingForApproval Status = "waiting_for_approval"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed" // Recoverable, see pkg/recovery
	StatusCancelled          Status = "cancelled"
)

var knownStatuses = map[Status]bool{
	StatusInitialized:        true,
	StatusRunning:            true,
	StatusPaused:             true,
	StatusWaitingForApproval: true,
	StatusCompleted:          true,
	StatusFailed:             true,
	StatusCancelled:          true,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return knownStatuses[s]
}

// Terminal reports whether the flow reached an end state that admits no
// further phase transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}
