package flow

import "time"

// LogEntry is one append-only record in a flow's workflow log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Phase     Phase          `json:"phase"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Entry records an error or warning raised while processing a flow.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Phase     Phase     `json:"phase"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
}

// State is the complete persisted document for one flow of one tenant.
// Structural fields are typed; Data carries the open domain payload
// (raw_data, field_mappings, credentials, ...).
type State struct {
	FlowID             string         `json:"flow_id"   validate:"required"`
	TenantID           string         `json:"tenant_id" validate:"required"`
	CurrentPhase       Phase          `json:"current_phase"`
	Status             Status         `json:"status"`
	ProgressPercentage float64        `json:"progress_percentage" validate:"gte=0,lte=100"`
	PhaseCompletion    map[Phase]bool `json:"phase_completion"`
	Errors             []Entry        `json:"errors"`
	Warnings           []Entry        `json:"warnings"`
	WorkflowLog        []LogEntry     `json:"workflow_log"`
	Data               map[string]any `json:"data"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// NewState returns a valid initial state for the given flow and tenant:
// initialization phase, initialized status, empty collections.
func NewState(flowID, tenantID string) *State {
	now := time.Now().UTC()

	return &State{
		FlowID:             flowID,
		TenantID:           tenantID,
		CurrentPhase:       PhaseInitialization,
		Status:             StatusInitialized,
		ProgressPercentage: 0,
		PhaseCompletion:    make(map[Phase]bool),
		Errors:             []Entry{},
		Warnings:           []Entry{},
		WorkflowLog:        []LogEntry{},
		Data:               make(map[string]any),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Clone returns a deep copy. Mutating the copy never affects the original.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}

	clone := *s

	clone.PhaseCompletion = make(map[Phase]bool, len(s.PhaseCompletion))
	for phase, done := range s.PhaseCompletion {
		clone.PhaseCompletion[phase] = done
	}

	clone.Errors = cloneEntries(s.Errors)
	clone.Warnings = cloneEntries(s.Warnings)

	clone.WorkflowLog = make([]LogEntry, len(s.WorkflowLog))
	for i, entry := range s.WorkflowLog {
		clone.WorkflowLog[i] = entry
		clone.WorkflowLog[i].Details = cloneMap(entry.Details)
	}

	clone.Data = cloneMap(s.Data)

	return &clone
}

func cloneEntries(entries []Entry) []Entry {
	cloned := make([]Entry, len(entries))
	copy(cloned, entries)

	return cloned
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	cloned := make(map[string]any, len(m))
	for key, value := range m {
		cloned[key] = cloneValue(value)
	}

	return cloned
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		cloned := make([]any, len(typed))
		for i, item := range typed {
			cloned[i] = cloneValue(item)
		}

		return cloned
	default:
		return value
	}
}

// AppendLog appends a timestamped workflow log entry and touches UpdatedAt.
func (s *State) AppendLog(phase Phase, message string, details map[string]any) {
	now := time.Now().UTC()
	s.WorkflowLog = append(s.WorkflowLog, LogEntry{
		Timestamp: now,
		Phase:     phase,
		Message:   message,
		Details:   details,
	})
	s.UpdatedAt = now
}

// RecordError appends a timestamped error entry and touches UpdatedAt.
func (s *State) RecordError(phase Phase, code, message string) {
	now := time.Now().UTC()
	s.Errors = append(s.Errors, Entry{
		Timestamp: now,
		Phase:     phase,
		Code:      code,
		Message:   message,
	})
	s.UpdatedAt = now
}

// RecordWarning appends a timestamped warning entry and touches UpdatedAt.
func (s *State) RecordWarning(phase Phase, code, message string) {
	now := time.Now().UTC()
	s.Warnings = append(s.Warnings, Entry{
		Timestamp: now,
		Phase:     phase,
		Code:      code,
		Message:   message,
	})
	s.UpdatedAt = now
}

// MarkPhaseComplete records that the given phase finished.
func (s *State) MarkPhaseComplete(phase Phase) {
	if s.PhaseCompletion == nil {
		s.PhaseCompletion = make(map[Phase]bool)
	}

	s.PhaseCompletion[phase] = true
	s.UpdatedAt = time.Now().UTC()
}
