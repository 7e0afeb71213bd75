package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/flowstate-dev/flowstate/pkg/events"
	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/store"
)

// Transfer formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// exportDocument wraps a state for cross-environment transfer.
type exportDocument struct {
	ExportedAt time.Time   `json:"exported_at"`
	Version    int64       `json:"version"`
	State      *flow.State `json:"state"`
}

// legacyStateSchema vets foreign dumps before any field is trusted. It admits
// both the current field names and the aliases older exporters used.
var legacyStateSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"flow_id":             map[string]any{"type": "string"},
		"tenant_id":           map[string]any{"type": "string"},
		"current_phase":       map[string]any{"type": "string"},
		"phase":               map[string]any{"type": "string"},
		"status":              map[string]any{"type": "string"},
		"progress_percentage": map[string]any{"type": "number", "minimum": 0, "maximum": 100},
		"phase_completion":    map[string]any{"type": "object"},
		"data":                map[string]any{"type": "object"},
		"flow_data":           map[string]any{"type": "object"},
		"errors":              map[string]any{"type": "array"},
		"warnings":            map[string]any{"type": "array"},
		"workflow_log":        map[string]any{"type": "array"},
	},
	"anyOf": []any{
		map[string]any{"required": []any{"current_phase"}},
		map[string]any{"required": []any{"phase"}},
	},
}

// Export encodes the flow's current state for transfer. Unless
// includeSensitive is set, sensitive fields are sealed in the output
// regardless of how the backend stores them, so a dump never leaks plaintext
// credentials.
func (m *Manager) Export(ctx context.Context, flowID, tenantID, format string, includeSensitive bool) (_ []byte, err error) {
	ctx, end := m.span(ctx, "manager.export", flowID, tenantID)
	defer func() { end(err) }()

	state, version, err := m.store.Load(ctx, flowID, tenantID)
	if err != nil {
		return nil, err
	}

	if !includeSensitive {
		state, err = m.codec.EncryptSensitive(state)
		if err != nil {
			return nil, err
		}
	}

	doc := exportDocument{ExportedAt: time.Now().UTC(), Version: version, State: state}

	switch format {
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	case FormatYAML:
		return marshalYAML(doc)
	default:
		return nil, store.NewError(store.KindInvalid, "Export", flowID, tenantID,
			fmt.Errorf("%w: unsupported export format %q", store.ErrInvalidState, format))
	}
}

// Import decodes a state dump, vets it against the legacy schema, maps old
// field aliases onto the current shape, and saves it as a new flow at version
// 1 under the given identifiers. The dump's own identifiers are discarded.
func (m *Manager) Import(ctx context.Context, flowID, tenantID string, blob []byte, format string) (_ *flow.State, _ int64, err error) {
	ctx, end := m.span(ctx, "manager.import", flowID, tenantID)
	defer func() { end(err) }()

	doc, err := decodeTransferBlob(blob, format)
	if err != nil {
		return nil, 0, store.NewError(store.KindSerialization, "Import", flowID, tenantID,
			fmt.Errorf("%w: %w", store.ErrSerialization, err))
	}

	// Exported blobs wrap the state in an envelope; bare dumps are the state
	// object itself.
	if inner, ok := doc["state"].(map[string]any); ok {
		doc = inner
	}

	if err = validateAgainstLegacySchema(doc); err != nil {
		return nil, 0, store.NewError(store.KindInvalid, "Import", flowID, tenantID,
			fmt.Errorf("%w: %w", store.ErrInvalidState, err))
	}

	applyLegacyAliases(doc)

	state, err := decodeState(doc)
	if err != nil {
		return nil, 0, store.NewError(store.KindSerialization, "Import", flowID, tenantID,
			fmt.Errorf("%w: %w", store.ErrSerialization, err))
	}

	state.FlowID = flowID
	state.TenantID = tenantID
	normalizeImported(state)
	state.AppendLog(state.CurrentPhase, "Imported flow state", map[string]any{"format": format})

	if err = m.validator.Validate(state); err != nil {
		return nil, 0, err
	}

	start := time.Now()
	expected := int64(0)

	version, err := m.store.Save(ctx, flowID, tenantID, state, state.CurrentPhase, &expected)
	m.observeSave(start, err)

	if err != nil {
		return nil, 0, err
	}

	m.logger.InfoContext(ctx, "Flow imported",
		"flow_id", flowID, "tenant_id", tenantID, "format", format, "phase", state.CurrentPhase)
	m.publish(ctx, flowID, events.FlowCreated{
		BaseEvent: events.NewBaseEvent(events.FlowCreatedEvent, flowID, tenantID),
		Version:   version,
		Phase:     state.CurrentPhase,
	})

	return state, version, nil
}

// decodeTransferBlob parses the blob into a generic document. YAML goes
// through a JSON round trip so both formats land on the same key names.
func decodeTransferBlob(blob []byte, format string) (map[string]any, error) {
	switch format {
	case FormatJSON:
		var doc map[string]any
		if err := json.Unmarshal(blob, &doc); err != nil {
			return nil, fmt.Errorf("parse json document: %w", err)
		}

		return doc, nil
	case FormatYAML:
		var generic any
		if err := yaml.Unmarshal(blob, &generic); err != nil {
			return nil, fmt.Errorf("parse yaml document: %w", err)
		}

		raw, err := json.Marshal(generic)
		if err != nil {
			return nil, fmt.Errorf("normalize yaml document: %w", err)
		}

		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("yaml document is not an object: %w", err)
		}

		return doc, nil
	default:
		return nil, fmt.Errorf("unsupported import format %q", format)
	}
}

func validateAgainstLegacySchema(doc map[string]any) error {
	schemaLoader := gojsonschema.NewGoLoader(legacyStateSchema)
	dataLoader := gojsonschema.NewGoLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return fmt.Errorf("schema validation failed: %s", strings.Join(problems, "; "))
	}

	return nil
}

// applyLegacyAliases maps field names from older dumps onto the current
// document shape. Canonical names win when both are present.
func applyLegacyAliases(doc map[string]any) {
	if _, ok := doc["current_phase"]; !ok {
		if phase, ok := doc["phase"]; ok {
			doc["current_phase"] = phase
		}
	}

	delete(doc, "phase")

	if _, ok := doc["data"]; !ok {
		if data, ok := doc["flow_data"]; ok {
			doc["data"] = data
		}
	}

	delete(doc, "flow_data")
}

func decodeState(doc map[string]any) (*flow.State, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	var state flow.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}

	return &state, nil
}

// normalizeImported fills the fields a minimal legacy dump may omit so the
// structural validator accepts the document. CreatedAt aligns with UpdatedAt
// when only one survived, never inverting the pair.
func normalizeImported(state *flow.State) {
	if state.CurrentPhase == "" {
		state.CurrentPhase = flow.PhaseInitialization
	}

	if state.Status == "" {
		state.Status = flow.StatusInitialized
	}

	if state.PhaseCompletion == nil {
		state.PhaseCompletion = make(map[flow.Phase]bool)
	}

	if state.Errors == nil {
		state.Errors = []flow.Entry{}
	}

	if state.Warnings == nil {
		state.Warnings = []flow.Entry{}
	}

	if state.WorkflowLog == nil {
		state.WorkflowLog = []flow.LogEntry{}
	}

	if state.Data == nil {
		state.Data = make(map[string]any)
	}

	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	if state.CreatedAt.IsZero() {
		state.CreatedAt = state.UpdatedAt
	}
}

// marshalYAML goes through the JSON form first so YAML output carries the
// same field names as the json struct tags.
func marshalYAML(doc any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	return yaml.Marshal(generic)
}
