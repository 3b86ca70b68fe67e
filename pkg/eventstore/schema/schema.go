// Package schema validates incident-event payloads against per-kind JSON
// Schema documents, implementing the "explicit schema_version field, not
// open extension" forward-compatibility rule of spec.md Design Notes §9.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/apperrors"
)

// Registry compiles and caches one JSON Schema per (event kind, schema
// version) pair.
type Registry struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
	docs     map[string]map[string]any
}

// NewRegistry constructs a Registry pre-loaded with the built-in schema
// documents for every closed event kind at schema version 1.
func NewRegistry() *Registry {
	r := &Registry{
		compiled: make(map[string]*jsonschema.Schema),
		docs:     make(map[string]map[string]any),
	}
	for kind, doc := range builtinSchemas {
		r.Register(kind, 1, doc)
	}
	return r
}

// Register adds or replaces the schema document for kind/version.
func (r *Registry) Register(kind incident.EventKind, version int, doc map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[key(kind, version)] = doc
	delete(r.compiled, key(kind, version)) // recompile lazily
}

// Validate checks payload against the schema registered for kind/version.
// Unknown kinds or versions are accepted without validation (forward
// compatibility for payload generations this process predates).
func (r *Registry) Validate(kind incident.EventKind, version int, payload json.RawMessage) error {
	k := key(kind, version)

	r.mu.RLock()
	compiled, ok := r.compiled[k]
	r.mu.RUnlock()
	if !ok {
		doc, exists := r.lookupDoc(k)
		if !exists {
			return nil
		}
		sch, err := compile(doc)
		if err != nil {
			return apperrors.Wrap(apperrors.KindValidationError, fmt.Sprintf("compile schema for %s v%d", kind, version), err)
		}
		r.mu.Lock()
		r.compiled[k] = sch
		r.mu.Unlock()
		compiled = sch
	}

	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return apperrors.Wrap(apperrors.KindValidationError, "payload is not valid JSON", err)
	}
	if err := compiled.Validate(instance); err != nil {
		return apperrors.Wrap(apperrors.KindValidationError, fmt.Sprintf("payload does not satisfy schema for %s v%d", kind, version), err)
	}
	return nil
}

func (r *Registry) lookupDoc(k string) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[k]
	return doc, ok
}

func key(kind incident.EventKind, version int) string {
	return fmt.Sprintf("%s@%d", kind, version)
}

func compile(doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	unmarshaled, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	const resourceURL = "mem://schema.json"
	if err := c.AddResource(resourceURL, unmarshaled); err != nil {
		return nil, err
	}
	return c.Compile(resourceURL)
}

// builtinSchemas holds minimal required-field schemas for each closed
// event kind, enough to reject malformed writes while tolerating unknown
// extra keys on read per the forward-compatibility rule.
var builtinSchemas = map[incident.EventKind]map[string]any{
	incident.EventIncidentStarted: {
		"type":     "object",
		"required": []any{"kind", "severity", "submitting_actor", "description"},
	},
	incident.EventAgentAssigned: {
		"type":     "object",
		"required": []any{"agent_kind", "level"},
	},
	incident.EventAgentProgress: {
		"type":     "object",
		"required": []any{"agent_kind", "stage"},
	},
	incident.EventAgentCompleted: {
		"type":     "object",
		"required": []any{"agent_kind", "result"},
	},
	incident.EventAgentFailed: {
		"type":     "object",
		"required": []any{"agent_kind", "failure_reason"},
	},
	incident.EventConsensusReached: {
		"type":     "object",
		"required": []any{"decision"},
	},
	incident.EventActionProposed: {
		"type":     "object",
		"required": []any{"action"},
	},
	incident.EventActionExecuted: {
		"type":     "object",
		"required": []any{"action", "outcome"},
	},
	incident.EventActionRolledBack: {
		"type":     "object",
		"required": []any{"action", "reason"},
	},
	incident.EventEscalated: {
		"type":     "object",
		"required": []any{"reason"},
	},
	incident.EventResolutionComplete: {
		"type":     "object",
		"required": []any{"action"},
	},
	incident.EventFailed: {
		"type":     "object",
		"required": []any{"reason"},
	},
	incident.EventMetricsRecomputed: {
		"type":     "object",
		"required": []any{"mttr_seconds", "success_rate", "efficiency_score"},
	},
}
