// Package graph reconstructs a nested object graph from a stream of flat,
// typed instance payloads and keeps every ancestor of a changed node fresh
// so a reference-equality renderer can detect the change.
package graph

import (
	"encoding/json"
	"fmt"
)

// Operation is the mutation kind carried by a wire payload.
type Operation string

const (
	OpCreate       Operation = "create"
	OpUpdate       Operation = "update"
	OpDelete       Operation = "delete"
	OpInitialState Operation = "initial_state"
)

// reserved wire keys that never count as scalar/relational fields.
const (
	keyID        = "id"
	keyType      = "_instance_type"
	keyOperation = "_operation"
	keyTstamp    = "_tstamp"
)

// Identity is the (type_tag, id) pair that keys an Instance in the index.
type Identity struct {
	Type string
	ID   int64
}

// Key returns the "type:id" string used as the index and reverse-reference
// map key throughout this package.
func (id Identity) Key() string {
	return fmt.Sprintf("%s:%d", id.Type, id.ID)
}

// Instance is one node of the reconstructed graph. Fields holds both scalar
// values (copied verbatim from the wire payload) and resolved relational
// values: a *Instance for a single relation, or []*Instance for a
// collection relation. Never mutate an Instance once it has been handed to
// a caller — builder.go always replaces index entries with a shallow copy.
type Instance struct {
	Type      string
	ID        int64
	Tstamp    int64
	Operation Operation
	Loaded    bool
	Fields    map[string]any
}

// Identity returns this instance's identity pair.
func (in *Instance) Identity() Identity { return Identity{Type: in.Type, ID: in.ID} }

// Key returns "type:id" for this instance.
func (in *Instance) Key() string { return in.Identity().Key() }

// clone returns a new *Instance with a fresh top-level reference and a new
// Fields map. Entries in the new map still point at the same nested
// references as the original; callers overwrite only the entries that
// actually changed. This is the sole mechanism (per spec §9) by which I3
// (upward freshness) is achieved: every ancestor gets a new identity
// without disturbing subgraphs that did not change.
func (in *Instance) clone() *Instance {
	fields := make(map[string]any, len(in.Fields))
	for k, v := range in.Fields {
		fields[k] = v
	}
	return &Instance{
		Type:      in.Type,
		ID:        in.ID,
		Tstamp:    in.Tstamp,
		Operation: in.Operation,
		Loaded:    in.Loaded,
		Fields:    fields,
	}
}

func placeholder(id Identity) *Instance {
	return &Instance{
		Type:      id.Type,
		ID:        id.ID,
		Tstamp:    0,
		Operation: OpCreate,
		Loaded:    false,
		Fields:    map[string]any{},
	}
}

// ModelMap maps each type_tag to a mapping from property name to the
// type_tag of the entity it references. Any payload property absent from
// the inner map for its type is a scalar field and is stored verbatim.
type ModelMap map[string]map[string]string

// relationTarget reports whether property is a relational field on typeTag
// and, if so, the target type_tag it points at.
func (m ModelMap) relationTarget(typeTag, property string) (string, bool) {
	rels, ok := m[typeTag]
	if !ok {
		return "", false
	}
	target, ok := rels[property]
	return target, ok
}

// Payload is one element of an inbound instance batch. Reserved wire keys
// (id, _instance_type, _operation, _tstamp) are pulled out of the raw JSON
// object; everything else lands in Fields, where each value is either a
// float64/string/bool/nil (scalar), a number (single relation id), or
// an array of numbers (collection relation ids) — distinguished from
// scalars only by looking the property up in the ModelMap.
type Payload struct {
	ID        int64
	Type      string
	Operation Operation
	Tstamp    int64
	Fields    map[string]any
}

// UnmarshalJSON implements flat-payload parsing: every JSON object key
// that isn't one of the four reserved identity/metadata keys is copied
// into Fields verbatim.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("graph: decode payload: %w", err)
	}

	if v, ok := raw[keyID]; ok {
		if err := json.Unmarshal(v, &p.ID); err != nil {
			return fmt.Errorf("graph: decode payload id: %w", err)
		}
		delete(raw, keyID)
	}
	if v, ok := raw[keyType]; ok {
		if err := json.Unmarshal(v, &p.Type); err != nil {
			return fmt.Errorf("graph: decode payload _instance_type: %w", err)
		}
		delete(raw, keyType)
	}
	if v, ok := raw[keyOperation]; ok {
		if err := json.Unmarshal(v, &p.Operation); err != nil {
			return fmt.Errorf("graph: decode payload _operation: %w", err)
		}
		delete(raw, keyOperation)
	}
	if v, ok := raw[keyTstamp]; ok {
		if err := json.Unmarshal(v, &p.Tstamp); err != nil {
			return fmt.Errorf("graph: decode payload _tstamp: %w", err)
		}
		delete(raw, keyTstamp)
	}

	p.Fields = make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("graph: decode payload field %q: %w", k, err)
		}
		p.Fields[k] = val
	}

	return nil
}

// ErrorKind enumerates the engine-level error conditions from spec.md §7
// that originate in this package.
type ErrorKind string

const (
	ErrAnchorTypeMismatch ErrorKind = "ANCHOR_TYPE_MISMATCH"
	ErrInstanceNotFound   ErrorKind = "INSTANCE_NOT_FOUND"
)

// Error is the typed error returned by Builder operations, so callers can
// errors.As instead of matching on message strings.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Msg }

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
