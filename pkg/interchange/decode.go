package interchange

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SupportedMajor is the highest interchange major version this library
// decodes. Bundles from a later major are rejected up front.
const SupportedMajor = 1

// MissingFieldError reports a required bundle-level field that is absent.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("bundle missing required field: '%s'", e.Field)
}

// ConstructError reports a known-kind construct missing required fields.
type ConstructError struct {
	Kind    string
	ID      string
	Message string
}

func (e *ConstructError) Error() string {
	return fmt.Sprintf("%s '%s': %s", e.Kind, e.ID, e.Message)
}

// VersionError reports an unsupported tenor_version.
type VersionError struct {
	Version string
	Reason  string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("unsupported tenor_version %q: %s", e.Version, e.Reason)
}

// Decode parses interchange JSON into a typed Bundle.
//
// Unknown construct kinds are skipped for forward compatibility. Known
// kinds with missing required fields fail with a ConstructError.
func Decode(data []byte) (*Bundle, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("interchange: invalid JSON: %w", err)
	}
	return decodeBundle(raw)
}

func decodeBundle(raw map[string]json.RawMessage) (*Bundle, error) {
	b := &Bundle{}

	id, ok := stringField(raw, "id")
	if !ok {
		return nil, &MissingFieldError{Field: "id"}
	}
	b.ID = id
	b.Kind, _ = stringField(raw, "kind")
	b.Tenor, _ = stringField(raw, "tenor")
	b.TenorVersion, _ = stringField(raw, "tenor_version")

	if b.TenorVersion != "" {
		if v, err := semver.NewVersion(b.TenorVersion); err == nil {
			if v.Major() > SupportedMajor {
				return nil, &VersionError{
					Version: b.TenorVersion,
					Reason:  fmt.Sprintf("major %d exceeds supported major %d", v.Major(), SupportedMajor),
				}
			}
		}
	}

	rawConstructs, ok := raw["constructs"]
	if !ok {
		return nil, &MissingFieldError{Field: "constructs"}
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(rawConstructs, &items); err != nil {
		return nil, &MissingFieldError{Field: "constructs"}
	}

	for _, obj := range items {
		kind, _ := stringField(obj, "kind")
		c, err := decodeConstruct(kind, obj)
		if err != nil {
			return nil, err
		}
		if c != nil {
			b.Constructs = append(b.Constructs, *c)
		}
	}

	if rawTrust, ok := raw["trust"]; ok && string(rawTrust) != "null" {
		var trust TrustMetadata
		if err := json.Unmarshal(rawTrust, &trust); err != nil {
			return nil, fmt.Errorf("interchange: invalid trust metadata: %w", err)
		}
		b.Trust = &trust
	}

	return b, nil
}

func decodeConstruct(kind string, obj map[string]json.RawMessage) (*Construct, error) {
	switch kind {
	case "Fact":
		f, err := decodeFact(obj)
		if err != nil {
			return nil, err
		}
		return &Construct{Kind: kind, Fact: f}, nil
	case "Entity":
		e, err := decodeEntity(obj)
		if err != nil {
			return nil, err
		}
		return &Construct{Kind: kind, Entity: e}, nil
	case "Persona":
		p, err := decodePersona(obj)
		if err != nil {
			return nil, err
		}
		return &Construct{Kind: kind, Persona: p}, nil
	case "Rule":
		r, err := decodeRule(obj)
		if err != nil {
			return nil, err
		}
		return &Construct{Kind: kind, Rule: r}, nil
	case "Operation":
		op, err := decodeOperation(obj)
		if err != nil {
			return nil, err
		}
		return &Construct{Kind: kind, Operation: op}, nil
	case "Flow":
		fl, err := decodeFlow(obj)
		if err != nil {
			return nil, err
		}
		return &Construct{Kind: kind, Flow: fl}, nil
	case "Source":
		s, err := decodeSource(obj)
		if err != nil {
			return nil, err
		}
		return &Construct{Kind: kind, Source: s}, nil
	case "System":
		s, err := decodeSystem(obj)
		if err != nil {
			return nil, err
		}
		return &Construct{Kind: kind, System: s}, nil
	case "TypeDecl":
		td, err := decodeTypeDecl(obj)
		if err != nil {
			return nil, err
		}
		return &Construct{Kind: kind, TypeDecl: td}, nil
	default:
		// Forward compatibility: unknown kinds are skipped.
		return nil, nil
	}
}

func stringField(obj map[string]json.RawMessage, field string) (string, bool) {
	raw, ok := obj[field]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func requiredID(obj map[string]json.RawMessage, kind string) (string, error) {
	id, ok := stringField(obj, "id")
	if !ok {
		return "", &ConstructError{Kind: kind, ID: "", Message: "missing 'id' field"}
	}
	return id, nil
}

func decodePos(obj map[string]json.RawMessage) *SourcePos {
	raw, ok := obj["provenance"]
	if !ok {
		return nil
	}
	var pos SourcePos
	if err := json.Unmarshal(raw, &pos); err != nil {
		return nil
	}
	if pos.File == "" {
		return nil
	}
	return &pos
}

func decodeFact(obj map[string]json.RawMessage) (*Fact, error) {
	id, err := requiredID(obj, "Fact")
	if err != nil {
		return nil, err
	}
	f := &Fact{ID: id, Pos: decodePos(obj)}
	f.Tenor, _ = stringField(obj, "tenor")
	f.Type = obj["type"]
	f.Source = obj["source"]
	if d, ok := obj["default"]; ok && string(d) != "null" {
		f.Default = d
	}
	return f, nil
}

func decodeEntity(obj map[string]json.RawMessage) (*Entity, error) {
	id, err := requiredID(obj, "Entity")
	if err != nil {
		return nil, err
	}
	e := &Entity{ID: id, Pos: decodePos(obj)}
	e.Tenor, _ = stringField(obj, "tenor")

	rawStates, ok := obj["states"]
	if !ok {
		return nil, &ConstructError{Kind: "Entity", ID: id, Message: "missing 'states' array"}
	}
	if err := json.Unmarshal(rawStates, &e.States); err != nil {
		return nil, &ConstructError{Kind: "Entity", ID: id, Message: "missing 'states' array"}
	}

	initial, ok := stringField(obj, "initial")
	if !ok {
		return nil, &ConstructError{Kind: "Entity", ID: id, Message: "missing 'initial' field"}
	}
	e.Initial = initial

	if rawTrans, ok := obj["transitions"]; ok {
		if err := json.Unmarshal(rawTrans, &e.Transitions); err != nil {
			return nil, &ConstructError{Kind: "Entity", ID: id, Message: "invalid 'transitions' array"}
		}
	}
	e.Parent, _ = stringField(obj, "parent")
	return e, nil
}

func decodePersona(obj map[string]json.RawMessage) (*Persona, error) {
	id, err := requiredID(obj, "Persona")
	if err != nil {
		return nil, err
	}
	p := &Persona{ID: id, Pos: decodePos(obj)}
	p.Tenor, _ = stringField(obj, "tenor")
	return p, nil
}

func decodeRule(obj map[string]json.RawMessage) (*Rule, error) {
	id, err := requiredID(obj, "Rule")
	if err != nil {
		return nil, err
	}
	r := &Rule{ID: id, Pos: decodePos(obj)}
	r.Tenor, _ = stringField(obj, "tenor")

	rawStratum, ok := obj["stratum"]
	if !ok {
		return nil, &ConstructError{Kind: "Rule", ID: id, Message: "missing 'stratum' field"}
	}
	if err := json.Unmarshal(rawStratum, &r.Stratum); err != nil || r.Stratum < 0 {
		return nil, &ConstructError{Kind: "Rule", ID: id, Message: "invalid 'stratum' field"}
	}

	body, ok := obj["body"]
	if !ok {
		return nil, &ConstructError{Kind: "Rule", ID: id, Message: "missing 'body' field"}
	}
	r.Body = body
	return r, nil
}

func decodeOperation(obj map[string]json.RawMessage) (*Operation, error) {
	id, err := requiredID(obj, "Operation")
	if err != nil {
		return nil, err
	}
	op := &Operation{ID: id, Pos: decodePos(obj)}
	op.Tenor, _ = stringField(obj, "tenor")

	if raw, ok := obj["allowed_personas"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &op.AllowedPersonas); err != nil {
			return nil, &ConstructError{Kind: "Operation", ID: id, Message: "invalid 'allowed_personas'"}
		}
	}
	if raw, ok := obj["precondition"]; ok && string(raw) != "null" {
		op.Precondition = raw
	}
	if raw, ok := obj["effects"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &op.Effects); err != nil {
			return nil, &ConstructError{Kind: "Operation", ID: id, Message: "invalid 'effects'"}
		}
	}
	if raw, ok := obj["outcomes"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &op.Outcomes); err != nil {
			return nil, &ConstructError{Kind: "Operation", ID: id, Message: "invalid 'outcomes'"}
		}
	}
	if raw, ok := obj["error_contract"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &op.ErrorContract); err != nil {
			return nil, &ConstructError{Kind: "Operation", ID: id, Message: "invalid 'error_contract'"}
		}
	}
	return op, nil
}

func decodeFlow(obj map[string]json.RawMessage) (*Flow, error) {
	id, err := requiredID(obj, "Flow")
	if err != nil {
		return nil, err
	}
	fl := &Flow{ID: id, Pos: decodePos(obj)}
	fl.Tenor, _ = stringField(obj, "tenor")

	entry, ok := stringField(obj, "entry")
	if !ok {
		return nil, &ConstructError{Kind: "Flow", ID: id, Message: "missing 'entry' field"}
	}
	fl.Entry = entry

	if raw, ok := obj["steps"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &fl.Steps); err != nil {
			return nil, &ConstructError{Kind: "Flow", ID: id, Message: "invalid 'steps' array"}
		}
	}
	fl.Snapshot, _ = stringField(obj, "snapshot")
	if fl.Snapshot == "" {
		fl.Snapshot = "at_initiation"
	}
	return fl, nil
}

func decodeSource(obj map[string]json.RawMessage) (*Source, error) {
	id, err := requiredID(obj, "Source")
	if err != nil {
		return nil, err
	}
	protocol, ok := stringField(obj, "protocol")
	if !ok {
		return nil, &ConstructError{Kind: "Source", ID: id, Message: "missing 'protocol' field"}
	}
	s := &Source{ID: id, Protocol: protocol, Pos: decodePos(obj), Fields: map[string]string{}}
	s.Tenor, _ = stringField(obj, "tenor")
	if raw, ok := obj["fields"]; ok && string(raw) != "null" {
		_ = json.Unmarshal(raw, &s.Fields)
	}
	s.Description, _ = stringField(obj, "description")
	return s, nil
}

func decodeSystem(obj map[string]json.RawMessage) (*System, error) {
	id, err := requiredID(obj, "System")
	if err != nil {
		return nil, err
	}
	s := &System{ID: id, Pos: decodePos(obj)}
	s.Tenor, _ = stringField(obj, "tenor")
	if raw, ok := obj["members"]; ok {
		_ = json.Unmarshal(raw, &s.Members)
	}
	if raw, ok := obj["shared_personas"]; ok {
		_ = json.Unmarshal(raw, &s.SharedPersonas)
	}
	if raw, ok := obj["shared_entities"]; ok {
		_ = json.Unmarshal(raw, &s.SharedEntities)
	}
	if raw, ok := obj["triggers"]; ok {
		_ = json.Unmarshal(raw, &s.FlowTriggers)
	}
	return s, nil
}

func decodeTypeDecl(obj map[string]json.RawMessage) (*TypeDecl, error) {
	id, err := requiredID(obj, "TypeDecl")
	if err != nil {
		return nil, err
	}
	td := &TypeDecl{ID: id, Pos: decodePos(obj)}
	td.Tenor, _ = stringField(obj, "tenor")
	td.Type = obj["type"]
	return td, nil
}
