// Package interchange defines the canonical bundle document that every
// other component consumes: an ordered sequence of constructs plus bundle
// identity and version, decoded from JSON with a `kind` discriminator.
package interchange

import "encoding/json"

// Bundle is the top-level interchange document.
type Bundle struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Tenor        string         `json:"tenor"`
	TenorVersion string         `json:"tenor_version"`
	Constructs   []Construct    `json:"constructs"`
	Trust        *TrustMetadata `json:"trust,omitempty"`
}

// TrustMetadata attests provenance of the bundle itself. The core carries
// it through unchanged; verification is a platform concern.
type TrustMetadata struct {
	BundleAttestation string `json:"bundle_attestation,omitempty"`
	TrustDomain       string `json:"trust_domain,omitempty"`
	AttestationFormat string `json:"attestation_format,omitempty"`
	SignerPublicKey   string `json:"signer_public_key,omitempty"`
}

// SourcePos records where a construct was declared in the source file.
type SourcePos struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// Construct is one top-level element of a bundle. Exactly one of the
// typed fields is non-nil, matching Kind.
type Construct struct {
	Kind      string
	Fact      *Fact
	Entity    *Entity
	Persona   *Persona
	Rule      *Rule
	Operation *Operation
	Flow      *Flow
	Source    *Source
	System    *System
	TypeDecl  *TypeDecl
}

// ID returns the construct's identifier regardless of kind.
func (c Construct) ID() string {
	switch {
	case c.Fact != nil:
		return c.Fact.ID
	case c.Entity != nil:
		return c.Entity.ID
	case c.Persona != nil:
		return c.Persona.ID
	case c.Rule != nil:
		return c.Rule.ID
	case c.Operation != nil:
		return c.Operation.ID
	case c.Flow != nil:
		return c.Flow.ID
	case c.Source != nil:
		return c.Source.ID
	case c.System != nil:
		return c.System.ID
	case c.TypeDecl != nil:
		return c.TypeDecl.ID
	}
	return ""
}

// Fact binds an external field to a typed input slot, optionally with a
// default literal.
type Fact struct {
	ID      string
	Type    json.RawMessage
	Source  json.RawMessage
	Default json.RawMessage
	Pos     *SourcePos
	Tenor   string
}

// Transition is one legal entity state transition.
type Transition struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Entity declares a state machine: an ordered state set, an initial
// state, and the legal transitions.
type Entity struct {
	ID          string
	States      []string
	Initial     string
	Transitions []Transition
	Parent      string
	Pos         *SourcePos
	Tenor       string
}

// Persona is an opaque role marker.
type Persona struct {
	ID    string
	Pos   *SourcePos
	Tenor string
}

// Rule carries a stratum and an undecoded body (when / produce); the
// evaluation loader decodes the body into the predicate AST.
type Rule struct {
	ID      string
	Stratum int
	Body    json.RawMessage
	Pos     *SourcePos
	Tenor   string
}

// Effect is one declared entity-state transition of an operation.
type Effect struct {
	EntityID string `json:"entity_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Outcome  string `json:"outcome,omitempty"`
}

// Operation is a persona-gated, precondition-guarded set of effects.
type Operation struct {
	ID              string
	AllowedPersonas []string
	Precondition    json.RawMessage
	Effects         []Effect
	Outcomes        []string
	ErrorContract   []string
	Pos             *SourcePos
	Tenor           string
}

// Flow is a state-machine over steps, entered at Entry. Steps stay as raw
// JSON at this layer; the evaluation loader decodes them.
type Flow struct {
	ID       string
	Entry    string
	Snapshot string
	Steps    []json.RawMessage
	Pos      *SourcePos
	Tenor    string
}

// Source describes an external data system.
type Source struct {
	ID          string
	Protocol    string
	Fields      map[string]string
	Description string
	Pos         *SourcePos
	Tenor       string
}

// SystemMember names one member contract of a System.
type SystemMember struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// SharedPersona shares a persona across member contracts.
type SharedPersona struct {
	Persona   string   `json:"persona"`
	Contracts []string `json:"contracts"`
}

// SharedEntity shares an entity across member contracts.
type SharedEntity struct {
	Entity    string   `json:"entity"`
	Contracts []string `json:"contracts"`
}

// FlowTrigger wires a flow outcome in one contract to a flow start in
// another.
type FlowTrigger struct {
	SourceContract string `json:"source_contract"`
	SourceFlow     string `json:"source_flow"`
	On             string `json:"on"`
	TargetContract string `json:"target_contract"`
	TargetFlow     string `json:"target_flow"`
	Persona        string `json:"persona"`
}

// System composes member contracts with shared personas, entities and
// cross-contract triggers.
type System struct {
	ID             string
	Members        []SystemMember
	SharedPersonas []SharedPersona
	SharedEntities []SharedEntity
	FlowTriggers   []FlowTrigger
	Pos            *SourcePos
	Tenor          string
}

// TypeDecl names a reusable type.
type TypeDecl struct {
	ID    string
	Type  json.RawMessage
	Pos   *SourcePos
	Tenor string
}
