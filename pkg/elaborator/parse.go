package elaborator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// sourceDoc mirrors the YAML surface syntax. Sections stay as yaml.Node
// so each item's source line survives into construct provenance.
type sourceDoc struct {
	Contract   string      `yaml:"contract"`
	Imports    []string    `yaml:"imports"`
	Facts      []yaml.Node `yaml:"facts"`
	Personas   yaml.Node   `yaml:"personas"`
	Entities   []yaml.Node `yaml:"entities"`
	Types      []yaml.Node `yaml:"types"`
	Sources    []yaml.Node `yaml:"sources"`
	Rules      []yaml.Node `yaml:"rules"`
	Operations []yaml.Node `yaml:"operations"`
	Flows      []yaml.Node `yaml:"flows"`
}

// ParseFile runs pass 1: reads the UTF-8 source, parses every construct
// declaration, and resolves imports relative to the file. Any import
// whose canonical path escapes the root directory of the initial source
// is rejected.
func ParseFile(path string) (*SourceUnit, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, parseErr(path, 0, "cannot resolve path: %v", err)
	}
	root := filepath.Dir(abs)
	unit := &SourceUnit{}
	visited := make(map[string]bool)
	if err := parseInto(unit, abs, root, visited); err != nil {
		return nil, err
	}
	return unit, nil
}

func parseErr(file string, line int, format string, args ...any) error {
	return &Error{
		Pass:    "parse",
		Kind:    KindParseError,
		File:    file,
		Line:    line,
		Message: fmt.Sprintf(format, args...),
	}
}

func parseInto(unit *SourceUnit, path, root string, visited map[string]bool) error {
	canonical, err := filepath.Abs(path)
	if err != nil {
		return parseErr(path, 0, "cannot resolve path: %v", err)
	}
	if visited[canonical] {
		return nil
	}
	visited[canonical] = true

	rel, err := filepath.Rel(root, canonical)
	if err != nil || strings.HasPrefix(rel, "..") {
		return parseErr(path, 0, "import escapes the source root directory")
	}

	data, err := os.ReadFile(canonical)
	if err != nil {
		return parseErr(path, 0, "cannot read source: %v", err)
	}

	var doc sourceDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return parseErr(displayName(root, canonical), 0, "invalid source document: %v", err)
	}
	file := displayName(root, canonical)

	// Imports first, so the importing file's declarations win index
	// positions after its dependencies (declaration order is stable).
	for _, imp := range doc.Imports {
		target := filepath.Join(filepath.Dir(canonical), imp)
		if err := parseInto(unit, target, root, visited); err != nil {
			return err
		}
	}

	if doc.Contract != "" && unit.ContractID == "" {
		unit.ContractID = doc.Contract
	}

	if err := parseFacts(unit, &doc, file); err != nil {
		return err
	}
	if err := parsePersonas(unit, &doc, file); err != nil {
		return err
	}
	if err := parseEntities(unit, &doc, file); err != nil {
		return err
	}
	if err := parseTypeDecls(unit, &doc, file); err != nil {
		return err
	}
	if err := parseSources(unit, &doc, file); err != nil {
		return err
	}
	if err := parseRules(unit, &doc, file); err != nil {
		return err
	}
	if err := parseOperations(unit, &doc, file); err != nil {
		return err
	}
	if err := parseFlows(unit, &doc, file); err != nil {
		return err
	}
	return nil
}

func displayName(root, canonical string) string {
	if rel, err := filepath.Rel(root, canonical); err == nil {
		return rel
	}
	return canonical
}

func parseFacts(unit *SourceUnit, doc *sourceDoc, file string) error {
	for i := range doc.Facts {
		node := &doc.Facts[i]
		var raw struct {
			ID      string    `yaml:"id"`
			Type    SrcType   `yaml:"type"`
			Source  string    `yaml:"source"`
			Default yaml.Node `yaml:"default"`
		}
		if err := node.Decode(&raw); err != nil {
			return parseErr(file, node.Line, "invalid fact declaration: %v", err)
		}
		if raw.ID == "" {
			return parseErr(file, node.Line, "fact missing 'id'")
		}
		if raw.Type.Base == "" {
			return parseErr(file, node.Line, "fact '%s' missing 'type'", raw.ID)
		}
		decl := FactDecl{
			ID:     raw.ID,
			Type:   raw.Type,
			Source: raw.Source,
			Pos:    Pos{File: file, Line: node.Line},
		}
		if raw.Default.Kind != 0 && raw.Default.Tag != "!!null" {
			lit, err := parseLitNode(&raw.Default, raw.Type)
			if err != nil {
				return parseErr(file, raw.Default.Line, "fact '%s' default: %v", raw.ID, err)
			}
			decl.Default = &lit
		}
		unit.Facts = append(unit.Facts, decl)
	}
	return nil
}

// parseLitNode reads a scalar default literal guided by the declared
// type; money accepts the "USD 12.50" form.
func parseLitNode(node *yaml.Node, ts SrcType) (Lit, error) {
	if node.Kind != yaml.ScalarNode {
		return Lit{}, fmt.Errorf("default must be a scalar")
	}
	text := node.Value
	switch ts.Base {
	case "Bool":
		return Lit{Kind: "bool", Bool: text == "true"}, nil
	case "Int":
		term, err := numberTerm(text)
		if err != nil {
			return Lit{}, err
		}
		lit := term.(TermLit).Lit
		if lit.Kind != "int" {
			return Lit{}, fmt.Errorf("expected integer literal, got %q", text)
		}
		return lit, nil
	case "Decimal":
		return Lit{Kind: "decimal", Text: text}, nil
	case "Money":
		parts := strings.Fields(text)
		if len(parts) != 2 {
			return Lit{}, fmt.Errorf("money default must be \"CUR amount\", got %q", text)
		}
		return Lit{Kind: "money", Currency: parts[0], Text: parts[1]}, nil
	}
	return Lit{Kind: "text", Text: text}, nil
}

func parsePersonas(unit *SourceUnit, doc *sourceDoc, file string) error {
	if doc.Personas.Kind == 0 {
		return nil
	}
	var names []string
	if err := doc.Personas.Decode(&names); err != nil {
		return parseErr(file, doc.Personas.Line, "personas must be a list of names: %v", err)
	}
	for _, name := range names {
		unit.Personas = append(unit.Personas, PersonaDecl{
			ID:  name,
			Pos: Pos{File: file, Line: doc.Personas.Line},
		})
	}
	return nil
}

func parseEntities(unit *SourceUnit, doc *sourceDoc, file string) error {
	for i := range doc.Entities {
		node := &doc.Entities[i]
		var raw struct {
			ID          string   `yaml:"id"`
			States      []string `yaml:"states"`
			Initial     string   `yaml:"initial"`
			Transitions []string `yaml:"transitions"`
			Parent      string   `yaml:"parent"`
		}
		if err := node.Decode(&raw); err != nil {
			return parseErr(file, node.Line, "invalid entity declaration: %v", err)
		}
		if raw.ID == "" {
			return parseErr(file, node.Line, "entity missing 'id'")
		}
		decl := EntityDecl{
			ID:      raw.ID,
			States:  raw.States,
			Initial: raw.Initial,
			Parent:  raw.Parent,
			Pos:     Pos{File: file, Line: node.Line},
		}
		for _, t := range raw.Transitions {
			from, to, ok := splitArrow(t)
			if !ok {
				return parseErr(file, node.Line, "entity '%s': invalid transition %q (want \"from -> to\")", raw.ID, t)
			}
			decl.Transitions = append(decl.Transitions, TransitionDecl{From: from, To: to})
		}
		unit.Entities = append(unit.Entities, decl)
	}
	return nil
}

func splitArrow(s string) (string, string, bool) {
	parts := strings.Split(s, "->")
	if len(parts) != 2 {
		return "", "", false
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), true
}

func parseTypeDecls(unit *SourceUnit, doc *sourceDoc, file string) error {
	for i := range doc.Types {
		node := &doc.Types[i]
		var raw struct {
			ID   string  `yaml:"id"`
			Type SrcType `yaml:"type"`
		}
		if err := node.Decode(&raw); err != nil {
			return parseErr(file, node.Line, "invalid type declaration: %v", err)
		}
		if raw.ID == "" {
			return parseErr(file, node.Line, "type declaration missing 'id'")
		}
		unit.TypeDecls = append(unit.TypeDecls, TypeDeclDecl{
			ID:   raw.ID,
			Type: raw.Type,
			Pos:  Pos{File: file, Line: node.Line},
		})
	}
	return nil
}

func parseSources(unit *SourceUnit, doc *sourceDoc, file string) error {
	for i := range doc.Sources {
		node := &doc.Sources[i]
		var raw struct {
			ID          string            `yaml:"id"`
			Protocol    string            `yaml:"protocol"`
			Fields      map[string]string `yaml:"fields"`
			Description string            `yaml:"description"`
		}
		if err := node.Decode(&raw); err != nil {
			return parseErr(file, node.Line, "invalid source declaration: %v", err)
		}
		if raw.ID == "" || raw.Protocol == "" {
			return parseErr(file, node.Line, "source requires 'id' and 'protocol'")
		}
		unit.Sources = append(unit.Sources, SourceDecl{
			ID:          raw.ID,
			Protocol:    raw.Protocol,
			Fields:      raw.Fields,
			Description: raw.Description,
			Pos:         Pos{File: file, Line: node.Line},
		})
	}
	return nil
}

func parseRules(unit *SourceUnit, doc *sourceDoc, file string) error {
	for i := range doc.Rules {
		node := &doc.Rules[i]
		var raw struct {
			ID      string `yaml:"id"`
			Stratum *int   `yaml:"stratum"`
			When    string `yaml:"when"`
			Produce struct {
				Verdict string    `yaml:"verdict"`
				Type    SrcType   `yaml:"type"`
				Value   yaml.Node `yaml:"value"`
			} `yaml:"produce"`
		}
		if err := node.Decode(&raw); err != nil {
			return parseErr(file, node.Line, "invalid rule declaration: %v", err)
		}
		if raw.ID == "" {
			return parseErr(file, node.Line, "rule missing 'id'")
		}
		if raw.When == "" {
			return parseErr(file, node.Line, "rule '%s' missing 'when'", raw.ID)
		}
		if raw.Produce.Verdict == "" {
			return parseErr(file, node.Line, "rule '%s' missing 'produce.verdict'", raw.ID)
		}
		when, err := ParseExpr(raw.When)
		if err != nil {
			return parseErr(file, node.Line, "rule '%s' when: %v", raw.ID, err)
		}

		payloadType := raw.Produce.Type
		if payloadType.Base == "" {
			payloadType = SrcType{Base: "Bool"}
		}
		var payloadValue Term = TermLit{Lit: Lit{Kind: "bool", Bool: true}}
		if raw.Produce.Value.Kind != 0 {
			if raw.Produce.Value.Kind != yaml.ScalarNode {
				return parseErr(file, node.Line, "rule '%s' produce.value must be a scalar", raw.ID)
			}
			payloadValue, err = parsePayloadTerm(raw.Produce.Value.Value, payloadType)
			if err != nil {
				return parseErr(file, node.Line, "rule '%s' produce.value: %v", raw.ID, err)
			}
		}

		unit.Rules = append(unit.Rules, RuleDecl{
			ID:           raw.ID,
			Stratum:      -1,
			DeclStratum:  raw.Stratum,
			When:         when,
			VerdictType:  raw.Produce.Verdict,
			PayloadType:  payloadType,
			PayloadValue: payloadValue,
			Pos:          Pos{File: file, Line: node.Line},
		})
	}
	return nil
}

// parsePayloadTerm parses a payload value: a literal in the declared
// type, or a term expression (fact ref, multiplication).
func parsePayloadTerm(text string, ts SrcType) (Term, error) {
	switch ts.Base {
	case "Bool":
		if text == "true" || text == "false" {
			return TermLit{Lit: Lit{Kind: "bool", Bool: text == "true"}}, nil
		}
	case "Text", "Enum", "Date", "DateTime":
		// A bare word that is not an expression is the literal itself.
		if !strings.ContainsAny(text, "*<>=()") {
			return TermLit{Lit: Lit{Kind: "text", Text: text}}, nil
		}
	}
	expr, err := ParseExpr(text)
	if err != nil {
		return nil, err
	}
	et, ok := expr.(ExprTerm)
	if !ok {
		return nil, fmt.Errorf("payload value must be a term, not a condition")
	}
	return et.Term, nil
}

func parseOperations(unit *SourceUnit, doc *sourceDoc, file string) error {
	for i := range doc.Operations {
		node := &doc.Operations[i]
		var raw struct {
			ID       string   `yaml:"id"`
			Personas []string `yaml:"personas"`
			Require  string   `yaml:"require"`
			Effects  []string `yaml:"effects"`
			Outcomes []string `yaml:"outcomes"`
			Errors   []string `yaml:"errors"`
		}
		if err := node.Decode(&raw); err != nil {
			return parseErr(file, node.Line, "invalid operation declaration: %v", err)
		}
		if raw.ID == "" {
			return parseErr(file, node.Line, "operation missing 'id'")
		}
		decl := OperationDecl{
			ID:            raw.ID,
			Personas:      raw.Personas,
			Outcomes:      raw.Outcomes,
			ErrorContract: raw.Errors,
			Pos:           Pos{File: file, Line: node.Line},
		}
		if raw.Require != "" {
			cond, err := ParseExpr(raw.Require)
			if err != nil {
				return parseErr(file, node.Line, "operation '%s' require: %v", raw.ID, err)
			}
			decl.Precondition = cond
		}
		for _, e := range raw.Effects {
			effect, err := parseEffect(e)
			if err != nil {
				return parseErr(file, node.Line, "operation '%s': %v", raw.ID, err)
			}
			decl.Effects = append(decl.Effects, effect)
		}
		unit.Operations = append(unit.Operations, decl)
	}
	return nil
}

// parseEffect reads "Entity: from -> to" with an optional "@ outcome".
func parseEffect(s string) (EffectDecl, error) {
	outcome := ""
	if at := strings.Index(s, "@"); at >= 0 {
		outcome = strings.TrimSpace(s[at+1:])
		s = s[:at]
	}
	colon := strings.Index(s, ":")
	if colon < 0 {
		return EffectDecl{}, fmt.Errorf("invalid effect %q (want \"Entity: from -> to\")", s)
	}
	entity := strings.TrimSpace(s[:colon])
	from, to, ok := splitArrow(s[colon+1:])
	if !ok || entity == "" {
		return EffectDecl{}, fmt.Errorf("invalid effect %q (want \"Entity: from -> to\")", s)
	}
	return EffectDecl{EntityID: entity, From: from, To: to, Outcome: outcome}, nil
}

func parseFlows(unit *SourceUnit, doc *sourceDoc, file string) error {
	for i := range doc.Flows {
		node := &doc.Flows[i]
		var raw struct {
			ID       string      `yaml:"id"`
			Entry    string      `yaml:"entry"`
			Snapshot string      `yaml:"snapshot"`
			Steps    []yaml.Node `yaml:"steps"`
		}
		if err := node.Decode(&raw); err != nil {
			return parseErr(file, node.Line, "invalid flow declaration: %v", err)
		}
		if raw.ID == "" {
			return parseErr(file, node.Line, "flow missing 'id'")
		}
		if raw.Entry == "" {
			return parseErr(file, node.Line, "flow '%s' missing 'entry'", raw.ID)
		}
		snapshot := raw.Snapshot
		if snapshot == "" {
			snapshot = "at_initiation"
		}
		decl := FlowDecl{
			ID:       raw.ID,
			Entry:    raw.Entry,
			Snapshot: snapshot,
			Pos:      Pos{File: file, Line: node.Line},
		}
		for j := range raw.Steps {
			step, err := parseStep(&raw.Steps[j], file)
			if err != nil {
				return err
			}
			decl.Steps = append(decl.Steps, step)
		}
		unit.Flows = append(unit.Flows, decl)
	}
	return nil
}

func parseStep(node *yaml.Node, file string) (StepDecl, error) {
	var raw struct {
		ID        string            `yaml:"id"`
		Operation string            `yaml:"operation"`
		Persona   string            `yaml:"persona"`
		Outcomes  map[string]string `yaml:"outcomes"`
		OnFailure yaml.Node         `yaml:"on_failure"`

		Branch  string `yaml:"branch"`
		IfTrue  string `yaml:"if_true"`
		IfFalse string `yaml:"if_false"`

		Handoff *struct {
			From string `yaml:"from"`
			To   string `yaml:"to"`
		} `yaml:"handoff"`
		Next string `yaml:"next"`

		Subflow   string `yaml:"subflow"`
		OnSuccess string `yaml:"on_success"`

		Parallel *struct {
			Branches []struct {
				ID    string      `yaml:"id"`
				Entry string      `yaml:"entry"`
				Steps []yaml.Node `yaml:"steps"`
			} `yaml:"branches"`
			Join struct {
				OnAllSuccess  string    `yaml:"on_all_success"`
				OnAnyFailure  yaml.Node `yaml:"on_any_failure"`
				OnAllComplete string    `yaml:"on_all_complete"`
			} `yaml:"join"`
		} `yaml:"parallel"`
	}
	if err := node.Decode(&raw); err != nil {
		return StepDecl{}, parseErr(file, node.Line, "invalid step: %v", err)
	}
	if raw.ID == "" {
		return StepDecl{}, parseErr(file, node.Line, "step missing 'id'")
	}
	pos := Pos{File: file, Line: node.Line}

	switch {
	case raw.Operation != "":
		step := StepDecl{
			ID:       raw.ID,
			Kind:     "operation",
			Pos:      pos,
			Op:       raw.Operation,
			Persona:  raw.Persona,
			Outcomes: map[string]TargetDecl{},
		}
		for outcome, target := range raw.Outcomes {
			step.Outcomes[outcome] = parseTarget(target)
		}
		handler, err := parseHandler(&raw.OnFailure, file)
		if err != nil {
			return StepDecl{}, err
		}
		step.OnFailure = handler
		return step, nil

	case raw.Branch != "":
		cond, err := ParseExpr(raw.Branch)
		if err != nil {
			return StepDecl{}, parseErr(file, node.Line, "step '%s' branch: %v", raw.ID, err)
		}
		return StepDecl{
			ID:        raw.ID,
			Kind:      "branch",
			Pos:       pos,
			Condition: cond,
			Persona:   raw.Persona,
			IfTrue:    parseTarget(raw.IfTrue),
			IfFalse:   parseTarget(raw.IfFalse),
		}, nil

	case raw.Handoff != nil:
		return StepDecl{
			ID:          raw.ID,
			Kind:        "handoff",
			Pos:         pos,
			FromPersona: raw.Handoff.From,
			ToPersona:   raw.Handoff.To,
			Next:        raw.Next,
		}, nil

	case raw.Subflow != "":
		handler, err := parseHandler(&raw.OnFailure, file)
		if err != nil {
			return StepDecl{}, err
		}
		return StepDecl{
			ID:        raw.ID,
			Kind:      "subflow",
			Pos:       pos,
			Flow:      raw.Subflow,
			Persona:   raw.Persona,
			OnSuccess: parseTarget(raw.OnSuccess),
			OnFailure: handler,
		}, nil

	case raw.Parallel != nil:
		step := StepDecl{ID: raw.ID, Kind: "parallel", Pos: pos}
		for _, b := range raw.Parallel.Branches {
			branch := BranchDecl{ID: b.ID, Entry: b.Entry}
			for j := range b.Steps {
				inner, err := parseStep(&b.Steps[j], file)
				if err != nil {
					return StepDecl{}, err
				}
				branch.Steps = append(branch.Steps, inner)
			}
			step.Branches = append(step.Branches, branch)
		}
		join := &JoinDecl{}
		if raw.Parallel.Join.OnAllSuccess != "" {
			t := parseTarget(raw.Parallel.Join.OnAllSuccess)
			join.OnAllSuccess = &t
		}
		if raw.Parallel.Join.OnAnyFailure.Kind != 0 {
			handler, err := parseHandler(&raw.Parallel.Join.OnAnyFailure, file)
			if err != nil {
				return StepDecl{}, err
			}
			join.OnAnyFailure = handler
		}
		if raw.Parallel.Join.OnAllComplete != "" {
			t := parseTarget(raw.Parallel.Join.OnAllComplete)
			join.OnAllComplete = &t
		}
		step.Join = join
		return step, nil
	}
	return StepDecl{}, parseErr(file, node.Line, "step '%s' has no recognizable kind", raw.ID)
}

// parseTarget reads "terminal:outcome" or a step id.
func parseTarget(s string) TargetDecl {
	if rest, ok := strings.CutPrefix(s, "terminal:"); ok {
		return TargetDecl{Terminal: strings.TrimSpace(rest)}
	}
	return TargetDecl{StepRef: strings.TrimSpace(s)}
}

func parseHandler(node *yaml.Node, file string) (*HandlerDecl, error) {
	if node == nil || node.Kind == 0 || node.Tag == "!!null" {
		return nil, nil
	}
	var raw struct {
		Terminate  string `yaml:"terminate"`
		Compensate *struct {
			Steps []struct {
				Operation string `yaml:"operation"`
				Persona   string `yaml:"persona"`
				OnFailure string `yaml:"on_failure"`
			} `yaml:"steps"`
			Then string `yaml:"then"`
		} `yaml:"compensate"`
		Escalate *struct {
			To   string `yaml:"to"`
			Next string `yaml:"next"`
		} `yaml:"escalate"`
	}
	if err := node.Decode(&raw); err != nil {
		return nil, parseErr(file, node.Line, "invalid failure handler: %v", err)
	}
	switch {
	case raw.Terminate != "":
		return &HandlerDecl{Terminate: raw.Terminate}, nil
	case raw.Compensate != nil:
		comp := &CompensateDecl{Then: parseTarget(raw.Compensate.Then)}
		for _, s := range raw.Compensate.Steps {
			cs := CompStepDecl{Op: s.Operation, Persona: s.Persona}
			if s.OnFailure != "" {
				cs.OnFailure = parseTarget(s.OnFailure)
			} else {
				cs.OnFailure = TargetDecl{Terminal: "compensation_failed"}
			}
			comp.Steps = append(comp.Steps, cs)
		}
		return &HandlerDecl{Compensate: comp}, nil
	case raw.Escalate != nil:
		return &HandlerDecl{Escalate: &EscalateDecl{ToPersona: raw.Escalate.To, Next: raw.Escalate.Next}}, nil
	}
	return nil, parseErr(file, node.Line, "failure handler must be terminate, compensate or escalate")
}
