package elaborator

import (
	"fmt"
	"sort"
)

// FindingSeverity is how serious an analysis finding is. Warnings block
// elaboration when the caller demands it; Info never does.
type FindingSeverity string

const (
	SeverityInfo    FindingSeverity = "INFO"
	SeverityWarning FindingSeverity = "WARNING"
)

// Finding is one result of the static analysis battery.
type Finding struct {
	Analysis string          `json:"analysis"`
	Severity FindingSeverity `json:"severity"`
	Message  string          `json:"message"`
	File     string          `json:"file,omitempty"`
	Line     int             `json:"line,omitempty"`
}

func analysisErr(pos Pos, format string, args ...any) error {
	return &Error{
		Pass:    "analyze",
		Kind:    KindAnalysisError,
		File:    pos.File,
		Line:    pos.Line,
		Message: fmt.Sprintf(format, args...),
	}
}

// Analyze runs pass 4, the static analysis battery. Structural
// violations that would make the evaluator unsound — operation effects
// outside the declared state machine, overlapping parallel effect sets —
// fail elaboration outright; everything else is reported as a finding.
func Analyze(unit *SourceUnit, syms *symbols) ([]Finding, error) {
	var findings []Finding

	// Admissibility: every effect must name declared states and a
	// declared transition of its entity.
	for _, op := range unit.Operations {
		for _, effect := range op.Effects {
			entity := syms.entities[effect.EntityID]
			if !containsString(entity.States, effect.From) || !containsString(entity.States, effect.To) {
				return nil, analysisErr(op.Pos,
					"operation '%s': effect %s: %s -> %s references a state not declared on the entity",
					op.ID, effect.EntityID, effect.From, effect.To)
			}
			declared := false
			for _, t := range entity.Transitions {
				if t.From == effect.From && t.To == effect.To {
					declared = true
					break
				}
			}
			if !declared {
				return nil, analysisErr(op.Pos,
					"operation '%s': effect %s: %s -> %s is not a declared transition",
					op.ID, effect.EntityID, effect.From, effect.To)
			}
		}
	}

	// Parallel branches must have non-overlapping effect sets.
	for _, fl := range unit.Flows {
		if err := checkParallelEffectOverlap(&fl, syms); err != nil {
			return nil, err
		}
	}

	findings = append(findings, analyzeStateSpace(unit)...)
	findings = append(findings, analyzeStateReachability(unit)...)
	findings = append(findings, analyzeAuthority(unit, syms)...)
	findings = append(findings, analyzeVerdictTaxonomy(unit, syms)...)
	findings = append(findings, analyzeFlowPaths(unit)...)
	findings = append(findings, analyzeVerdictUniqueness(unit)...)

	return findings, nil
}

func checkParallelEffectOverlap(fl *FlowDecl, syms *symbols) error {
	var walk func(steps []StepDecl) error
	walk = func(steps []StepDecl) error {
		for _, s := range steps {
			if s.Kind != "parallel" {
				for _, b := range s.Branches {
					if err := walk(b.Steps); err != nil {
						return err
					}
				}
				continue
			}
			owner := make(map[string]string) // entity -> branch that touches it
			for _, b := range s.Branches {
				entities := branchEffectEntities(b.Steps, syms)
				for _, entityID := range entities {
					if other, taken := owner[entityID]; taken && other != b.ID {
						return analysisErr(s.Pos,
							"flow '%s': parallel step '%s' branches '%s' and '%s' both affect entity '%s'",
							fl.ID, s.ID, other, b.ID, entityID)
					}
					owner[entityID] = b.ID
				}
				if err := walk(b.Steps); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(fl.Steps)
}

func branchEffectEntities(steps []StepDecl, syms *symbols) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(steps []StepDecl)
	walk = func(steps []StepDecl) {
		for _, s := range steps {
			if s.Kind == "operation" {
				if op, ok := syms.operations[s.Op]; ok {
					for _, effect := range op.Effects {
						if !seen[effect.EntityID] {
							seen[effect.EntityID] = true
							out = append(out, effect.EntityID)
						}
					}
				}
			}
			for _, b := range s.Branches {
				walk(b.Steps)
			}
		}
	}
	walk(steps)
	sort.Strings(out)
	return out
}

// analyzeStateSpace summarizes each entity's state machine size.
func analyzeStateSpace(unit *SourceUnit) []Finding {
	var findings []Finding
	for _, e := range unit.Entities {
		findings = append(findings, Finding{
			Analysis: "state_space",
			Severity: SeverityInfo,
			Message: fmt.Sprintf("entity '%s': %d states, %d transitions",
				e.ID, len(e.States), len(e.Transitions)),
			File: e.Pos.File,
			Line: e.Pos.Line,
		})
	}
	return findings
}

// analyzeStateReachability warns about states with no path from the
// initial state.
func analyzeStateReachability(unit *SourceUnit) []Finding {
	var findings []Finding
	for _, e := range unit.Entities {
		reachable := map[string]bool{e.Initial: true}
		for changed := true; changed; {
			changed = false
			for _, t := range e.Transitions {
				if reachable[t.From] && !reachable[t.To] {
					reachable[t.To] = true
					changed = true
				}
			}
		}
		for _, state := range e.States {
			if !reachable[state] {
				findings = append(findings, Finding{
					Analysis: "state_reachability",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("entity '%s': state '%s' is unreachable from initial state '%s'", e.ID, state, e.Initial),
					File:     e.Pos.File,
					Line:     e.Pos.Line,
				})
			}
		}
	}
	return findings
}

// analyzeAuthority warns about operations nobody may run and flow steps
// whose persona the operation rejects.
func analyzeAuthority(unit *SourceUnit, syms *symbols) []Finding {
	var findings []Finding
	for _, op := range unit.Operations {
		if len(op.Personas) == 0 {
			findings = append(findings, Finding{
				Analysis: "authority",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("operation '%s' has no allowed personas; it can never execute", op.ID),
				File:     op.Pos.File,
				Line:     op.Pos.Line,
			})
		}
	}
	for _, fl := range unit.Flows {
		var walk func(steps []StepDecl)
		walk = func(steps []StepDecl) {
			for _, s := range steps {
				if s.Kind == "operation" {
					if op, ok := syms.operations[s.Op]; ok && s.Persona != "" && !containsString(op.Personas, s.Persona) {
						findings = append(findings, Finding{
							Analysis: "authority",
							Severity: SeverityWarning,
							Message: fmt.Sprintf("flow '%s' step '%s' runs operation '%s' as persona '%s', which the operation does not allow",
								fl.ID, s.ID, s.Op, s.Persona),
							File: s.Pos.File,
							Line: s.Pos.Line,
						})
					}
				}
				for _, b := range s.Branches {
					walk(b.Steps)
				}
			}
		}
		walk(fl.Steps)
	}
	return findings
}

// analyzeVerdictTaxonomy warns about verdicts consumed but never
// produced.
func analyzeVerdictTaxonomy(unit *SourceUnit, syms *symbols) []Finding {
	consumed := make(map[string]Pos)
	var collectExpr func(e Expr, pos Pos)
	collectExpr = func(e Expr, pos Pos) {
		switch n := e.(type) {
		case ExprVerdictPresent:
			if _, ok := consumed[n.ID]; !ok {
				consumed[n.ID] = pos
			}
		case ExprAnd:
			collectExpr(n.Left, pos)
			collectExpr(n.Right, pos)
		case ExprOr:
			collectExpr(n.Left, pos)
			collectExpr(n.Right, pos)
		case ExprNot:
			collectExpr(n.Operand, pos)
		case ExprForall:
			collectExpr(n.Body, pos)
		case ExprExists:
			collectExpr(n.Body, pos)
		}
	}
	for _, r := range unit.Rules {
		collectExpr(r.When, r.Pos)
	}
	for _, op := range unit.Operations {
		if op.Precondition != nil {
			collectExpr(op.Precondition, op.Pos)
		}
	}
	for _, fl := range unit.Flows {
		var walk func(steps []StepDecl)
		walk = func(steps []StepDecl) {
			for _, s := range steps {
				if s.Kind == "branch" {
					collectExpr(s.Condition, s.Pos)
				}
				for _, b := range s.Branches {
					walk(b.Steps)
				}
			}
		}
		walk(fl.Steps)
	}

	var names []string
	for name := range consumed {
		names = append(names, name)
	}
	sort.Strings(names)

	var findings []Finding
	for _, name := range names {
		if len(syms.producers[name]) == 0 {
			pos := consumed[name]
			findings = append(findings, Finding{
				Analysis: "verdict_taxonomy",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("verdict '%s' is consumed but no rule produces it", name),
				File:     pos.File,
				Line:     pos.Line,
			})
		}
	}
	return findings
}

// analyzeFlowPaths reports step reachability and terminal-outcome counts
// per flow; unreachable steps warn.
func analyzeFlowPaths(unit *SourceUnit) []Finding {
	var findings []Finding
	for _, fl := range unit.Flows {
		index := make(map[string]*StepDecl)
		for i := range fl.Steps {
			index[fl.Steps[i].ID] = &fl.Steps[i]
		}

		visited := make(map[string]bool)
		terminals := make(map[string]bool)
		stack := []string{fl.Entry}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[id] {
				continue
			}
			visited[id] = true
			step, ok := index[id]
			if !ok {
				continue
			}
			push := func(t TargetDecl) {
				if t.IsTerminal() {
					terminals[t.Terminal] = true
					return
				}
				if t.StepRef != "" {
					stack = append(stack, t.StepRef)
				}
			}
			pushHandler := func(h *HandlerDecl) {
				if h == nil {
					return
				}
				if h.Terminate != "" {
					terminals[h.Terminate] = true
				}
				if h.Compensate != nil {
					push(h.Compensate.Then)
					for _, cs := range h.Compensate.Steps {
						push(cs.OnFailure)
					}
				}
				if h.Escalate != nil && h.Escalate.Next != "" {
					stack = append(stack, h.Escalate.Next)
				}
			}
			switch step.Kind {
			case "operation":
				for _, t := range step.Outcomes {
					push(t)
				}
				pushHandler(step.OnFailure)
			case "branch":
				push(step.IfTrue)
				push(step.IfFalse)
			case "handoff":
				stack = append(stack, step.Next)
			case "subflow":
				push(step.OnSuccess)
				pushHandler(step.OnFailure)
			case "parallel":
				if step.Join != nil {
					if step.Join.OnAllSuccess != nil {
						push(*step.Join.OnAllSuccess)
					}
					pushHandler(step.Join.OnAnyFailure)
					if step.Join.OnAllComplete != nil {
						push(*step.Join.OnAllComplete)
					}
				}
			}
		}

		for _, s := range fl.Steps {
			if !visited[s.ID] {
				findings = append(findings, Finding{
					Analysis: "flow_paths",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("flow '%s': step '%s' is unreachable from entry '%s'", fl.ID, s.ID, fl.Entry),
					File:     s.Pos.File,
					Line:     s.Pos.Line,
				})
			}
		}
		findings = append(findings, Finding{
			Analysis: "flow_paths",
			Severity: SeverityInfo,
			Message: fmt.Sprintf("flow '%s': %d steps reachable, %d terminal outcomes",
				fl.ID, len(visited), len(terminals)),
			File: fl.Pos.File,
			Line: fl.Pos.Line,
		})
		if len(fl.Steps) > 50 {
			findings = append(findings, Finding{
				Analysis: "complexity",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("flow '%s' has %d steps; consider splitting into sub-flows", fl.ID, len(fl.Steps)),
				File:     fl.Pos.File,
				Line:     fl.Pos.Line,
			})
		}
	}
	return findings
}

// analyzeVerdictUniqueness warns when two rules can produce the same
// verdict type; the evaluator treats the first-seen as binding.
func analyzeVerdictUniqueness(unit *SourceUnit) []Finding {
	byVerdict := make(map[string][]*RuleDecl)
	for i := range unit.Rules {
		r := &unit.Rules[i]
		byVerdict[r.VerdictType] = append(byVerdict[r.VerdictType], r)
	}
	var names []string
	for name, rules := range byVerdict {
		if len(rules) > 1 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var findings []Finding
	for _, name := range names {
		rules := byVerdict[name]
		ids := make([]string, 0, len(rules))
		for _, r := range rules {
			ids = append(ids, r.ID)
		}
		sort.Strings(ids)
		findings = append(findings, Finding{
			Analysis: "verdict_uniqueness",
			Severity: SeverityWarning,
			Message: fmt.Sprintf("verdict '%s' is produced by multiple rules (%v); the first at its stratum wins",
				name, ids),
			File: rules[0].Pos.File,
			Line: rules[0].Pos.Line,
		})
	}
	return findings
}
