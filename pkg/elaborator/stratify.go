package elaborator

import (
	"fmt"
	"sort"
	"strings"
)

// Stratify runs pass 5: builds the verdict dependency graph (a rule
// consuming verdict V depends on every rule producing V), rejects
// cycles, assigns each rule's stratum as its longest-path depth from the
// leaves, and verifies any declared stratum matches the computed one.
func Stratify(unit *SourceUnit, syms *symbols) error {
	// deps[i] lists rule indexes rule i depends on.
	ruleIndex := make(map[string]int, len(unit.Rules))
	for i := range unit.Rules {
		ruleIndex[unit.Rules[i].ID] = i
	}

	deps := make([][]int, len(unit.Rules))
	for i := range unit.Rules {
		consumed := exprVerdictRefs(unit.Rules[i].When)
		seen := make(map[int]bool)
		for _, verdictType := range consumed {
			for _, producer := range syms.producers[verdictType] {
				j := ruleIndex[producer.ID]
				if j == i || seen[j] {
					continue
				}
				seen[j] = true
				deps[i] = append(deps[i], j)
			}
		}
		sort.Ints(deps[i])
	}

	// Longest-path depth via DFS with cycle detection.
	const (
		unvisited  = 0
		inProgress = 1
		finished   = 2
	)
	state := make([]int, len(unit.Rules))
	depth := make([]int, len(unit.Rules))
	var path []string

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case finished:
			return nil
		case inProgress:
			cycle := append(append([]string{}, path...), unit.Rules[i].ID)
			return &Error{
				Pass:    "stratify",
				Kind:    KindStratumCycleError,
				File:    unit.Rules[i].Pos.File,
				Line:    unit.Rules[i].Pos.Line,
				Message: fmt.Sprintf("verdict dependency cycle: %s", strings.Join(cycle, " -> ")),
			}
		}
		state[i] = inProgress
		path = append(path, unit.Rules[i].ID)
		maxDep := -1
		for _, j := range deps[i] {
			if err := visit(j); err != nil {
				return err
			}
			if depth[j] > maxDep {
				maxDep = depth[j]
			}
		}
		path = path[:len(path)-1]
		depth[i] = maxDep + 1
		state[i] = finished
		return nil
	}

	for i := range unit.Rules {
		if err := visit(i); err != nil {
			return err
		}
	}

	for i := range unit.Rules {
		r := &unit.Rules[i]
		if r.DeclStratum != nil && *r.DeclStratum != depth[i] {
			return &Error{
				Pass:    "stratify",
				Kind:    KindStratumCycleError,
				File:    r.Pos.File,
				Line:    r.Pos.Line,
				Message: fmt.Sprintf("rule '%s' declares stratum %d but its dependencies place it at %d", r.ID, *r.DeclStratum, depth[i]),
			}
		}
		r.Stratum = depth[i]
	}
	return nil
}

// exprVerdictRefs collects verdict types referenced anywhere in an
// expression.
func exprVerdictRefs(e Expr) []string {
	var refs []string
	seen := make(map[string]bool)
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case ExprVerdictPresent:
			if !seen[n.ID] {
				seen[n.ID] = true
				refs = append(refs, n.ID)
			}
		case ExprAnd:
			walk(n.Left)
			walk(n.Right)
		case ExprOr:
			walk(n.Left)
			walk(n.Right)
		case ExprNot:
			walk(n.Operand)
		case ExprForall:
			walk(n.Body)
		case ExprExists:
			walk(n.Body)
		}
	}
	walk(e)
	return refs
}
