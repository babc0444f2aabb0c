package eval

import "fmt"

// EvalStrata evaluates all rules stratum by stratum, ascending, and
// returns the accumulated verdict set.
//
// Within a stratum, rules run in rule-id order. A rule whose guard holds
// materializes its verdict with the payload evaluated over the facts and
// the verdicts of earlier strata, and records provenance. Two rules
// producing the same verdict type within one evaluation do not duplicate:
// the first-seen producer is binding (the elaborator reports the conflict
// statically).
func EvalStrata(contract *Contract, facts FactSet) (*VerdictSet, error) {
	verdicts := NewVerdictSet()
	for _, stratum := range contract.Strata() {
		for _, rule := range contract.RulesAt(stratum) {
			collector := NewCollector()
			guard, err := EvalPredicate(rule.When, facts, verdicts, NewContext(), collector)
			if err != nil {
				return nil, fmt.Errorf("rule '%s': %w", rule.ID, err)
			}
			hold, err := AsBool(guard)
			if err != nil {
				return nil, fmt.Errorf("rule '%s': guard must be Bool: %w", rule.ID, err)
			}
			if !hold {
				continue
			}
			payload, err := EvalPredicate(rule.Payload, facts, verdicts, NewContext(), collector)
			if err != nil {
				return nil, fmt.Errorf("rule '%s' payload: %w", rule.ID, err)
			}
			verdicts.Push(Verdict{
				VerdictType: rule.VerdictType,
				Payload:     payload,
				Provenance: VerdictProvenance{
					RuleID:       rule.ID,
					Stratum:      rule.Stratum,
					FactsUsed:    collector.FactsUsed,
					VerdictsUsed: collector.VerdictsUsed,
				},
			})
		}
	}
	return verdicts, nil
}
