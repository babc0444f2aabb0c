package migration

import "github.com/riverline-labs/tenor/core/pkg/eval"

// Report pairs the classified structural diff with a per-flow
// compatibility verdict, the complete answer to "can v2 replace v1".
type Report struct {
	Diff  *ClassifiedDiff            `json:"diff"`
	Flows []*FlowCompatibilityResult `json:"flows"`
}

// Analyze produces a full migration report for upgrading v1 to v2.
// Flow compatibility runs statically from each v1 flow's entry point;
// callers with live instance positions should use CheckFlowCompatibility
// per instance instead.
func Analyze(v1JSON, v2JSON []byte, v1, v2 *eval.Contract) (*Report, error) {
	diff, err := DiffBundles(v1JSON, v2JSON)
	if err != nil {
		return nil, err
	}
	report := &Report{Diff: ClassifyDiff(diff)}
	for i := range v1.Flows {
		report.Flows = append(report.Flows, CheckFlowCompatibilityStatic(v1, v2, v1.Flows[i].ID))
	}
	return report, nil
}
