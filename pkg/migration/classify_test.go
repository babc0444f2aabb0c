package migration

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bundleWith(constructs ...string) []byte {
	body := ""
	for i, c := range constructs {
		if i > 0 {
			body += ","
		}
		body += c
	}
	return []byte(fmt.Sprintf(`{
		"id": "b", "kind": "Bundle", "tenor": "1.0", "tenor_version": "1.0.0",
		"constructs": [%s]
	}`, body))
}

func factConstruct(id, typeJSON, defaultJSON string) string {
	out := fmt.Sprintf(`{"id": %q, "kind": "Fact", "type": %s`, id, typeJSON)
	if defaultJSON != "" {
		out += fmt.Sprintf(`, "default": %s`, defaultJSON)
	}
	return out + "}"
}

func classify(t *testing.T, v1, v2 []byte) *ClassifiedDiff {
	t.Helper()
	diff, err := DiffBundles(v1, v2)
	require.NoError(t, err)
	return ClassifyDiff(diff)
}

func singleChange(t *testing.T, d *ClassifiedDiff) Classification {
	t.Helper()
	require.Len(t, d.Changed, 1)
	require.Len(t, d.Changed[0].Fields, 1)
	return d.Changed[0].Fields[0].Classification
}

func TestDiffIdenticalBundlesIsEmpty(t *testing.T) {
	b := bundleWith(factConstruct("amount", `{"base": "Int", "min": 0, "max": 10}`, ""))
	diff, err := DiffBundles(b, b)
	require.NoError(t, err)
	assert.True(t, diff.IsEmpty())
}

func TestDiffIgnoresKeyOrder(t *testing.T) {
	v1 := bundleWith(`{"id": "x", "kind": "Fact", "type": {"base": "Int", "min": 0, "max": 5}}`)
	v2 := bundleWith(`{"kind": "Fact", "type": {"max": 5, "min": 0, "base": "Int"}, "id": "x"}`)
	diff, err := DiffBundles(v1, v2)
	require.NoError(t, err)
	assert.True(t, diff.IsEmpty())
}

func TestClassifyAddFactIsNonBreaking(t *testing.T) {
	v1 := bundleWith()
	v2 := bundleWith(factConstruct("amount", `{"base": "Int"}`, ""))
	d := classify(t, v1, v2)
	require.Len(t, d.Added, 1)
	assert.Equal(t, NonBreaking, d.Added[0].Classification.Severity)
	assert.False(t, d.HasBreaking())
}

func TestClassifyAddRuleRequiresAnalysis(t *testing.T) {
	v1 := bundleWith()
	v2 := bundleWith(`{"id": "r1", "kind": "Rule", "stratum": 0, "body": {"when": true, "produce": {"verdict_type": "v"}}}`)
	d := classify(t, v1, v2)
	require.Len(t, d.Added, 1)
	assert.Equal(t, RequiresAnalysis, d.Added[0].Classification.Severity)
}

func TestClassifyAddRemoveSourceIsInfrastructure(t *testing.T) {
	src := `{"id": "billing", "kind": "Source", "protocol": "http", "fields": {}}`
	d := classify(t, bundleWith(), bundleWith(src))
	assert.Equal(t, Infrastructure, d.Added[0].Classification.Severity)

	d = classify(t, bundleWith(src), bundleWith())
	assert.Equal(t, Infrastructure, d.Removed[0].Classification.Severity)
	assert.False(t, d.HasBreaking())
}

func TestClassifyRemoveSemanticConstructIsBreaking(t *testing.T) {
	for _, construct := range []string{
		factConstruct("f", `{"base": "Bool"}`, ""),
		`{"id": "E", "kind": "Entity", "initial": "a", "states": ["a"], "transitions": []}`,
		`{"id": "p", "kind": "Persona"}`,
		`{"id": "op", "kind": "Operation", "allowed_personas": [], "effects": []}`,
		`{"id": "fl", "kind": "Flow", "entry": "s", "steps": []}`,
		`{"id": "r", "kind": "Rule", "stratum": 0, "body": {"when": true, "produce": {"verdict_type": "v"}}}`,
	} {
		d := classify(t, bundleWith(construct), bundleWith())
		require.Len(t, d.Removed, 1, construct)
		assert.Equal(t, Breaking, d.Removed[0].Classification.Severity, construct)
	}
}

func TestClassifyEntityStateChanges(t *testing.T) {
	base := `{"id": "E", "kind": "Entity", "initial": "a", "states": %s, "transitions": []}`
	grow := classify(t,
		bundleWith(fmt.Sprintf(base, `["a", "b"]`)),
		bundleWith(fmt.Sprintf(base, `["a", "b", "c"]`)))
	assert.Equal(t, NonBreaking, singleChange(t, grow).Severity)

	shrink := classify(t,
		bundleWith(fmt.Sprintf(base, `["a", "b", "c"]`)),
		bundleWith(fmt.Sprintf(base, `["a", "b"]`)))
	assert.Equal(t, Breaking, singleChange(t, shrink).Severity)
}

func TestClassifyEntityInitialChangeIsBreaking(t *testing.T) {
	base := `{"id": "E", "kind": "Entity", "initial": %q, "states": ["a", "b"], "transitions": []}`
	d := classify(t,
		bundleWith(fmt.Sprintf(base, "a")),
		bundleWith(fmt.Sprintf(base, "b")))
	assert.Equal(t, Breaking, singleChange(t, d).Severity)
}

func TestClassifyTransitions(t *testing.T) {
	base := `{"id": "E", "kind": "Entity", "initial": "a", "states": ["a", "b", "c"], "transitions": %s}`
	add := classify(t,
		bundleWith(fmt.Sprintf(base, `[{"from": "a", "to": "b"}]`)),
		bundleWith(fmt.Sprintf(base, `[{"from": "a", "to": "b"}, {"from": "b", "to": "c"}]`)))
	assert.Equal(t, NonBreaking, singleChange(t, add).Severity)

	remove := classify(t,
		bundleWith(fmt.Sprintf(base, `[{"from": "a", "to": "b"}, {"from": "b", "to": "c"}]`)),
		bundleWith(fmt.Sprintf(base, `[{"from": "a", "to": "b"}]`)))
	assert.Equal(t, Breaking, singleChange(t, remove).Severity)
}

func TestClassifyFactTypeChanges(t *testing.T) {
	baseChange := classify(t,
		bundleWith(factConstruct("f", `{"base": "Int"}`, "")),
		bundleWith(factConstruct("f", `{"base": "Text"}`, "")))
	assert.Equal(t, Breaking, singleChange(t, baseChange).Severity)

	enumWiden := classify(t,
		bundleWith(factConstruct("f", `{"base": "Enum", "values": ["a"]}`, "")),
		bundleWith(factConstruct("f", `{"base": "Enum", "values": ["a", "b"]}`, "")))
	assert.Equal(t, NonBreaking, singleChange(t, enumWiden).Severity)

	enumNarrow := classify(t,
		bundleWith(factConstruct("f", `{"base": "Enum", "values": ["a", "b"]}`, "")),
		bundleWith(factConstruct("f", `{"base": "Enum", "values": ["a"]}`, "")))
	assert.Equal(t, Breaking, singleChange(t, enumNarrow).Severity)

	intWiden := classify(t,
		bundleWith(factConstruct("f", `{"base": "Int", "min": 0, "max": 10}`, "")),
		bundleWith(factConstruct("f", `{"base": "Int", "min": -5, "max": 20}`, "")))
	assert.Equal(t, NonBreaking, singleChange(t, intWiden).Severity)

	intNarrow := classify(t,
		bundleWith(factConstruct("f", `{"base": "Int", "min": 0, "max": 10}`, "")),
		bundleWith(factConstruct("f", `{"base": "Int", "min": 0, "max": 5}`, "")))
	assert.Equal(t, Breaking, singleChange(t, intNarrow).Severity)
}

func TestClassifyFactDefaultChanges(t *testing.T) {
	add := classify(t,
		bundleWith(factConstruct("f", `{"base": "Int"}`, "")),
		bundleWith(factConstruct("f", `{"base": "Int"}`, `{"kind": "int_literal", "value": 1}`)))
	assert.Equal(t, NonBreaking, singleChange(t, add).Severity)

	remove := classify(t,
		bundleWith(factConstruct("f", `{"base": "Int"}`, `{"kind": "int_literal", "value": 1}`)),
		bundleWith(factConstruct("f", `{"base": "Int"}`, "")))
	assert.Equal(t, Breaking, singleChange(t, remove).Severity)

	change := classify(t,
		bundleWith(factConstruct("f", `{"base": "Int"}`, `{"kind": "int_literal", "value": 1}`)),
		bundleWith(factConstruct("f", `{"base": "Int"}`, `{"kind": "int_literal", "value": 2}`)))
	assert.Equal(t, RequiresAnalysis, singleChange(t, change).Severity)
}

func TestClassifyRuleChanges(t *testing.T) {
	base := `{"id": "r", "kind": "Rule", "stratum": %d, "body": %s}`
	body1 := `{"when": true, "produce": {"verdict_type": "v"}}`
	body2 := `{"when": false, "produce": {"verdict_type": "v"}}`

	stratum := classify(t,
		bundleWith(fmt.Sprintf(base, 0, body1)),
		bundleWith(fmt.Sprintf(base, 1, body1)))
	assert.Equal(t, Breaking, singleChange(t, stratum).Severity)

	body := classify(t,
		bundleWith(fmt.Sprintf(base, 0, body1)),
		bundleWith(fmt.Sprintf(base, 0, body2)))
	assert.Equal(t, RequiresAnalysis, singleChange(t, body).Severity)
}

func TestClassifyOperationChanges(t *testing.T) {
	base := `{"id": "op", "kind": "Operation", "allowed_personas": %s, "effects": %s, "outcomes": %s, "precondition": %s}`
	mk := func(personas, effects, outcomes, precondition string) []byte {
		return bundleWith(fmt.Sprintf(base, personas, effects, outcomes, precondition))
	}
	defaults := func() (string, string, string, string) {
		return `["a"]`, `[{"entity_id": "E", "from": "x", "to": "y"}]`, `["done"]`, `true`
	}

	p, e, o, pre := defaults()
	addPersona := classify(t, mk(p, e, o, pre), mk(`["a", "b"]`, e, o, pre))
	assert.Equal(t, NonBreaking, singleChange(t, addPersona).Severity)

	removePersona := classify(t, mk(`["a", "b"]`, e, o, pre), mk(`["a"]`, e, o, pre))
	assert.Equal(t, Breaking, singleChange(t, removePersona).Severity)

	precondition := classify(t, mk(p, e, o, `true`), mk(p, e, o, `{"verdict_present": "v"}`))
	assert.Equal(t, RequiresAnalysis, singleChange(t, precondition).Severity)

	addEffect := classify(t, mk(p, e, o, pre),
		mk(p, `[{"entity_id": "E", "from": "x", "to": "y"}, {"entity_id": "F", "from": "q", "to": "r"}]`, o, pre))
	assert.Equal(t, NonBreaking, singleChange(t, addEffect).Severity)

	retargetEffect := classify(t, mk(p, e, o, pre),
		mk(p, `[{"entity_id": "E", "from": "x", "to": "z"}]`, o, pre))
	assert.Equal(t, Breaking, singleChange(t, retargetEffect).Severity)

	addOutcome := classify(t, mk(p, e, o, pre), mk(p, e, `["done", "extra"]`, pre))
	assert.Equal(t, NonBreaking, singleChange(t, addOutcome).Severity)

	removeOutcome := classify(t, mk(p, e, `["done", "extra"]`, pre), mk(p, e, `["done"]`, pre))
	assert.Equal(t, Breaking, singleChange(t, removeOutcome).Severity)
}

func TestClassifyFlowChanges(t *testing.T) {
	base := `{"id": "fl", "kind": "Flow", "entry": %q, "steps": %s}`
	entry := classify(t,
		bundleWith(fmt.Sprintf(base, "s1", `[]`)),
		bundleWith(fmt.Sprintf(base, "s2", `[]`)))
	assert.Equal(t, Breaking, singleChange(t, entry).Severity)

	steps := classify(t,
		bundleWith(fmt.Sprintf(base, "s1", `[]`)),
		bundleWith(fmt.Sprintf(base, "s1", `[{"id": "s1", "kind": "HandoffStep", "next": "s1"}]`)))
	assert.Equal(t, RequiresAnalysis, singleChange(t, steps).Severity)
}

// Monotone additions never break: new constructs of non-breaking kinds,
// enum widening, int range widening, added personas, effects and
// outcomes.
func TestMonotoneAdditionsProperty(t *testing.T) {
	v1 := bundleWith(
		factConstruct("status", `{"base": "Enum", "values": ["open"]}`, ""),
		factConstruct("count", `{"base": "Int", "min": 0, "max": 10}`, ""),
		`{"id": "E", "kind": "Entity", "initial": "a", "states": ["a", "b"], "transitions": [{"from": "a", "to": "b"}]}`,
		`{"id": "op", "kind": "Operation", "allowed_personas": ["a"], "effects": [{"entity_id": "E", "from": "a", "to": "b"}], "outcomes": ["done"]}`,
	)
	v2 := bundleWith(
		factConstruct("status", `{"base": "Enum", "values": ["open", "closed"]}`, ""),
		factConstruct("count", `{"base": "Int", "min": -10, "max": 100}`, ""),
		factConstruct("extra", `{"base": "Bool"}`, ""),
		`{"id": "E", "kind": "Entity", "initial": "a", "states": ["a", "b", "c"], "transitions": [{"from": "a", "to": "b"}, {"from": "b", "to": "c"}]}`,
		`{"id": "E2", "kind": "Entity", "initial": "x", "states": ["x"], "transitions": []}`,
		`{"id": "op", "kind": "Operation", "allowed_personas": ["a", "b"], "effects": [{"entity_id": "E", "from": "a", "to": "b"}, {"entity_id": "E", "from": "b", "to": "c"}], "outcomes": ["done", "also"]}`,
		`{"id": "p2", "kind": "Persona"}`,
		`{"id": "fl2", "kind": "Flow", "entry": "s1", "steps": []}`,
	)
	d := classify(t, v1, v2)
	assert.False(t, d.HasBreaking(), "monotone additions must not be breaking:\n%s", d.Text())
}

func TestClassifiedDiffText(t *testing.T) {
	v1 := bundleWith(factConstruct("f", `{"base": "Int"}`, ""))
	v2 := bundleWith()
	d := classify(t, v1, v2)
	text := d.Text()
	assert.Contains(t, text, "BREAKING")
	assert.Contains(t, text, "- Fact f")
}
