package interchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaAcceptsMinimalBundle(t *testing.T) {
	err := ValidateSchema([]byte(`{
		"id": "b1", "kind": "Bundle", "tenor": "1.0", "tenor_version": "1.0.0",
		"constructs": []
	}`))
	assert.NoError(t, err)
}

func TestSchemaRejectsMissingID(t *testing.T) {
	err := ValidateSchema([]byte(`{
		"kind": "Bundle", "tenor": "1.0", "tenor_version": "1.0.0", "constructs": []
	}`))
	assert.Error(t, err)
}

func TestSchemaRejectsWrongKind(t *testing.T) {
	err := ValidateSchema([]byte(`{
		"id": "b1", "kind": "NotABundle", "tenor": "1.0", "tenor_version": "1.0.0",
		"constructs": []
	}`))
	assert.Error(t, err)
}

func TestSchemaRejectsEntityWithoutStates(t *testing.T) {
	err := ValidateSchema([]byte(`{
		"id": "b1", "kind": "Bundle", "tenor": "1.0", "tenor_version": "1.0.0",
		"constructs": [{"id": "Order", "kind": "Entity", "initial": "draft"}]
	}`))
	assert.Error(t, err)
}

func TestSchemaAcceptsFullConstructSet(t *testing.T) {
	err := ValidateSchema([]byte(`{
		"id": "b1", "kind": "Bundle", "tenor": "1.0", "tenor_version": "1.0.0",
		"constructs": [
			{"id": "amount", "kind": "Fact", "type": {"base": "Int", "min": 0, "max": 100}},
			{"id": "Order", "kind": "Entity", "initial": "draft", "states": ["draft", "done"],
			 "transitions": [{"from": "draft", "to": "done"}]},
			{"id": "admin", "kind": "Persona"},
			{"id": "r1", "kind": "Rule", "stratum": 0,
			 "body": {"when": {"verdict_present": "x"}, "produce": {"verdict_type": "y", "payload": {}}}},
			{"id": "approve", "kind": "Operation", "allowed_personas": ["admin"],
			 "effects": [{"entity_id": "Order", "from": "draft", "to": "done"}], "outcomes": ["done"]},
			{"id": "f1", "kind": "Flow", "entry": "s1", "steps": []},
			{"id": "billing", "kind": "Source", "protocol": "http", "fields": {}}
		]
	}`))
	assert.NoError(t, err)
}

func TestDecodeValidatedRoundTrip(t *testing.T) {
	data := []byte(`{
		"id": "b1", "kind": "Bundle", "tenor": "1.0", "tenor_version": "1.0.0",
		"constructs": [{"id": "admin", "kind": "Persona"}]
	}`)
	b, err := DecodeValidated(data)
	require.NoError(t, err)
	assert.Equal(t, "b1", b.ID)
	assert.Len(t, b.Constructs, 1)
}
