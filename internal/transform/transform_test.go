package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phimask.dev/internal/maskdoc"
	"phimask.dev/internal/rules"
	"phimask.dev/internal/store"
)

func TestApply_SimpleFieldMasked(t *testing.T) {
	doc := store.Document{
		ID: "pat-1",
		Fields: map[string]any{
			"firstName": "Alice",
			"diagnosis": "asthma",
		},
	}
	ruleSet := &rules.RuleSet{
		CollectionName: "patients",
		Rules:          []rules.Rule{{Path: "firstName", Type: rules.TypeGivenName}},
	}

	newDoc, op, failures := Apply(doc, ruleSet, maskdoc.NewWorkerRand("run-1", 0))

	require.Empty(t, failures)
	assert.Equal(t, []string{"firstName"}, op.ChangedPaths)
	assert.NotEqual(t, "Alice", newDoc.Fields["firstName"])
	assert.Equal(t, "asthma", newDoc.Fields["diagnosis"])
	assert.NotEmpty(t, op.OriginalHash)
}

func TestApply_WildcardExpandsOverArray(t *testing.T) {
	doc := store.Document{
		ID: "pat-1",
		Fields: map[string]any{
			"contacts": []any{
				map[string]any{"phone": "555-111-2222"},
				map[string]any{"phone": "555-333-4444"},
			},
		},
	}
	ruleSet := &rules.RuleSet{
		Rules: []rules.Rule{{Path: "contacts[*].phone", Type: rules.TypePhone}},
	}

	newDoc, op, failures := Apply(doc, ruleSet, maskdoc.NewWorkerRand("run-1", 0))

	require.Empty(t, failures)
	assert.ElementsMatch(t, []string{"contacts.0.phone", "contacts.1.phone"}, op.ChangedPaths)
	contacts := newDoc.Fields["contacts"].([]any)
	assert.NotEqual(t, "555-111-2222", contacts[0].(map[string]any)["phone"])
	assert.NotEqual(t, "555-333-4444", contacts[1].(map[string]any)["phone"])
}

func TestApply_MissingIntermediateSegmentSkipsRule(t *testing.T) {
	doc := store.Document{
		ID:     "pat-1",
		Fields: map[string]any{"name": "Bob"},
	}
	ruleSet := &rules.RuleSet{
		Rules: []rules.Rule{{Path: "address.street", Type: rules.TypeStreetAddress}},
	}

	newDoc, op, failures := Apply(doc, ruleSet, maskdoc.NewWorkerRand("run-1", 0))

	assert.Empty(t, failures)
	assert.Empty(t, op.ChangedPaths)
	assert.Equal(t, "Bob", newDoc.Fields["name"])
	_, hasAddress := newDoc.Fields["address"]
	assert.False(t, hasAddress, "masking a missing path must not create the field (R2)")
}

func TestApply_NoOpRuleDoesNotAppearInChangedPaths(t *testing.T) {
	doc := store.Document{
		ID:     "pat-1",
		Fields: map[string]any{"status": "active"},
	}
	ruleSet := &rules.RuleSet{
		Rules: []rules.Rule{{Path: "status", Type: rules.TypeLiteral, Options: rules.Options{Value: "active"}}},
	}

	_, op, failures := Apply(doc, ruleSet, maskdoc.NewWorkerRand("run-1", 0))

	assert.Empty(t, failures)
	assert.Empty(t, op.ChangedPaths, "a rule that re-generates the same value must be a no-op")
}

func TestApply_PreserveNullKeepsFieldAbsentFromChangedPaths(t *testing.T) {
	doc := store.Document{
		ID:     "pat-1",
		Fields: map[string]any{"ssn": nil},
	}
	ruleSet := &rules.RuleSet{
		Rules: []rules.Rule{{Path: "ssn", Type: rules.TypeSSN, Options: rules.Options{PreserveNull: true}}},
	}

	newDoc, op, failures := Apply(doc, ruleSet, maskdoc.NewWorkerRand("run-1", 0))

	assert.Empty(t, failures)
	assert.Empty(t, op.ChangedPaths)
	assert.Nil(t, newDoc.Fields["ssn"])
}

func TestApply_ConditionSkipsRuleWhenFalse(t *testing.T) {
	doc := store.Document{
		ID: "pat-1",
		Fields: map[string]any{
			"emergencyContactPhone": "555-999-0000",
			"hasEmergencyContact":   false,
		},
	}
	exists := true
	ruleSet := &rules.RuleSet{
		Rules: []rules.Rule{{
			Path: "emergencyContactPhone",
			Type: rules.TypePhone,
			Condition: &rules.Condition{
				Path:   "hasEmergencyContact",
				Equals: exists,
			},
		}},
	}

	newDoc, op, failures := Apply(doc, ruleSet, maskdoc.NewWorkerRand("run-1", 0))

	assert.Empty(t, failures)
	assert.Empty(t, op.ChangedPaths)
	assert.Equal(t, "555-999-0000", newDoc.Fields["emergencyContactPhone"])
}

func TestApply_ConditionAppliesRuleWhenTrue(t *testing.T) {
	doc := store.Document{
		ID: "pat-1",
		Fields: map[string]any{
			"emergencyContactPhone": "555-999-0000",
			"hasEmergencyContact":   true,
		},
	}
	ruleSet := &rules.RuleSet{
		Rules: []rules.Rule{{
			Path: "emergencyContactPhone",
			Type: rules.TypePhone,
			Condition: &rules.Condition{
				Path:   "hasEmergencyContact",
				Equals: true,
			},
		}},
	}

	_, op, failures := Apply(doc, ruleSet, maskdoc.NewWorkerRand("run-1", 0))

	assert.Empty(t, failures)
	assert.Equal(t, []string{"emergencyContactPhone"}, op.ChangedPaths)
}

func TestApply_TypeMismatchRecordsFailureAndKeepsOriginal(t *testing.T) {
	doc := store.Document{
		ID:     "pat-1",
		Fields: map[string]any{"email": true},
	}
	ruleSet := &rules.RuleSet{
		Rules: []rules.Rule{{Path: "email", Type: rules.TypeEmail}},
	}

	newDoc, op, failures := Apply(doc, ruleSet, maskdoc.NewWorkerRand("run-1", 0))

	require.Len(t, failures, 1)
	assert.Equal(t, "pat-1", failures[0].DocID)
	assert.Equal(t, "email", failures[0].Path)
	assert.Equal(t, rules.TypeEmail, failures[0].RuleType)
	assert.Empty(t, op.ChangedPaths)
	assert.Equal(t, true, newDoc.Fields["email"])
}

func TestApply_ShapePreservation_NonPHIFieldsByteIdentical(t *testing.T) {
	doc := store.Document{
		ID: "pat-1",
		Fields: map[string]any{
			"firstName": "Alice",
			"vitals":    map[string]any{"heartRate": float64(72), "notes": "stable"},
		},
	}
	ruleSet := &rules.RuleSet{
		Rules: []rules.Rule{{Path: "firstName", Type: rules.TypeGivenName}},
	}

	newDoc, _, failures := Apply(doc, ruleSet, maskdoc.NewWorkerRand("run-1", 0))

	require.Empty(t, failures)
	assert.Equal(t, doc.Fields["vitals"], newDoc.Fields["vitals"])

	// The input document itself must be untouched.
	assert.Equal(t, "Alice", doc.Fields["firstName"])
}

func TestApply_RulesRunInRegistryOrder(t *testing.T) {
	doc := store.Document{
		ID:     "pat-1",
		Fields: map[string]any{"note": "x"},
	}
	ruleSet := &rules.RuleSet{
		Rules: []rules.Rule{
			{Path: "note", Type: rules.TypeLiteral, Options: rules.Options{Value: "first"}},
			{Path: "note", Type: rules.TypeLiteral, Options: rules.Options{Value: "second"}},
		},
	}

	newDoc, _, failures := Apply(doc, ruleSet, maskdoc.NewWorkerRand("run-1", 0))

	require.Empty(t, failures)
	assert.Equal(t, "second", newDoc.Fields["note"])
}
