package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRuleFile(t *testing.T, dir, name string, rules []Rule) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data, err := json.Marshal(rules)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func writeMapping(t *testing.T, dir string, mapping map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, "mapping.json")
	data, err := json.Marshal(mapping)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestRegistry_LoadValid(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "patients.json", []Rule{
		{Path: "firstName", Type: TypeGivenName},
		{Path: "email", Type: TypeEmail},
		{Path: "contacts[*].phone", Type: TypePhone},
	})
	mappingPath := writeMapping(t, dir, map[string]string{"patients": "patients.json"})

	reg := NewRegistry(mappingPath, dir, nil)
	rs, err := reg.Load("patients")
	require.NoError(t, err)
	assert.Len(t, rs.Rules, 3)
	assert.Equal(t, "patients", rs.CollectionName)

	// Cached on second call.
	rs2, err := reg.Load("patients")
	require.NoError(t, err)
	assert.Same(t, rs, rs2)
}

func TestRegistry_UnknownCollection(t *testing.T) {
	dir := t.TempDir()
	mappingPath := writeMapping(t, dir, map[string]string{})
	reg := NewRegistry(mappingPath, dir, nil)

	_, err := reg.Load("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestRegistry_MissingMappingFile(t *testing.T) {
	reg := NewRegistry(filepath.Join(t.TempDir(), "missing.json"), t.TempDir(), nil)
	_, err := reg.Load("patients")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestRegistry_UnknownRuleType(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "patients.json", []Rule{
		{Path: "firstName", Type: "notARealType"},
	})
	mappingPath := writeMapping(t, dir, map[string]string{"patients": "patients.json"})

	reg := NewRegistry(mappingPath, dir, nil)
	_, err := reg.Load("patients")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestRegistry_DuplicatePathIsAmbiguous(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "patients.json", []Rule{
		{Path: "email", Type: TypeEmail},
		{Path: "email", Type: TypeLiteral, Options: Options{Value: "redacted"}},
	})
	mappingPath := writeMapping(t, dir, map[string]string{"patients": "patients.json"})

	reg := NewRegistry(mappingPath, dir, nil)
	_, err := reg.Load("patients")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAmbiguousOrder)
}

func TestRegistry_WildcardMustOccupyOwnSegment(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "patients.json", []Rule{
		{Path: "contacts[*]extra.phone", Type: TypePhone},
	})
	mappingPath := writeMapping(t, dir, map[string]string{"patients": "patients.json"})

	reg := NewRegistry(mappingPath, dir, nil)
	_, err := reg.Load("patients")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestRegistry_LoadFile_BypassesMapping(t *testing.T) {
	dir := t.TempDir()
	ruleFile := writeRuleFile(t, dir, "explicit.json", []Rule{
		{Path: "ssn", Type: TypeSSN},
	})
	// No mapping file on disk at all; LoadFile must not need one.
	reg := NewRegistry(filepath.Join(dir, "missing-mapping.json"), dir, nil)

	rs, err := reg.LoadFile("patients", ruleFile)
	require.NoError(t, err)
	assert.Len(t, rs.Rules, 1)

	rs2, err := reg.LoadFile("patients", ruleFile)
	require.NoError(t, err)
	assert.Same(t, rs, rs2)
}

func TestRegistry_Descriptor(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "patients.json", []Rule{
		{Path: "email", Type: TypeEmail},
		{Path: "firstName", Type: TypeGivenName},
	})
	mappingPath := writeMapping(t, dir, map[string]string{"patients": "patients.json"})

	reg := NewRegistry(mappingPath, dir, nil)
	desc, err := reg.Descriptor("patients")
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "firstName"}, desc.PHIPathsOfInterest)
	assert.Equal(t, "patients", desc.RuleSetRef)
}
