package jsonrepair

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_CommaRecovery(t *testing.T) {
	// E5: missing comma between two adjacent key-value pairs.
	v, err := Parse(`{"a": 1 "b": 2}`, "test", Options{})
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, float64(1), m["a"])
	assert.Equal(t, float64(2), m["b"])
}

func TestParse_ValidJSONRoundTrips(t *testing.T) {
	v, err := Parse(`{"x": 1, "y": [1,2,3]}`, "test", Options{})
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, float64(1), m["x"])
}

func TestParse_FencedCodeBlock(t *testing.T) {
	raw := "```json\n{\"a\": 1}\n```"
	v, err := Parse(raw, "test", Options{})
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, float64(1), m["a"])
}

func TestParse_ThinkingPreamble(t *testing.T) {
	raw := "Let me think about this carefully\n{\"a\": 1}"
	v, err := Parse(raw, "test", Options{})
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, float64(1), m["a"])
}

func TestParse_TrailingComma(t *testing.T) {
	v, err := Parse(`{"a": 1, "b": 2,}`, "test", Options{})
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, float64(2), m["b"])
}

func TestParse_UnbalancedBrackets(t *testing.T) {
	v, err := Parse(`{"a": [1, 2, 3}`, "test", Options{})
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.NotNil(t, m["a"])
}

func TestParse_WrapperKeyUnwrap(t *testing.T) {
	v, err := Parse(`{"result": {"a": 1}}`, "test", Options{WrapperKey: "result"})
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, float64(1), m["a"])
}

func TestParse_ListToBestDictMatch(t *testing.T) {
	raw := `[{"a": 1}, {"a": 1, "b": 2, "c": 3}]`
	v, err := Parse(raw, "test", Options{ExpectedKeys: []string{"a", "b", "c"}})
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, float64(3), m["c"])
}

func TestParse_AliasRecovery(t *testing.T) {
	raw := `{"templateName": "x"}`
	v, err := Parse(raw, "test", Options{ExpectedKeys: []string{"template_name"}})
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, "x", m["template_name"])
}

func TestParse_ExhaustionReturnsParseError(t *testing.T) {
	_, err := Parse("not json at all, just prose with no braces", "ctx-name", Options{})
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "ctx-name", pe.Context)
}

func TestExtractField(t *testing.T) {
	v, ok := ExtractField(`{"updated_paragraph_latest_state": "hello"}`, "updated_paragraph_latest_state")
	require.True(t, ok)
	assert.Equal(t, "hello", v)
}
