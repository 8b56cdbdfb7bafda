package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_Deterministic(t *testing.T) {
	a := map[string]any{"r": []string{"x"}, "b": 1, "a": "z"}
	b := map[string]any{"a": "z", "b": 1, "r": []string{"x"}}

	encA, err := Marshal(a)
	require.NoError(t, err)
	encB, err := Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, encA, encB, "map key order must not affect encoding")
}

func TestUnmarshal_UntypedMapsAreStringKeyed(t *testing.T) {
	data, err := Marshal(map[string]any{"k": "news"})
	require.NoError(t, err)

	var v any
	require.NoError(t, Unmarshal(data, &v))
	m, ok := v.(map[string]any)
	require.True(t, ok, "got %T", v)
	assert.Equal(t, "news", m["k"])
}

func TestRawMessage_PassThrough(t *testing.T) {
	inner, err := Marshal([]byte("payload"))
	require.NoError(t, err)

	data, err := Marshal([]RawMessage{inner, Null})
	require.NoError(t, err)

	var fields []RawMessage
	require.NoError(t, Unmarshal(data, &fields))
	require.Len(t, fields, 2)
	assert.True(t, bytes.Equal(inner, fields[0]))
	assert.True(t, IsNull(fields[1]))
	assert.False(t, IsNull(fields[0]))
}

func TestStreamEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode("one"))
	require.NoError(t, enc.Encode("two"))

	dec := NewDecoder(&buf)
	var s string
	require.NoError(t, dec.Decode(&s))
	assert.Equal(t, "one", s)
	require.NoError(t, dec.Decode(&s))
	assert.Equal(t, "two", s)
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]any{"r": []string{}})
	require.NoError(t, err)
	diag, err := Diagnose(data)
	require.NoError(t, err)
	assert.Equal(t, `{"r": []}`, diag)
}
