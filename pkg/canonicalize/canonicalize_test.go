package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeysAndStripsWhitespace(t *testing.T) {
	in := map[string]any{
		"zeta":  1,
		"alpha": "x",
		"nested": map[string]any{
			"b": true,
			"a": nil,
		},
	}

	out, err := JCS(in)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","nested":{"a":null,"b":true},"zeta":1}`, string(out))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(out))
}

func TestJCS_RespectsStructTags(t *testing.T) {
	type rec struct {
		B string `json:"b"`
		A string `json:"a"`
		C string `json:"c,omitempty"`
	}
	out, err := JCS(rec{B: "2", A: "1"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1","b":"2"}`, string(out))
}

func TestCanonicalHash_Deterministic(t *testing.T) {
	a := map[string]any{"x": 1, "y": "z"}
	b := map[string]any{"y": "z", "x": 1}

	ha, err := CanonicalHash(a)
	require.NoError(t, err)
	hb, err := CanonicalHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}
