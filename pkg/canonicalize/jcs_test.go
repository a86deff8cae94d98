package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashHelper(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

type tagged struct {
	Zed string `json:"zed"`
	Alp string `json:"alp"`
}

func TestJCS(t *testing.T) {
	tests := []struct {
		name   string
		input  any
		expect string
	}{
		{
			name:   "unordered keys",
			input:  map[string]any{"b": 2, "a": 1},
			expect: `{"a":1,"b":2}`,
		},
		{
			name:   "nested object",
			input:  map[string]any{"x": map[string]any{"z": 10, "y": 5}},
			expect: `{"x":{"y":5,"z":10}}`,
		},
		{
			name:   "no html escaping",
			input:  map[string]any{"q": "a<b&c>d"},
			expect: `{"q":"a<b&c>d"}`,
		},
		{
			name:   "numbers use shortest form",
			input:  map[string]any{"n": 1.50, "i": 1e21},
			expect: `{"i":1e+21,"n":1.5}`,
		},
		{
			name:   "struct tags respected",
			input:  tagged{Zed: "z", Alp: "a"},
			expect: `{"alp":"a","zed":"z"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JCS(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, string(got))
		})
	}
}

func TestJCS_NormalizesUnicode(t *testing.T) {
	composed := map[string]any{"supplier": "Caf\u00e9"}
	decomposed := map[string]any{"supplier": "Cafe\u0301"}

	a, err := CanonicalHash(composed)
	require.NoError(t, err)
	b, err := CanonicalHash(decomposed)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalHash(t *testing.T) {
	h, err := CanonicalHash(map[string]any{"b": "2", "a": "1"})
	require.NoError(t, err)
	assert.Equal(t, hashHelper(`{"a":"1","b":"2"}`), h)
	assert.Len(t, h, 64)
}

func TestJCS_RejectsUnmarshalable(t *testing.T) {
	_, err := JCS(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}
