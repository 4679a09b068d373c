package jsonutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalSortsKeysAndUsesCompactSeparators(t *testing.T) {
	got, err := Canonical(map[string]any{
		"zebra": 1,
		"alpha": map[string]any{"b": 2, "a": 1},
		"mid":   []any{"x", "y"},
	})
	require.NoError(t, err)
	require.Equal(t, `{"alpha":{"a":1,"b":2},"mid":["x","y"],"zebra":1}`, string(got))
}

func TestCanonicalHonorsStructTags(t *testing.T) {
	type payload struct {
		B       string `json:"b_field"`
		A       string `json:"a_field"`
		Skipped string `json:"skipped,omitempty"`
	}
	got, err := Canonical(payload{B: "two", A: "one"})
	require.NoError(t, err)
	require.Equal(t, `{"a_field":"one","b_field":"two"}`, string(got))
}

func TestCanonicalEscapesNonASCII(t *testing.T) {
	got, err := Canonical(map[string]string{"name": "Zoë"})
	require.NoError(t, err)
	require.Equal(t, `{"name":"Zo\u00eb"}`, string(got))

	// Runes above the BMP encode as a UTF-16 surrogate pair.
	got, err = Canonical(map[string]string{"emoji": "\U0001F600"})
	require.NoError(t, err)
	require.Equal(t, `{"emoji":"\ud83d\ude00"}`, string(got))
}

func TestCanonicalEscapesControlCharacters(t *testing.T) {
	got, err := Canonical(map[string]string{"s": "a\tb\nc\"d\\e"})
	require.NoError(t, err)
	require.Equal(t, `{"s":"a\tb\nc\"d\\e"}`, string(got))
}

func TestCanonicalPreservesNumberText(t *testing.T) {
	got, err := Canonical(map[string]any{"cost": json.Number("0.00000123"), "n": 42})
	require.NoError(t, err)
	require.Equal(t, `{"cost":0.00000123,"n":42}`, string(got))
}

func TestSHA256HexIsStableAcrossKeyOrder(t *testing.T) {
	a, err := SHA256Hex(map[string]any{"x": 1, "y": "two"})
	require.NoError(t, err)
	b, err := SHA256Hex(map[string]any{"y": "two", "x": 1})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 64)

	c, err := SHA256Hex(map[string]any{"x": 1, "y": "three"})
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
