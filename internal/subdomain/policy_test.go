package subdomain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_ReturnsValidCandidate(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)
	assert.Len(t, s, 8)
	assert.NoError(t, Validate(s))
}

func TestGenerate_IsRandom(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]string{
		"too short":       "ab",
		"too long":        stringOfLength(64),
		"leading hyphen":  "-abc",
		"trailing hyphen": "abc-",
		"uppercase":       "ABC",
		"reserved word":   "admin",
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, Validate(s))
		})
	}
}

func TestValidate_AcceptsWellFormedLabel(t *testing.T) {
	assert.NoError(t, Validate("my-app-1"))
	assert.NoError(t, Validate("abc"))
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved("Admin"))
	assert.False(t, IsReserved("my-tunnel"))
}

func stringOfLength(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
