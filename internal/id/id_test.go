package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	got, err := Generate("conn")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(got, "conn-"))
	assert.Len(t, got, len("conn-")+21)
}

func TestGenerate_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		got := MustGenerate("conn")
		assert.False(t, seen[got], "duplicate id %s", got)
		seen[got] = true
	}
}
