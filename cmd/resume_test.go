//go:build !integration

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModifications(t *testing.T) {
	mods, err := parseModifications([]string{
		"ceiling=2500",
		"artifacts.ad-1=rejected",
		"artifacts.lp-1 = approved",
		"price_test_approved=true",
	})
	require.NoError(t, err)
	assert.Equal(t, 2500.0, mods["ceiling"])
	assert.Equal(t, true, mods["price_test_approved"])
	assert.Equal(t, map[string]any{"ad-1": "rejected", "lp-1": "approved"}, mods["artifacts"])
}

func TestParseModifications_Empty(t *testing.T) {
	mods, err := parseModifications(nil)
	require.NoError(t, err)
	assert.Nil(t, mods)
}

func TestParseModifications_Invalid(t *testing.T) {
	for _, in := range []string{"ceiling", "=5"} {
		_, err := parseModifications([]string{in})
		assert.Error(t, err, in)
	}
}
