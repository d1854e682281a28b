package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapModel(t *testing.T) {
	table := map[string]string{"claude-sonnet-4-5": "exact-target"}
	rules := []FamilyRule{
		{Substr: "opus", Target: "opus-target"},
		{Substr: "claude", Target: "claude-target"},
	}

	assert.Equal(t, "exact-target", MapModel("claude-sonnet-4-5", table, rules, "def"))
	// First matching rule wins even when a later one also matches.
	assert.Equal(t, "opus-target", MapModel("claude-opus-4-1", table, rules, "def"))
	assert.Equal(t, "claude-target", MapModel("claude-haiku-3-5", table, rules, "def"))
	assert.Equal(t, "def", MapModel("totally-unknown", table, rules, "def"))
	assert.Equal(t, "opus-target", MapModel("CLAUDE-OPUS", table, rules, "def"))
}
