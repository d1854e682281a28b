package upstream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortNamesPassThrough(t *testing.T) {
	nm := NewNameMap([]string{"get_weather", "search"})
	assert.Equal(t, "get_weather", nm.Shorten("get_weather"))
	assert.Equal(t, "get_weather", nm.Restore("get_weather"))
}

func TestLongNameTruncatedTo64(t *testing.T) {
	long := strings.Repeat("a", 100)
	nm := NewNameMap([]string{long})
	short := nm.Shorten(long)
	require.Len(t, short, 64)
	assert.Equal(t, long, nm.Restore(short))
}

func TestMCPSuffixPreserved(t *testing.T) {
	name := strings.Repeat("x", 80) + "mcp__server__tool_name"
	nm := NewNameMap([]string{name})
	short := nm.Shorten(name)
	require.LessOrEqual(t, len(short), 64)
	assert.Equal(t, "mcp__server__tool_name", short)
	assert.Equal(t, name, nm.Restore(short))
}

func TestCollidingNamesStayDistinct(t *testing.T) {
	a := strings.Repeat("a", 70) + "_first"
	b := strings.Repeat("a", 70) + "_other"
	// Both hard-truncate to the same 64-char prefix.
	nm := NewNameMap([]string{a, b})
	sa, sb := nm.Shorten(a), nm.Shorten(b)
	require.NotEqual(t, sa, sb)
	assert.LessOrEqual(t, len(sa), 64)
	assert.LessOrEqual(t, len(sb), 64)
	assert.Equal(t, a, nm.Restore(sa))
	assert.Equal(t, b, nm.Restore(sb))
}

func TestUnknownNamesPassThrough(t *testing.T) {
	nm := NewNameMap(nil)
	assert.Equal(t, "mystery", nm.Shorten("mystery"))
	assert.Equal(t, "mystery", nm.Restore("mystery"))
}

func TestNilMapIsSafe(t *testing.T) {
	var nm *NameMap
	assert.Equal(t, "x", nm.Shorten("x"))
	assert.Equal(t, "x", nm.Restore("x"))
}
