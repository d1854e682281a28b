package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyrelay/account-gateway/internal/unified"
)

type memCache struct {
	data map[string]string
}

func newMemCache() *memCache { return &memCache{data: map[string]string{}} }

func (m *memCache) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.data[key] = value
	return nil
}

func textMessage(role, text string) unified.Message {
	return unified.Message{Role: role, Content: unified.BlockContent{{Type: unified.BlockText, Text: text}}}
}

func TestMetadataSessionIDWins(t *testing.T) {
	req := &unified.Request{
		Metadata: &unified.Metadata{UserID: "user_abc_account__session_4f0f6a2e-1234-5678-9abc-def012345678"},
		System:   unified.SystemPrompt{{Type: unified.BlockText, Text: "system prompt"}},
		Messages: []unified.Message{textMessage("user", "hi")},
	}
	key, ok := ComputeKey(req)
	require.True(t, ok)

	// Same UUID under a different user prefix maps to the same session.
	req2 := &unified.Request{
		Metadata: &unified.Metadata{UserID: "user_zzz_account__session_4f0f6a2e-1234-5678-9abc-def012345678"},
		Messages: []unified.Message{textMessage("user", "different content")},
	}
	key2, ok := ComputeKey(req2)
	require.True(t, ok)
	assert.Equal(t, key, key2)
}

func TestCacheableBlockBeatsSystem(t *testing.T) {
	withCache := &unified.Request{
		System: unified.SystemPrompt{
			{Type: unified.BlockText, Text: "plain"},
			{Type: unified.BlockText, Text: "anchored", CacheControl: &unified.CacheControl{Type: "ephemeral"}},
		},
		Messages: []unified.Message{textMessage("user", "hi")},
	}
	keyA, ok := ComputeKey(withCache)
	require.True(t, ok)

	sameAnchor := &unified.Request{
		System: unified.SystemPrompt{
			{Type: unified.BlockText, Text: "other plain"},
			{Type: unified.BlockText, Text: "anchored", CacheControl: &unified.CacheControl{Type: "ephemeral"}},
		},
		Messages: []unified.Message{textMessage("user", "bye")},
	}
	keyB, ok := ComputeKey(sameAnchor)
	require.True(t, ok)
	assert.Equal(t, keyA, keyB)
}

func TestFallbackChain(t *testing.T) {
	systemOnly := &unified.Request{
		System:   unified.SystemPrompt{{Type: unified.BlockText, Text: "sys"}},
		Messages: []unified.Message{{Role: "user", Content: unified.BlockContent{{Type: unified.BlockImage}}}},
	}
	_, ok := ComputeKey(systemOnly)
	assert.True(t, ok)

	firstMessage := &unified.Request{Messages: []unified.Message{textMessage("user", "hello")}}
	_, ok = ComputeKey(firstMessage)
	assert.True(t, ok)

	nothing := &unified.Request{Messages: []unified.Message{{Role: "user", Content: unified.BlockContent{{Type: unified.BlockImage}}}}}
	key, ok := ComputeKey(nothing)
	assert.False(t, ok)
	assert.Empty(t, key)
}

func TestBindAndLookup(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(newMemCache())

	r.Bind(ctx, "key-1", "acct-7")
	got, ok := r.Lookup(ctx, "key-1")
	require.True(t, ok)
	assert.Equal(t, "acct-7", got)

	_, ok = r.Lookup(ctx, "")
	assert.False(t, ok)
	_, ok = r.Lookup(ctx, "missing")
	assert.False(t, ok)
}
