package requestctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromAndWith(t *testing.T) {
	assert.Nil(t, From(context.Background()))

	state := New("req-1")
	ctx := With(context.Background(), state)
	assert.Same(t, state, From(ctx))
}

func TestLogEnvironmentOnce(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	state := New("req-1")

	assert.True(t, state.LogEnvironmentOnce(logger, zap.Int("website_id", 1)))
	assert.False(t, state.LogEnvironmentOnce(logger, zap.Int("website_id", 1)))

	entries := logs.FilterMessage("request environment").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
}

func TestMemo(t *testing.T) {
	state := New("req-1")

	_, ok := state.Recall("k")
	assert.False(t, ok)

	state.Remember("k", "")
	v, ok := state.Recall("k")
	assert.True(t, ok)
	assert.Equal(t, "", v)

	state.Remember("k", "Gold")
	v, _ = state.Recall("k")
	assert.Equal(t, "Gold", v)

	state.Forget("k")
	_, ok = state.Recall("k")
	assert.False(t, ok)

	state.Remember("tier_a", "Gold")
	state.Remember("tier_b", "")
	state.Remember("other", "x")
	state.ForgetPrefix("tier_")
	_, ok = state.Recall("tier_a")
	assert.False(t, ok)
	_, ok = state.Recall("tier_b")
	assert.False(t, ok)
	_, ok = state.Recall("other")
	assert.True(t, ok)
}

func TestNilStateIsInert(t *testing.T) {
	var state *State
	assert.False(t, state.LogEnvironmentOnce(zap.NewNop()))
	state.Remember("k", "v")
	state.Forget("k")
	state.ForgetPrefix("")
	_, ok := state.Recall("k")
	assert.False(t, ok)
}
