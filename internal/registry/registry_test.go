package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchKnownHandler(t *testing.T) {
	r := New()
	called := false
	r.Register("set_reminder", func(ctx context.Context, userID string, args map[string]any) (any, error) {
		called = true
		assert.Equal(t, "alice", userID)
		assert.Equal(t, "milk", args["title"])
		return nil, nil
	})

	_, err := r.Dispatch(context.Background(), "set_reminder", "alice", map[string]any{"title": "milk"})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestDispatchUnknownNameIsIgnoredNotError(t *testing.T) {
	r := New()
	result, err := r.Dispatch(context.Background(), "nonexistent", "alice", nil)
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func TestDispatchHandlerErrorIsReturnedNotPanicked(t *testing.T) {
	r := New()
	r.Register("access_vault", func(ctx context.Context, userID string, args map[string]any) (any, error) {
		return nil, errors.New("boom")
	})

	_, err := r.Dispatch(context.Background(), "access_vault", "alice", nil)
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	r := New()
	r.Register("set_reminder", func(context.Context, string, map[string]any) (any, error) { return nil, nil })
	r.Register("play_media", func(context.Context, string, map[string]any) (any, error) { return nil, nil })

	names := r.Names()
	assert.ElementsMatch(t, []string{"set_reminder", "play_media"}, names)
}
