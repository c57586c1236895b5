package streams

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseURLResolver(t *testing.T) {
	u, err := NewBaseURLResolver("rtmp://origin/live").Resolve(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "rtmp://origin/live/abc", u)

	u, err = NewBaseURLResolver("").Resolve(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "rtmp://rtmp.livepeer.com/live/abc", u)
}

func TestStoreResolver(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	require.NoError(t, store.Create(ctx, &Info{HumanID: "a", StreamKey: "k1", StreamURL: "rtmp://custom/live/k1"}))
	require.NoError(t, store.Create(ctx, &Info{HumanID: "b", StreamKey: "k2"}))
	r := NewStoreResolver(store, "rtmp://origin/live")

	u, err := r.Resolve(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "rtmp://custom/live/k1", u)

	u, err = r.Resolve(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, "rtmp://origin/live/k2", u)

	_, err = r.Resolve(ctx, "k3")
	assert.True(t, errors.Is(err, ErrStreamNotFound))
}
