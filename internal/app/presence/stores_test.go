package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiStoreWritesEveryStore(t *testing.T) {
	ctx := context.Background()
	broken := &fakeStore{fail: true}
	ok := &fakeStore{}
	s := MultiStore(broken, nil, ok)

	require.Error(t, s.MarkOnline(ctx, "u1", time.Now()))
	require.Error(t, s.MarkOffline(ctx, "u1", time.Now()))

	assert.Equal(t, []string{"online", "offline"}, broken.ops("u1"))
	assert.Equal(t, []string{"online", "offline"}, ok.ops("u1"))

	require.NoError(t, MultiStore(ok).MarkOnline(ctx, "u2", time.Now()))
}
