package checkpoint

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	cursor, err := store.Load(ctx, "works")
	require.NoError(t, err)
	assert.Empty(t, cursor, "an absent checkpoint is an empty cursor, not an error")

	require.NoError(t, store.Save(ctx, "works", "IlsxNjA5Mzcyft=="))
	cursor, err = store.Load(ctx, "works")
	require.NoError(t, err)
	assert.Equal(t, "IlsxNjA5Mzcyft==", cursor)

	// Keys are independent streams.
	other, err := store.Load(ctx, "concepts")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, store.Save(ctx, "works", "next"))
	cursor, _ = store.Load(ctx, "works")
	assert.Equal(t, "next", cursor)

	require.NoError(t, store.Close())
}

func TestInMemoryStore_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Save(ctx, "works", "c")
			_, _ = store.Load(ctx, "works")
		}()
	}
	wg.Wait()

	cursor, err := store.Load(ctx, "works")
	require.NoError(t, err)
	assert.Equal(t, "c", cursor)
}
