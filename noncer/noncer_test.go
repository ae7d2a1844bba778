package noncer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigner = Signer{
	Address: "0xAbCd000000000000000000000000000000000001",
	Chain:   "ethereum",
	Network: "mainnet",
}

func TestEnsureInitializedSeedsOnce(t *testing.T) {
	cache := New(NewMemoryBacking())
	ctx := context.Background()

	require.NoError(t, cache.EnsureInitialized(ctx, testSigner, 42))
	// A second seed with a different value must not win.
	require.NoError(t, cache.EnsureInitialized(ctx, testSigner, 999))

	n, err := cache.Current(ctx, testSigner)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
}

func TestNextAdvances(t *testing.T) {
	cache := New(NewMemoryBacking())
	ctx := context.Background()
	require.NoError(t, cache.EnsureInitialized(ctx, testSigner, 10))

	for want := uint64(10); want < 15; want++ {
		n, err := cache.Next(ctx, testSigner)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	cur, err := cache.Current(ctx, testSigner)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), cur)
}

func TestNextConcurrentUnique(t *testing.T) {
	cache := New(NewMemoryBacking())
	ctx := context.Background()
	require.NoError(t, cache.EnsureInitialized(ctx, testSigner, 0))

	const workers = 16
	const perWorker = 50

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				n, err := cache.Next(ctx, testSigner)
				assert.NoError(t, err)
				mu.Lock()
				assert.False(t, seen[n], "nonce %d allocated twice", n)
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

func TestCurrentUninitialized(t *testing.T) {
	cache := New(NewMemoryBacking())
	_, err := cache.Current(context.Background(), testSigner)
	assert.ErrorIs(t, err, ErrUninitialized)
}

func TestReset(t *testing.T) {
	cache := New(NewMemoryBacking())
	ctx := context.Background()
	require.NoError(t, cache.EnsureInitialized(ctx, testSigner, 5))

	require.NoError(t, cache.Reset(ctx, testSigner, 100))
	n, err := cache.Next(ctx, testSigner)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), n)
}

func TestSignersIsolated(t *testing.T) {
	cache := New(NewMemoryBacking())
	ctx := context.Background()
	other := Signer{Address: testSigner.Address, Chain: "polygon", Network: "mainnet"}

	require.NoError(t, cache.EnsureInitialized(ctx, testSigner, 10))
	require.NoError(t, cache.EnsureInitialized(ctx, other, 20))

	n1, err := cache.Next(ctx, testSigner)
	require.NoError(t, err)
	n2, err := cache.Next(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n1)
	assert.Equal(t, uint64(20), n2)
}
