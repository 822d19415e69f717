package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRegistry(client)
}

func TestRegistry_ExclusiveExcludesShared(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	h, err := r.AcquireExclusive(ctx, "agencies", Options{Timeout: 0, Step: 10 * time.Millisecond, Expires: time.Minute})
	require.NoError(t, err)

	_, err = r.AcquireShared(ctx, "agencies", Options{Timeout: 0, Step: 10 * time.Millisecond, Expires: time.Minute})
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, r.Release(ctx, h))

	h2, err := r.AcquireShared(ctx, "agencies", Options{Timeout: time.Second, Step: 10 * time.Millisecond, Expires: time.Minute})
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx, h2))
}

func TestRegistry_SharedExcludesExclusive(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	h, err := r.AcquireShared(ctx, "routes", Options{Timeout: 0, Step: 10 * time.Millisecond, Expires: time.Minute})
	require.NoError(t, err)

	_, err = r.AcquireExclusive(ctx, "routes", Options{Timeout: 0, Step: 10 * time.Millisecond, Expires: time.Minute})
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, r.Release(ctx, h))
}

func TestRegistry_ExpiredExclusiveIsReclaimable(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	h, err := r.AcquireExclusive(ctx, "agencies", Options{Timeout: time.Second, Step: 10 * time.Millisecond, Expires: 10 * time.Millisecond})
	require.NoError(t, err)
	_ = h

	time.Sleep(20 * time.Millisecond)

	h2, err := r.AcquireExclusive(ctx, "agencies", Options{Timeout: time.Second, Step: 10 * time.Millisecond, Expires: time.Minute})
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx, h2))
}

func TestRegistry_MultipleSharedHoldersCoexist(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	opts := Options{Timeout: time.Second, Step: 10 * time.Millisecond, Expires: time.Minute}

	h1, err := r.AcquireShared(ctx, "routes", opts)
	require.NoError(t, err)
	h2, err := r.AcquireShared(ctx, "routes", opts)
	require.NoError(t, err)

	require.NoError(t, r.Release(ctx, h1))
	require.NoError(t, r.Release(ctx, h2))
}

// TestMatrix_S6ConcurrentRefreshAndRead exercises spec scenario S6: an
// exclusive "agencies" holder blocks a concurrent shared attempt, and a
// retry after release observes the release.
func TestMatrix_S6ConcurrentRefreshAndRead(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	setA, err := r.AcquireForAgencyRefresh(ctx, Options{Timeout: 0, Step: 10 * time.Millisecond, Expires: time.Minute})
	require.NoError(t, err)

	_, err = r.AcquireForReaders(ctx, Options{Timeout: 0, Step: 10 * time.Millisecond, Expires: time.Minute})
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, setA.Release(ctx))

	setB, err := r.AcquireForReaders(ctx, Options{Timeout: time.Second, Step: 10 * time.Millisecond, Expires: time.Minute})
	require.NoError(t, err)
	require.NoError(t, setB.Release(ctx))
}
