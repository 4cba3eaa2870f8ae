package clonepool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/octobot/octobot/internal/event"
)

var testKey = event.RepoKey{Host: "git.example.com", Owner: "acme", Repo: "widget"}

func TestAcquireReturnsDistinctDirectories(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	p := New("./repos", 3)

	seen := map[string]struct{}{}

	for i := 0; i < 3; i++ {
		lease, err := p.Acquire(context.Background(), testKey)
		require.NoError(t, err)

		_, exist := seen[lease.Path()]
		require.False(t, exist, "directory %q leased twice", lease.Path())
		seen[lease.Path()] = struct{}{}
	}
}

func TestDirectoryLayout(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	p := New("./repos", 1)

	lease, err := p.Acquire(context.Background(), testKey)
	require.NoError(t, err)

	expected := filepath.Join("repos", "git.example.com", "acme", "widget", "1")
	assert.Equal(t, expected, lease.Path())
}

func TestReleasedLeaseIsReused(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	p := New("./repos", 1)

	lease, err := p.Acquire(context.Background(), testKey)
	require.NoError(t, err)

	p.Release(lease)

	again, err := p.Acquire(context.Background(), testKey)
	require.NoError(t, err)

	assert.Equal(t, lease.Path(), again.Path())
}

func TestAcquireWaitsForFreeDirectory(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	p := New("./repos", 1)
	p.acquireBackoff = time.Millisecond

	lease, err := p.Acquire(context.Background(), testKey)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release(lease)
	}()

	again, err := p.Acquire(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, lease.Path(), again.Path())
}

func TestRosterIsRebuiltAfterWaiting(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	p := New("./repos", 1)
	p.acquireBackoff = time.Millisecond
	p.acquireMaxWaiting = 5 * time.Millisecond

	stuck, err := p.Acquire(context.Background(), testKey)
	require.NoError(t, err)

	// the stuck lease is never released, the rebuilt roster serves a
	// fresh path
	fresh, err := p.Acquire(context.Background(), testKey)
	require.NoError(t, err)
	assert.NotEqual(t, stuck.Path(), fresh.Path())

	// the stale lease from before the rebuild is discarded on release
	p.Release(stuck)
	p.Release(fresh)

	again, err := p.Acquire(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, fresh.Path(), again.Path())
}

func TestAcquireAbortsOnContextCancel(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	p := New("./repos", 1)
	p.acquireBackoff = time.Millisecond

	_, err := p.Acquire(context.Background(), testKey)
	require.NoError(t, err)

	ctx, cancelFn := context.WithCancel(context.Background())
	cancelFn()

	_, err = p.Acquire(ctx, testKey)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolsArePartitionedPerRepository(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	p := New("./repos", 1)

	otherKey := event.RepoKey{Host: "git.example.com", Owner: "acme", Repo: "gadget"}

	_, err := p.Acquire(context.Background(), testKey)
	require.NoError(t, err)

	// the other repository still has a free slot
	lease, err := p.Acquire(context.Background(), otherKey)
	require.NoError(t, err)
	assert.Contains(t, lease.Path(), "gadget")
}
