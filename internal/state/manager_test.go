package state

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	mgr := NewTestManager(t)

	require.NotNil(t, mgr.GetDB())
	assert.Equal(t, "state", mgr.Name())
	assert.NoError(t, mgr.Ping(context.Background()))
	assert.NoError(t, mgr.Start(context.Background()))
}

func TestManager_RecordsCleanShutdown(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()

	assert.Empty(t, mgr.PreviousShutdown())
	require.NoError(t, mgr.Start(ctx))
	assert.Equal(t, ShutdownFirstRun, mgr.PreviousShutdown())

	value, err := mgr.GetSystemState(ctx, lifecycleKey)
	require.NoError(t, err)
	assert.Equal(t, "running", value)

	// a second Start without Stop in between is a crashed run
	require.NoError(t, mgr.Start(ctx))
	assert.Equal(t, ShutdownUnclean, mgr.PreviousShutdown())

	path := mgr.db.Path()
	require.NoError(t, mgr.Stop(ctx))

	db, err := NewDatabase(path)
	require.NoError(t, err)
	reopened := &Manager{db: db, logger: mgr.logger}
	t.Cleanup(func() { reopened.Close() })

	require.NoError(t, reopened.Start(ctx))
	assert.Equal(t, ShutdownClean, reopened.PreviousShutdown())
}

func TestManager_SystemState(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()

	value, err := mgr.GetSystemState(ctx, "nonexistent_key")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, mgr.SaveSystemState(ctx, "test_key", "initial_value"))
	require.NoError(t, mgr.SaveSystemState(ctx, "test_key", "updated_value"))

	value, err = mgr.GetSystemState(ctx, "test_key")
	require.NoError(t, err)
	assert.Equal(t, "updated_value", value)
}

func TestManager_ConcurrentAccess(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("key_%d", n)
			assert.NoError(t, mgr.SaveSystemState(ctx, key, "v"))
			_, err := mgr.GetSystemState(ctx, key)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}

func TestManager_StopClosesDatabase(t *testing.T) {
	mgr := NewTestManager(t)

	require.NoError(t, mgr.Stop(context.Background()))
	assert.Error(t, mgr.Ping(context.Background()))
}
