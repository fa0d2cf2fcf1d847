package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceStatus_Lifecycle(t *testing.T) {
	status := NewServiceStatus("stream-registry")
	require.NotNil(t, status)
	assert.Equal(t, StatusStopped, status.GetStatus())
	assert.False(t, status.IsRunning())
	assert.Zero(t, status.GetUptime())

	status.SetStatus(StatusStarting)
	assert.Equal(t, StatusStarting, status.GetStatus())
	assert.True(t, status.StartedAt.IsZero(), "only running sets the start time")

	status.SetStatus(StatusRunning)
	assert.True(t, status.IsRunning())
	assert.False(t, status.StartedAt.IsZero())

	time.Sleep(20 * time.Millisecond)
	assert.GreaterOrEqual(t, status.GetUptime(), 20*time.Millisecond)

	status.SetStatus(StatusStopping)
	assert.Zero(t, status.GetUptime())
	status.SetStatus(StatusStopped)
	assert.False(t, status.IsRunning())
}

func TestServiceStatus_ErrorClearedOnRestart(t *testing.T) {
	status := NewServiceStatus("mqtt-publisher")

	status.SetError(errors.New("broker unreachable"))
	assert.Equal(t, StatusError, status.GetStatus())
	require.Error(t, status.GetError())
	assert.Equal(t, "broker unreachable", status.GetError().Error())

	status.SetStatus(StatusRunning)
	assert.NoError(t, status.GetError())
}

func TestServiceStatus_Snapshot(t *testing.T) {
	status := NewServiceStatus("outbox")
	status.SetError(errors.New("sink unavailable"))

	snap := status.Snapshot()
	assert.Equal(t, "outbox", snap.Name)
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, "sink unavailable", snap.Error)
	assert.Empty(t, snap.Uptime)

	status.SetStatus(StatusRunning)
	snap = status.Snapshot()
	assert.Empty(t, snap.Error)
	assert.NotEmpty(t, snap.Uptime)
}

func TestServiceStatus_ConcurrentAccess(t *testing.T) {
	status := NewServiceStatus("device-manager")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				status.SetStatus(StatusRunning)
				_ = status.Snapshot()
				_ = status.GetUptime()
				status.SetStatus(StatusStopped)
			}
		}()
	}
	wg.Wait()

	assert.NotEqual(t, StatusError, status.GetStatus())
}
