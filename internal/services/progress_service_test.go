package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/AIShowrunner/internal/models"
)

func TestProgressTrackerLifecycle(t *testing.T) {
	service := NewProgressService()
	tracker := service.CreateTracker("task_1", 2)
	assert.Same(t, tracker, service.CreateTracker("task_1", 5))

	updates := tracker.Subscribe()
	first := <-updates
	assert.Equal(t, TaskRunning, first.Status)
	assert.Equal(t, 2, first.Total)

	tracker.StageFinished(models.PipelineProgress{Completed: 1, Total: 2, Percent: 50},
		models.GenerationResult{Stage: models.StageLocations, State: models.StateSucceeded})
	update := <-updates
	assert.Equal(t, 50, update.Progress)
	assert.Equal(t, models.StageLocations, update.Stage)
	assert.Equal(t, "Locations succeeded (1/2)", update.Message)

	run := &models.PipelineRun{Results: []*models.GenerationResult{
		{Stage: models.StageLocations, State: models.StateSucceeded},
		{Stage: models.StageSchedule, State: models.StateFailed},
	}}
	tracker.Finish(run)

	final := <-updates
	assert.Equal(t, TaskCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.True(t, final.Final())

	_, open := <-updates
	assert.False(t, open)

	select {
	case <-tracker.Done():
	default:
		t.Fatal("done channel not closed")
	}

	got, err := tracker.Result()
	require.NoError(t, err)
	assert.Same(t, run, got)
}

func TestProgressTrackerCancel(t *testing.T) {
	service := NewProgressService()
	tracker := service.CreateTracker("task_2", 1)

	assert.False(t, service.Cancel("missing"))

	ctx, cancel := context.WithCancel(context.Background())
	tracker.SetCancel(cancel)
	assert.True(t, service.Cancel("task_2"))
	assert.Error(t, ctx.Err())

	tracker.Finish(&models.PipelineRun{Cancelled: true, Results: []*models.GenerationResult{
		{Stage: models.StageSchedule, State: models.StatePending},
	}})
	assert.Equal(t, TaskCancelled, tracker.Snapshot().Status)
	assert.False(t, tracker.Cancel())
}

func TestProgressSubscribeAfterFinish(t *testing.T) {
	tracker := NewProgressService().CreateTracker("task_3", 1)
	tracker.Finish(&models.PipelineRun{})

	updates := tracker.Subscribe()
	update, ok := <-updates
	require.True(t, ok)
	assert.Equal(t, TaskCompleted, update.Status)
	_, ok = <-updates
	assert.False(t, ok)

	// 重复结束不会 panic
	assert.NotPanics(t, func() { tracker.Fail(assert.AnError) })
}

func TestCleanupCompletedTasks(t *testing.T) {
	service := NewProgressService()
	done := service.CreateTracker("done", 1)
	done.Finish(&models.PipelineRun{})
	service.CreateTracker("running", 1)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, service.CleanupCompletedTasks(time.Millisecond))

	_, ok := service.GetTracker("done")
	assert.False(t, ok)
	_, ok = service.GetTracker("running")
	assert.True(t, ok)
}
