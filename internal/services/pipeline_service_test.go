package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/AIShowrunner/internal/config"
	apperrors "github.com/Corphon/AIShowrunner/internal/errors"
	"github.com/Corphon/AIShowrunner/internal/models"
	"github.com/Corphon/AIShowrunner/internal/storage"
)

func newTestPipeline(t *testing.T, gen *fakeGenerator, sections *SectionService) *PipelineService {
	t.Helper()
	cfg := config.DefaultGenerationConfig()
	return NewPipelineService(NewStageService(gen, cfg, nil), sections, nil, 0)
}

func newTestSections(t *testing.T) (*SectionService, storage.SectionStore) {
	t.Helper()
	store, err := storage.NewFileSectionStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewSectionService(store, nil), store
}

func pipelineRequest(stages ...models.Stage) PipelineRequest {
	return PipelineRequest{
		UserID:       "u1",
		StoryBibleID: "b1",
		Base:         sampleRequest(""),
		Stages:       stages,
	}
}

func TestPlanWavesAllStages(t *testing.T) {
	waves, err := PlanWaves(nil)
	require.NoError(t, err)
	require.Len(t, waves, 3)
	assert.ElementsMatch(t, []models.Stage{
		models.StageLocations, models.StageCasting, models.StagePropsWardrobe, models.StageEquipment, models.StagePermits,
	}, waves[0])
	assert.ElementsMatch(t, []models.Stage{models.StageSchedule, models.StageMarketing}, waves[1])
	assert.Equal(t, []models.Stage{models.StageBudget}, waves[2])
}

func TestPlanWavesOnlyOrdersRequestedDependencies(t *testing.T) {
	waves, err := PlanWaves([]models.Stage{models.StageMarketing, models.StageBudget})
	require.NoError(t, err)
	require.Len(t, waves, 1)
	assert.Equal(t, []models.Stage{models.StageBudget, models.StageMarketing}, waves[0])

	waves, err = PlanWaves([]models.Stage{models.StageBudget, models.StageLocations, models.StageLocations})
	require.NoError(t, err)
	assert.Equal(t, [][]models.Stage{{models.StageLocations}, {models.StageBudget}}, waves)
}

func TestPlanWavesRejectsUnknownAndProseStages(t *testing.T) {
	_, err := PlanWaves([]models.Stage{"catering"})
	assert.True(t, apperrors.IsValidationError(err))

	_, err = PlanWaves([]models.Stage{models.StageScript})
	assert.True(t, apperrors.IsValidationError(err))
}

func TestPipelineRunsDependentsAfterPrerequisites(t *testing.T) {
	gen := newFakeGenerator()
	gen.delay[models.StageLocations] = 50 * time.Millisecond
	gen.delay[models.StageSchedule] = 20 * time.Millisecond
	pipeline := newTestPipeline(t, gen, nil)

	run, err := pipeline.Run(context.Background(), pipelineRequest(models.StageLocations, models.StageSchedule, models.StageBudget), nil)
	require.NoError(t, err)
	assert.Equal(t, []models.Stage{models.StageLocations, models.StageSchedule, models.StageBudget}, run.Succeeded())

	locations := run.Result(models.StageLocations)
	schedule := run.Result(models.StageSchedule)
	budget := run.Result(models.StageBudget)
	assert.False(t, schedule.StartedAt.Before(locations.FinishedAt))
	assert.False(t, budget.StartedAt.Before(schedule.FinishedAt))

	// 日程的提示里包含地点输出
	call, ok := gen.call(models.StageSchedule)
	require.True(t, ok)
	assert.Contains(t, call.Prompt, `"name": "Diner"`)
}

func TestPipelineFailedPrerequisiteStillRunsDependent(t *testing.T) {
	gen := newFakeGenerator()
	gen.failures[models.StageLocations] = apperrors.NewProviderError("all generation targets failed for locations", errors.New("503"))
	pipeline := newTestPipeline(t, gen, nil)

	run, err := pipeline.Run(context.Background(), pipelineRequest(models.StageLocations, models.StageSchedule, models.StageBudget), nil)
	require.NoError(t, err)

	assert.Equal(t, []models.Stage{models.StageLocations}, run.Failed())
	assert.Equal(t, []models.Stage{models.StageSchedule, models.StageBudget}, run.Succeeded())
	require.Len(t, run.Errors, 1)
	assert.Equal(t, models.StageLocations, run.Errors[0].Stage)
	assert.NotEmpty(t, run.Errors[0].Message)

	call, ok := gen.call(models.StageSchedule)
	require.True(t, ok)
	assert.Contains(t, call.Prompt, "Locations results are not available.")
	assert.False(t, run.Cancelled)
}

func TestPipelineFailedStageDropsCallerPrior(t *testing.T) {
	gen := newFakeGenerator()
	gen.failures[models.StageLocations] = apperrors.NewProviderError("all generation targets failed for locations", errors.New("503"))
	pipeline := newTestPipeline(t, gen, nil)

	req := pipelineRequest(models.StageLocations, models.StageSchedule)
	req.Base.Prior = map[models.Stage]models.StagePayload{
		models.StageLocations: &models.LocationsPayload{Locations: []models.Location{{Name: "OLD WAREHOUSE"}}},
	}
	run, err := pipeline.Run(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, []models.Stage{models.StageLocations}, run.Failed())

	call, ok := gen.call(models.StageSchedule)
	require.True(t, ok)
	assert.NotContains(t, call.Prompt, "OLD WAREHOUSE")
	assert.Contains(t, call.Prompt, "Locations results are not available.")
}

func TestPipelineUsesCallerPriorOutsideRun(t *testing.T) {
	gen := newFakeGenerator()
	pipeline := newTestPipeline(t, gen, nil)

	req := pipelineRequest(models.StageSchedule)
	req.Base.Prior = map[models.Stage]models.StagePayload{
		models.StageLocations: &models.LocationsPayload{Locations: []models.Location{{Name: "OLD WAREHOUSE"}}},
	}
	_, err := pipeline.Run(context.Background(), req, nil)
	require.NoError(t, err)

	call, ok := gen.call(models.StageSchedule)
	require.True(t, ok)
	assert.Contains(t, call.Prompt, "OLD WAREHOUSE")
}

func TestPipelineRunsIndependentStagesConcurrently(t *testing.T) {
	gen := newFakeGenerator()
	gen.delay[models.StageLocations] = 200 * time.Millisecond
	gen.delay[models.StageCasting] = 200 * time.Millisecond
	pipeline := newTestPipeline(t, gen, nil)

	start := time.Now()
	run, err := pipeline.Run(context.Background(), pipelineRequest(models.StageCasting, models.StageLocations), nil)
	require.NoError(t, err)
	elapsed := time.Since(start)

	casting := run.Result(models.StageCasting)
	locations := run.Result(models.StageLocations)
	gap := casting.StartedAt.Sub(locations.StartedAt)
	if gap < 0 {
		gap = -gap
	}
	assert.Less(t, gap, 100*time.Millisecond)
	assert.Less(t, elapsed, 390*time.Millisecond)
}

func TestPipelineMarketingWaitsForCasting(t *testing.T) {
	gen := newFakeGenerator()
	gen.delay[models.StageCasting] = 30 * time.Millisecond
	pipeline := newTestPipeline(t, gen, nil)

	run, err := pipeline.Run(context.Background(), pipelineRequest(models.StageMarketing, models.StageCasting), nil)
	require.NoError(t, err)
	assert.False(t, run.Result(models.StageMarketing).StartedAt.Before(run.Result(models.StageCasting).FinishedAt))

	call, _ := gen.call(models.StageMarketing)
	assert.Contains(t, call.Prompt, `"character": "Maya"`)
}

func TestPipelineProgressCallback(t *testing.T) {
	gen := newFakeGenerator()
	pipeline := newTestPipeline(t, gen, nil)

	var mu sync.Mutex
	var updates []models.PipelineProgress
	run, err := pipeline.Run(context.Background(), pipelineRequest(), func(progress models.PipelineProgress, result models.GenerationResult) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, progress)
		assert.True(t, result.State.IsTerminal())
	})
	require.NoError(t, err)

	require.Len(t, updates, len(models.PipelineStages))
	for i, update := range updates {
		assert.Equal(t, i+1, update.Completed)
		assert.Equal(t, len(models.PipelineStages), update.Total)
	}
	assert.Equal(t, 100, updates[len(updates)-1].Percent)

	var names, current []string
	for i, stage := range models.PipelineStages {
		names = append(names, stage.DisplayName())
		current = append(current, updates[i].CurrentStage)
	}
	assert.ElementsMatch(t, names, current)
	assert.Equal(t, 100, run.Progress.Percent)
}

func TestPipelineCancellationLeavesLaterStagesPending(t *testing.T) {
	gen := newFakeGenerator()
	gen.delay[models.StageLocations] = 50 * time.Millisecond
	pipeline := newTestPipeline(t, gen, nil)

	ctx, cancel := context.WithCancel(context.Background())
	run, err := pipeline.Run(ctx, pipelineRequest(models.StageLocations, models.StageSchedule, models.StageBudget),
		func(progress models.PipelineProgress, result models.GenerationResult) {
			if result.Stage == models.StageLocations {
				cancel()
			}
		})
	require.NoError(t, err)

	assert.True(t, run.Cancelled)
	assert.Equal(t, []models.Stage{models.StageLocations}, run.Succeeded())
	assert.Equal(t, []models.Stage{models.StageSchedule, models.StageBudget}, run.Pending())
	assert.Equal(t, []models.Stage{models.StageLocations}, gen.calledStages())
	assert.Less(t, run.Progress.Percent, 100)
}

func TestPipelineCancelMidStageFailsInFlightStage(t *testing.T) {
	gen := newFakeGenerator()
	gen.delay[models.StageLocations] = time.Minute
	pipeline := newTestPipeline(t, gen, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	run, err := pipeline.Run(ctx, pipelineRequest(models.StageLocations, models.StageSchedule), nil)
	require.NoError(t, err)
	assert.True(t, run.Cancelled)
	assert.Equal(t, []models.Stage{models.StageLocations}, run.Failed())
	assert.Equal(t, []models.Stage{models.StageSchedule}, run.Pending())
}

func TestPipelineStageTimeout(t *testing.T) {
	gen := newFakeGenerator()
	gen.delay[models.StageEquipment] = time.Minute
	cfg := config.DefaultGenerationConfig()
	cfg.StageTimeouts[models.StageEquipment] = 30 * time.Millisecond
	pipeline := NewPipelineService(NewStageService(gen, cfg, nil), nil, nil, 0)

	run, err := pipeline.Run(context.Background(), pipelineRequest(models.StageEquipment, models.StagePermits), nil)
	require.NoError(t, err)
	assert.False(t, run.Cancelled)
	assert.Equal(t, []models.Stage{models.StageEquipment}, run.Failed())
	assert.Equal(t, []models.Stage{models.StagePermits}, run.Succeeded())
	assert.Contains(t, run.Result(models.StageEquipment).Error, "budget")
}

func TestPipelineValidation(t *testing.T) {
	pipeline := newTestPipeline(t, newFakeGenerator(), nil)

	_, err := pipeline.Run(context.Background(), PipelineRequest{Base: &models.GenerationRequest{}}, nil)
	assert.True(t, apperrors.IsValidationError(err))

	req := pipelineRequest()
	req.Base.Vibe.Tone = 101
	_, err = pipeline.Run(context.Background(), req, nil)
	assert.True(t, apperrors.IsValidationError(err))

	req = pipelineRequest()
	req.Persist = true
	req.UserID = ""
	_, err = pipeline.Run(context.Background(), req, nil)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestPipelinePersistsSuccessfulStages(t *testing.T) {
	gen := newFakeGenerator()
	gen.failures[models.StagePermits] = apperrors.NewProviderError("all generation targets failed for permits", nil)
	sections, store := newTestSections(t)
	pipeline := newTestPipeline(t, gen, sections)

	req := pipelineRequest(models.StageLocations, models.StagePermits)
	req.Persist = true
	run, err := pipeline.Run(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Empty(t, run.PersistError)

	keys, err := store.ListSections(context.Background(), storage.SectionPrefix{UserID: "u1", StoryBibleID: "b1"})
	require.NoError(t, err)
	var names []string
	for _, key := range keys {
		assert.Equal(t, models.EpisodeScope(2), key.Scope)
		names = append(names, key.Section)
	}
	assert.ElementsMatch(t, []string{"locations", RunSummarySection}, names)

	var summary RunSummary
	require.NoError(t, store.LoadSection(context.Background(), models.SectionKey{
		UserID: "u1", StoryBibleID: "b1", Scope: models.EpisodeScope(2), Section: RunSummarySection,
	}, &summary))
	assert.Equal(t, run.ID, summary.ID)
	assert.Equal(t, []models.Stage{models.StagePermits}, summary.Failed)
}

func TestPipelineLoadsStoredPrerequisites(t *testing.T) {
	gen := newFakeGenerator()
	sections, _ := newTestSections(t)
	pipeline := newTestPipeline(t, gen, sections)

	stored := &models.LocationsPayload{Locations: []models.Location{{Name: "Lighthouse"}}}
	require.NoError(t, sections.Save(context.Background(), models.SectionKey{
		UserID: "u1", StoryBibleID: "b1", Scope: models.EpisodeScope(2), Section: string(models.StageLocations),
	}, stored))

	run, err := pipeline.Run(context.Background(), pipelineRequest(models.StageSchedule), nil)
	require.NoError(t, err)
	assert.Equal(t, []models.Stage{models.StageSchedule}, run.Succeeded())

	call, ok := gen.call(models.StageSchedule)
	require.True(t, ok)
	assert.Contains(t, call.Prompt, "Lighthouse")
}

func TestPipelineConcurrencyLimit(t *testing.T) {
	gen := newFakeGenerator()
	for _, stage := range []models.Stage{models.StageCasting, models.StageLocations, models.StageEquipment} {
		gen.delay[stage] = 40 * time.Millisecond
	}
	pipeline := NewPipelineService(NewStageService(gen, config.DefaultGenerationConfig(), nil), nil, nil, 1)

	start := time.Now()
	run, err := pipeline.Run(context.Background(), pipelineRequest(models.StageCasting, models.StageLocations, models.StageEquipment), nil)
	require.NoError(t, err)
	assert.Len(t, run.Succeeded(), 3)
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}
