// internal/services/pipeline_service.go
package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/Corphon/AIShowrunner/internal/errors"
	"github.com/Corphon/AIShowrunner/internal/events"
	"github.com/Corphon/AIShowrunner/internal/idgen"
	"github.com/Corphon/AIShowrunner/internal/models"
	"github.com/Corphon/AIShowrunner/internal/utils"
)

const persistTimeout = 30 * time.Second

// StageDependency 阶段的前置阶段；Soft 表示缺失时只是少了参考信息
type StageDependency struct {
	Stage    models.Stage
	Requires []models.Stage
	Soft     bool
}

var stageDependencies = map[models.Stage]StageDependency{
	models.StageSchedule: {
		Stage:    models.StageSchedule,
		Requires: []models.Stage{models.StageLocations},
	},
	models.StageBudget: {
		Stage:    models.StageBudget,
		Requires: []models.Stage{models.StageLocations, models.StageSchedule},
	},
	models.StageMarketing: {
		Stage:    models.StageMarketing,
		Requires: []models.Stage{models.StageCasting},
		Soft:     true,
	},
}

// DependenciesOf 返回阶段依赖的前置阶段
func DependenciesOf(stage models.Stage) []models.Stage {
	return stageDependencies[stage].Requires
}

func isSoftPrerequisite(stage, prerequisite models.Stage) bool {
	dep, ok := stageDependencies[stage]
	if !ok || !dep.Soft {
		return false
	}
	for _, required := range dep.Requires {
		if required == prerequisite {
			return true
		}
	}
	return false
}

// NormalizeStages 解析、去重并保持请求顺序；空列表表示全部流水线阶段
func NormalizeStages(requested []models.Stage) ([]models.Stage, error) {
	if len(requested) == 0 {
		return append([]models.Stage(nil), models.PipelineStages...), nil
	}
	seen := make(map[models.Stage]bool, len(requested))
	stages := make([]models.Stage, 0, len(requested))
	for _, raw := range requested {
		stage, err := models.ParseStage(string(raw))
		if err != nil {
			return nil, apperrors.NewValidationError(err.Error(), err)
		}
		if !stage.IsPipelineStage() {
			return nil, apperrors.NewValidationError(fmt.Sprintf("stage %s cannot run in a pipeline", stage), nil)
		}
		if seen[stage] {
			continue
		}
		seen[stage] = true
		stages = append(stages, stage)
	}
	return stages, nil
}

// PlanWaves 按依赖把阶段分成若干波次，同一波次内的阶段互不依赖
func PlanWaves(requested []models.Stage) ([][]models.Stage, error) {
	stages, err := NormalizeStages(requested)
	if err != nil {
		return nil, err
	}

	inRun := make(map[models.Stage]bool, len(stages))
	for _, stage := range stages {
		inRun[stage] = true
	}

	levels := make(map[models.Stage]int, len(stages))
	var levelOf func(stage models.Stage, depth int) int
	levelOf = func(stage models.Stage, depth int) int {
		if level, ok := levels[stage]; ok {
			return level
		}
		level := 0
		if depth <= len(models.PipelineStages) {
			for _, dep := range DependenciesOf(stage) {
				if inRun[dep] {
					if l := levelOf(dep, depth+1) + 1; l > level {
						level = l
					}
				}
			}
		}
		levels[stage] = level
		return level
	}

	maxLevel := 0
	for _, stage := range stages {
		if l := levelOf(stage, 0); l > maxLevel {
			maxLevel = l
		}
	}

	waves := make([][]models.Stage, maxLevel+1)
	// 波次内按固定顺序排列
	for _, stage := range models.PipelineStages {
		if inRun[stage] {
			waves[levels[stage]] = append(waves[levels[stage]], stage)
		}
	}
	return waves, nil
}

// PipelineRequest 一次"全部重新生成"的输入
type PipelineRequest struct {
	RunID        string
	UserID       string
	StoryBibleID string
	Base         *models.GenerationRequest
	Stages       []models.Stage
	Persist      bool
}

// ProgressFunc 每个阶段结束时调用一次，调用是串行的
type ProgressFunc func(progress models.PipelineProgress, result models.GenerationResult)

// PipelineService 按波次并发执行阶段
type PipelineService struct {
	stages         *StageService
	sections       *SectionService
	publisher      events.Publisher
	maxConcurrency int
	logger         *utils.Logger
}

// NewPipelineService 创建流水线服务，sections 为 nil 时不持久化
func NewPipelineService(stages *StageService, sections *SectionService, publisher events.Publisher, maxConcurrency int) *PipelineService {
	if publisher == nil {
		publisher = &events.NoopPublisher{}
	}
	return &PipelineService{
		stages:         stages,
		sections:       sections,
		publisher:      publisher,
		maxConcurrency: maxConcurrency,
		logger:         utils.GetLogger(),
	}
}

// Validate 检查流水线请求
func (p *PipelineService) Validate(req PipelineRequest) error {
	if req.Base == nil || req.Base.StoryBible == nil {
		return apperrors.NewValidationError("storyBible is required", nil)
	}
	if problems := req.Base.Vibe.Validate(); len(problems) > 0 {
		return apperrors.NewValidationError(strings.Join(problems, "; "), nil)
	}
	if req.Base.ArcIndex < 0 {
		return apperrors.NewValidationError("arcIndex must not be negative", nil)
	}
	if req.Persist && (req.UserID == "" || req.StoryBibleID == "") {
		return apperrors.NewValidationError("userId and storyBibleId are required to persist results", nil)
	}
	_, err := NormalizeStages(req.Stages)
	return err
}

// Run 执行流水线。单个阶段失败不影响其他阶段；依赖它的阶段拿到 nil 前置结果继续执行。
// 取消后未开始的阶段保持 pending。只有请求本身不合法时返回错误。
func (p *PipelineService) Run(ctx context.Context, req PipelineRequest, onProgress ProgressFunc) (*models.PipelineRun, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}
	stages, _ := NormalizeStages(req.Stages)
	waves, err := PlanWaves(stages)
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = idgen.MustNew(idgen.RunPrefix)
	}
	run := &models.PipelineRun{
		ID:         runID,
		UserID:     req.UserID,
		StoryBible: req.StoryBibleID,
		Requested:  stages,
		Results:    make([]*models.GenerationResult, 0, len(stages)),
		Progress:   models.PipelineProgress{Total: len(stages)},
		Errors:     []models.StageError{},
		StartedAt:  time.Now(),
	}
	for _, stage := range stages {
		run.Results = append(run.Results, models.NewPendingResult(stage))
	}

	scope := models.ScopeFor(req.Base)
	outputs := p.loadPriors(ctx, req, stages, scope)

	logger := p.logger.With(map[string]interface{}{"run_id": run.ID})
	logger.Info("流水线开始", map[string]interface{}{
		"stages": len(stages),
		"waves":  len(waves),
	})
	p.stages.metrics.PipelineStarted()

	var mu sync.Mutex
	completed := 0
	for waveIndex, wave := range waves {
		if ctx.Err() != nil {
			break
		}

		// 本波次开始前的输出快照，前面波次都已结束
		snapshot := make(map[models.Stage]models.StagePayload, len(outputs))
		for stage, payload := range outputs {
			snapshot[stage] = payload
		}

		var g errgroup.Group
		if p.maxConcurrency > 0 {
			g.SetLimit(p.maxConcurrency)
		}
		for _, stage := range wave {
			stageReq := req.Base.Clone()
			stageReq.Stage = stage
			stageReq.Prior = priorsFor(stage, snapshot)
			result := run.Result(stage)

			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				err := p.stages.Execute(ctx, stageReq, result)

				mu.Lock()
				if err == nil {
					outputs[stage] = result.Payload
				} else {
					delete(outputs, stage)
					run.Errors = append(run.Errors, models.StageError{Stage: stage, Message: result.Error})
				}
				completed++
				run.Progress = progressOf(completed, len(stages), stage)
				finished := *result
				progress := run.Progress
				if onProgress != nil {
					onProgress(progress, finished)
				}
				mu.Unlock()

				p.publishStage(ctx, run.ID, finished)
				return nil
			})
		}
		_ = g.Wait()

		logger.Debug("波次结束", map[string]interface{}{
			"wave":   waveIndex + 1,
			"stages": len(wave),
		})
	}

	run.Cancelled = ctx.Err() != nil
	run.FinishedAt = time.Now()
	p.stages.metrics.PipelineFinished(run.Cancelled, run.FinishedAt.Sub(run.StartedAt))
	sortStageErrors(run.Errors, stages)

	if req.Persist && p.sections != nil {
		p.persist(ctx, run, scope)
	}
	p.publishRun(ctx, run)

	logger.Info("流水线结束", map[string]interface{}{
		"succeeded": len(run.Succeeded()),
		"failed":    len(run.Failed()),
		"pending":   len(run.Pending()),
		"cancelled": run.Cancelled,
		"duration":  run.FinishedAt.Sub(run.StartedAt).String(),
	})
	return run, nil
}

// loadPriors 请求中已有的、不在本次运行中的前置结果，加上存储中的前置阶段
func (p *PipelineService) loadPriors(ctx context.Context, req PipelineRequest, stages []models.Stage, scope string) map[models.Stage]models.StagePayload {
	inRun := make(map[models.Stage]bool, len(stages))
	for _, stage := range stages {
		inRun[stage] = true
	}

	// 本次运行的阶段只用本次的输出，失败时依赖方看到的是缺失
	outputs := make(map[models.Stage]models.StagePayload)
	for stage, payload := range req.Base.Prior {
		if payload != nil && !inRun[stage] {
			outputs[stage] = payload
		}
	}
	if p.sections == nil || req.UserID == "" || req.StoryBibleID == "" {
		return outputs
	}

	for _, stage := range stages {
		for _, dep := range DependenciesOf(stage) {
			if inRun[dep] || outputs[dep] != nil {
				continue
			}
			payload, err := p.sections.LoadPayload(ctx, req.UserID, req.StoryBibleID, scope, dep)
			if err != nil {
				p.logger.Warn("读取前置分区失败", map[string]interface{}{
					"stage": dep,
					"error": err.Error(),
				})
				continue
			}
			if payload != nil {
				outputs[dep] = payload
			}
		}
	}
	return outputs
}

func (p *PipelineService) persist(ctx context.Context, run *models.PipelineRun, scope string) {
	// 取消后已完成的结果仍然保存
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	saved, err := p.sections.SaveRun(persistCtx, run, scope)
	run.Persisted = saved
	if err != nil {
		run.PersistError = err.Error()
		p.logger.Error("保存流水线结果失败", map[string]interface{}{
			"run_id": run.ID,
			"error":  err.Error(),
		})
	}
}

func (p *PipelineService) publishStage(ctx context.Context, runID string, result models.GenerationResult) {
	event := events.StageCompleted{
		RunID:        runID,
		Stage:        result.Stage,
		State:        result.State,
		FallbackUsed: result.FallbackUsed,
		Provider:     result.Provider,
		Model:        result.Model,
		Error:        result.Error,
		DurationMS:   result.Duration().Milliseconds(),
	}
	if err := p.publisher.Publish(context.WithoutCancel(ctx), events.TopicStageCompleted, event); err != nil {
		p.logger.Warn("发布阶段事件失败", map[string]interface{}{"stage": result.Stage, "error": err.Error()})
	}
}

func (p *PipelineService) publishRun(ctx context.Context, run *models.PipelineRun) {
	topic := events.TopicPipelineCompleted
	if run.Cancelled {
		topic = events.TopicPipelineCancelled
	}
	event := events.PipelineCompleted{
		RunID:      run.ID,
		UserID:     run.UserID,
		StoryBible: run.StoryBible,
		Succeeded:  run.Succeeded(),
		Failed:     run.Failed(),
		Pending:    run.Pending(),
		Cancelled:  run.Cancelled,
		FinishedAt: run.FinishedAt,
	}
	if err := p.publisher.Publish(context.WithoutCancel(ctx), topic, event); err != nil {
		p.logger.Warn("发布流水线事件失败", map[string]interface{}{"run_id": run.ID, "error": err.Error()})
	}
}

func priorsFor(stage models.Stage, outputs map[models.Stage]models.StagePayload) map[models.Stage]models.StagePayload {
	deps := DependenciesOf(stage)
	if len(deps) == 0 {
		return nil
	}
	prior := make(map[models.Stage]models.StagePayload, len(deps))
	for _, dep := range deps {
		if payload := outputs[dep]; payload != nil {
			prior[dep] = payload
		}
	}
	return prior
}

func progressOf(completed, total int, stage models.Stage) models.PipelineProgress {
	percent := 100
	if total > 0 {
		percent = completed * 100 / total
	}
	return models.PipelineProgress{
		Completed:    completed,
		Total:        total,
		Percent:      percent,
		CurrentStage: stage.DisplayName(),
	}
}

func sortStageErrors(errs []models.StageError, order []models.Stage) {
	index := make(map[models.Stage]int, len(order))
	for i, stage := range order {
		index[stage] = i
	}
	sort.SliceStable(errs, func(i, j int) bool {
		return index[errs[i].Stage] < index[errs[j].Stage]
	})
}
