// internal/services/showrunner_service.go
package services

import (
	"context"
	"fmt"

	apperrors "github.com/Corphon/AIShowrunner/internal/errors"
	"github.com/Corphon/AIShowrunner/internal/events"
	"github.com/Corphon/AIShowrunner/internal/idgen"
	"github.com/Corphon/AIShowrunner/internal/models"
	"github.com/Corphon/AIShowrunner/internal/utils"
)

// ShowrunnerService 对外的编排入口：单阶段生成、全部重新生成、后台任务和视频
type ShowrunnerService struct {
	Generation *GenerationService
	Stages     *StageService
	Pipeline   *PipelineService
	Sections   *SectionService
	Progress   *ProgressService
	publisher  events.Publisher
	logger     *utils.Logger

	// 后台任务的根 context，服务关闭时取消
	baseCtx context.Context
}

// NewShowrunnerService 组装服务
func NewShowrunnerService(baseCtx context.Context, generation *GenerationService, stages *StageService, pipeline *PipelineService, sections *SectionService, progress *ProgressService, publisher events.Publisher) *ShowrunnerService {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if publisher == nil {
		publisher = &events.NoopPublisher{}
	}
	return &ShowrunnerService{
		Generation: generation,
		Stages:     stages,
		Pipeline:   pipeline,
		Sections:   sections,
		Progress:   progress,
		publisher:  publisher,
		logger:     utils.GetLogger(),
		baseCtx:    baseCtx,
	}
}

// GenerateStage 生成单个阶段，可选择保存到分区
func (s *ShowrunnerService) GenerateStage(ctx context.Context, userID, storyBibleID string, req *models.GenerationRequest, persist bool) (*models.GenerationResult, error) {
	if persist && (userID == "" || storyBibleID == "") {
		return nil, apperrors.NewValidationError("userId and storyBibleId are required to persist results", nil)
	}
	result, err := s.Stages.Run(ctx, req)
	if err != nil {
		return result, err
	}

	if persist && s.Sections != nil {
		if _, _, err := s.Sections.SaveResult(ctx, userID, storyBibleID, models.ScopeFor(req), result); err != nil {
			// 生成已经成功，保存失败只记录
			s.logger.Error("保存阶段结果失败", map[string]interface{}{
				"stage": req.Stage,
				"error": err.Error(),
			})
		}
	}
	return result, nil
}

// RegenerateAll 同步执行流水线
func (s *ShowrunnerService) RegenerateAll(ctx context.Context, req PipelineRequest) (*models.PipelineRun, error) {
	return s.Pipeline.Run(ctx, req, nil)
}

// StartRegenerateAll 后台执行流水线，返回任务 ID
func (s *ShowrunnerService) StartRegenerateAll(req PipelineRequest) (string, error) {
	if err := s.Pipeline.Validate(req); err != nil {
		return "", err
	}
	stages, _ := NormalizeStages(req.Stages)

	taskID := idgen.MustNew(idgen.TaskPrefix)
	if req.RunID == "" {
		req.RunID = taskID
	}
	tracker := s.Progress.CreateTracker(taskID, len(stages))

	ctx, cancel := context.WithCancel(s.baseCtx)
	tracker.SetCancel(cancel)

	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("pipeline panic: %v", r)
				s.logger.Error("流水线异常", map[string]interface{}{"task_id": taskID, "error": err.Error()})
				tracker.Fail(err)
			}
		}()

		run, err := s.Pipeline.Run(ctx, req, tracker.StageFinished)
		if err != nil {
			tracker.Fail(err)
			return
		}
		tracker.Finish(run)
	}()

	s.logger.Info("后台流水线已启动", map[string]interface{}{
		"task_id": taskID,
		"stages":  len(stages),
	})
	return taskID, nil
}

// CancelRun 取消后台任务
func (s *ShowrunnerService) CancelRun(taskID string) error {
	tracker, ok := s.Progress.GetTracker(taskID)
	if !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("task %s not found", taskID), nil)
	}
	if !tracker.Cancel() {
		return apperrors.NewConflictError(fmt.Sprintf("task %s is not running", taskID), nil)
	}
	return nil
}

// RunStatus 返回任务进度，结束后附带运行结果；任务失败的原因在进度消息中
func (s *ShowrunnerService) RunStatus(taskID string) (ProgressUpdate, *models.PipelineRun, error) {
	tracker, ok := s.Progress.GetTracker(taskID)
	if !ok {
		return ProgressUpdate{}, nil, apperrors.NewNotFoundError(fmt.Sprintf("task %s not found", taskID), nil)
	}
	run, _ := tracker.Result()
	return tracker.Snapshot(), run, nil
}

// GenerateVideo 提交视频任务
func (s *ShowrunnerService) GenerateVideo(ctx context.Context, req models.VideoRequest) (*models.VideoResult, error) {
	return s.Generation.GenerateVideo(ctx, req)
}

// VideoStatus 查询视频任务，结束时发布事件
func (s *ShowrunnerService) VideoStatus(ctx context.Context, operation string) (*models.VideoResult, error) {
	result, err := s.Generation.PollVideo(ctx, operation)
	if err != nil {
		return nil, err
	}
	if result.Done() {
		event := events.VideoCompleted{Operation: result.Operation, VideoURIs: result.VideoURIs, Error: result.Error}
		if err := s.publisher.Publish(ctx, events.TopicVideoOperationDone, event); err != nil {
			s.logger.Warn("发布视频事件失败", map[string]interface{}{"operation": operation, "error": err.Error()})
		}
	}
	return result, nil
}
