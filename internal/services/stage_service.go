// internal/services/stage_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Corphon/AIShowrunner/internal/config"
	apperrors "github.com/Corphon/AIShowrunner/internal/errors"
	"github.com/Corphon/AIShowrunner/internal/models"
	"github.com/Corphon/AIShowrunner/internal/utils"
)

// StageService 单个阶段：构建提示、调用模型、解析输出
type StageService struct {
	generator Generator
	config    *config.GenerationConfig
	metrics   *utils.APIMetrics
	logger    *utils.Logger
}

// NewStageService 创建阶段服务
func NewStageService(generator Generator, cfg *config.GenerationConfig, metrics *utils.APIMetrics) *StageService {
	if cfg == nil {
		cfg = config.DefaultGenerationConfig()
	}
	if metrics == nil {
		metrics = utils.NewAPIMetrics()
	}
	return &StageService{
		generator: generator,
		config:    cfg,
		metrics:   metrics,
		logger:    utils.GetLogger(),
	}
}

// ValidateRequest 检查请求，不合法时返回验证错误
func ValidateRequest(req *models.GenerationRequest) error {
	if req == nil {
		return apperrors.NewValidationError("request body is required", nil)
	}
	if _, err := models.ParseStage(string(req.Stage)); err != nil {
		return apperrors.NewValidationError(err.Error(), err)
	}
	if req.StoryBible == nil {
		return apperrors.NewValidationError("storyBible is required", nil)
	}
	if (req.Stage == models.StageBeatSheet || req.Stage == models.StageScript) && req.EpisodeNumber <= 0 {
		return apperrors.NewValidationError(fmt.Sprintf("episodeNumber is required for %s", req.Stage), nil)
	}
	if req.ArcIndex < 0 {
		return apperrors.NewValidationError("arcIndex must not be negative", nil)
	}
	if problems := req.Vibe.Validate(); len(problems) > 0 {
		return apperrors.NewValidationError(strings.Join(problems, "; "), nil)
	}
	return nil
}

// Run 校验后执行单个阶段；生成失败时同时返回失败的结果和错误
func (s *StageService) Run(ctx context.Context, req *models.GenerationRequest) (*models.GenerationResult, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	result := models.NewPendingResult(req.Stage)
	err := s.Execute(ctx, req, result)
	return result, err
}

// Execute 在调用方提供的 pending 结果上执行阶段，超时按阶段预算
func (s *StageService) Execute(ctx context.Context, req *models.GenerationRequest, result *models.GenerationResult) error {
	if err := result.Transition(models.StateRunning); err != nil {
		return apperrors.NewConflictError(err.Error(), err)
	}
	result.StartedAt = time.Now()

	timeout := s.config.TimeoutFor(req.Stage)
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := BuildPrompt(req)
	out, err := s.generator.Generate(stageCtx, prompt.Prompt, prompt.System, GenerateOptions{
		Stage:    req.Stage,
		JSONMode: req.Stage != models.StageBeatSheet,
	})
	if err == nil && stageCtx.Err() != nil {
		err = stageCtx.Err()
	}
	if err != nil {
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = apperrors.NewTimeoutError(fmt.Sprintf("%s exceeded its %s budget", req.Stage, timeout), err)
		} else if ctx.Err() != nil && !isAppError(err) {
			err = contextError(ctx.Err(), req.Stage)
		}
		s.fail(result, err)
		return err
	}

	payload, parsed := ParseStageResponse(req, out.Text)
	result.Payload = payload
	result.FallbackUsed = parsed.FallbackUsed
	result.Provider = out.Provider
	result.Model = out.Model
	result.Attempts = out.Attempts
	result.Success = true
	result.FinishedAt = time.Now()
	_ = result.Transition(models.StateSucceeded)

	s.metrics.RecordStage(string(req.Stage), true, parsed.FallbackUsed, result.Duration())
	if parsed.FallbackUsed {
		s.logger.Warn("模型输出无法解析，使用兜底内容", map[string]interface{}{
			"stage":    req.Stage,
			"provider": out.Provider,
			"model":    out.Model,
		})
	}
	s.logger.Info("阶段完成", map[string]interface{}{
		"stage":    req.Stage,
		"provider": out.Provider,
		"model":    out.Model,
		"attempts": out.Attempts,
		"strategy": parsed.Strategy,
		"duration": result.Duration().String(),
	})
	return nil
}

func (s *StageService) fail(result *models.GenerationResult, err error) {
	result.Success = false
	result.Error = err.Error()
	result.FinishedAt = time.Now()
	_ = result.Transition(models.StateFailed)

	s.metrics.RecordStage(string(result.Stage), false, false, result.Duration())
	s.logger.Error("阶段失败", map[string]interface{}{
		"stage": result.Stage,
		"error": err.Error(),
	})
}

func isAppError(err error) bool {
	var appErr *apperrors.AppError
	return errors.As(err, &appErr)
}
