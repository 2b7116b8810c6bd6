// internal/services/generation_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/AIShowrunner/internal/config"
	apperrors "github.com/Corphon/AIShowrunner/internal/errors"
	"github.com/Corphon/AIShowrunner/internal/llm"
	"github.com/Corphon/AIShowrunner/internal/models"
	"github.com/Corphon/AIShowrunner/internal/utils"

	// 注册提供者
	_ "github.com/Corphon/AIShowrunner/internal/llm/providers/azureopenai"
	_ "github.com/Corphon/AIShowrunner/internal/llm/providers/google"
	_ "github.com/Corphon/AIShowrunner/internal/llm/providers/openrouter"
	_ "github.com/Corphon/AIShowrunner/internal/llm/providers/veo"
)

const videoProviderName = "veo"

// GenerateOptions 单次生成的参数，零值使用路由默认值
type GenerateOptions struct {
	Stage       models.Stage
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	JSONMode    bool
}

// GenerateOutput 生成结果
type GenerateOutput struct {
	Text       string `json:"text"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Attempts   int    `json:"attempts"`
	Fallbacks  int    `json:"fallbacks"`
	TokensUsed int    `json:"tokensUsed,omitempty"`
}

// Generator 文本生成接口，阶段服务依赖它
type Generator interface {
	Generate(ctx context.Context, prompt, system string, opts GenerateOptions) (*GenerateOutput, error)
}

// ProviderStatus 提供者状态
type ProviderStatus struct {
	Name       string   `json:"name"`
	Configured bool     `json:"configured"`
	Models     []string `json:"models,omitempty"`
}

// GenerationService 按路由依次调用提供者，瞬时错误重试，失败后切换到下一个目标
type GenerationService struct {
	config *config.GenerationConfig

	mu        sync.RWMutex
	providers map[string]llm.Provider
	video     llm.VideoProvider

	metrics *utils.APIMetrics
	logger  *utils.Logger
}

// NewGenerationService 使用已初始化的提供者创建服务
func NewGenerationService(cfg *config.GenerationConfig, providers map[string]llm.Provider, metrics *utils.APIMetrics) *GenerationService {
	if cfg == nil {
		cfg = config.DefaultGenerationConfig()
	}
	if providers == nil {
		providers = map[string]llm.Provider{}
	}
	if metrics == nil {
		metrics = utils.NewAPIMetrics()
	}
	return &GenerationService{
		config:    cfg,
		providers: providers,
		metrics:   metrics,
		logger:    utils.GetLogger(),
	}
}

// NewGenerationServiceFromConfig 根据环境配置和已保存的覆盖项初始化所有提供者
func NewGenerationServiceFromConfig(appCfg *config.Config, genCfg *config.GenerationConfig, metrics *utils.APIMetrics) (*GenerationService, error) {
	service := NewGenerationService(genCfg, nil, metrics)

	settings := appCfg.ProviderConfigs()
	overrides, err := config.ProviderOverrides()
	if err != nil {
		return nil, err
	}
	for name, values := range overrides {
		merged := settings[name]
		if merged == nil {
			merged = map[string]string{}
		}
		for k, v := range values {
			if v != "" {
				merged[k] = v
			}
		}
		settings[name] = merged
	}

	for name, values := range settings {
		provider, err := llm.GetProvider(name, values)
		if err != nil {
			service.logger.Warn("提供者初始化失败", map[string]interface{}{
				"provider": name,
				"error":    err.Error(),
			})
			continue
		}
		service.providers[name] = provider
	}

	if videoCfg := appCfg.VideoProviderConfig(); videoCfg != nil {
		video, err := llm.GetVideoProvider(videoProviderName, videoCfg)
		if err != nil {
			service.logger.Warn("视频提供者初始化失败", map[string]interface{}{"error": err.Error()})
		} else {
			service.video = video
		}
	}

	service.logger.Info("生成服务已初始化", map[string]interface{}{
		"providers": strings.Join(service.configuredProviders(), ","),
		"video":     service.video != nil,
	})
	return service, nil
}

// Config 当前路由配置
func (s *GenerationService) Config() *config.GenerationConfig {
	return s.config
}

// Generate 按阶段路由生成文本
func (s *GenerationService) Generate(ctx context.Context, prompt, system string, opts GenerateOptions) (*GenerateOutput, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, apperrors.NewValidationError("prompt is required", nil)
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	route := s.config.RouteFor(opts.Stage)
	targets := route.Targets()
	if opts.Model != "" {
		targets[0].Model = opts.Model
	}

	req := llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: system,
		Temperature:  route.Temperature,
		MaxTokens:    route.MaxTokens,
		JSONMode:     opts.JSONMode,
	}
	if opts.Temperature > 0 {
		req.Temperature = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}

	var failures []error
	attempts := 0
	for i, target := range targets {
		provider := s.provider(target.Provider)
		if provider == nil {
			failures = append(failures, fmt.Errorf("%s: provider not configured", target))
			continue
		}

		req.Model = target.Model
		resp, used, err := s.tryTarget(ctx, provider, target, req)
		attempts += used
		if err == nil {
			return &GenerateOutput{
				Text:       resp.Text,
				Provider:   target.Provider,
				Model:      target.Model,
				Attempts:   attempts,
				Fallbacks:  i,
				TokensUsed: resp.TokensUsed,
			}, nil
		}

		failures = append(failures, fmt.Errorf("%s: %w", target, err))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, contextError(ctxErr, opts.Stage)
		}
		if i+1 < len(targets) {
			s.metrics.RecordFallback(target.String(), targets[i+1].String())
			s.logger.Warn("切换到后备模型", map[string]interface{}{
				"stage": opts.Stage,
				"from":  target.String(),
				"to":    targets[i+1].String(),
				"error": err.Error(),
			})
		}
	}

	s.metrics.RecordError(string(apperrors.ErrorTypeProvider), "generation")
	return nil, apperrors.NewProviderError(
		fmt.Sprintf("all generation targets failed for %s", stageLabel(opts.Stage)),
		errors.Join(failures...),
	)
}

// tryTarget 对单个目标按重试策略调用
func (s *GenerationService) tryTarget(ctx context.Context, provider llm.Provider, target config.Target, req llm.CompletionRequest) (*llm.CompletionResponse, int, error) {
	maxAttempts := s.config.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		resp, err := provider.CompleteText(ctx, req)
		if err == nil {
			s.metrics.RecordLLMRequest(target.Provider, target.Model, resp.TokensUsed, time.Since(start))
			return resp, attempt, nil
		}
		lastErr = err

		transient := llm.IsTransient(err)
		s.metrics.RecordLLMFailure(target.Provider, transient)
		s.logger.Warn("模型调用失败", map[string]interface{}{
			"target":    target.String(),
			"attempt":   attempt,
			"transient": transient,
			"error":     err.Error(),
		})

		if !transient || attempt == maxAttempts || ctx.Err() != nil {
			return nil, attempt, err
		}

		s.metrics.RecordRetry(target.Provider)
		if err := sleepContext(ctx, s.config.Retry.Backoff); err != nil {
			return nil, attempt, err
		}
	}
	return nil, maxAttempts, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func contextError(err error, stage models.Stage) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTimeoutError(fmt.Sprintf("%s timed out", stageLabel(stage)), err)
	}
	return apperrors.NewCancelledError(fmt.Sprintf("%s was cancelled", stageLabel(stage)), err)
}

func stageLabel(stage models.Stage) string {
	if stage == "" {
		return "generation"
	}
	return string(stage)
}

func (s *GenerationService) provider(name string) llm.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providers[name]
}

func (s *GenerationService) configuredProviders() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsReady 至少有一个文本提供者可用
func (s *GenerationService) IsReady() bool {
	return len(s.configuredProviders()) > 0
}

// ProviderStatuses 列出所有已注册提供者及其配置状态
func (s *GenerationService) ProviderStatuses() []ProviderStatus {
	configured := map[string]bool{}
	for _, name := range s.configuredProviders() {
		configured[name] = true
	}

	var statuses []ProviderStatus
	for _, name := range llm.ListProviders() {
		statuses = append(statuses, ProviderStatus{
			Name:       name,
			Configured: configured[name],
			Models:     llm.GetSupportedModelsForProvider(name),
		})
	}
	return statuses
}

// UpdateProvider 运行时替换提供者配置并持久化
func (s *GenerationService) UpdateProvider(name string, values map[string]string) error {
	provider, err := llm.GetProvider(name, values)
	if err != nil {
		if errors.Is(err, llm.ErrUnknownProvider) {
			return apperrors.NewNotFoundError(fmt.Sprintf("unknown provider %q", name), err)
		}
		return apperrors.NewValidationError(fmt.Sprintf("invalid configuration for %s", name), err)
	}
	if err := config.UpdateProviderConfig(name, values); err != nil {
		return apperrors.NewProcessingError("failed to save provider configuration", err)
	}

	s.mu.Lock()
	s.providers[name] = provider
	s.mu.Unlock()

	s.logger.Info("提供者配置已更新", map[string]interface{}{"provider": name})
	return nil
}

// SetVideoProvider 替换视频提供者
func (s *GenerationService) SetVideoProvider(video llm.VideoProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video = video
}

func (s *GenerationService) videoProvider() (llm.VideoProvider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.video == nil {
		return nil, apperrors.NewProviderError("video provider not configured", nil)
	}
	return s.video, nil
}

// GenerateVideo 提交视频生成任务，瞬时错误按同样的策略重试
func (s *GenerationService) GenerateVideo(ctx context.Context, req models.VideoRequest) (*models.VideoResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, apperrors.NewValidationError("prompt is required", nil)
	}
	video, err := s.videoProvider()
	if err != nil {
		return nil, err
	}
	req.Normalize()

	llmReq := llm.VideoRequest{
		Prompt:          req.Prompt,
		NegativePrompt:  req.NegativePrompt,
		AspectRatio:     req.AspectRatio,
		DurationSeconds: req.DurationSeconds,
		SampleCount:     req.SampleCount,
		Model:           req.Model,
	}

	maxAttempts := s.config.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		op, err := video.SubmitVideo(ctx, llmReq)
		if err == nil {
			return videoResult(video.GetName(), op), nil
		}
		transient := llm.IsTransient(err)
		s.metrics.RecordLLMFailure(videoProviderName, transient)
		if !transient || attempt >= maxAttempts {
			return nil, apperrors.NewProviderError("video generation failed", err)
		}
		s.metrics.RecordRetry(videoProviderName)
		if err := sleepContext(ctx, s.config.Retry.Backoff); err != nil {
			return nil, contextError(err, "")
		}
	}
}

// PollVideo 查询视频操作状态
func (s *GenerationService) PollVideo(ctx context.Context, operation string) (*models.VideoResult, error) {
	if strings.TrimSpace(operation) == "" {
		return nil, apperrors.NewValidationError("operation is required", nil)
	}
	video, err := s.videoProvider()
	if err != nil {
		return nil, err
	}
	op, err := video.PollVideo(ctx, operation)
	if err != nil {
		return nil, apperrors.NewProviderError("video status check failed", err)
	}
	return videoResult(video.GetName(), op), nil
}

// WaitForVideo 按配置的间隔轮询直到操作结束
func (s *GenerationService) WaitForVideo(ctx context.Context, operation string) (*models.VideoResult, error) {
	interval := s.config.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	for {
		result, err := s.PollVideo(ctx, operation)
		if err != nil {
			return nil, err
		}
		if result.Done() {
			return result, nil
		}
		if err := sleepContext(ctx, interval); err != nil {
			return nil, contextError(err, "")
		}
	}
}

func videoResult(provider string, op *llm.VideoOperation) *models.VideoResult {
	result := &models.VideoResult{
		Operation: op.Name,
		State:     models.VideoStateRunning,
		VideoURIs: op.VideoURIs,
		Error:     op.Error,
		Provider:  provider,
		Model:     op.Model,
	}
	switch {
	case op.Error != "":
		result.State = models.VideoStateFailed
	case op.Done:
		result.State = models.VideoStateSucceeded
	}
	return result
}
