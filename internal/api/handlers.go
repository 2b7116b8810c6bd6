// internal/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	apperrors "github.com/Corphon/AIShowrunner/internal/errors"
	"github.com/Corphon/AIShowrunner/internal/llm"
	"github.com/Corphon/AIShowrunner/internal/models"
	"github.com/Corphon/AIShowrunner/internal/services"
	"github.com/Corphon/AIShowrunner/internal/storage"
	"github.com/Corphon/AIShowrunner/internal/utils"
)

// Handler 处理API请求
type Handler struct {
	Showrunner *services.ShowrunnerService // 编排服务
	WebSockets *WebSocketManager           // 进度连接
	Response   *ResponseHelper             // 响应助手

	validate *validator.Validate
	logger   *utils.Logger
	started  time.Time
}

// NewHandler 创建处理器
func NewHandler(showrunner *services.ShowrunnerService, sockets *WebSocketManager) *Handler {
	if sockets == nil {
		sockets = NewWebSocketManager(0)
	}
	return &Handler{
		Showrunner: showrunner,
		WebSockets: sockets,
		Response:   NewResponseHelper(),
		validate:   newValidator(),
		logger:     utils.GetLogger(),
		started:    time.Now(),
	}
}

// newValidator 错误信息使用 JSON 字段名
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// StageRequest 单阶段生成请求体
type StageRequest struct {
	StoryBible    *models.StoryBible   `json:"storyBible" validate:"required"`
	StoryBibleID  string               `json:"storyBibleId" validate:"required_if=Persist true,max=128"`
	EpisodeNumber int                  `json:"episodeNumber" validate:"gte=0"`
	ArcIndex      int                  `json:"arcIndex" validate:"gte=0"`
	BeatSheet     string               `json:"beatSheet"`
	Vibe          *models.VibeSettings `json:"vibeSettings"`
	Notes         string               `json:"notes" validate:"max=8000"`
	Persist       bool                 `json:"persist"`
}

// RegenerateRequest 全部重新生成请求体
type RegenerateRequest struct {
	StageRequest
	Stages []string `json:"stages" validate:"omitempty,dive,required"`
	Async  bool     `json:"async"`
}

// StageResponse 单阶段生成响应
type StageResponse struct {
	Success      bool                `json:"success"`
	Stage        models.Stage        `json:"stage"`
	Payload      models.StagePayload `json:"payload"`
	FallbackUsed bool                `json:"fallbackUsed"`
	Provider     string              `json:"provider,omitempty"`
	Model        string              `json:"model,omitempty"`
	Attempts     int                 `json:"attempts,omitempty"`
	DurationMs   int64               `json:"durationMs"`
	RequestID    string              `json:"request_id,omitempty"`
}

// toGenerationRequest 未提供 vibeSettings 时所有滑块居中
func (r *StageRequest) toGenerationRequest(stage models.Stage) *models.GenerationRequest {
	vibe := models.DefaultVibeSettings()
	if r.Vibe != nil {
		vibe = *r.Vibe
	}
	return &models.GenerationRequest{
		Stage:         stage,
		StoryBible:    r.StoryBible,
		EpisodeNumber: r.EpisodeNumber,
		ArcIndex:      r.ArcIndex,
		BeatSheet:     models.BeatSheet(r.BeatSheet),
		Vibe:          vibe,
		Notes:         r.Notes,
	}
}

// bindJSON 解析请求体；空请求体按空对象处理，交给字段校验报告缺失字段
func (h *Handler) bindJSON(c *gin.Context, into interface{}) bool {
	if err := c.ShouldBindJSON(into); err != nil && !errors.Is(err, io.EOF) {
		h.Response.ValidationFailed(c, "invalid JSON body", []FieldError{{Rule: "json", Message: err.Error()}})
		return false
	}
	return true
}

// validateStageRequest 汇总结构校验、滑块范围和阶段规则；target 是实际绑定的请求体
func (h *Handler) validateStageRequest(stage models.Stage, req *StageRequest, target interface{}, extra []FieldError) []FieldError {
	fields := append([]FieldError{}, extra...)
	fields = append(fields, h.structErrors(target)...)

	if req.Vibe != nil {
		for _, problem := range req.Vibe.Validate() {
			fields = append(fields, FieldError{Field: "vibeSettings", Rule: "range", Message: problem})
		}
	}
	if stage.IsProse() && req.EpisodeNumber <= 0 {
		fields = append(fields, FieldError{
			Field:   "episodeNumber",
			Rule:    "required",
			Message: fmt.Sprintf("episodeNumber is required for %s", stage),
		})
	}
	return fields
}

func (h *Handler) structErrors(v interface{}) []FieldError {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return []FieldError{{Message: err.Error()}}
	}

	fields := make([]FieldError, 0, len(validationErrors))
	for _, fe := range validationErrors {
		fields = append(fields, FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: fieldErrorMessage(fe),
		})
	}
	return fields
}

func fieldErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed the %s rule", fe.Field(), fe.Tag())
	}
}

// ========================================
// 生成
// ========================================

// GenerateStage 生成单个阶段。
// 400：缺少必填字段，不调用模型；200：成功，包括解析回退；500：重试和备用提供者都失败。
func (h *Handler) GenerateStage(c *gin.Context) {
	stage, err := models.ParseStage(c.Param("stage"))
	if err != nil {
		h.Response.Error(c, http.StatusNotFound, ErrorStageUnknown, err.Error())
		return
	}

	var body StageRequest
	if !h.bindJSON(c, &body) {
		return
	}
	if fields := h.validateStageRequest(stage, &body, &body, nil); len(fields) > 0 {
		h.Response.ValidationFailed(c, "request validation failed", fields)
		return
	}

	userID, _ := GetUserFromContext(c)
	result, err := h.Showrunner.GenerateStage(c.Request.Context(), userID, body.StoryBibleID, body.toGenerationRequest(stage), body.Persist)
	if err != nil {
		h.generationFailed(c, err)
		return
	}

	c.JSON(http.StatusOK, &StageResponse{
		Success:      true,
		Stage:        result.Stage,
		Payload:      result.Payload,
		FallbackUsed: result.FallbackUsed,
		Provider:     result.Provider,
		Model:        result.Model,
		Attempts:     result.Attempts,
		DurationMs:   result.Duration().Milliseconds(),
		RequestID:    c.GetString(requestIDKey),
	})
}

// generationFailed 生成类错误统一为 500，校验和取消除外
func (h *Handler) generationFailed(c *gin.Context, err error) {
	if apperrors.IsValidationError(err) {
		h.Response.AppError(c, err)
		return
	}
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		status = http.StatusInternalServerError
	}
	h.Response.Error(c, status, errorCodeOf(err), err.Error())
}

// RegenerateAll 按依赖波次执行多个阶段。
// 同步模式部分失败仍返回 200；async=true 时返回 202 和任务 ID。
func (h *Handler) RegenerateAll(c *gin.Context) {
	var body RegenerateRequest
	if !h.bindJSON(c, &body) {
		return
	}

	stages := make([]models.Stage, 0, len(body.Stages))
	var stageErrors []FieldError
	for _, name := range body.Stages {
		stage, err := models.ParseStage(name)
		if err != nil {
			stageErrors = append(stageErrors, FieldError{Field: "stages", Rule: "oneof", Message: err.Error()})
			continue
		}
		if !stage.IsPipelineStage() {
			stageErrors = append(stageErrors, FieldError{Field: "stages", Rule: "oneof", Message: fmt.Sprintf("%s cannot run in the pipeline", stage)})
			continue
		}
		stages = append(stages, stage)
	}

	// 流水线中的阶段都不需要剧集编号
	if fields := h.validateStageRequest("", &body.StageRequest, &body, stageErrors); len(fields) > 0 {
		h.Response.ValidationFailed(c, "request validation failed", fields)
		return
	}

	userID, _ := GetUserFromContext(c)
	req := services.PipelineRequest{
		UserID:       userID,
		StoryBibleID: body.StoryBibleID,
		Base:         body.toGenerationRequest(""),
		Stages:       stages,
		Persist:      body.Persist,
	}

	if body.Async {
		taskID, err := h.Showrunner.StartRegenerateAll(req)
		if err != nil {
			h.Response.AppError(c, err)
			return
		}
		h.Response.Accepted(c, gin.H{
			"taskId":       taskID,
			"statusUrl":    "/api/runs/" + taskID,
			"progressUrl":  "/api/progress/" + taskID,
			"websocketUrl": "/ws/progress/" + taskID,
		}, "pipeline started")
		return
	}

	run, err := h.Showrunner.RegenerateAll(c.Request.Context(), req)
	if err != nil {
		h.generationFailed(c, err)
		return
	}
	h.Response.Success(c, run)
}

// ========================================
// 后台任务
// ========================================

// GetRunStatus 查询后台任务，结束后附带运行结果
func (h *Handler) GetRunStatus(c *gin.Context) {
	update, run, err := h.Showrunner.RunStatus(c.Param("taskID"))
	if err != nil {
		h.taskError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"progress": update, "run": run})
}

// CancelRun 取消后台任务，已开始的阶段会被中断，未开始的保持 pending
func (h *Handler) CancelRun(c *gin.Context) {
	taskID := c.Param("taskID")
	if err := h.Showrunner.CancelRun(taskID); err != nil {
		h.taskError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"taskId": taskID, "status": "cancelling"}, "cancellation requested")
}

func (h *Handler) taskError(c *gin.Context, err error) {
	switch {
	case apperrors.IsNotFoundError(err):
		h.Response.Error(c, http.StatusNotFound, ErrorTaskNotFound, err.Error())
	case apperrors.IsConflictError(err):
		h.Response.Error(c, http.StatusConflict, ErrorTaskNotRunning, err.Error())
	default:
		h.Response.AppError(c, err)
	}
}

// SubscribeProgress 通过 SSE 推送进度，任务结束后关闭
func (h *Handler) SubscribeProgress(c *gin.Context) {
	taskID := c.Param("taskID")
	tracker, exists := h.Showrunner.Progress.GetTracker(taskID)
	if !exists {
		h.Response.Error(c, http.StatusNotFound, ErrorTaskNotFound, "task not found", taskID)
		return
	}

	// 设置SSE响应头
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()

	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"taskId\":%q}\n\n", taskID)
	c.Writer.Flush()

	for {
		select {
		case <-clientGone:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			data, _ := json.Marshal(update)
			fmt.Fprintf(c.Writer, "event: progress\ndata: %s\n\n", data)
			c.Writer.Flush()

			if update.Final() {
				fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", update.Status, data)
				c.Writer.Flush()
				return
			}
		case <-ticker.C:
			fmt.Fprintf(c.Writer, "event: heartbeat\ndata: {\"time\":%d}\n\n", time.Now().Unix())
			c.Writer.Flush()
		}
	}
}

// ========================================
// 视频
// ========================================

// GenerateVideo 提交视频生成任务
func (h *Handler) GenerateVideo(c *gin.Context) {
	if h.Showrunner.Generation == nil {
		h.Response.ServiceUnavailable(c, ErrorVideoUnavailable, "video generation is not configured")
		return
	}

	var req models.VideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.ValidationFailed(c, "request validation failed", []FieldError{{Field: "prompt", Rule: "required", Message: err.Error()}})
		return
	}

	result, err := h.Showrunner.GenerateVideo(c.Request.Context(), req)
	if err != nil {
		h.generationFailed(c, err)
		return
	}
	h.Response.Accepted(c, result, "video generation started")
}

// GetVideoStatus 查询视频操作，操作名可以包含斜杠
func (h *Handler) GetVideoStatus(c *gin.Context) {
	if h.Showrunner.Generation == nil {
		h.Response.ServiceUnavailable(c, ErrorVideoUnavailable, "video generation is not configured")
		return
	}

	operation := strings.TrimPrefix(c.Param("operation"), "/")
	result, err := h.Showrunner.VideoStatus(c.Request.Context(), operation)
	if err != nil {
		h.generationFailed(c, err)
		return
	}
	h.Response.Success(c, result)
}

// ========================================
// 分区
// ========================================

// ListSections 列出当前用户某个故事圣经下保存的分区
func (h *Handler) ListSections(c *gin.Context) {
	userID, _ := GetUserFromContext(c)
	keys, err := h.Showrunner.Sections.List(c.Request.Context(), storage.SectionPrefix{
		UserID:       userID,
		StoryBibleID: c.Param("storyBibleId"),
		Scope:        c.Query("scope"),
	})
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"sections": keys, "count": len(keys)})
}

// GetSection 读取保存的分区
func (h *Handler) GetSection(c *gin.Context) {
	userID, _ := GetUserFromContext(c)
	key := models.SectionKey{
		UserID:       userID,
		StoryBibleID: c.Param("storyBibleId"),
		Scope:        c.Param("scope"),
		Section:      c.Param("section"),
	}

	raw, err := h.Showrunner.Sections.Get(c.Request.Context(), key)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			h.Response.Error(c, http.StatusNotFound, ErrorSectionNotFound, err.Error())
			return
		}
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"key": key, "payload": raw})
}

// ========================================
// LLM 配置
// ========================================

// GetLLMStatus 生成服务状态和阶段路由
func (h *Handler) GetLLMStatus(c *gin.Context) {
	generation := h.Showrunner.Generation
	if generation == nil {
		h.Response.Success(c, gin.H{"ready": false, "providers": []services.ProviderStatus{}})
		return
	}

	cfg := generation.Config()
	routes := make(map[models.Stage][]string, len(models.AllStages))
	for _, stage := range models.AllStages {
		for _, target := range cfg.RouteFor(stage).Targets() {
			routes[stage] = append(routes[stage], target.String())
		}
	}

	h.Response.Success(c, gin.H{
		"ready":     generation.IsReady(),
		"providers": generation.ProviderStatuses(),
		"routes":    routes,
		"retry": gin.H{
			"maxAttempts": cfg.Retry.MaxAttempts,
			"backoffMs":   cfg.Retry.Backoff.Milliseconds(),
		},
	})
}

// GetLLMProviders 已注册的提供者及支持的模型
func (h *Handler) GetLLMProviders(c *gin.Context) {
	if name := c.Query("provider"); name != "" {
		for _, registered := range llm.ListProviders() {
			if registered == name {
				h.Response.Success(c, gin.H{"provider": name, "models": llm.GetSupportedModelsForProvider(name)})
				return
			}
		}
		h.Response.Error(c, http.StatusNotFound, ErrorLLMProviderMissing, "unknown provider: "+name)
		return
	}

	providers := make([]gin.H, 0)
	for _, name := range llm.ListProviders() {
		providers = append(providers, gin.H{"name": name, "models": llm.GetSupportedModelsForProvider(name)})
	}
	h.Response.Success(c, gin.H{"providers": providers, "count": len(providers)})
}

// UpdateLLMConfig 更新提供者凭据，立即生效并持久化
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req struct {
		Provider string            `json:"provider" binding:"required"`
		Config   map[string]string `json:"config" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.ValidationFailed(c, "request validation failed", []FieldError{{Message: err.Error()}})
		return
	}
	if h.Showrunner.Generation == nil {
		h.Response.ServiceUnavailable(c, ErrorLLMServiceUnavailable, "generation service unavailable")
		return
	}

	if err := h.Showrunner.Generation.UpdateProvider(req.Provider, req.Config); err != nil {
		if apperrors.IsNotFoundError(err) {
			h.Response.Error(c, http.StatusNotFound, ErrorLLMProviderMissing, err.Error())
			return
		}
		if apperrors.IsValidationError(err) {
			h.Response.Error(c, http.StatusBadRequest, ErrorLLMConfigInvalid, err.Error())
			return
		}
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"provider": req.Provider}, "provider configuration updated")
}

// ========================================
// 运维
// ========================================

// GetMetrics 进程内指标
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"metrics":    utils.GetMetricsCollector().GetMetrics(),
		"websockets": h.WebSockets.GetStatus(),
		"uptime_s":   int64(time.Since(h.started).Seconds()),
	})
}

// Health 存活检查，同时报告生成服务是否可用
func (h *Handler) Health(c *gin.Context) {
	ready := h.Showrunner.Generation != nil && h.Showrunner.Generation.IsReady()
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"generationReady": ready,
		"timestamp":       time.Now().Format(time.RFC3339),
	})
}
