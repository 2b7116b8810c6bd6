// internal/models/generation.go
package models

import (
	"fmt"
	"strings"
	"time"
)

// GenerationRequest 单个阶段的输入包
type GenerationRequest struct {
	Stage         Stage                  `json:"stage"`
	StoryBible    *StoryBible            `json:"storyBible"`
	EpisodeNumber int                    `json:"episodeNumber,omitempty"`
	ArcIndex      int                    `json:"arcIndex,omitempty"`
	BeatSheet     BeatSheet              `json:"beatSheet,omitempty"`
	Prior         map[Stage]StagePayload `json:"-"`
	Vibe          VibeSettings           `json:"vibeSettings"`
	Notes         string                 `json:"notes,omitempty"`
}

// PriorPayload 取前置阶段的输出，缺失或失败时返回 nil
func (r *GenerationRequest) PriorPayload(stage Stage) StagePayload {
	if r == nil || r.Prior == nil {
		return nil
	}
	return r.Prior[stage]
}

// Clone 复制请求，供并发阶段各自使用
func (r *GenerationRequest) Clone() *GenerationRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.StoryBible = r.StoryBible.Clone()
	if r.Prior != nil {
		out.Prior = make(map[Stage]StagePayload, len(r.Prior))
		for stage, payload := range r.Prior {
			out.Prior[stage] = payload
		}
	}
	return &out
}

// GenerationResult 单个阶段的输出
type GenerationResult struct {
	Stage        Stage        `json:"stage"`
	State        StageState   `json:"state"`
	Success      bool         `json:"success"`
	Payload      StagePayload `json:"payload,omitempty"`
	Error        string       `json:"error,omitempty"`
	FallbackUsed bool         `json:"fallbackUsed,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Model        string       `json:"model,omitempty"`
	Attempts     int          `json:"attempts,omitempty"`
	StartedAt    time.Time    `json:"startedAt,omitempty"`
	FinishedAt   time.Time    `json:"finishedAt,omitempty"`
}

// NewPendingResult 创建处于 pending 状态的结果
func NewPendingResult(stage Stage) *GenerationResult {
	return &GenerationResult{Stage: stage, State: StatePending}
}

// Transition 按状态机迁移，非法迁移返回错误
func (r *GenerationResult) Transition(to StageState) error {
	if !r.State.CanTransition(to) {
		return fmt.Errorf("stage %s: invalid transition %s -> %s", r.Stage, r.State, to)
	}
	r.State = to
	return nil
}

// Duration 阶段耗时
func (r *GenerationResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// StageError 流水线中单个阶段的错误
type StageError struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

// PipelineProgress 聚合进度
type PipelineProgress struct {
	Completed    int    `json:"completed"`
	Total        int    `json:"total"`
	Percent      int    `json:"percent"`
	CurrentStage string `json:"currentStage,omitempty"` // 阶段显示名
}

// PipelineRun 一次"全部重新生成"的结果集合
type PipelineRun struct {
	ID         string              `json:"id"`
	UserID     string              `json:"userId,omitempty"`
	StoryBible string              `json:"storyBibleId,omitempty"`
	Requested  []Stage             `json:"requested"`
	Results    []*GenerationResult `json:"results"`
	Progress   PipelineProgress    `json:"progress"`
	Errors     []StageError        `json:"errors"`
	Cancelled  bool                `json:"cancelled"`
	StartedAt  time.Time           `json:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt,omitempty"`

	Persisted    []SectionKey `json:"persisted,omitempty"`
	PersistError string       `json:"persistError,omitempty"`
}

// Pending 未开始的阶段，取消时留在 pending
func (p *PipelineRun) Pending() []Stage {
	var stages []Stage
	for _, result := range p.Results {
		if result.State == StatePending {
			stages = append(stages, result.Stage)
		}
	}
	return stages
}

// Result 按阶段查找结果
func (p *PipelineRun) Result(stage Stage) *GenerationResult {
	for _, result := range p.Results {
		if result.Stage == stage {
			return result
		}
	}
	return nil
}

// Succeeded 成功的阶段，按请求顺序
func (p *PipelineRun) Succeeded() []Stage {
	var stages []Stage
	for _, result := range p.Results {
		if result.State == StateSucceeded {
			stages = append(stages, result.Stage)
		}
	}
	return stages
}

// Failed 失败的阶段，按请求顺序
func (p *PipelineRun) Failed() []Stage {
	var stages []Stage
	for _, result := range p.Results {
		if result.State == StateFailed {
			stages = append(stages, result.Stage)
		}
	}
	return stages
}

// SectionKey 持久化边界的键
type SectionKey struct {
	UserID       string `json:"userId"`
	StoryBibleID string `json:"storyBibleId"`
	Scope        string `json:"scope"`
	Section      string `json:"section"`
}

// EpisodeScope 剧集范围
func EpisodeScope(number int) string {
	return fmt.Sprintf("episode-%d", number)
}

// ArcScope 叙事弧范围
func ArcScope(index int) string {
	return fmt.Sprintf("arc-%d", index)
}

// ScopeFor 剧集编号优先，否则按叙事弧
func ScopeFor(req *GenerationRequest) string {
	if req != nil && req.EpisodeNumber > 0 {
		return EpisodeScope(req.EpisodeNumber)
	}
	if req != nil {
		return ArcScope(req.ArcIndex)
	}
	return ArcScope(0)
}

// Path 生成存储路径片段
func (k SectionKey) Path() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.UserID, k.StoryBibleID, k.Scope, k.Section)
}

// Validate 检查键的各部分都不为空且不包含路径分隔符
func (k SectionKey) Validate() error {
	parts := map[string]string{
		"userId":       k.UserID,
		"storyBibleId": k.StoryBibleID,
		"scope":        k.Scope,
		"section":      k.Section,
	}
	for _, name := range []string{"userId", "storyBibleId", "scope", "section"} {
		value := parts[name]
		if value == "" {
			return fmt.Errorf("section key: %s is required", name)
		}
		if strings.ContainsAny(value, "/\\") || value == "." || value == ".." {
			return fmt.Errorf("section key: %s is not a valid name", name)
		}
	}
	return nil
}
