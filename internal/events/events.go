// internal/events/events.go
package events

import (
	"context"
	"time"

	"github.com/Corphon/AIShowrunner/internal/models"
)

// 事件主题
const (
	TopicStageCompleted     = "showrunner.stage.completed"
	TopicPipelineCompleted  = "showrunner.pipeline.completed"
	TopicPipelineCancelled  = "showrunner.pipeline.cancelled"
	TopicSectionPersisted   = "showrunner.section.persisted"
	TopicVideoOperationDone = "showrunner.video.completed"
)

// StageCompleted 单个阶段结束
type StageCompleted struct {
	RunID        string            `json:"run_id,omitempty"`
	Stage        models.Stage      `json:"stage"`
	State        models.StageState `json:"state"`
	FallbackUsed bool              `json:"fallback_used"`
	Provider     string            `json:"provider,omitempty"`
	Model        string            `json:"model,omitempty"`
	Error        string            `json:"error,omitempty"`
	DurationMS   int64             `json:"duration_ms"`
}

// PipelineCompleted 流水线结束，取消时也发送
type PipelineCompleted struct {
	RunID      string         `json:"run_id"`
	UserID     string         `json:"user_id,omitempty"`
	StoryBible string         `json:"story_bible_id,omitempty"`
	Succeeded  []models.Stage `json:"succeeded"`
	Failed     []models.Stage `json:"failed"`
	Pending    []models.Stage `json:"pending,omitempty"`
	Cancelled  bool           `json:"cancelled"`
	FinishedAt time.Time      `json:"finished_at"`
}

// SectionPersisted 一个分区写入存储
type SectionPersisted struct {
	Key models.SectionKey `json:"key"`
}

// VideoCompleted 视频操作结束
type VideoCompleted struct {
	Operation string   `json:"operation"`
	VideoURIs []string `json:"video_uris,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Publisher 事件发布接口
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
