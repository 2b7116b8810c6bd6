// internal/services/section_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/Corphon/AIShowrunner/internal/errors"
	"github.com/Corphon/AIShowrunner/internal/events"
	"github.com/Corphon/AIShowrunner/internal/models"
	"github.com/Corphon/AIShowrunner/internal/storage"
	"github.com/Corphon/AIShowrunner/internal/utils"
)

// RunSummarySection 流水线摘要保存在这个分区名下
const RunSummarySection = "pipeline-run"

// RunSummary 一次流水线运行的摘要
type RunSummary struct {
	ID             string              `json:"id"`
	Requested      []models.Stage      `json:"requested"`
	Succeeded      []models.Stage      `json:"succeeded"`
	Failed         []models.Stage      `json:"failed"`
	FallbackStages []models.Stage      `json:"fallbackStages,omitempty"`
	Errors         []models.StageError `json:"errors"`
	Cancelled      bool                `json:"cancelled"`
	StartedAt      time.Time           `json:"startedAt"`
	FinishedAt     time.Time           `json:"finishedAt"`
}

// SectionService 持久化边界，只写入成功阶段的载荷
type SectionService struct {
	store     storage.SectionStore
	publisher events.Publisher
	logger    *utils.Logger
}

// NewSectionService 创建分区服务
func NewSectionService(store storage.SectionStore, publisher events.Publisher) *SectionService {
	if publisher == nil {
		publisher = &events.NoopPublisher{}
	}
	return &SectionService{
		store:     store,
		publisher: publisher,
		logger:    utils.GetLogger(),
	}
}

// SaveResult 保存单个成功阶段，失败或空载荷不写入
func (s *SectionService) SaveResult(ctx context.Context, userID, storyBibleID, scope string, result *models.GenerationResult) (models.SectionKey, bool, error) {
	if result == nil || !result.Success || result.Payload == nil {
		return models.SectionKey{}, false, nil
	}
	key := models.SectionKey{
		UserID:       userID,
		StoryBibleID: storyBibleID,
		Scope:        scope,
		Section:      string(result.Stage),
	}
	if err := s.Save(ctx, key, result.Payload); err != nil {
		return key, false, err
	}
	return key, true, nil
}

// SaveRun 保存所有成功阶段和运行摘要，单个分区失败不影响其余分区
func (s *SectionService) SaveRun(ctx context.Context, run *models.PipelineRun, scope string) ([]models.SectionKey, error) {
	var saved []models.SectionKey
	var failures []error

	for _, result := range run.Results {
		key, ok, err := s.SaveResult(ctx, run.UserID, run.StoryBible, scope, result)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if ok {
			saved = append(saved, key)
		}
	}

	summaryKey := models.SectionKey{
		UserID:       run.UserID,
		StoryBibleID: run.StoryBible,
		Scope:        scope,
		Section:      RunSummarySection,
	}
	if err := s.Save(ctx, summaryKey, summarize(run)); err != nil {
		failures = append(failures, err)
	} else {
		saved = append(saved, summaryKey)
	}

	return saved, errors.Join(failures...)
}

// Save 写入任意分区
func (s *SectionService) Save(ctx context.Context, key models.SectionKey, payload any) error {
	if err := key.Validate(); err != nil {
		return apperrors.NewValidationError(err.Error(), err)
	}
	if err := s.store.SaveSection(ctx, key, payload); err != nil {
		s.logger.Error("保存分区失败", map[string]interface{}{
			"key":   key.Path(),
			"error": err.Error(),
		})
		return apperrors.NewProcessingError(fmt.Sprintf("failed to save section %s", key.Path()), err)
	}

	if err := s.publisher.Publish(ctx, events.TopicSectionPersisted, events.SectionPersisted{Key: key}); err != nil {
		s.logger.Warn("发布分区事件失败", map[string]interface{}{"key": key.Path(), "error": err.Error()})
	}
	return nil
}

// Get 读取分区原始 JSON
func (s *SectionService) Get(ctx context.Context, key models.SectionKey) (json.RawMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, apperrors.NewValidationError(err.Error(), err)
	}
	var raw json.RawMessage
	if err := s.store.LoadSection(ctx, key, &raw); err != nil {
		if errors.Is(err, storage.ErrSectionNotFound) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("section %s not found", key.Path()), err)
		}
		return nil, apperrors.NewProcessingError("failed to load section", err)
	}
	return raw, nil
}

// LoadPayload 读取已保存的阶段载荷，不存在时返回 nil
func (s *SectionService) LoadPayload(ctx context.Context, userID, storyBibleID, scope string, stage models.Stage) (models.StagePayload, error) {
	payload := models.NewPayload(stage)
	if payload == nil {
		return nil, nil
	}
	key := models.SectionKey{UserID: userID, StoryBibleID: storyBibleID, Scope: scope, Section: string(stage)}
	if err := key.Validate(); err != nil {
		return nil, nil
	}
	if err := s.store.LoadSection(ctx, key, payload); err != nil {
		if errors.Is(err, storage.ErrSectionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return payload, nil
}

// List 列出故事圣经下的分区
func (s *SectionService) List(ctx context.Context, prefix storage.SectionPrefix) ([]models.SectionKey, error) {
	if err := prefix.Validate(); err != nil {
		return nil, apperrors.NewValidationError(err.Error(), err)
	}
	keys, err := s.store.ListSections(ctx, prefix)
	if err != nil {
		return nil, apperrors.NewProcessingError("failed to list sections", err)
	}
	if keys == nil {
		keys = []models.SectionKey{}
	}
	return keys, nil
}

func summarize(run *models.PipelineRun) RunSummary {
	summary := RunSummary{
		ID:         run.ID,
		Requested:  run.Requested,
		Succeeded:  run.Succeeded(),
		Failed:     run.Failed(),
		Errors:     run.Errors,
		Cancelled:  run.Cancelled,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	for _, result := range run.Results {
		if result.FallbackUsed {
			summary.FallbackStages = append(summary.FallbackStages, result.Stage)
		}
	}
	if summary.Errors == nil {
		summary.Errors = []models.StageError{}
	}
	return summary
}
