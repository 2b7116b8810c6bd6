// internal/storage/section_store.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Corphon/AIShowrunner/internal/config"
	"github.com/Corphon/AIShowrunner/internal/models"
)

// ErrSectionNotFound 分区不存在
var ErrSectionNotFound = errors.New("section not found")

// SectionStore 持久化边界：接收完成的分区载荷
type SectionStore interface {
	SaveSection(ctx context.Context, key models.SectionKey, payload any) error
	LoadSection(ctx context.Context, key models.SectionKey, into any) error
	ListSections(ctx context.Context, prefix SectionPrefix) ([]models.SectionKey, error)
	Close() error
}

// SectionPrefix 列举条件，Scope 为空时列出整个故事圣经
type SectionPrefix struct {
	UserID       string
	StoryBibleID string
	Scope        string
}

// Validate 用户和故事圣经必填
func (p SectionPrefix) Validate() error {
	if p.UserID == "" || p.StoryBibleID == "" {
		return fmt.Errorf("section prefix: userId and storyBibleId are required")
	}
	return nil
}

// Matches 键是否落在前缀内
func (p SectionPrefix) Matches(key models.SectionKey) bool {
	if key.UserID != p.UserID || key.StoryBibleID != p.StoryBibleID {
		return false
	}
	return p.Scope == "" || key.Scope == p.Scope
}

// SectionRecord 文件和对象存储中的信封格式
type SectionRecord struct {
	Key       models.SectionKey `json:"key"`
	Payload   json.RawMessage   `json:"payload"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func newRecord(key models.SectionKey, payload any) (*SectionRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal section %s: %w", key.Path(), err)
	}
	return &SectionRecord{Key: key, Payload: data, UpdatedAt: time.Now().UTC()}, nil
}

func decodePayload(key models.SectionKey, data []byte, into any) error {
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decode section %s: %w", key.Path(), err)
	}
	return nil
}

func sortKeys(keys []models.SectionKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Scope != keys[j].Scope {
			return keys[i].Scope < keys[j].Scope
		}
		return keys[i].Section < keys[j].Section
	})
}

// OpenSectionStore 按 STORAGE_BACKEND 选择实现
func OpenSectionStore(ctx context.Context, cfg *config.Config) (SectionStore, error) {
	switch cfg.StorageBackend {
	case "", "file":
		return NewFileSectionStore(cfg.DataDir)
	case "postgres":
		return NewPostgresSectionStore(ctx, cfg.DatabaseURL)
	case "s3":
		return NewS3SectionStore(ctx, S3Options{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.StorageBackend)
	}
}
