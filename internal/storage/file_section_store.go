// internal/storage/file_section_store.go
package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/Corphon/AIShowrunner/internal/models"
)

const sectionFileSuffix = ".json"

// FileSectionStore 在 FileStorage 上按 <user>/<bible>/<scope>/<section>.json 保存分区
type FileSectionStore struct {
	files *FileStorage
}

// NewFileSectionStore 在 dataDir/sections 下创建存储
func NewFileSectionStore(dataDir string) (*FileSectionStore, error) {
	files, err := NewFileStorage(filepath.Join(dataDir, "sections"))
	if err != nil {
		return nil, err
	}
	return &FileSectionStore{files: files}, nil
}

func (s *FileSectionStore) SaveSection(ctx context.Context, key models.SectionKey, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record, err := newRecord(key, payload)
	if err != nil {
		return err
	}
	return s.files.SaveJSONFile(sectionDir(key), key.Section+sectionFileSuffix, record)
}

func (s *FileSectionStore) LoadSection(ctx context.Context, key models.SectionKey, into any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return err
	}
	var record SectionRecord
	if err := s.files.LoadJSONFile(sectionDir(key), key.Section+sectionFileSuffix, &record); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrSectionNotFound
		}
		return err
	}
	return decodePayload(key, record.Payload, into)
}

func (s *FileSectionStore) ListSections(ctx context.Context, prefix SectionPrefix) ([]models.SectionKey, error) {
	if err := prefix.Validate(); err != nil {
		return nil, err
	}
	base := filepath.Join(prefix.UserID, prefix.StoryBibleID)

	scopes := []string{prefix.Scope}
	if prefix.Scope == "" {
		dirs, err := s.files.ListDirs(base)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		scopes = dirs
	}

	var keys []models.SectionKey
	for _, scope := range scopes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		files, err := s.files.ListFiles(filepath.Join(base, scope), sectionFileSuffix)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, name := range files {
			keys = append(keys, models.SectionKey{
				UserID:       prefix.UserID,
				StoryBibleID: prefix.StoryBibleID,
				Scope:        scope,
				Section:      strings.TrimSuffix(name, sectionFileSuffix),
			})
		}
	}
	sortKeys(keys)
	return keys, nil
}

func (s *FileSectionStore) Close() error {
	s.files.Close()
	return nil
}

func sectionDir(key models.SectionKey) string {
	return filepath.Join(key.UserID, key.StoryBibleID, key.Scope)
}
