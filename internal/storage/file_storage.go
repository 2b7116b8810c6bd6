// internal/storage/file_storage.go
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/AIShowrunner/internal/utils"
)

const (
	defaultCacheTTL     = 5 * time.Minute
	defaultCacheEntries = 200
)

// FileStorage BaseDir 下的 JSON 文件读写，单文件加锁，写入原子
type FileStorage struct {
	BaseDir string

	locks sync.Map // path -> *sync.RWMutex
	cache *readCache
}

// NewFileStorage 创建文件存储服务
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}
	return &FileStorage{
		BaseDir: baseDir,
		cache:   newReadCache(defaultCacheTTL, defaultCacheEntries),
	}, nil
}

// Close 清空读缓存
func (fs *FileStorage) Close() {
	fs.cache.clear()
}

func (fs *FileStorage) lockFor(path string) *sync.RWMutex {
	value, _ := fs.locks.LoadOrStore(path, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// resolve 拒绝逃出 BaseDir 的路径
func (fs *FileStorage) resolve(parts ...string) (string, error) {
	full := filepath.Join(append([]string{fs.BaseDir}, parts...)...)
	rel, err := filepath.Rel(fs.BaseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("路径超出存储目录: %s", filepath.Join(parts...))
	}
	return full, nil
}

// SaveJSONFile 缩进 JSON，先写临时文件再重命名
func (fs *FileStorage) SaveJSONFile(dirPath, filename string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}
	path, err := fs.resolve(dirPath, filename)
	if err != nil {
		return err
	}

	lock := fs.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := writeAtomic(path, content); err != nil {
		return err
	}
	fs.cache.put(path, content)
	return nil
}

func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}

	_, writeErr := tmp.Write(content)
	closeErr := tmp.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr == nil {
		writeErr = os.Rename(tmp.Name(), path)
	}
	if writeErr != nil {
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			utils.GetLogger().Warn("清理临时文件失败", map[string]interface{}{
				"path":  tmp.Name(),
				"error": err.Error(),
			})
		}
		return fmt.Errorf("保存文件失败: %w", writeErr)
	}
	return nil
}

// LoadJSONFile 文件不存在时错误链包含 os.ErrNotExist
func (fs *FileStorage) LoadJSONFile(dirPath, filename string, v interface{}) error {
	path, err := fs.resolve(dirPath, filename)
	if err != nil {
		return err
	}

	content, ok := fs.cache.get(path)
	if !ok {
		lock := fs.lockFor(path)
		lock.RLock()
		content, err = os.ReadFile(path)
		lock.RUnlock()
		if err != nil {
			return fmt.Errorf("读取文件失败: %w", err)
		}
		fs.cache.put(path, content)
	}

	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("解析JSON失败: %w", err)
	}
	return nil
}

// ListDirs 子目录名，按名称排序
func (fs *FileStorage) ListDirs(dirPath string) ([]string, error) {
	return fs.list(dirPath, func(entry os.DirEntry) bool { return entry.IsDir() })
}

// ListFiles 带 suffix 的文件名，按名称排序
func (fs *FileStorage) ListFiles(dirPath, suffix string) ([]string, error) {
	return fs.list(dirPath, func(entry os.DirEntry) bool {
		return !entry.IsDir() && strings.HasSuffix(entry.Name(), suffix)
	})
}

func (fs *FileStorage) list(dirPath string, keep func(os.DirEntry) bool) ([]string, error) {
	path, err := fs.resolve(dirPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if keep(entry) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

type cacheEntry struct {
	data     []byte
	storedAt time.Time
}

// readCache 过期条目在读取时丢弃，超出容量时淘汰最早写入的条目
type readCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]cacheEntry
	now        func() time.Time
}

func newReadCache(ttl time.Duration, maxEntries int) *readCache {
	return &readCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]cacheEntry),
		now:        time.Now,
	}
}

func (c *readCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.data, true
}

func (c *readCache) put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{data: data, storedAt: c.now()}
	if len(c.entries) <= c.maxEntries {
		return
	}

	oldest := ""
	for k, e := range c.entries {
		if oldest == "" || e.storedAt.Before(c.entries[oldest].storedAt) {
			oldest = k
		}
	}
	delete(c.entries, oldest)
}

func (c *readCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
