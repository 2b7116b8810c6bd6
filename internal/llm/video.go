// internal/llm/video.go
package llm

import (
	"context"
	"sync"
)

// VideoRequest 视频生成参数
type VideoRequest struct {
	Prompt          string
	NegativePrompt  string
	AspectRatio     string
	DurationSeconds int
	SampleCount     int
	Model           string
}

// VideoOperation 长时间运行的视频生成操作
type VideoOperation struct {
	Name      string
	Done      bool
	VideoURIs []string
	Error     string
	Model     string
}

// VideoProvider 视频生成提供者
type VideoProvider interface {
	Initialize(config map[string]string) error
	GetName() string
	// 提交生成任务，返回操作名
	SubmitVideo(ctx context.Context, req VideoRequest) (*VideoOperation, error)
	// 查询操作状态
	PollVideo(ctx context.Context, operation string) (*VideoOperation, error)
}

// VideoProviderFactory 视频提供者工厂
type VideoProviderFactory func() VideoProvider

var (
	videoMu        sync.RWMutex
	videoProviders = make(map[string]VideoProviderFactory)
)

// RegisterVideo 注册视频提供者
func RegisterVideo(name string, factory VideoProviderFactory) {
	videoMu.Lock()
	defer videoMu.Unlock()
	videoProviders[name] = factory
}

// GetVideoProvider 创建视频提供者实例
func GetVideoProvider(name string, config map[string]string) (VideoProvider, error) {
	videoMu.RLock()
	factory, exists := videoProviders[name]
	videoMu.RUnlock()
	if !exists {
		return nil, ErrUnknownProvider
	}
	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}
