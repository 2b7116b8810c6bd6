// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// 错误定义
var ErrUnknownProvider = errors.New("unknown provider")

// CompletionRequest 请求参数标准化
type CompletionRequest struct {
	Prompt       string                 `json:"prompt"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	MaxTokens    int                    `json:"max_tokens,omitempty"`
	Temperature  float32                `json:"temperature,omitempty"`
	Model        string                 `json:"model,omitempty"`
	JSONMode     bool                   `json:"json_mode,omitempty"`
	ExtraParams  map[string]interface{} `json:"extra_params,omitempty"`
}

// CompletionResponse 响应结构标准化
type CompletionResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	TokensUsed   int    `json:"tokens_used,omitempty"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
}

// Provider 定义所有文本生成提供者必须实现的接口
type Provider interface {
	// 初始化提供者，传入配置
	Initialize(config map[string]string) error

	// 获取提供者名称
	GetName() string

	// 获取支持的模型列表
	GetSupportedModels() []string

	// 文本生成，非 200 响应返回 *ProviderError
	CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ProviderFactory 提供者工厂
type ProviderFactory func() Provider

var (
	registryMu sync.RWMutex
	providers  = make(map[string]ProviderFactory)
)

// Register 注册提供者工厂，由各提供者包的 init() 调用
func Register(name string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	providers[name] = factory
}

// GetProvider 创建并初始化指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	registryMu.RLock()
	factory, exists := providers[name]
	registryMu.RUnlock()
	if !exists {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}

// ListProviders 返回所有已注册的提供者名称，按字母排序
func ListProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetSupportedModelsForProvider 获取指定提供商支持的模型列表
func GetSupportedModelsForProvider(name string) []string {
	registryMu.RLock()
	factory, exists := providers[name]
	registryMu.RUnlock()
	if !exists {
		return []string{}
	}
	return factory().GetSupportedModels()
}
