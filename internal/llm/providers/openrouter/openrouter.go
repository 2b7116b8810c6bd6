// internal/llm/providers/openrouter/openrouter.go
package openrouter

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Corphon/AIShowrunner/internal/llm"
)

const (
	providerName   = "OpenRouter"
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultModel   = "openai/gpt-4o-mini"
)

var recommendedModels = []string{
	"openai/gpt-4o-mini",
	"anthropic/claude-3.5-haiku",
	"google/gemini-2.0-flash-001",
	"meta-llama/llama-3.3-70b-instruct",
}

func init() {
	llm.Register("openrouter", func() llm.Provider { return &Provider{} })
}

// Provider OpenRouter，作为文本生成的最后兜底
type Provider struct {
	endpoint     llm.ChatEndpoint
	defaultModel string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := config["api_key"]
	if apiKey == "" {
		return errors.New("openrouter api key not provided")
	}

	p.defaultModel = llm.ConfigValue(config, "default_model", defaultModel)
	p.endpoint = llm.ChatEndpoint{
		Provider: providerName,
		URL:      strings.TrimRight(llm.ConfigValue(config, "base_url", defaultBaseURL), "/") + "/chat/completions",
		Headers: map[string]string{
			"Authorization": "Bearer " + apiKey,
			"HTTP-Referer":  llm.ConfigValue(config, "http_referer", "https://showrunner.local"),
			"X-Title":       llm.ConfigValue(config, "app_name", "AI Showrunner"),
		},
		Client: &http.Client{},
	}
	return nil
}

func (p *Provider) GetName() string {
	return providerName
}

func (p *Provider) GetSupportedModels() []string {
	return recommendedModels
}

// CompleteText 响应中的 model 是 OpenRouter 实际路由到的模型
func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	return p.endpoint.Complete(ctx, llm.ChatBody(req, model), model)
}
