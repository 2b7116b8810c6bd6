// internal/llm/providers/azureopenai/azureopenai.go
package azureopenai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Corphon/AIShowrunner/internal/llm"
)

const (
	providerName      = "azure openai"
	defaultAPIVersion = "2024-08-01-preview"
	defaultDeployment = "gpt-4o"
)

func init() {
	llm.Register("azureopenai", func() llm.Provider {
		return &Provider{deployments: []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1"}}
	})
}

// Provider Azure OpenAI，模型名即部署名
type Provider struct {
	apiKey       string
	endpoint     string
	apiVersion   string
	client       *http.Client
	defaultModel string
	deployments  []string
}

func (p *Provider) Initialize(config map[string]string) error {
	p.apiKey = config["api_key"]
	if p.apiKey == "" {
		return errors.New("azure openai api key not provided")
	}
	p.endpoint = strings.TrimRight(config["endpoint"], "/")
	if p.endpoint == "" {
		return errors.New("azure openai endpoint not provided")
	}

	p.apiVersion = llm.ConfigValue(config, "api_version", defaultAPIVersion)
	p.defaultModel = llm.ConfigValue(config, "default_model", defaultDeployment)
	p.client = &http.Client{}

	// deployments 逗号分隔，覆盖默认列表
	var names []string
	for _, name := range strings.Split(config["deployments"], ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	if len(names) > 0 {
		p.deployments = names
	}
	return nil
}

func (p *Provider) GetName() string {
	return providerName
}

func (p *Provider) GetSupportedModels() []string {
	return p.deployments
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	deployment := req.Model
	if deployment == "" {
		deployment = p.defaultModel
	}

	endpoint := llm.ChatEndpoint{
		Provider: providerName,
		URL: fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			p.endpoint, url.PathEscape(deployment), url.QueryEscape(p.apiVersion)),
		Headers: map[string]string{"api-key": p.apiKey},
		Client:  p.client,
	}
	return endpoint.Complete(ctx, llm.ChatBody(req, ""), deployment)
}
