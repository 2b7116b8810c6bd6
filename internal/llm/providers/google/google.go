// internal/llm/providers/google/google.go
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Corphon/AIShowrunner/internal/llm"
)

const (
	providerName   = "google gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-flash"
)

var recommendedModels = []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash"}

// 放进 generationConfig 而不是请求顶层的额外参数
var generationParams = map[string]bool{"topK": true, "topP": true, "candidateCount": true}

func init() {
	llm.Register("google", func() llm.Provider { return &Provider{} })
}

// Provider Gemini generateContent 接口，主文本生成目标
type Provider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	defaultModel string
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (p *Provider) Initialize(config map[string]string) error {
	p.apiKey = config["api_key"]
	if p.apiKey == "" {
		return errors.New("gemini api key not provided")
	}
	p.baseURL = strings.TrimRight(llm.ConfigValue(config, "base_url", defaultBaseURL), "/")
	p.defaultModel = llm.ConfigValue(config, "default_model", defaultModel)
	p.client = &http.Client{}
	return nil
}

func (p *Provider) GetName() string {
	return providerName
}

func (p *Provider) GetSupportedModels() []string {
	return recommendedModels
}

// requestBody 系统提示走 systemInstruction 字段
func requestBody(req llm.CompletionRequest) map[string]interface{} {
	config := map[string]interface{}{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		config["maxOutputTokens"] = req.MaxTokens
	}
	if req.JSONMode {
		config["responseMimeType"] = "application/json"
	}

	body := map[string]interface{}{
		"contents":         []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
		"generationConfig": config,
	}
	if req.SystemPrompt != "" {
		body["systemInstruction"] = content{Parts: []part{{Text: req.SystemPrompt}}}
	}
	for k, v := range req.ExtraParams {
		if generationParams[k] {
			config[k] = v
		} else {
			body[k] = v
		}
	}
	return body
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	payload, err := json.Marshal(requestBody(req))
	if err != nil {
		return nil, err
	}
	apiURL := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, url.PathEscape(model), url.QueryEscape(p.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, llm.ReadProviderError(providerName, httpResp)
	}

	var parsed generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", providerName, err)
	}
	if len(parsed.Candidates) == 0 {
		return nil, errors.New("google gemini returned no candidates")
	}

	candidate := parsed.Candidates[0]
	var text strings.Builder
	for _, pt := range candidate.Content.Parts {
		text.WriteString(pt.Text)
	}
	if parsed.ModelVersion != "" {
		model = parsed.ModelVersion
	}

	return &llm.CompletionResponse{
		Text:         text.String(),
		FinishReason: candidate.FinishReason,
		TokensUsed:   parsed.UsageMetadata.TotalTokenCount,
		PromptTokens: parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		ModelName:    model,
		ProviderName: providerName,
	}, nil
}
