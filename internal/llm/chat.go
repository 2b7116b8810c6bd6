// internal/llm/chat.go
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ChatMessage chat/completions 消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatEndpoint OpenAI 兼容的 chat/completions 接口
type ChatEndpoint struct {
	Provider string
	URL      string
	Headers  map[string]string
	Client   *http.Client
}

// ChatBody 构造请求体；model 为空时不写入，由 URL 决定模型
func ChatBody(req CompletionRequest, model string) map[string]interface{} {
	messages := make([]ChatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: req.Prompt})

	body := map[string]interface{}{
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if model != "" {
		body["model"] = model
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.JSONMode {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	for k, v := range req.ExtraParams {
		body[k] = v
	}
	return body
}

type chatResponse struct {
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// Complete 非 200 响应返回 *ProviderError；响应未带模型名时使用 fallbackModel
func (e ChatEndpoint) Complete(ctx context.Context, body map[string]interface{}, fallbackModel string) (*CompletionResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range e.Headers {
		httpReq.Header.Set(k, v)
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, ReadProviderError(e.Provider, httpResp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", e.Provider, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", e.Provider)
	}

	model := parsed.Model
	if model == "" {
		model = fallbackModel
	}
	return &CompletionResponse{
		Text:         parsed.Choices[0].Message.Content,
		FinishReason: parsed.Choices[0].FinishReason,
		TokensUsed:   parsed.Usage.TotalTokens,
		PromptTokens: parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		ModelName:    model,
		ProviderName: e.Provider,
	}, nil
}

// ConfigValue 取配置项，空值时返回 fallback
func ConfigValue(config map[string]string, key, fallback string) string {
	if v := config[key]; v != "" {
		return v
	}
	return fallback
}
