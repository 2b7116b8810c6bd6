// internal/llm/providers/veo/veo.go
package veo

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

const providerName = "google veo"

func init() {
	llm.RegisterVideo("veo", func() llm.VideoProvider {
		return &Provider{
			baseURL: "https://generativelanguage.googleapis.com/v1beta",
		}
	})
}

// Provider VEO 视频生成，提交后通过操作名轮询
type Provider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
}

func (p *Provider) Initialize(config map[string]string) error {
	p.apiKey = config["api_key"]
	if p.apiKey == "" {
		return errors.New("veo api key not provided")
	}
	p.client = &http.Client{}
	p.defaultModel = llm.ConfigValue(config, "default_model", "veo-3.0-generate-preview")
	p.baseURL = strings.TrimRight(llm.ConfigValue(config, "base_url", p.baseURL), "/")
	return nil
}

func (p *Provider) GetName() string {
	return providerName
}

// SubmitVideo 调用 predictLongRunning
func (p *Provider) SubmitVideo(ctx context.Context, req llm.VideoRequest) (*llm.VideoOperation, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	instance := map[string]interface{}{"prompt": req.Prompt}
	parameters := map[string]interface{}{}
	if req.AspectRatio != "" {
		parameters["aspectRatio"] = req.AspectRatio
	}
	if req.NegativePrompt != "" {
		parameters["negativePrompt"] = req.NegativePrompt
	}
	if req.DurationSeconds > 0 {
		parameters["durationSeconds"] = req.DurationSeconds
	}
	if req.SampleCount > 0 {
		parameters["sampleCount"] = req.SampleCount
	}

	body, err := json.Marshal(map[string]interface{}{
		"instances":  []map[string]interface{}{instance},
		"parameters": parameters,
	})
	if err != nil {
		return nil, err
	}

	apiURL := fmt.Sprintf("%s/models/%s:predictLongRunning", p.baseURL, url.PathEscape(model))
	var op operationResponse
	if err := p.do(ctx, http.MethodPost, apiURL, body, &op); err != nil {
		return nil, err
	}
	if op.Name == "" {
		return nil, errors.New("veo returned no operation name")
	}
	result := op.toOperation()
	result.Model = model
	return result, nil
}

// PollVideo 查询操作状态
func (p *Provider) PollVideo(ctx context.Context, operation string) (*llm.VideoOperation, error) {
	if operation == "" {
		return nil, errors.New("operation name is required")
	}
	apiURL := fmt.Sprintf("%s/%s", p.baseURL, strings.TrimLeft(operation, "/"))
	var op operationResponse
	if err := p.do(ctx, http.MethodGet, apiURL, nil, &op); err != nil {
		return nil, err
	}
	if op.Name == "" {
		op.Name = operation
	}
	return op.toOperation(), nil
}

func (p *Provider) do(ctx context.Context, method, apiURL string, body []byte, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, apiURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return llm.ReadProviderError(providerName, httpResp)
	}
	return json.NewDecoder(httpResp.Body).Decode(out)
}

type operationResponse struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response"`
}

func (o operationResponse) toOperation() *llm.VideoOperation {
	op := &llm.VideoOperation{Name: o.Name, Done: o.Done}
	if o.Error != nil {
		op.Done = true
		op.Error = o.Error.Message
	}
	for _, sample := range o.Response.GenerateVideoResponse.GeneratedSamples {
		if sample.Video.URI != "" {
			op.VideoURIs = append(op.VideoURIs, sample.Video.URI)
		}
	}
	return op
}
