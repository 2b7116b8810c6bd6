// internal/llm/errors.go
package llm

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"
)

const maxMessageBytes = 512

// ProviderError 提供者返回的非 200 响应
type ProviderError struct {
	Provider         string
	StatusCode       int
	Message          string
	ModelUnavailable bool
}

func (e *ProviderError) Error() string {
	if e.ModelUnavailable {
		return fmt.Sprintf("%s: model unavailable (%d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s API error (%d): %s", e.Provider, e.StatusCode, e.Message)
}

// 提供者报告模型不可用时常见的响应片段
var modelUnavailableMarkers = []string{
	"model_not_found",
	"deploymentnotfound",
	"model is not available",
	"model is currently unavailable",
	"model_not_available",
	"is overloaded",
}

// NewProviderError 根据响应状态码和响应体构造错误
func NewProviderError(provider string, statusCode int, body []byte) *ProviderError {
	message := strings.TrimSpace(string(body))
	if len(message) > maxMessageBytes {
		cut := maxMessageBytes
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut--
		}
		message = message[:cut]
	}
	return &ProviderError{
		Provider:         provider,
		StatusCode:       statusCode,
		Message:          message,
		ModelUnavailable: reportsModelUnavailable(message),
	}
}

// ReadProviderError 读取响应体并构造错误
func ReadProviderError(provider string, resp *http.Response) *ProviderError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return NewProviderError(provider, resp.StatusCode, body)
}

func reportsModelUnavailable(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range modelUnavailableMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsTransient 403/404/5xx 或模型不可用视为可重试
func IsTransient(err error) bool {
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		return false
	}
	if providerErr.ModelUnavailable {
		return true
	}
	switch {
	case providerErr.StatusCode == http.StatusForbidden:
		return true
	case providerErr.StatusCode == http.StatusNotFound:
		return true
	case providerErr.StatusCode >= 500 && providerErr.StatusCode <= 599:
		return true
	default:
		return false
	}
}
