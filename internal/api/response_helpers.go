// internal/api/response_helpers.go
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Corphon/AIShowrunner/internal/errors"
	"github.com/Corphon/AIShowrunner/internal/utils"
)

// APIResponse 标准API响应格式
type APIResponse struct {
	Success          bool         `json:"success"`
	Data             interface{}  `json:"data,omitempty"`
	Error            *APIError    `json:"error,omitempty"`
	ValidationErrors []FieldError `json:"validationErrors,omitempty"`
	Message          string       `json:"message,omitempty"`
	Timestamp        time.Time    `json:"timestamp"`
	RequestID        string       `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// FieldError 单个字段的校验失败
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

// ResponseHelper 响应助手类
type ResponseHelper struct {
	logger *utils.Logger
}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{logger: utils.GetLogger()}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	rh.respond(c, http.StatusOK, data, message...)
}

// Accepted 已接受的后台任务
func (rh *ResponseHelper) Accepted(c *gin.Context, data interface{}, message ...string) {
	rh.respond(c, http.StatusAccepted, data, message...)
}

func (rh *ResponseHelper) respond(c *gin.Context, status int, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}
	if len(message) > 0 {
		response.Message = message[0]
	}
	c.JSON(status, response)
}

// sanitizeErrorMessage 含密钥信息的消息整体替换
func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, pattern := range []string{"api_key", "apikey", "api-key", "secret", "password", "bearer "} {
		if strings.Contains(lower, pattern) {
			return "An internal error occurred"
		}
	}
	return message
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...string) {
	apiErr := &APIError{
		Code:    errorCode,
		Message: sanitizeErrorMessage(message),
	}
	if len(details) > 0 && details[0] != "" {
		apiErr.Details = sanitizeErrorMessage(details[0])
	}

	if statusCode >= http.StatusInternalServerError {
		rh.logger.Error("请求处理失败", map[string]interface{}{
			"path":       c.FullPath(),
			"status":     statusCode,
			"code":       errorCode,
			"message":    message,
			"request_id": rh.getRequestID(c),
		})
	}

	c.JSON(statusCode, &APIResponse{
		Success:   false,
		Error:     apiErr,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	})
}

// ValidationFailed 400，附带字段错误列表
func (rh *ResponseHelper) ValidationFailed(c *gin.Context, message string, fields []FieldError) {
	c.JSON(http.StatusBadRequest, &APIResponse{
		Success:          false,
		Error:            &APIError{Code: ErrorValidation, Message: message},
		ValidationErrors: fields,
		Timestamp:        time.Now(),
		RequestID:        rh.getRequestID(c),
	})
}

// AppError 按错误类型选择状态码
func (rh *ResponseHelper) AppError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if apperrors.IsValidationError(err) {
		rh.ValidationFailed(c, err.Error(), []FieldError{{Message: err.Error()}})
		return
	}
	rh.Error(c, status, errorCodeOf(err), err.Error())
}

// BadRequest 400错误
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// NotFound 404错误
func (rh *ResponseHelper) NotFound(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusNotFound, ErrorNotFound, message, details...)
}

// InternalError 500错误
func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}

// ServiceUnavailable 503错误
func (rh *ResponseHelper) ServiceUnavailable(c *gin.Context, code, message string) {
	rh.Error(c, http.StatusServiceUnavailable, code, message)
}

// getRequestID 获取请求ID
func (rh *ResponseHelper) getRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// errorCodeOf AppError 自带错误码，其他错误视为内部错误
func errorCodeOf(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	return ErrorInternalError
}
