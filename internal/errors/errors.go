// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType 错误分类，决定 HTTP 状态码和对外错误代码
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeProvider   ErrorType = "provider_error"
	ErrorTypeCancelled  ErrorType = "cancelled"
)

// statusClientClosed 客户端取消请求
const statusClientClosed = 499

type kind struct {
	code   string
	status int
}

var kinds = map[ErrorType]kind{
	ErrorTypeValidation: {"VALIDATION_ERROR", http.StatusBadRequest},
	ErrorTypeNotFound:   {"NOT_FOUND", http.StatusNotFound},
	ErrorTypeError:      {"PROCESSING_ERROR", http.StatusInternalServerError},
	ErrorTypeConflict:   {"CONFLICT", http.StatusConflict},
	ErrorTypeTimeout:    {"TIMEOUT", http.StatusGatewayTimeout},
	ErrorTypeProvider:   {"GENERATION_FAILED", http.StatusInternalServerError},
	ErrorTypeCancelled:  {"CANCELLED", statusClientClosed},
}

// AppError 带分类的错误，Code 直接返回给客户端
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 未登记的类型使用 UNKNOWN_ERROR
func NewAppError(errType ErrorType, message string, cause error) *AppError {
	code := "UNKNOWN_ERROR"
	if k, ok := kinds[errType]; ok {
		code = k.code
	}
	return &AppError{Type: errType, Message: message, Err: cause, Code: code}
}

// NewValidationError 请求不合法，不会调用生成服务
func NewValidationError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, cause)
}

func NewProcessingError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeError, message, cause)
}

func NewConflictError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeConflict, message, cause)
}

// NewProviderError 所有生成目标都失败
func NewProviderError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeProvider, message, cause)
}

func NewTimeoutError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeTimeout, message, cause)
}

func NewCancelledError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeCancelled, message, cause)
}

// TypeOf 取错误链上第一个 AppError 的类型，没有时视为处理错误
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeError
}

// HTTPStatus nil 为 200
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if k, ok := kinds[TypeOf(err)]; ok {
		return k.status
	}
	return http.StatusInternalServerError
}

func isType(err error, errType ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == errType
}

func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

func IsConflictError(err error) bool { return isType(err, ErrorTypeConflict) }

func IsProviderError(err error) bool { return isType(err, ErrorTypeProvider) }
