// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorInvalidJSON   = "INVALID_JSON"
	ErrorValidation    = "VALIDATION_ERROR"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorForbidden     = "FORBIDDEN"
	ErrorUnauthorized  = "UNAUTHORIZED"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 生成相关错误
	ErrorGenerationFailed  = "GENERATION_FAILED"
	ErrorStageUnknown      = "STAGE_UNKNOWN"
	ErrorStageTimeout      = "TIMEOUT"
	ErrorRequestCancelled  = "CANCELLED"
	ErrorTaskNotFound      = "TASK_NOT_FOUND"
	ErrorTaskNotRunning    = "TASK_NOT_RUNNING"
	ErrorSectionNotFound   = "SECTION_NOT_FOUND"
	ErrorVideoUnavailable  = "VIDEO_PROVIDER_UNAVAILABLE"
	ErrorStreamUnsupported = "STREAM_UNSUPPORTED"

	// LLM服务相关错误
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
	ErrorLLMConfigInvalid      = "LLM_CONFIG_INVALID"
	ErrorLLMProviderMissing    = "LLM_PROVIDER_MISSING"
)
