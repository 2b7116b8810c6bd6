// internal/models/video.go
package models

// VideoState 视频生成操作的状态
type VideoState string

const (
	VideoStateRunning   VideoState = "running"
	VideoStateSucceeded VideoState = "succeeded"
	VideoStateFailed    VideoState = "failed"
)

// VideoRequest 短视频生成请求
type VideoRequest struct {
	Prompt          string `json:"prompt" binding:"required"`
	NegativePrompt  string `json:"negativePrompt,omitempty"`
	AspectRatio     string `json:"aspectRatio,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	SampleCount     int    `json:"sampleCount,omitempty"`
	Model           string `json:"model,omitempty"`
}

// VideoResult 长时间运行的视频操作
type VideoResult struct {
	Operation string     `json:"operation"`
	State     VideoState `json:"state"`
	VideoURIs []string   `json:"videoUris,omitempty"`
	Error     string     `json:"error,omitempty"`
	Provider  string     `json:"provider,omitempty"`
	Model     string     `json:"model,omitempty"`
}

// Done 操作是否已结束
func (v *VideoResult) Done() bool {
	return v.State == VideoStateSucceeded || v.State == VideoStateFailed
}

// Normalize 填充默认参数
func (r *VideoRequest) Normalize() {
	if r.AspectRatio == "" {
		r.AspectRatio = "16:9"
	}
	if r.DurationSeconds <= 0 {
		r.DurationSeconds = 8
	}
	if r.SampleCount <= 0 {
		r.SampleCount = 1
	}
}
