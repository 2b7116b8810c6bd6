// internal/config/pipeline_config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Corphon/AIShowrunner/internal/models"
)

// Target 一个提供者加模型
type Target struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

func (t Target) String() string {
	return t.Provider + "/" + t.Model
}

// Route 阶段的主目标和按顺序尝试的后备目标
type Route struct {
	Primary     Target   `yaml:"primary" json:"primary"`
	Fallbacks   []Target `yaml:"fallbacks" json:"fallbacks"`
	Temperature float32  `yaml:"temperature" json:"temperature"`
	MaxTokens   int      `yaml:"maxTokens" json:"maxTokens"`
}

// Targets 主目标在前
func (r Route) Targets() []Target {
	return append([]Target{r.Primary}, r.Fallbacks...)
}

// RetryPolicy 瞬时错误的重试策略
type RetryPolicy struct {
	MaxAttempts int           `yaml:"maxAttempts" json:"maxAttempts"`
	Backoff     time.Duration `yaml:"backoff" json:"backoff"`
}

// GenerationConfig 路由、超时和重试，来自 pipeline.yaml
type GenerationConfig struct {
	Retry          RetryPolicy                    `yaml:"retry" json:"retry"`
	Prose          Route                          `yaml:"prose" json:"prose"`
	Structured     Route                          `yaml:"structured" json:"structured"`
	Stages         map[models.Stage]Route         `yaml:"stages" json:"stages"`
	StageTimeouts  map[models.Stage]time.Duration `yaml:"timeouts" json:"timeouts"`
	DefaultTimeout time.Duration                  `yaml:"defaultTimeout" json:"defaultTimeout"`
	MaxConcurrency int                            `yaml:"maxConcurrency" json:"maxConcurrency"`
	PollInterval   time.Duration                  `yaml:"videoPollInterval" json:"videoPollInterval"`
}

// DefaultGenerationConfig 内置默认值
func DefaultGenerationConfig() *GenerationConfig {
	return &GenerationConfig{
		Retry: RetryPolicy{MaxAttempts: 3, Backoff: time.Second},
		Prose: Route{
			Primary: Target{Provider: "azureopenai", Model: "gpt-4o"},
			Fallbacks: []Target{
				{Provider: "google", Model: "gemini-2.5-pro"},
				{Provider: "openrouter", Model: "anthropic/claude-3.5-haiku"},
			},
			Temperature: 0.8,
			MaxTokens:   8000,
		},
		Structured: Route{
			Primary: Target{Provider: "azureopenai", Model: "gpt-4o-mini"},
			Fallbacks: []Target{
				{Provider: "azureopenai", Model: "gpt-4o"},
				{Provider: "google", Model: "gemini-2.5-flash"},
				{Provider: "openrouter", Model: "openai/gpt-4o-mini"},
			},
			Temperature: 0.4,
			MaxTokens:   4000,
		},
		Stages: map[models.Stage]Route{},
		StageTimeouts: map[models.Stage]time.Duration{
			models.StageBeatSheet:     5 * time.Minute,
			models.StageScript:        10 * time.Minute,
			models.StageCasting:       3 * time.Minute,
			models.StageLocations:     3 * time.Minute,
			models.StageSchedule:      5 * time.Minute,
			models.StageBudget:        5 * time.Minute,
			models.StagePropsWardrobe: 3 * time.Minute,
			models.StageEquipment:     2 * time.Minute,
			models.StagePermits:       2 * time.Minute,
			models.StageMarketing:     3 * time.Minute,
			models.StageQuestionnaire: 2 * time.Minute,
		},
		DefaultTimeout: 5 * time.Minute,
		PollInterval:   10 * time.Second,
	}
}

// LoadGenerationConfig 读取 YAML 覆盖默认值，文件不存在时返回默认值
func LoadGenerationConfig(path string) (*GenerationConfig, error) {
	cfg := DefaultGenerationConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate 检查路由和超时
func (g *GenerationConfig) Validate() error {
	if g.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.maxAttempts must be at least 1")
	}
	if g.Retry.Backoff < 0 {
		return fmt.Errorf("retry.backoff must not be negative")
	}
	if g.Prose.Primary.Provider == "" || g.Structured.Primary.Provider == "" {
		return fmt.Errorf("prose and structured routes need a primary provider")
	}
	for stage, route := range g.Stages {
		if _, err := models.ParseStage(string(stage)); err != nil {
			return err
		}
		if route.Primary.Provider == "" {
			return fmt.Errorf("route for %s has no primary provider", stage)
		}
	}
	for stage, timeout := range g.StageTimeouts {
		if _, err := models.ParseStage(string(stage)); err != nil {
			return err
		}
		if timeout <= 0 {
			return fmt.Errorf("timeout for %s must be positive", stage)
		}
	}
	if g.MaxConcurrency < 0 {
		return fmt.Errorf("maxConcurrency must not be negative")
	}
	return nil
}

// RouteFor 阶段专属路由优先，否则按散文/结构化区分
func (g *GenerationConfig) RouteFor(stage models.Stage) Route {
	if route, ok := g.Stages[stage]; ok {
		return route
	}
	if stage.IsProse() {
		return g.Prose
	}
	return g.Structured
}

// TimeoutFor 阶段的墙钟预算
func (g *GenerationConfig) TimeoutFor(stage models.Stage) time.Duration {
	if timeout, ok := g.StageTimeouts[stage]; ok && timeout > 0 {
		return timeout
	}
	return g.DefaultTimeout
}
