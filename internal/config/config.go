// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
	secretKey     string
)

// AppConfig 持久化到 config.json 的可变配置
type AppConfig struct {
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	LogDir    string `json:"log_dir"`
	DebugMode bool   `json:"debug_mode"`

	// 运行时通过 API 更新的提供者配置，api_key 加密保存
	Providers map[string]map[string]string `json:"providers,omitempty"`
}

// Config 进程启动时解析出的配置，显式传入各个服务
type Config struct {
	Port      string
	DataDir   string
	LogDir    string
	LogLevel  string
	LogFormat string
	DebugMode bool

	AzureEndpoint    string
	AzureAPIKey      string
	AzureAPIVersion  string
	AzureDeployments string
	GeminiAPIKey     string
	OpenRouterAPIKey string
	VeoModel         string

	StorageBackend string
	DatabaseURL    string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3Prefix       string

	NATSURL string

	AuthSecretKey      string
	AuthRequired       bool
	RateLimitPerMinute int
	ShutdownTimeout    time.Duration

	PipelineConfigPath string
	MaxConcurrency     int
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// .env 文件可选
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		DataDir:   getEnvPath("DATA_DIR", "data"),
		LogDir:    getEnvPath("LOG_DIR", "logs"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		DebugMode: getEnvBool("DEBUG_MODE", false),

		AzureEndpoint:    getEnv("AZURE_OPENAI_ENDPOINT", ""),
		AzureAPIKey:      getEnv("AZURE_OPENAI_API_KEY", ""),
		AzureAPIVersion:  getEnv("AZURE_OPENAI_API_VERSION", "2024-08-01-preview"),
		AzureDeployments: getEnv("AZURE_OPENAI_DEPLOYMENTS", ""),
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		OpenRouterAPIKey: getEnv("OPENROUTER_API_KEY", ""),
		VeoModel:         getEnv("VEO_MODEL", "veo-3.0-generate-preview"),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", "file")),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		S3Bucket:       getEnv("S3_BUCKET", ""),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3Prefix:       getEnv("S3_PREFIX", "sections"),

		NATSURL: getEnv("NATS_URL", ""),

		AuthSecretKey:      getEnv("AUTH_SECRET_KEY", ""),
		AuthRequired:       getEnvBool("AUTH_REQUIRED", false),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		PipelineConfigPath: getEnv("PIPELINE_CONFIG", "pipeline.yaml"),
		MaxConcurrency:     getEnvInt("PIPELINE_MAX_CONCURRENCY", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查存储后端所需的配置
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "file":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORAGE_BACKEND=postgres requires DATABASE_URL")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("STORAGE_BACKEND=s3 requires S3_BUCKET")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.AuthRequired && c.AuthSecretKey == "" {
		return fmt.Errorf("AUTH_REQUIRED=true requires AUTH_SECRET_KEY")
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("PIPELINE_MAX_CONCURRENCY must not be negative")
	}
	return nil
}

// ProviderConfigs 返回已配置凭据的文本提供者参数
func (c *Config) ProviderConfigs() map[string]map[string]string {
	configs := make(map[string]map[string]string)
	if c.AzureAPIKey != "" && c.AzureEndpoint != "" {
		configs["azureopenai"] = map[string]string{
			"api_key":     c.AzureAPIKey,
			"endpoint":    c.AzureEndpoint,
			"api_version": c.AzureAPIVersion,
			"deployments": c.AzureDeployments,
		}
	}
	if c.GeminiAPIKey != "" {
		configs["google"] = map[string]string{"api_key": c.GeminiAPIKey}
	}
	if c.OpenRouterAPIKey != "" {
		configs["openrouter"] = map[string]string{"api_key": c.OpenRouterAPIKey}
	}
	return configs
}

// VideoProviderConfig VEO 与 Gemini 共用密钥
func (c *Config) VideoProviderConfig() map[string]string {
	if c.GeminiAPIKey == "" {
		return nil
	}
	return map[string]string{
		"api_key":       c.GeminiAPIKey,
		"default_model": c.VeoModel,
	}
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// InitConfig 初始化配置管理器
func InitConfig(base *Config) error {
	configFile = filepath.Join(base.DataDir, "config.json")
	secretKey = base.AuthSecretKey

	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = &AppConfig{
		Port:      base.Port,
		DataDir:   base.DataDir,
		LogDir:    base.LogDir,
		DebugMode: base.DebugMode,
		Providers: map[string]map[string]string{},
	}

	// 尝试从文件加载已保存的提供者配置
	if data, err := os.ReadFile(configFile); err == nil {
		var saved AppConfig
		if json.Unmarshal(data, &saved) == nil && saved.Providers != nil {
			currentConfig.Providers = saved.Providers
		}
	}

	return saveConfigLocked()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		return &AppConfig{Providers: map[string]map[string]string{}}
	}

	configCopy := *currentConfig
	configCopy.Providers = make(map[string]map[string]string, len(currentConfig.Providers))
	for name, values := range currentConfig.Providers {
		configCopy.Providers[name] = copyStringMap(values)
	}
	return &configCopy
}

// ProviderOverrides 返回解密后的提供者配置
func ProviderOverrides() (map[string]map[string]string, error) {
	cfg := GetCurrentConfig()
	out := make(map[string]map[string]string, len(cfg.Providers))
	for name, values := range cfg.Providers {
		values = copyStringMap(values)
		if sealed := values["api_key"]; sealed != "" && secretKey != "" {
			plain, err := Decrypt(sealed, secretKey)
			if err != nil {
				return nil, fmt.Errorf("decrypt %s api key: %w", name, err)
			}
			values["api_key"] = plain
		}
		out[name] = values
	}
	return out, nil
}

// UpdateProviderConfig 更新单个提供者配置并保存
func UpdateProviderConfig(provider string, values map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	values = copyStringMap(values)
	if plain := values["api_key"]; plain != "" && secretKey != "" {
		sealed, err := Encrypt(plain, secretKey)
		if err != nil {
			return fmt.Errorf("encrypt api key: %w", err)
		}
		values["api_key"] = sealed
	}
	if currentConfig.Providers == nil {
		currentConfig.Providers = map[string]map[string]string{}
	}
	currentConfig.Providers[provider] = values

	return saveConfigLocked()
}

// saveConfigLocked 保存当前配置到文件，调用方持有锁
func saveConfigLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	dir := filepath.Dir(configFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	data, err := json.MarshalIndent(currentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0600)
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
