// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// 存储后端
const (
	StoreBackendFile     = "file"
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory" // 进程内存储，配合演示生成器
)

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port      string `json:"port" yaml:"port"`
	DataDir   string `json:"data_dir" yaml:"data_dir"`
	LogDir    string `json:"log_dir" yaml:"log_dir"`
	DebugMode bool   `json:"debug_mode" yaml:"debug_mode"`

	// 存储与外部服务
	StoreBackend         string `json:"store_backend" yaml:"store_backend"`
	DatabaseURL          string `json:"-" yaml:"database_url"`
	NATSURL              string `json:"nats_url,omitempty" yaml:"nats_url"`
	AnalyticsSubject     string `json:"analytics_subject" yaml:"analytics_subject"`
	GenerationWebhookURL string `json:"generation_webhook_url,omitempty" yaml:"generation_webhook_url"`
	SimulatedDelayMS     int    `json:"simulated_delay_ms" yaml:"simulated_delay_ms"`

	// 流水线参数
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
}

// PipelineConfig 轮询与展示参数
type PipelineConfig struct {
	PollIntervalMS      int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	PollMaxAttempts     int `json:"poll_max_attempts" yaml:"poll_max_attempts"`
	ProgressHideDelayMS int `json:"progress_hide_delay_ms" yaml:"progress_hide_delay_ms"`
	DraftListLimit      int `json:"draft_list_limit" yaml:"draft_list_limit"`
	LeaseTTLSeconds     int `json:"lease_ttl_seconds" yaml:"lease_ttl_seconds"`
}

// PollInterval 轮询间隔
func (p PipelineConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

// ProgressHideDelay 终态展示时长
func (p PipelineConfig) ProgressHideDelay() time.Duration {
	return time.Duration(p.ProgressHideDelayMS) * time.Millisecond
}

// LeaseTTL 生成租约有效期
func (p PipelineConfig) LeaseTTL() time.Duration {
	return time.Duration(p.LeaseTTLSeconds) * time.Second
}

// DefaultPipelineConfig 默认值：2秒间隔，30次，即60秒预算
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		PollIntervalMS:      2000,
		PollMaxAttempts:     30,
		ProgressHideDelayMS: 1500,
		DraftListLimit:      20,
		LeaseTTLSeconds:     120,
	}
}

// Load 从环境变量加载配置
func Load() (*AppConfig, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	defaults := DefaultPipelineConfig()
	cfg := &AppConfig{
		Port:                 getEnv("PORT", "8080"),
		DataDir:              getEnvPath("DATA_DIR", "data"),
		LogDir:               getEnvPath("LOG_DIR", "logs"),
		DebugMode:            getEnvBool("DEBUG_MODE", true),
		StoreBackend:         getEnv("STORE_BACKEND", StoreBackendFile),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		NATSURL:              getEnv("NATS_URL", ""),
		AnalyticsSubject:     getEnv("ANALYTICS_SUBJECT", "proposals.analytics"),
		GenerationWebhookURL: getEnv("GENERATION_WEBHOOK_URL", ""),
		SimulatedDelayMS:     getEnvInt("SIMULATED_DELAY_MS", 3000),
		Pipeline: PipelineConfig{
			PollIntervalMS:      getEnvInt("POLL_INTERVAL_MS", defaults.PollIntervalMS),
			PollMaxAttempts:     getEnvInt("POLL_MAX_ATTEMPTS", defaults.PollMaxAttempts),
			ProgressHideDelayMS: getEnvInt("PROGRESS_HIDE_DELAY_MS", defaults.ProgressHideDelayMS),
			DraftListLimit:      getEnvInt("DRAFT_LIST_LIMIT", defaults.DraftListLimit),
			LeaseTTLSeconds:     getEnvInt("LEASE_TTL_SECONDS", defaults.LeaseTTLSeconds),
		},
	}

	if overlay := os.Getenv("PIPELINE_CONFIG"); overlay != "" {
		if err := LoadOverlay(cfg, overlay); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.StoreBackend == StoreBackendPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("STORE_BACKEND=postgres 需要设置 DATABASE_URL")
	}
	if cfg.GenerationWebhookURL == "" && cfg.StoreBackend != StoreBackendMemory {
		// 只记录警告，由外部触发器驱动生成
		log.Println("警告: 未设置 GENERATION_WEBHOOK_URL，内容与演示文稿生成需由外部触发")
	}

	return cfg, nil
}

// LoadOverlay 用 YAML 文件覆盖配置，文件中出现的字段优先于环境变量
func LoadOverlay(cfg *AppConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取配置覆盖文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置覆盖文件失败: %w", err)
	}
	return nil
}

// Validate 校验流水线参数
func (c *AppConfig) Validate() error {
	p := c.Pipeline
	if p.PollIntervalMS <= 0 {
		return fmt.Errorf("poll_interval_ms 必须大于0")
	}
	if p.PollMaxAttempts <= 0 {
		return fmt.Errorf("poll_max_attempts 必须大于0")
	}
	if p.ProgressHideDelayMS < 0 {
		return fmt.Errorf("progress_hide_delay_ms 不能为负数")
	}
	if p.DraftListLimit <= 0 {
		return fmt.Errorf("draft_list_limit 必须大于0")
	}
	switch c.StoreBackend {
	case StoreBackendFile, StoreBackendPostgres, StoreBackendMemory:
	default:
		return fmt.Errorf("未知的存储后端: %s", c.StoreBackend)
	}
	return nil
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
		err = os.MkdirAll(path, 0755)
		if err != nil {
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
		log.Printf("警告: 环境变量 %s=%q 不是整数，使用默认值 %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	baseConfig, err := Load()
	if err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = baseConfig

	// 已保存的流水线参数优先，其余字段以最新环境为准
	if data, err := os.ReadFile(configFile); err == nil {
		var saved AppConfig
		if json.Unmarshal(data, &saved) == nil && saved.Pipeline.PollIntervalMS > 0 {
			merged := *baseConfig
			merged.Pipeline = saved.Pipeline
			if merged.Validate() == nil {
				currentConfig = &merged
			}
		}
	}

	return saveConfigLocked()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 紧急情况，返回一个基本配置
		return &AppConfig{
			Port:             "8080",
			DataDir:          "data",
			LogDir:           "logs",
			DebugMode:        true,
			StoreBackend:     StoreBackendFile,
			AnalyticsSubject: "proposals.analytics",
			Pipeline:         DefaultPipelineConfig(),
		}
	}

	configCopy := *currentConfig
	return &configCopy
}

// UpdatePipelineConfig 更新流水线参数并持久化
func UpdatePipelineConfig(p PipelineConfig) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	next := *currentConfig
	next.Pipeline = p
	if err := next.Validate(); err != nil {
		return err
	}
	currentConfig = &next

	return saveConfigLocked()
}

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

	return os.WriteFile(configFile, data, 0644)
}
