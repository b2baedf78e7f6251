package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 PhonePilot 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Storage  StorageConfig  `json:"storage"`
	RunQueue RunQueueConfig `json:"run_queue"`
	Planner  PlannerConfig  `json:"planner"`
	Device   DeviceConfig   `json:"device"`
	Safety   SafetyConfig   `json:"safety"`
	Apps     AppsConfig     `json:"apps"`
	Agent    AgentConfig    `json:"agent"`
	Trace    TraceConfig    `json:"trace"`
	Alerting AlertingConfig `json:"alerting"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
// MetricsAddress 非空时在独立端口再暴露一份 /metrics，
// 便于把指标抓取与业务流量隔离。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// AuthConfig 控制 API 的访问认证方式。
type AuthConfig struct {
	Mode   string            `json:"mode"`
	Tokens []StaticTokenSpec `json:"tokens"`
	JWT    JWTSpec           `json:"jwt"`
	Seeds  []SeedSpec        `json:"seeds"`
}

// JWTSpec 描述 jwt 模式的签发参数。密钥推荐通过 SecretEnv 注入。
type JWTSpec struct {
	Secret     string   `json:"secret"`
	SecretEnv  string   `json:"secret_env"`
	Issuer     string   `json:"issuer"`
	Audience   []string `json:"audience"`
	AccessTTL  int64    `json:"access_ttl_seconds"`
	RefreshTTL int64    `json:"refresh_ttl_seconds"`
}

// SeedSpec 描述 jwt 模式下启动时写入的种子账号。
type SeedSpec struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	PasswordEnv string   `json:"password_env"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// StaticTokenSpec 描述一个静态访问令牌及其权限。
type StaticTokenSpec struct {
	Name        string   `json:"name"`
	Token       string   `json:"token"`
	TokenEnv    string   `json:"token_env"`
	Permissions []string `json:"permissions"`
}

// StorageConfig 统一描述运行记录的持久化后端。
type StorageConfig struct {
	RunStore RunStoreConfig `json:"run_store"`
}

// RunStoreConfig 支持内存与 MySQL 两种驱动。
type RunStoreConfig struct {
	Driver  string `json:"driver"`
	DSN     string `json:"dsn"`
	Retries int    `json:"retries"`
}

// RunQueueConfig 描述任务运行队列的驱动与并发度。
type RunQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address         string `json:"address"`
	Password        string `json:"password"`
	DB              int    `json:"db"`
	Queue           string `json:"queue"`
	BlockWait       int    `json:"block_wait_seconds"`
	RedeliveryDelay int    `json:"redelivery_delay_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// PlannerConfig 用于配置视觉语言模型的调用方式。
type PlannerConfig struct {
	Provider      string       `json:"provider"`
	HistoryWindow int          `json:"history_window"`
	OpenAI        OpenAIConfig `json:"openai"`
	Bridge        BridgeConfig `json:"bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容推理端点的连接信息。
type OpenAIConfig struct {
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
}

// Timeout 返回单次推理调用的超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BridgeConfig 描述通过本地推理进程完成规划时所需的信息。
type BridgeConfig struct {
	Command    string   `json:"command"`
	Args       []string `json:"args"`
	WorkingDir string   `json:"working_dir"`
}

// DeviceConfig 描述设备控制通道的参数。
type DeviceConfig struct {
	ADBPath           string       `json:"adb_path"`
	Devices           []DeviceSpec `json:"devices"`
	SettleDelayMillis int          `json:"settle_delay_ms"`
	OperationTimeout  int          `json:"operation_timeout_seconds"`
}

// DeviceSpec 描述一台受控设备，Endpoint 非空时表示网络设备。
type DeviceSpec struct {
	ID       string `json:"id"`
	Serial   string `json:"serial"`
	Endpoint string `json:"endpoint"`
}

// SettleDelay 返回每次物理操作后等待屏幕稳定的时间。
func (c DeviceConfig) SettleDelay() time.Duration {
	if c.SettleDelayMillis <= 0 {
		return 0
	}
	return time.Duration(c.SettleDelayMillis) * time.Millisecond
}

// OperationTimeoutDuration 返回单次设备操作的超时时间。
func (c DeviceConfig) OperationTimeoutDuration() time.Duration {
	if c.OperationTimeout <= 0 {
		return 0
	}
	return time.Duration(c.OperationTimeout) * time.Second
}

// SafetyConfig 指向敏感操作规则表。
type SafetyConfig struct {
	RulesPath string `json:"rules_path"`
}

// AppsConfig 指向静态应用目录文件。
type AppsConfig struct {
	CatalogPath string `json:"catalog_path"`
}

// AgentConfig 控制单次任务运行的默认预算等参数。
type AgentConfig struct {
	StepBudget int    `json:"step_budget"`
	Locale     string `json:"locale"`
}

// TraceConfig 控制运行轨迹与截图的落盘位置。
type TraceConfig struct {
	Dir      string `json:"dir"`
	ImageDir string `json:"image_dir"`
	Archive  string `json:"archive"`
	DSN      string `json:"dsn"`
}

// AlertingConfig 控制致命失败的告警投递。
// WebhookURL 非空时启用 webhook 渠道，日志渠道始终开启。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8090"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Storage.RunStore.Driver == "" {
		c.Storage.RunStore.Driver = "memory"
	}
	if c.Storage.RunStore.Retries <= 0 {
		c.Storage.RunStore.Retries = 3
	}

	if c.RunQueue.Driver == "" {
		c.RunQueue.Driver = "memory"
	}
	if c.RunQueue.Worker <= 0 {
		c.RunQueue.Worker = 2
	}

	if c.Planner.Provider == "" {
		c.Planner.Provider = "openai"
	}
	if c.Planner.HistoryWindow <= 0 {
		c.Planner.HistoryWindow = 5
	}
	if c.Planner.OpenAI.TimeoutSeconds <= 0 {
		c.Planner.OpenAI.TimeoutSeconds = 60
	}
	if c.Planner.OpenAI.MaxRetries <= 0 {
		c.Planner.OpenAI.MaxRetries = 3
	}
	if c.Planner.Bridge.WorkingDir == "" {
		c.Planner.Bridge.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.Planner.Bridge.WorkingDir) {
		c.Planner.Bridge.WorkingDir = filepath.Join(baseDir, c.Planner.Bridge.WorkingDir)
	}

	if c.Device.ADBPath == "" {
		c.Device.ADBPath = "adb"
	}
	if c.Device.SettleDelayMillis <= 0 {
		c.Device.SettleDelayMillis = 800
	}
	if c.Device.OperationTimeout <= 0 {
		c.Device.OperationTimeout = 15
	}

	if c.Safety.RulesPath != "" && !filepath.IsAbs(c.Safety.RulesPath) {
		c.Safety.RulesPath = filepath.Join(baseDir, c.Safety.RulesPath)
	}
	if c.Apps.CatalogPath != "" && !filepath.IsAbs(c.Apps.CatalogPath) {
		c.Apps.CatalogPath = filepath.Join(baseDir, c.Apps.CatalogPath)
	}

	if c.Agent.StepBudget <= 0 {
		c.Agent.StepBudget = 25
	}
	if c.Agent.Locale == "" {
		c.Agent.Locale = "zh-CN"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Trace.Dir == "" {
		c.Trace.Dir = filepath.Join(c.Runtime.DataDir, "traces")
	} else if !filepath.IsAbs(c.Trace.Dir) {
		c.Trace.Dir = filepath.Join(baseDir, c.Trace.Dir)
	}
	if c.Trace.ImageDir == "" {
		c.Trace.ImageDir = filepath.Join(c.Runtime.DataDir, "images")
	} else if !filepath.IsAbs(c.Trace.ImageDir) {
		c.Trace.ImageDir = filepath.Join(baseDir, c.Trace.ImageDir)
	}
	if c.Trace.Archive == "" {
		c.Trace.Archive = "file"
	}
}
