package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"OpenMCP-Pilot/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "PILOT_CONFIG"

// DefaultPath 是未指定时尝试加载的配置文件。
const DefaultPath = "configs/pilot.yaml"

// Config 描述了 Pilot 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server" toml:"server"`
	Logging   logger.Config   `json:"logging" yaml:"logging" toml:"logging"`
	LLM       LLMConfig       `json:"llm" yaml:"llm" toml:"llm"`
	Agent     AgentConfig     `json:"agent" yaml:"agent" toml:"agent"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery" toml:"discovery"`
	Storage   StorageConfig   `json:"storage" yaml:"storage" toml:"storage"`
	Device    DeviceConfig    `json:"device" yaml:"device" toml:"device"`
	Catalog   CatalogConfig   `json:"catalog" yaml:"catalog" toml:"catalog"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting" toml:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime" toml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address     string `json:"address" yaml:"address" toml:"address"`
	MetricsPath string `json:"metrics_path" yaml:"metrics_path" toml:"metrics_path"`
}

// LLMConfig 选择模型提供方并配置各自的连接信息。
type LLMConfig struct {
	Provider string         `json:"provider" yaml:"provider" toml:"provider"`
	OpenAI   ProviderConfig `json:"openai" yaml:"openai" toml:"openai"`
	Gemini   GeminiConfig   `json:"gemini" yaml:"gemini" toml:"gemini"`
}

// ProviderConfig 是单个模型提供方的连接参数。
type ProviderConfig struct {
	APIKey         string  `json:"api_key" yaml:"api_key" toml:"api_key"`
	APIKeyEnv      string  `json:"api_key_env" yaml:"api_key_env" toml:"api_key_env"`
	BaseURL        string  `json:"base_url" yaml:"base_url" toml:"base_url"`
	Model          string  `json:"model" yaml:"model" toml:"model"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
	Temperature    float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
}

// Timeout 返回单次请求超时。
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// GeminiConfig 在通用参数之外允许打开历史拼接兼容模式。
type GeminiConfig struct {
	ProviderConfig `yaml:",inline"`
	FlattenHistory bool `json:"flatten_history" yaml:"flatten_history" toml:"flatten_history"`
}

// AgentConfig 控制编排循环的重试与轮次上限。
type AgentConfig struct {
	MaxAttempts          int `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	BaseDelayMillis      int `json:"base_delay_ms" yaml:"base_delay_ms" toml:"base_delay_ms"`
	MaxTurns             int `json:"max_turns" yaml:"max_turns" toml:"max_turns"`
	GestureTimeoutMillis int `json:"gesture_timeout_ms" yaml:"gesture_timeout_ms" toml:"gesture_timeout_ms"`
	SettleDelayMillis    int `json:"settle_delay_ms" yaml:"settle_delay_ms" toml:"settle_delay_ms"`
	AppListLimit         int `json:"app_list_limit" yaml:"app_list_limit" toml:"app_list_limit"`
}

// BaseDelay 返回首次重试前的等待时长。
func (a AgentConfig) BaseDelay() time.Duration {
	return time.Duration(a.BaseDelayMillis) * time.Millisecond
}

// DiscoveryConfig 描述外部工具发现使用的传输与超时。
type DiscoveryConfig struct {
	Transport             string         `json:"transport" yaml:"transport" toml:"transport"`
	DiscoverTimeoutMillis int            `json:"discover_timeout_ms" yaml:"discover_timeout_ms" toml:"discover_timeout_ms"`
	InvokeTimeoutSeconds  int            `json:"invoke_timeout_seconds" yaml:"invoke_timeout_seconds" toml:"invoke_timeout_seconds"`
	Redis                 RedisConfig    `json:"redis" yaml:"redis" toml:"redis"`
	RabbitMQ              RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq" toml:"rabbitmq"`
}

// RedisConfig 是 Redis 发布订阅传输的连接信息。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address" toml:"address"`
	Password string `json:"password" yaml:"password" toml:"password"`
	DB       int    `json:"db" yaml:"db" toml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix" toml:"prefix"`
}

// RabbitMQConfig 是 RabbitMQ 传输的连接信息。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url" toml:"url"`
	Exchange string `json:"exchange" yaml:"exchange" toml:"exchange"`
}

// StorageConfig 描述会话存储后端。
type StorageConfig struct {
	Driver                 string `json:"driver" yaml:"driver" toml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn" toml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds" toml:"conn_max_lifetime_seconds"`
}

// DeviceConfig 描述设备夹具与应用可处理的 URL scheme。
type DeviceConfig struct {
	Fixture    string              `json:"fixture" yaml:"fixture" toml:"fixture"`
	URLSchemes map[string][]string `json:"url_schemes" yaml:"url_schemes" toml:"url_schemes"`
}

// CatalogConfig 指定应用分类规则文件，留空使用内置规则。
type CatalogConfig struct {
	RulesFile string `json:"rules_file" yaml:"rules_file" toml:"rules_file"`
}

// AlertingConfig 配置告警通知。
type AlertingConfig struct {
	WebhookURL string            `json:"webhook_url" yaml:"webhook_url" toml:"webhook_url"`
	Headers    map[string]string `json:"headers" yaml:"headers" toml:"headers"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
}

// Load 按扩展名解析 YAML、TOML 或 JSON 配置文件，随后应用默认值与环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	case ".toml":
		_, err = toml.Decode(string(content), &cfg)
	case ".json":
		err = json.Unmarshal(content, &cfg)
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.finish(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只包含默认值与环境变量覆盖的配置，数据目录相对于当前目录。
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.finish("."); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve 确定配置文件路径：显式参数优先，其次环境变量，最后是默认路径。
// 默认路径不存在时返回空字符串。
func Resolve(explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

func (c *Config) finish(baseDir string) error {
	if err := c.applyEnv(); err != nil {
		return err
	}
	c.applyDefaults(baseDir)
	return c.Validate()
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = "/metrics"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	c.LLM.Provider = strings.ToLower(c.LLM.Provider)
	resolveKey(&c.LLM.OpenAI, "OPENAI_API_KEY")
	resolveKey(&c.LLM.Gemini.ProviderConfig, "GEMINI_API_KEY")

	if c.Agent.MaxAttempts <= 0 {
		c.Agent.MaxAttempts = 3
	}
	if c.Agent.BaseDelayMillis <= 0 {
		c.Agent.BaseDelayMillis = 1000
	}
	if c.Agent.MaxTurns <= 0 {
		c.Agent.MaxTurns = 50
	}

	if c.Discovery.Transport == "" {
		c.Discovery.Transport = "memory"
	}
	c.Discovery.Transport = strings.ToLower(c.Discovery.Transport)
	if c.Discovery.DiscoverTimeoutMillis <= 0 {
		c.Discovery.DiscoverTimeoutMillis = 3000
	}
	if c.Discovery.InvokeTimeoutSeconds <= 0 {
		c.Discovery.InvokeTimeoutSeconds = 30
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.Storage.Driver == "sqlite" && c.Storage.DSN != "" && c.Storage.DSN != ":memory:" && !filepath.IsAbs(c.Storage.DSN) && !strings.HasPrefix(c.Storage.DSN, "file:") {
		c.Storage.DSN = filepath.Join(baseDir, c.Storage.DSN)
	}

	c.Device.Fixture = absolute(baseDir, c.Device.Fixture)
	c.Catalog.RulesFile = absolute(baseDir, c.Catalog.RulesFile)

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = absolute(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// applyEnv 使用 PILOT_* 环境变量覆盖文件中的值，主要用于密钥与地址。
func (c *Config) applyEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"PILOT_SERVER_ADDRESS", &c.Server.Address},
		{"PILOT_LOG_LEVEL", &c.Logging.Level},
		{"PILOT_LLM_PROVIDER", &c.LLM.Provider},
		{"PILOT_OPENAI_API_KEY", &c.LLM.OpenAI.APIKey},
		{"PILOT_OPENAI_BASE_URL", &c.LLM.OpenAI.BaseURL},
		{"PILOT_OPENAI_MODEL", &c.LLM.OpenAI.Model},
		{"PILOT_GEMINI_API_KEY", &c.LLM.Gemini.APIKey},
		{"PILOT_GEMINI_BASE_URL", &c.LLM.Gemini.BaseURL},
		{"PILOT_GEMINI_MODEL", &c.LLM.Gemini.Model},
		{"PILOT_DISCOVERY_TRANSPORT", &c.Discovery.Transport},
		{"PILOT_REDIS_ADDRESS", &c.Discovery.Redis.Address},
		{"PILOT_REDIS_PASSWORD", &c.Discovery.Redis.Password},
		{"PILOT_RABBITMQ_URL", &c.Discovery.RabbitMQ.URL},
		{"PILOT_STORAGE_DRIVER", &c.Storage.Driver},
		{"PILOT_STORAGE_DSN", &c.Storage.DSN},
		{"PILOT_DEVICE_FIXTURE", &c.Device.Fixture},
		{"PILOT_ALERT_WEBHOOK_URL", &c.Alerting.WebhookURL},
		{"PILOT_DATA_DIR", &c.Runtime.DataDir},
	}
	for _, item := range strs {
		if v, ok := os.LookupEnv(item.key); ok && strings.TrimSpace(v) != "" {
			*item.dst = strings.TrimSpace(v)
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PILOT_AGENT_MAX_ATTEMPTS", &c.Agent.MaxAttempts},
		{"PILOT_AGENT_MAX_TURNS", &c.Agent.MaxTurns},
		{"PILOT_AGENT_BASE_DELAY_MS", &c.Agent.BaseDelayMillis},
		{"PILOT_REDIS_DB", &c.Discovery.Redis.DB},
	}
	for _, item := range ints {
		v, ok := os.LookupEnv(item.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := cast.ToIntE(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("环境变量 %s 不是合法整数: %w", item.key, err)
		}
		*item.dst = n
	}

	if v, ok := os.LookupEnv("PILOT_GEMINI_FLATTEN_HISTORY"); ok && strings.TrimSpace(v) != "" {
		flatten, err := cast.ToBoolE(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("环境变量 PILOT_GEMINI_FLATTEN_HISTORY 不是合法布尔值: %w", err)
		}
		c.LLM.Gemini.FlattenHistory = flatten
	}
	return nil
}

// Validate 检查枚举字段的取值。
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("不支持的模型提供方: %s", c.LLM.Provider)
	}
	switch c.Discovery.Transport {
	case "none", "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的发现传输: %s", c.Discovery.Transport)
	}
	switch c.Storage.Driver {
	case "file", "mysql", "sqlite":
	default:
		return fmt.Errorf("不支持的会话存储驱动: %s", c.Storage.Driver)
	}
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("mysql 会话存储需要配置 storage.dsn")
	}
	return nil
}

// resolveKey 在未直接填写密钥时从 api_key_env 指定的环境变量读取，
// 两者都为空时回退到提供方约定的环境变量。
func resolveKey(p *ProviderConfig, fallbackEnv string) {
	if strings.TrimSpace(p.APIKey) != "" {
		return
	}
	env := strings.TrimSpace(p.APIKeyEnv)
	if env == "" {
		env = fallbackEnv
	}
	p.APIKey = strings.TrimSpace(os.Getenv(env))
}

func absolute(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
