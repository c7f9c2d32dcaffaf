package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"Survival-Chain/internal/auth"
	"Survival-Chain/internal/cycle"
	"Survival-Chain/internal/events"
	"Survival-Chain/internal/llm"
	"Survival-Chain/internal/llm/openai"
	"Survival-Chain/internal/observability/alerting"
	"Survival-Chain/internal/storage/redis"
	"Survival-Chain/internal/storage/sqlstore"
	"Survival-Chain/internal/workspace"
	"Survival-Chain/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "SURVIVAL_CONFIG"

// Config 描述了 survivald 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig     `json:"server" yaml:"server"`
	Storage   StorageConfig    `json:"storage" yaml:"storage"`
	Lock      LockConfig       `json:"lock" yaml:"lock"`
	Events    EventsConfig     `json:"events" yaml:"events"`
	Cycle     CycleConfig      `json:"cycle" yaml:"cycle"`
	Reaper    ReaperConfig     `json:"reaper" yaml:"reaper"`
	Economy   EconomyConfig    `json:"economy" yaml:"economy"`
	LLM       LLMConfig        `json:"llm" yaml:"llm"`
	Workspace workspace.Config `json:"workspace" yaml:"workspace"`
	Chain     ChainConfig      `json:"chain" yaml:"chain"`
	Auth      auth.Config      `json:"auth" yaml:"auth"`
	Logging   logger.Config    `json:"logging" yaml:"logging"`
	Alerting  alerting.Config  `json:"alerting" yaml:"alerting"`
	Runtime   RuntimeConfig    `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `json:"address" yaml:"address"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// CORSOrigins 允许跨域访问的控制台来源，为空时不启用 CORS。
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`
	// MetricsAddress 非空时在独立端口暴露 /metrics。
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
}

// StorageConfig 描述持久化后端。Driver 为 memory、mysql 或 sqlite。
type StorageConfig struct {
	Driver string          `json:"driver" yaml:"driver"`
	SQL    sqlstore.Config `json:"sql" yaml:"sql"`
	Redis  redis.Config    `json:"redis" yaml:"redis"`
}

// LockConfig 选择按智能体加锁的实现。Driver 为 memory 或 redis。
type LockConfig struct {
	Driver string        `json:"driver" yaml:"driver"`
	TTL    time.Duration `json:"ttl" yaml:"ttl"`
	Prefix string        `json:"prefix" yaml:"prefix"`
}

// EventsConfig 描述事件通知的各个通道，可同时启用多个。
type EventsConfig struct {
	HubBuffer    int               `json:"hub_buffer" yaml:"hub_buffer"`
	Log          bool              `json:"log" yaml:"log"`
	RedisChannel string            `json:"redis_channel" yaml:"redis_channel"`
	RabbitMQ     events.AMQPConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// CycleConfig 描述决策周期的调度与执行参数。
type CycleConfig struct {
	Enabled       bool                   `json:"enabled" yaml:"enabled"`
	Queue         string                 `json:"queue" yaml:"queue"`
	QueueSize     int                    `json:"queue_size" yaml:"queue_size"`
	Workers       int                    `json:"workers" yaml:"workers"`
	Schedule      string                 `json:"schedule" yaml:"schedule"`
	OracleTimeout time.Duration          `json:"oracle_timeout" yaml:"oracle_timeout"`
	MaxRequests   int                    `json:"max_requests" yaml:"max_requests"`
	Redis         cycle.RedisQueueConfig `json:"redis" yaml:"redis"`
	RabbitMQ      cycle.RabbitMQConfig   `json:"rabbitmq" yaml:"rabbitmq"`
}

// ReaperConfig 控制死亡清扫的频率。
type ReaperConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"`
}

// EconomyConfig 描述经济规则的可调参数。
type EconomyConfig struct {
	AutoApprove  bool   `json:"auto_approve" yaml:"auto_approve"`
	GenesisGrant string `json:"genesis_grant" yaml:"genesis_grant"`
}

// LLMConfig 用于配置决策预言机。Provider 为 openai 或 none，none 时不运行决策周期。
type LLMConfig struct {
	Provider string          `json:"provider" yaml:"provider"`
	OpenAI   openai.Config   `json:"openai" yaml:"openai"`
	Guard    llm.GuardConfig `json:"guard" yaml:"guard"`
}

// ChainConfig 包含访问区块链节点所需的 RPC 地址，为空时不查询链上余额。
type ChainConfig struct {
	RPCURL string `json:"rpc_url" yaml:"rpc_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Path 返回配置文件路径：优先使用参数，其次读取 SURVIVAL_CONFIG。
func Path(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	return os.Getenv(EnvConfigPath)
}

// Load 负责解析指定路径的 YAML 或 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s", filepath.Ext(path))
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// Parse 解码配置内容但不填充默认值。JSON 是 YAML 的子集，两种格式共用同一解码器，
// 因此时长字段在两种格式中都可以写成 "90s"。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &cfg, nil
}

// Default 返回全部使用默认值的配置。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver != "memory" && c.Storage.SQL.Driver == "" {
		c.Storage.SQL.Driver = c.Storage.Driver
	}
	if c.Storage.Driver == "sqlite" && c.Storage.SQL.DSN == "" {
		c.Storage.SQL.DSN = "survival.db"
	}

	if c.Lock.Driver == "" {
		c.Lock.Driver = "memory"
	}
	if c.Events.HubBuffer <= 0 {
		c.Events.HubBuffer = 64
	}

	if c.Cycle.Queue == "" {
		c.Cycle.Queue = "memory"
	}
	if c.Cycle.QueueSize <= 0 {
		c.Cycle.QueueSize = 256
	}
	if c.Cycle.Workers <= 0 {
		c.Cycle.Workers = 4
	}
	if c.Cycle.Schedule == "" {
		c.Cycle.Schedule = "5m"
	}
	if c.Cycle.OracleTimeout <= 0 {
		c.Cycle.OracleTimeout = 90 * time.Second
	}
	if c.Cycle.MaxRequests <= 0 {
		c.Cycle.MaxRequests = llm.MaxRequestsPerCycle
	}

	if c.Reaper.Schedule == "" {
		c.Reaper.Schedule = "1m"
	}
	if c.Economy.GenesisGrant == "" {
		c.Economy.GenesisGrant = "1"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if key := os.Getenv("OPENAI_API_KEY"); c.LLM.OpenAI.APIKey == "" && key != "" {
		c.LLM.OpenAI.APIKey = key
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}
	if secret := os.Getenv("SURVIVAL_JWT_SECRET"); c.Auth.JWT.Secret == "" && secret != "" {
		c.Auth.JWT.Secret = secret
	}
	if c.Auth.JWT.Issuer == "" {
		c.Auth.JWT.Issuer = "survival-chain"
	}

	if url := os.Getenv("SURVIVAL_ALERT_WEBHOOK"); c.Alerting.WebhookURL == "" && url != "" {
		c.Alerting.WebhookURL = url
	}
	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Storage.Driver == "sqlite" && isRelativeFile(c.Storage.SQL.DSN) {
		c.Storage.SQL.DSN = filepath.Join(c.Runtime.DataDir, c.Storage.SQL.DSN)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, c.Logging.Audit.Path)
	}
}

func isRelativeFile(dsn string) bool {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, "?") {
		return false
	}
	return !filepath.IsAbs(dsn)
}
