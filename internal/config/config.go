package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"fibermon/internal/logging"
	"fibermon/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvDatabaseDSN 数据库配置源的环境变量
const EnvDatabaseDSN = "FIBERMON_DB_DSN"

// Config 主配置
type Config struct {
	Chain     *ChainConfig       `mapstructure:"chain"`
	Collector *CollectorConfig   `mapstructure:"collector"`
	Output    *OutputConfig      `mapstructure:"output"`
	Progress  *ProgressConfig    `mapstructure:"progress"`
	API       *APIConfig         `mapstructure:"api"`
	Logging   *logging.LogConfig `mapstructure:"logging"`
}

// ChainConfig 链配置
type ChainConfig struct {
	Nodes              []*NodeConfig `mapstructure:"nodes"`
	CommitmentCodeHash string        `mapstructure:"commitment_code_hash"`
	UDTs               []*UDTConfig  `mapstructure:"udts"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name      string `mapstructure:"name" json:"name"`
	URL       string `mapstructure:"url" json:"url"`
	RateLimit int    `mapstructure:"rate_limit" json:"rate_limit"` // 每秒请求数，0 表示不限制
	Priority  int    `mapstructure:"priority" json:"priority"`     // 数值越小优先级越高
}

// UDTConfig 已注册的 UDT 类型脚本
type UDTConfig struct {
	Name     string `mapstructure:"name" json:"name"`
	CodeHash string `mapstructure:"code_hash" json:"code_hash"`
	HashType string `mapstructure:"hash_type" json:"hash_type"`
	Args     string `mapstructure:"args" json:"args"`
}

// CollectorConfig 采集器配置
type CollectorConfig struct {
	Concurrency         int    `mapstructure:"concurrency"`           // 单笔交易输入解析并发度
	Workers             int    `mapstructure:"workers"`               // 批量追踪的工作协程数
	RetryLimit          int    `mapstructure:"retry_limit"`           // RPC最大尝试次数
	Timeout             string `mapstructure:"timeout"`               // 单次RPC超时
	CacheTTL            string `mapstructure:"cache_ttl"`             // 已上链交易缓存时间
	PageSize            int    `mapstructure:"page_size"`             // get_cells 分页大小
	HealthCheckInterval string `mapstructure:"health_check_interval"` // 节点健康检查间隔
	StrictValidation    bool   `mapstructure:"strict_validation"`     // 交易校验警告视为失败
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format"` // file、kafka 或 kafka_async
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// ProgressConfig 追踪进度存储配置
type ProgressConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// APIConfig HTTP API 配置
type APIConfig struct {
	Port          int `mapstructure:"port"`
	LogBufferSize int `mapstructure:"log_buffer_size"`
}

// LoadConfig 加载配置，设置了数据库DSN时用数据库中的节点与UDT覆盖文件配置
func LoadConfig(configPath string) (*Config, error) {
	config, err := LoadConfigFromFile(configPath)
	if err != nil {
		return nil, err
	}

	dsn := os.Getenv(EnvDatabaseDSN)
	if dsn == "" {
		return config, nil
	}

	logger := logrus.New()
	dbConfig, err := NewDatabaseConfig(dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	defer dbConfig.Close()

	if err := dbConfig.Overlay(config); err != nil {
		return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
	}
	logger.Info("已从数据库加载节点与UDT配置")

	return config, nil
}

// LoadConfigFromFile 从YAML文件加载配置，缺省字段使用默认值
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FIBERMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := homedir.Expand(configPath)
	if err != nil {
		return nil, fmt.Errorf("解析配置路径失败: %w", err)
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.expandPaths(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Chain: &ChainConfig{
			Nodes: []*NodeConfig{
				{
					Name:      "local_node",
					URL:       "http://127.0.0.1:8114",
					RateLimit: 100,
					Priority:  1,
				},
			},
			UDTs: []*UDTConfig{},
		},
		Collector: &CollectorConfig{
			Concurrency:         8,
			Workers:             4,
			RetryLimit:          3,
			Timeout:             "30s",
			CacheTTL:            "10m",
			PageSize:            100,
			HealthCheckInterval: "30s",
		},
		Output: &OutputConfig{
			Format:    "file",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"traces":       "fiber_channel_traces",
					"tx_messages":  "fiber_tx_messages",
					"balances":     "fiber_account_balances",
					"trace_errors": "fiber_trace_errors",
				},
			},
		},
		Progress: &ProgressConfig{
			DBPath: "./data/progress.db",
		},
		API: &APIConfig{
			Port:          8080,
			LogBufferSize: 1000,
		},
		Logging: &logging.LogConfig{
			Level:     "info",
			Format:    "json",
			Output:    "stdout",
			AddSource: true,
		},
	}
}

// expandPaths 展开路径中的 ~
func (c *Config) expandPaths() error {
	var err error
	if c.Output != nil {
		if c.Output.Directory, err = homedir.Expand(c.Output.Directory); err != nil {
			return fmt.Errorf("解析输出目录失败: %w", err)
		}
	}
	if c.Progress != nil {
		if c.Progress.DBPath, err = homedir.Expand(c.Progress.DBPath); err != nil {
			return fmt.Errorf("解析进度数据库路径失败: %w", err)
		}
	}
	if c.Logging != nil && c.Logging.Output != "stdout" && c.Logging.Output != "stderr" {
		if c.Logging.Output, err = homedir.Expand(c.Logging.Output); err != nil {
			return fmt.Errorf("解析日志路径失败: %w", err)
		}
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Chain == nil || len(c.Chain.Nodes) == 0 {
		return fmt.Errorf("至少需要配置一个节点")
	}
	for _, node := range c.Chain.Nodes {
		if node.Name == "" || node.URL == "" {
			return fmt.Errorf("节点名称和URL不能为空")
		}
		if node.RateLimit < 0 {
			return fmt.Errorf("节点 %s 的限流配置无效: %d", node.Name, node.RateLimit)
		}
	}
	if c.Chain.CommitmentCodeHash != "" {
		if _, err := c.Chain.CodeHash(); err != nil {
			return err
		}
	}
	if _, err := c.Chain.UDTScripts(); err != nil {
		return err
	}

	if c.Collector != nil {
		if c.Collector.Concurrency <= 0 || c.Collector.Workers <= 0 {
			return fmt.Errorf("并发度和工作协程数必须大于0")
		}
		if c.Collector.PageSize <= 0 {
			return fmt.Errorf("分页大小必须大于0")
		}
		for _, d := range []string{c.Collector.Timeout, c.Collector.CacheTTL, c.Collector.HealthCheckInterval} {
			if _, err := time.ParseDuration(d); err != nil {
				return fmt.Errorf("无效的时间配置 %q: %w", d, err)
			}
		}
	}

	if c.Output != nil {
		switch c.Output.Format {
		case "file":
			if c.Output.Directory == "" {
				return fmt.Errorf("文件输出需要配置目录")
			}
		case "kafka", "kafka_async":
			if c.Output.Kafka == nil || len(c.Output.Kafka.Brokers) == 0 {
				return fmt.Errorf("Kafka输出需要配置broker")
			}
		default:
			return fmt.Errorf("不支持的输出格式: %s", c.Output.Format)
		}
	}

	return nil
}

// CodeHash 解析承诺交易锁脚本的 code hash
func (c *ChainConfig) CodeHash() (common.Hash, error) {
	raw, err := hexutil.Decode(c.CommitmentCodeHash)
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("无效的 commitment_code_hash: %s", c.CommitmentCodeHash)
	}
	return common.BytesToHash(raw), nil
}

// UDTScripts 将配置转换为类型脚本列表
func (c *ChainConfig) UDTScripts() ([]models.UDTScript, error) {
	scripts := make([]models.UDTScript, 0, len(c.UDTs))
	for _, u := range c.UDTs {
		script, err := u.Script()
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, models.UDTScript{Name: u.Name, Script: script})
	}
	return scripts, nil
}

// Script 解析 UDT 类型脚本
func (u *UDTConfig) Script() (*models.Script, error) {
	codeHash, err := hexutil.Decode(u.CodeHash)
	if err != nil || len(codeHash) != common.HashLength {
		return nil, fmt.Errorf("UDT %s 的 code_hash 无效: %s", u.Name, u.CodeHash)
	}
	args := []byte{}
	if u.Args != "" {
		if args, err = hexutil.Decode(u.Args); err != nil {
			return nil, fmt.Errorf("UDT %s 的 args 无效: %w", u.Name, err)
		}
	}
	hashType := models.HashType(strings.ToLower(u.HashType))
	switch hashType {
	case models.HashTypeData, models.HashTypeType, models.HashTypeData1, models.HashTypeData2:
	default:
		return nil, fmt.Errorf("UDT %s 的 hash_type 无效: %s", u.Name, u.HashType)
	}
	return &models.Script{
		CodeHash: common.BytesToHash(codeHash),
		HashType: hashType,
		Args:     args,
	}, nil
}

// Durations 解析采集器中的时间配置
func (c *CollectorConfig) Durations() (timeout, cacheTTL, healthCheck time.Duration) {
	timeout = parseDurationOr(c.Timeout, 30*time.Second)
	cacheTTL = parseDurationOr(c.CacheTTL, 10*time.Minute)
	healthCheck = parseDurationOr(c.HealthCheckInterval, 30*time.Second)
	return
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
