package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Tenants  []TenantConfig  `mapstructure:"tenants"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Kafka    KafkaConfig     `mapstructure:"kafka"`
	Business BusinessConfig  `mapstructure:"business"`
	Rules    []CategoryRule  `mapstructure:"category_rules"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// TenantConfig 租户配置
// 每个租户独占一个 MySQL 库（schema 级隔离），按需建立连接
type TenantConfig struct {
	ID           string `mapstructure:"id"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	ImportResult string `mapstructure:"import_result"`
}

type BusinessConfig struct {
	LedgerWorkerCount int `mapstructure:"ledger_worker_count"` // 异步记账 worker 数
	LedgerQueueSize   int `mapstructure:"ledger_queue_size"`   // 任务队列长度，满了提交方阻塞
	MaxRetryCount     int `mapstructure:"max_retry_count"`     // outbox 最大重试次数
	BalanceCacheTTL   int `mapstructure:"balance_cache_ttl"`   // 最新余额缓存秒数
}

// CategoryRule 关键词分类规则
// 对账单描述命中关键词则归入对应分类；LLM 分类服务不可用时的兜底
type CategoryRule struct {
	Keyword  string `mapstructure:"keyword"`
	Category string `mapstructure:"category"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
