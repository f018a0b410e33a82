package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ai-grader/core"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 AIGRADER_MODEL_NAME
const EnvPrefix = "AIGRADER"

type Config struct {
	Model       ModelConfig       `mapstructure:"model"`
	Invoker     InvokerConfig     `mapstructure:"invoker"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Paths       PathsConfig       `mapstructure:"paths"`
	Grading     GradingConfig     `mapstructure:"grading"`
	Collect     CollectConfig     `mapstructure:"collect"`
	Plagiarism  PlagiarismConfig  `mapstructure:"plagiarism"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
}

type ModelConfig struct {
	Name             string  `mapstructure:"name"`
	BaseURL          string  `mapstructure:"base_url"`
	Temperature      float64 `mapstructure:"temperature"`
	InlineLimitBytes int64   `mapstructure:"inline_limit_bytes"`
}

type InvokerConfig struct {
	RetryWait         time.Duration `mapstructure:"retry_wait"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute"` // 0 = 不限速
}

type CredentialsConfig struct {
	EnvPrefix string `mapstructure:"env_prefix"`
	SecretKey string `mapstructure:"secret_key"` // 16/24/32 字节，为空时不能保存或读取数据库中的凭证
}

type StorageConfig struct {
	DBPath          string `mapstructure:"db_path"`
	LedgerRetention int    `mapstructure:"ledger_retention"`
}

type PathsConfig struct {
	KnowledgeDir string `mapstructure:"knowledge_dir"`
	OutputDir    string `mapstructure:"output_dir"`
}

type GradingConfig struct {
	// Categories 作业分类标签，collect 与 plagiarism 共用
	Categories []string `mapstructure:"categories"`
}

type CollectConfig struct {
	// Dirs 与 grading.categories 一一对应的作业根目录
	Dirs []string `mapstructure:"dirs"`
}

type PlagiarismConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

type ServerConfig struct {
	Host           string  `mapstructure:"host"` // 为空时：有 token 监听所有网卡，否则只监听 127.0.0.1
	Port           int     `mapstructure:"port"`
	Token          string  `mapstructure:"token"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"` // json | text
	File      string `mapstructure:"file"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	Backups   int    `mapstructure:"backups"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model.name", "gemini-2.5-flash")
	v.SetDefault("model.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("model.temperature", 0.3)
	v.SetDefault("model.inline_limit_bytes", 20*1024*1024)

	v.SetDefault("invoker.retry_wait", "30s")
	v.SetDefault("invoker.call_timeout", "120s")
	v.SetDefault("invoker.requests_per_minute", 0)

	v.SetDefault("credentials.env_prefix", core.DefaultEnvPrefix)
	v.SetDefault("credentials.secret_key", "")

	v.SetDefault("storage.db_path", "aigrader.db")
	v.SetDefault("storage.ledger_retention", core.DefaultLedgerRetention)

	v.SetDefault("paths.knowledge_dir", "knowledge")
	v.SetDefault("paths.output_dir", "RUN")

	v.SetDefault("grading.categories", []string{"上課完成", "回家完成"})
	v.SetDefault("collect.dirs", []string{})
	v.SetDefault("plagiarism.threshold", 0.7)

	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.token", "")
	v.SetDefault("server.rate_limit_rps", 5)
	v.SetDefault("server.rate_limit_burst", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.backups", 3)
}

// Load 读取配置：默认值 < aigrader.yaml < .env / 环境变量
// configPath 为空时在当前目录查找 aigrader.yaml，找不到也不报错
func Load(configPath string) (*Config, error) {
	// .env 不存在是正常情况
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("aigrader")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 启动期校验
func (c *Config) Validate() error {
	if c.Model.Name == "" {
		return &core.ConfigurationError{Reason: "model.name is required"}
	}
	if c.Plagiarism.Threshold <= 0 || c.Plagiarism.Threshold > 1 {
		return &core.ConfigurationError{Reason: fmt.Sprintf("plagiarism.threshold must be in (0, 1], got %v", c.Plagiarism.Threshold)}
	}
	if c.Invoker.RequestsPerMinute < 0 {
		return &core.ConfigurationError{Reason: "invoker.requests_per_minute must not be negative"}
	}
	if k := len(c.Credentials.SecretKey); k != 0 && k != 16 && k != 24 && k != 32 {
		return &core.ConfigurationError{Reason: fmt.Sprintf("credentials.secret_key must be 16, 24 or 32 bytes, got %d", k)}
	}
	return nil
}

// KnowledgeFile knowledge 目录下的文件
func (c *Config) KnowledgeFile(name string) string {
	return filepath.Join(c.Paths.KnowledgeDir, name)
}

// OutputFile 输出目录下的文件
func (c *Config) OutputFile(name string) string {
	return filepath.Join(c.Paths.OutputDir, name)
}

// NewLogger 按 log.* 创建 logrus Logger；log.file 非空时同时写入轮转文件
// 返回的 io.Closer 在进程退出前关闭
func NewLogger(lc LogConfig) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if lc.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if lc.File == "" {
		log.SetOutput(os.Stderr)
		return log, nopCloser{}, nil
	}
	rotator, err := core.NewLogRotator(lc.File, lc.MaxSizeMB, lc.Backups)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return log, rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
