package main

import (
	"fmt"
	"io"
	"os"

	"ai-grader/config"
	"ai-grader/core"
	"ai-grader/core/adapter"
	"ai-grader/models"
	"ai-grader/workflow"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var version = "0.3.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aigrader",
	Short: "Grade Python homework with Gemini",
	Long: `aigrader collects student submissions, converts assignment PDFs to Markdown,
grades each student with Gemini and checks submissions for plagiarism.

API keys are read from GEMINI_API_KEY_1, GEMINI_API_KEY_2, ... (or GEMINI_API_KEY)
in the environment or a .env file. When none are set, keys stored with
"aigrader keys add" are used.

Examples:
  aigrader collect --dirs ./課堂,./回家
  aigrader convert data/Homework.pdf
  aigrader grade
  aigrader plagiarism --threshold 0.8
  aigrader serve`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./aigrader.yaml if present)")

	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(gradeCmd)
	rootCmd.AddCommand(plagiarismCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(serveCmd)
}

// app 一次命令执行所需的共享依赖
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	db      *gorm.DB
	secrets core.SecretProvider
	ledger  *core.AsyncInvocationLogger
	closers []io.Closer
	manager *workflow.Manager
}

// newApp 加载配置、日志、数据库；withManager 为 true 时同时创建工作流管理器
func newApp(withManager bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, logCloser, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	a.db, err = initDatabase(cfg.Storage.DBPath, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.secrets, err = core.NewSecretProvider(cfg.Credentials.SecretKey, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	if withManager {
		a.ledger = core.NewAsyncInvocationLogger(a.db, log, cfg.Storage.LedgerRetention)
		transport := adapter.NewGeminiTransport(adapter.GeminiOptions{
			BaseURL:     cfg.Model.BaseURL,
			InlineLimit: cfg.Model.InlineLimitBytes,
			HTTPClient:  core.NewHTTPClient(cfg.Invoker.CallTimeout),
			Logger:      log,
		})
		a.manager = workflow.NewManager(workflow.SettingsFromConfig(cfg), workflow.ManagerOptions{
			DB:        a.db,
			Transport: transport,
			Secrets:   a.secrets,
			Recorder:  a.ledger,
			Logger:    log,
		})
	}
	return a, nil
}

// Close 先关闭调用记录器 (落盘)，再关闭数据库和日志文件
func (a *app) Close() {
	if a.ledger != nil {
		a.ledger.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	for _, c := range a.closers {
		c.Close()
	}
}

// initDatabase 初始化数据库
func initDatabase(path string, log *logrus.Logger) (*gorm.DB, error) {
	// 只记录错误，不打印 SQL 语句
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.WithField("path", path).Debug("Database initialized")
	return db, nil
}
