package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ai-grader/config"
	"ai-grader/core"
	"ai-grader/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// ErrRunNotFound 运行不存在
var ErrRunNotFound = errors.New("run not found")

// Settings 工作流共用的参数
type Settings struct {
	Model             string
	Temperature       float64
	EnvPrefix         string
	RetryWait         time.Duration
	CallTimeout       time.Duration
	RequestsPerMinute float64
	KnowledgeDir      string
	OutputDir         string
	Categories        []string
	Threshold         float64
}

// SettingsFromConfig 从配置取工作流参数
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Model:             cfg.Model.Name,
		Temperature:       cfg.Model.Temperature,
		EnvPrefix:         cfg.Credentials.EnvPrefix,
		RetryWait:         cfg.Invoker.RetryWait,
		CallTimeout:       cfg.Invoker.CallTimeout,
		RequestsPerMinute: cfg.Invoker.RequestsPerMinute,
		KnowledgeDir:      cfg.Paths.KnowledgeDir,
		OutputDir:         cfg.Paths.OutputDir,
		Categories:        cfg.Grading.Categories,
		Threshold:         cfg.Plagiarism.Threshold,
	}
}

// Job 一种工作流；Execute 返回摘要文本
type Job struct {
	Kind      models.RunKind
	OutputDir string
	Execute   func(ctx context.Context, env *Env) (string, error)
}

// ManagerOptions 依赖项
type ManagerOptions struct {
	DB        *gorm.DB
	Transport core.Transport
	Secrets   core.SecretProvider
	Recorder  core.InvocationRecorder
	Logger    *logrus.Logger
	Hub       *Hub
	// PoolFactory 为每次运行创建独立的凭证池，默认读取环境变量/数据库
	PoolFactory func() (*core.CredentialPool, error)
	// Sleep 透传给 Invoker，测试中跳过等待
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager 管理工作流运行
//
// 每次运行在自己的 goroutine 中执行，拥有独立的凭证池和 Invoker；
// 运行与单元结果写入 runs / unit_outcomes 表。
type Manager struct {
	settings Settings
	opts     ManagerOptions
	db       *gorm.DB
	logger   *logrus.Logger
	hub      *Hub

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager 创建 Manager
func NewManager(settings Settings, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	m := &Manager{
		settings: settings,
		opts:     opts,
		db:       opts.DB,
		logger:   opts.Logger,
		hub:      opts.Hub,
		cancels:  make(map[string]context.CancelFunc),
	}
	if m.opts.PoolFactory == nil {
		m.opts.PoolFactory = func() (*core.CredentialPool, error) {
			return core.LoadCredentialPool(settings.EnvPrefix, opts.DB, opts.Secrets, opts.Logger)
		}
	}
	return m
}

// Settings 工作流参数
func (m *Manager) Settings() Settings {
	return m.settings
}

// Hub 进度事件中心
func (m *Manager) Hub() *Hub {
	return m.hub
}

// Run 同步执行，供 CLI 使用
func (m *Manager) Run(ctx context.Context, job Job) (*models.Run, error) {
	run, err := m.create(job)
	if err != nil {
		return nil, err
	}
	err = m.execute(ctx, run, job)
	return run, err
}

// Start 异步执行，立即返回运行记录快照
func (m *Manager) Start(job Job) (*models.Run, error) {
	run, err := m.create(job)
	if err != nil {
		return nil, err
	}
	snapshot := *run

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[run.ID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.cancels, run.ID)
			m.mu.Unlock()
			cancel()
		}()
		_ = m.execute(ctx, run, job)
	}()
	return &snapshot, nil
}

// Cancel 取消正在执行的运行
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active 正在执行的异步运行数
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancels)
}

// Shutdown 取消全部运行并等待退出
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get 查询运行及其单元结果
func (m *Manager) Get(id string) (*models.Run, error) {
	var run models.Run
	err := m.db.Preload("Units", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// List 最近的运行，按开始时间倒序
func (m *Manager) List(limit int) ([]models.Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var runs []models.Run
	err := m.db.Order("started_at DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

func (m *Manager) create(job Job) (*models.Run, error) {
	run := &models.Run{
		ID:        uuid.NewString(),
		Kind:      job.Kind,
		Status:    models.RunStatusRunning,
		OutputDir: job.OutputDir,
		StartedAt: time.Now(),
	}
	if err := m.db.Create(run).Error; err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (m *Manager) execute(ctx context.Context, run *models.Run, job Job) error {
	core.RunsActive.WithLabelValues(string(run.Kind)).Inc()
	defer core.RunsActive.WithLabelValues(string(run.Kind)).Dec()

	log := m.logger.WithFields(logrus.Fields{"run_id": run.ID, "kind": run.Kind})
	log.Info("Run started")
	m.hub.Publish(Event{RunID: run.ID, Type: EventStarted, Kind: run.Kind, Time: time.Now()})

	env := &Env{m: m, run: run}
	summary, err := m.safeExecute(ctx, job, env)

	finished := time.Now()
	run.FinishedAt = &finished
	run.Summary = summary
	if err != nil {
		run.Status = models.RunStatusFailed
		run.Error = err.Error()
		log.WithField("elapsed", finished.Sub(run.StartedAt).Round(time.Millisecond).String()).Errorf("Run failed: %v", err)
	} else {
		run.Status = models.RunStatusSucceeded
		log.WithFields(logrus.Fields{
			"completed": run.Completed,
			"skipped":   run.Skipped,
			"elapsed":   finished.Sub(run.StartedAt).Round(time.Millisecond).String(),
		}).Info("Run finished")
	}

	if dbErr := m.db.Model(&models.Run{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
		"status":      run.Status,
		"error":       run.Error,
		"summary":     run.Summary,
		"finished_at": run.FinishedAt,
	}).Error; dbErr != nil {
		log.Errorf("Failed to update run: %v", dbErr)
	}

	m.hub.Finish(Event{
		RunID:     run.ID,
		Type:      EventFinished,
		Kind:      run.Kind,
		Detail:    firstNonEmpty(run.Error, run.Summary),
		Completed: run.Completed,
		Skipped:   run.Skipped,
		RunStatus: run.Status,
		Time:      finished,
	})
	return err
}

// safeExecute 工作流内部 panic 记为运行失败
func (m *Manager) safeExecute(ctx context.Context, job Job, env *Env) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()
	return job.Execute(ctx, env)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Env 单次运行的执行环境
type Env struct {
	m       *Manager
	run     *models.Run
	invoker *core.Invoker
}

// RunID 运行 ID
func (e *Env) RunID() string {
	return e.run.ID
}

// Settings 工作流参数
func (e *Env) Settings() Settings {
	return e.m.settings
}

// Logger 日志
func (e *Env) Logger() *logrus.Logger {
	return e.m.logger
}

// Invoker 首次调用时为本次运行创建凭证池与 Invoker
func (e *Env) Invoker() (*core.Invoker, error) {
	if e.invoker != nil {
		return e.invoker, nil
	}
	pool, err := e.m.opts.PoolFactory()
	if err != nil {
		return nil, err
	}
	if e.m.opts.Transport == nil {
		return nil, &core.ConfigurationError{Reason: "no model transport configured"}
	}

	s := e.m.settings
	opts := core.InvokerOptions{
		RetryWait:   s.RetryWait,
		CallTimeout: s.CallTimeout,
		Sleep:       e.m.opts.Sleep,
	}
	if e.m.opts.Recorder != nil {
		opts.Recorder = e.m.opts.Recorder
	}
	if s.RequestsPerMinute > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(s.RequestsPerMinute/60), 1)
	}
	e.invoker = core.NewInvoker(pool, e.m.opts.Transport, e.m.logger, opts)
	return e.invoker, nil
}

// Unit 记录一个工作单元的结果
func (e *Env) Unit(key string, status models.UnitStatus, detail string) {
	run := e.run
	column := "completed"
	if status == models.UnitStatusCompleted {
		run.Completed++
	} else {
		run.Skipped++
		column = "skipped"
	}
	core.UnitTotal.WithLabelValues(string(run.Kind), string(status)).Inc()

	outcome := &models.UnitOutcome{RunID: run.ID, UnitKey: key, Status: status, Detail: detail}
	if err := e.m.db.Create(outcome).Error; err != nil {
		e.m.logger.WithField("run_id", run.ID).Errorf("Failed to record unit outcome: %v", err)
	}
	if err := e.m.db.Model(&models.Run{}).Where("id = ?", run.ID).
		UpdateColumn(column, gorm.Expr(column+" + ?", 1)).Error; err != nil {
		e.m.logger.WithField("run_id", run.ID).Errorf("Failed to update run counters: %v", err)
	}

	e.m.hub.Publish(Event{
		RunID:     run.ID,
		Type:      EventUnit,
		Kind:      run.Kind,
		Unit:      key,
		Status:    string(status),
		Detail:    detail,
		Completed: run.Completed,
		Skipped:   run.Skipped,
		Time:      time.Now(),
	})
}
