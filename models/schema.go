package models

import (
	"time"

	"gorm.io/gorm"
)

// RunKind 工作流类型
type RunKind string

const (
	RunKindGrading    RunKind = "grading"
	RunKindConversion RunKind = "conversion"
	RunKindPlagiarism RunKind = "plagiarism"
)

// RunStatus 工作流状态
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// UnitStatus 单个工作单元（一位学生 / 一份文件）的结果
type UnitStatus string

const (
	UnitStatusCompleted UnitStatus = "completed"
	UnitStatusSkipped   UnitStatus = "skipped"
)

// Run 一次批处理运行
type Run struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	Kind       RunKind    `gorm:"index;not null" json:"kind"`
	Status     RunStatus  `gorm:"index;not null" json:"status"`
	Completed  int        `gorm:"default:0" json:"completed"`
	Skipped    int        `gorm:"default:0" json:"skipped"`
	Error      string     `json:"error,omitempty"`
	Summary    string     `json:"summary,omitempty"`
	OutputDir  string     `json:"output_dir"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Units []UnitOutcome `gorm:"foreignKey:RunID" json:"units,omitempty"`
}

// UnitOutcome 单元结果
type UnitOutcome struct {
	gorm.Model
	RunID   string     `gorm:"index;size:36;not null" json:"run_id"`
	UnitKey string     `gorm:"not null" json:"unit_key"`
	Status  UnitStatus `gorm:"not null" json:"status"`
	Detail  string     `json:"detail,omitempty"`
}

// InvocationLog 单次调用决策记录（异步批量写入）
type InvocationLog struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	Model           string    `json:"model"`
	CredentialIndex int       `gorm:"index" json:"credential_index"` // 0-based
	FailureClass    string    `json:"failure_class,omitempty"`
	Action          string    `json:"action"` // success | rotate | wait | abort
	Attempt         int       `json:"attempt"`
	Duration        int64     `json:"duration_ms"`
	PromptBytes     int       `json:"prompt_bytes"`
	Error           string    `json:"error,omitempty"`
}

// CredentialStats 每个凭证位置的累计统计
type CredentialStats struct {
	gorm.Model
	CredentialIndex int     `gorm:"uniqueIndex;not null" json:"credential_index"`
	Success         int     `gorm:"default:0" json:"success"`
	Failure         int     `gorm:"default:0" json:"failure"`
	QuotaHits       int     `gorm:"default:0" json:"quota_hits"`
	TotalLatency    float64 `gorm:"default:0" json:"total_latency"` // 毫秒
	TotalRequests   int64   `gorm:"default:0" json:"total_requests"`
}

// StoredCredential 数据库中保存的加密凭证（仅当环境变量没有凭证时使用）
type StoredCredential struct {
	gorm.Model
	Label    string `json:"label"`
	Position int    `gorm:"index;not null" json:"position"`
	KeyValue string `gorm:"not null" json:"-"`
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Run{},
		&UnitOutcome{},
		&InvocationLog{},
		&CredentialStats{},
		&StoredCredential{},
	)
}
