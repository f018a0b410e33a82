package core

import (
	"ai-grader/models"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultLedgerRetention invocation_logs 表默认保留的最新条数
const DefaultLedgerRetention = 1000

// AsyncInvocationLogger 异步调用记录器
// 批量写入 invocation_logs，并按凭证位置累计 credential_stats
type AsyncInvocationLogger struct {
	db        *gorm.DB
	logChan   chan *models.InvocationLog
	logger    *logrus.Logger
	batchSize int
	flushTime time.Duration
	retention int
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

// NewAsyncInvocationLogger 创建并启动后台写入 Worker
func NewAsyncInvocationLogger(db *gorm.DB, logger *logrus.Logger, retention int) *AsyncInvocationLogger {
	if retention <= 0 {
		retention = DefaultLedgerRetention
	}
	l := &AsyncInvocationLogger{
		db:        db,
		logChan:   make(chan *models.InvocationLog, 1000),
		logger:    logger,
		batchSize: 100,
		flushTime: 5 * time.Second,
		retention: retention,
		quit:      make(chan struct{}),
	}
	l.startWorker()
	return l
}

// Log 提交记录到队列，队列满时丢弃
func (l *AsyncInvocationLogger) Log(entry *models.InvocationLog) {
	select {
	case l.logChan <- entry:
	default:
		l.logger.Warn("Ledger channel full, dropping invocation log")
	}
}

func (l *AsyncInvocationLogger) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workerLoop()
	}()
}

func (l *AsyncInvocationLogger) workerLoop() {
	var batch []*models.InvocationLog
	timer := time.NewTicker(l.flushTime)
	defer timer.Stop()

	for {
		select {
		case entry := <-l.logChan:
			batch = append(batch, entry)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = nil
			}
		case <-timer.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = nil
			}
		case <-l.quit:
			// 退出前把队列里剩下的也写掉
			for {
				select {
				case entry := <-l.logChan:
					batch = append(batch, entry)
				default:
					l.flush(batch)
					return
				}
			}
		}
	}
}

// flush 批量写入并更新统计
func (l *AsyncInvocationLogger) flush(entries []*models.InvocationLog) {
	if len(entries) == 0 {
		return
	}
	l.logger.Debugf("[Ledger] Flushing %d invocation logs", len(entries))

	if err := l.db.CreateInBatches(entries, len(entries)).Error; err != nil {
		l.logger.Errorf("[Ledger] Failed to flush logs: %v", err)
	}
	l.prune()

	type statDelta struct {
		Success      int
		Failure      int
		QuotaHits    int
		TotalLatency float64
		Requests     int
	}
	deltas := make(map[int]*statDelta)

	for _, e := range entries {
		// 没有分类的 abort 发生在调用之前 (取消/限速)
		if e.Action == "abort" && e.FailureClass == "" {
			continue
		}
		d, ok := deltas[e.CredentialIndex]
		if !ok {
			d = &statDelta{}
			deltas[e.CredentialIndex] = d
		}
		d.Requests++
		d.TotalLatency += float64(e.Duration)
		if e.Action == "success" {
			d.Success++
		} else {
			d.Failure++
		}
		if e.FailureClass == FailureQuotaExhausted.String() {
			d.QuotaHits++
		}
	}

	for index, d := range deltas {
		var stat models.CredentialStats
		err := l.db.Where("credential_index = ?", index).First(&stat).Error
		if err == nil {
			stat.Success += d.Success
			stat.Failure += d.Failure
			stat.QuotaHits += d.QuotaHits
			stat.TotalLatency += d.TotalLatency
			stat.TotalRequests += int64(d.Requests)
			l.db.Save(&stat)
			continue
		}
		l.db.Create(&models.CredentialStats{
			CredentialIndex: index,
			Success:         d.Success,
			Failure:         d.Failure,
			QuotaHits:       d.QuotaHits,
			TotalLatency:    d.TotalLatency,
			TotalRequests:   int64(d.Requests),
		})
	}
}

// prune 只保留最新的 retention 条记录
func (l *AsyncInvocationLogger) prune() {
	var count int64
	l.db.Model(&models.InvocationLog{}).Count(&count)
	if count <= int64(l.retention) {
		return
	}
	var pivotID uint
	l.db.Model(&models.InvocationLog{}).Select("id").Order("id desc").Offset(l.retention).Limit(1).Scan(&pivotID)
	if pivotID > 0 {
		l.db.Where("id <= ?", pivotID).Delete(&models.InvocationLog{})
	}
}

// Close 刷新剩余记录并停止 Worker，可重复调用
func (l *AsyncInvocationLogger) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		l.wg.Wait()
	})
}
