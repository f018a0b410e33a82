package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ai-grader/core"
	"ai-grader/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 异步运行与查询共用一个连接
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// fakeTransport 按学号返回固定的批改结果
type fakeTransport struct {
	mu    sync.Mutex
	calls int
	reply func(req models.GenerateRequest) (string, error)
}

func (f *fakeTransport) Generate(ctx context.Context, apiKey string, req models.GenerateRequest) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.reply(req)
}

func newTestManager(t *testing.T, transport core.Transport, knowledge, output string) *Manager {
	t.Helper()
	return NewManager(Settings{
		Model:        "gemini-2.5-flash",
		Temperature:  0.3,
		RetryWait:    time.Millisecond,
		KnowledgeDir: knowledge,
		OutputDir:    output,
		Categories:   []string{"上課完成", "回家完成"},
		Threshold:    0.7,
	}, ManagerOptions{
		DB:        newTestDB(t),
		Transport: transport,
		Logger:    quietLogger(),
		PoolFactory: func() (*core.CredentialPool, error) {
			return core.NewCredentialPool([]string{"k1", "k2"})
		},
		Sleep: func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeKnowledge(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	knowledge := filepath.Join(root, "knowledge")
	output := filepath.Join(root, "RUN")

	writeFile(t, filepath.Join(knowledge, "questions.md"), "# 作業\n1. 計算面積\n2. 計算周長\n")
	writeFile(t, filepath.Join(knowledge, "grading_criteria.md"), "每題 50 分")
	writeFile(t, filepath.Join(knowledge, "output_format.md"), `{"student_id": "", "total_score": 0}`)
	writeFile(t, filepath.Join(knowledge, "students_data.json"),
		`[{"id": "1101", "name": "王小明"}, {"id": "1102", "name": "李大華"}, {"id": "1103", "name": "陳小美"}]`)

	bundle := map[string]interface{}{
		"1101 王小明": map[string]interface{}{"上課完成": map[string]interface{}{"hw1.py": "print(3*4)", "hw2.py": "print(2*(3+4))"}},
		"1102 李大華": map[string]interface{}{"上課完成": map[string]interface{}{"hw1.py": "print(3*4)", "hw2.py": "answer = 14"}},
		"1103 陳小美": map[string]interface{}{},
	}
	raw, err := json.Marshal(bundle)
	require.NoError(t, err)
	writeFile(t, filepath.Join(output, BundleFile), string(raw))
	return knowledge, output
}

func gradingReply(req models.GenerateRequest) (string, error) {
	switch {
	case strings.Contains(req.Prompt, "- 學號：1101\n"):
		return `{"student_id": "1101", "total_score": 90, "question_1": 45, "question_2": 45, "remarks": "好"}`, nil
	case strings.Contains(req.Prompt, "- 學號：1102\n"):
		return `{"student_id": "1102", "total_score": 70, "question_1": 40, "question_2": 30, "remarks": "再加油"}`, nil
	default:
		return "", errors.New("400 INVALID_ARGUMENT. bad request")
	}
}

func TestManager_RunGrading(t *testing.T) {
	knowledge, output := writeKnowledge(t)
	transport := &fakeTransport{reply: gradingReply}
	m := newTestManager(t, transport, knowledge, output)

	run, err := m.Run(context.Background(), GradingJob(m.Settings(), GradingParams{}))
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Equal(t, 2, run.Completed)
	assert.Equal(t, 1, run.Skipped)
	assert.Contains(t, run.Summary, "graded 2 of 3 students")
	assert.Contains(t, run.Summary, "average 80.00")

	stored, err := m.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Completed)
	assert.Equal(t, 1, stored.Skipped)
	require.Len(t, stored.Units, 3)
	assert.Equal(t, "1103 陳小美", stored.Units[2].UnitKey)
	assert.Equal(t, models.UnitStatusSkipped, stored.Units[2].Status)

	csv, err := os.ReadFile(filepath.Join(output, "homework_scores.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(csv), "1,1101,王小明,90,45,45,好\r\n")
	assert.Contains(t, string(csv), "3,1103,陳小美,,,,\r\n")

	_, err = os.Stat(filepath.Join(output, "grading_results.json"))
	assert.NoError(t, err)
}

func TestManager_RunFailsWithoutCredentials(t *testing.T) {
	knowledge, output := writeKnowledge(t)
	m := NewManager(Settings{KnowledgeDir: knowledge, OutputDir: output, EnvPrefix: "AIGRADER_TEST_NO_SUCH_KEY"}, ManagerOptions{
		DB:        newTestDB(t),
		Transport: &fakeTransport{reply: gradingReply},
		Logger:    quietLogger(),
	})

	run, err := m.Run(context.Background(), GradingJob(m.Settings(), GradingParams{}))
	var cfgErr *core.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, models.RunStatusFailed, run.Status)

	stored, err := m.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "AIGRADER_TEST_NO_SUCH_KEY")
	assert.NotNil(t, stored.FinishedAt)
}

func TestManager_StartPublishesEvents(t *testing.T) {
	knowledge, output := writeKnowledge(t)

	// 第一次调用阻塞，保证订阅先于事件
	release := make(chan struct{})
	var once sync.Once
	transport := &fakeTransport{reply: func(req models.GenerateRequest) (string, error) {
		once.Do(func() { <-release })
		return gradingReply(req)
	}}
	m := newTestManager(t, transport, knowledge, output)

	run, err := m.Start(GradingJob(m.Settings(), GradingParams{}))
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)

	events, unsubscribe := m.Hub().Subscribe(run.ID)
	defer unsubscribe()
	close(release)

	var got []Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-events:
			if !ok {
				done = true
				break
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("timed out waiting for run events")
		}
	}

	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, EventFinished, last.Type)
	assert.Equal(t, models.RunStatusSucceeded, last.RunStatus)
	assert.Equal(t, 2, last.Completed)

	var units []string
	for _, ev := range got {
		if ev.Type == EventUnit {
			units = append(units, ev.Unit+":"+ev.Status)
		}
	}
	assert.Equal(t, []string{"1101 王小明:completed", "1102 李大華:completed", "1103 陳小美:skipped"}, units)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 0, m.Active())

	runs, err := m.List(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusSucceeded, runs[0].Status)
}

func TestManager_RunPlagiarism(t *testing.T) {
	knowledge, output := writeKnowledge(t)
	transport := &fakeTransport{reply: gradingReply}
	m := newTestManager(t, transport, knowledge, output)

	run, err := m.Run(context.Background(), PlagiarismJob(m.Settings(), PlagiarismParams{}))
	require.NoError(t, err)
	assert.Equal(t, 1, run.Completed)
	assert.Equal(t, 0, transport.calls)

	report, err := os.ReadFile(filepath.Join(output, "plagiarism_report.md"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "## 第 1 題")
	assert.Contains(t, string(report), "- 相似度: 100.0%")
	assert.NotContains(t, string(report), "## 第 2 題")
}

func TestManager_GetUnknownRun(t *testing.T) {
	m := newTestManager(t, &fakeTransport{reply: gradingReply}, t.TempDir(), t.TempDir())
	_, err := m.Get("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestHub_SubscribeAfterFinish(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe("r1")
	assert.Equal(t, 1, h.Subscribers("r1"))

	h.Publish(Event{RunID: "r1", Type: EventUnit})
	h.Finish(Event{RunID: "r1", Type: EventFinished})

	ev := <-ch
	assert.Equal(t, EventUnit, ev.Type)
	ev = <-ch
	assert.Equal(t, EventFinished, ev.Type)
	_, ok := <-ch
	assert.False(t, ok)
	unsubscribe()

	late, _ := h.Subscribe("r1")
	_, ok = <-late
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers("r1"))
}

func TestHub_PrunesFinishedRuns(t *testing.T) {
	h := NewHub()
	clock := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return clock }

	h.Finish(Event{RunID: "old", Type: EventFinished})
	assert.Equal(t, 1, h.Finished())

	clock = clock.Add(finishedRetention + time.Second)
	h.Finish(Event{RunID: "new", Type: EventFinished})
	assert.Equal(t, 1, h.Finished())

	late, _ := h.Subscribe("new")
	_, ok := <-late
	assert.False(t, ok)

	// 过了保留期的运行按未结束处理，由调用方查询数据库
	ch, unsubscribe := h.Subscribe("old")
	assert.Equal(t, 1, h.Subscribers("old"))
	unsubscribe()
	_, ok = <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers("old"))
}
