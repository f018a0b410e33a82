package grading

import (
	"context"
	"time"

	"ai-grader/homework"
	"ai-grader/models"

	"github.com/sirupsen/logrus"
)

// Generator 由 core.Invoker 实现
type Generator interface {
	GenerateWith(ctx context.Context, req models.GenerateRequest, accept func(string) error) (string, bool)
}

// UnitFunc 每处理完一位学生回调一次
type UnitFunc func(key string, status models.UnitStatus, detail string)

// Options 批改参数
type Options struct {
	Model       string
	Temperature float64
	// QuestionCount > 0 时附带 responseSchema
	QuestionCount int
	OnUnit        UnitFunc
}

// Grader 逐位学生顺序批改
type Grader struct {
	gen       Generator
	materials *Materials
	opts      Options
	logger    *logrus.Logger
}

// NewGrader 创建批改器
func NewGrader(gen Generator, materials *Materials, logger *logrus.Logger, opts Options) *Grader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Grader{gen: gen, materials: materials, opts: opts, logger: logger}
}

// acceptResult 拒绝无法解析的输出，由 Invoker 按 malformed_response 重试
func acceptResult(text string) error {
	_, err := ParseResult(text)
	return err
}

// GradeOne 批改一位学生；放弃时返回 nil
func (g *Grader) GradeOne(ctx context.Context, key string, submission *homework.Tree) *Result {
	id, name := SplitStudentKey(key)
	req := models.GenerateRequest{
		Model:          g.opts.Model,
		Prompt:         BuildPrompt(g.materials, id, name, submission),
		Temperature:    g.opts.Temperature,
		ResponseFormat: models.ResponseFormatJSON,
	}
	if g.opts.QuestionCount > 0 {
		req.ResponseSchema = ResponseSchema(g.opts.QuestionCount)
	}

	g.logger.WithFields(logrus.Fields{"student_id": id, "student_name": name}).Info("Grading submission")
	text, ok := g.gen.GenerateWith(ctx, req, acceptResult)
	if !ok {
		return nil
	}
	result, err := ParseResult(text)
	if err != nil {
		// accept 已校验过，这里不应该发生
		g.logger.WithField("student_id", id).Errorf("Unparseable grading result: %v", err)
		return nil
	}
	return result
}

// GradeAll 按 bundle 顺序批改全部学生
// 返回已完成的结果；ctx 取消时提前结束并返回 ctx.Err()
func (g *Grader) GradeAll(ctx context.Context, bundle *homework.Tree) ([]*Result, error) {
	start := time.Now()
	results := make([]*Result, 0, bundle.Len())

	for _, key := range bundle.Keys() {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		submission := bundle.Subtree(key)
		if e, ok := bundle.Get(key); ok && !e.IsDir() {
			// 整个学生条目就是一段文本
			submission = homework.NewTree()
			submission.SetFile("content", e.Content)
		}

		result := g.GradeOne(ctx, key, submission)
		if result == nil {
			g.logger.WithField("student", key).Warn("Grading abandoned, student skipped")
			g.notify(key, models.UnitStatusSkipped, "model call abandoned")
			continue
		}
		results = append(results, result)
		g.notify(key, models.UnitStatusCompleted, "")
	}

	g.logger.WithFields(logrus.Fields{
		"graded":   len(results),
		"students": bundle.Len(),
		"elapsed":  time.Since(start).Round(time.Millisecond).String(),
	}).Info("Grading finished")
	return results, nil
}

func (g *Grader) notify(key string, status models.UnitStatus, detail string) {
	if g.opts.OnUnit != nil {
		g.opts.OnUnit(key, status, detail)
	}
}
