package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"ai-grader/conversion"
	"ai-grader/grading"
	"ai-grader/homework"
	"ai-grader/models"
	"ai-grader/plagiarism"

	"github.com/sirupsen/logrus"
)

const (
	// StudentsFile knowledge 目录下的学生名单
	StudentsFile = "students_data.json"
	// QuestionsFile knowledge 目录下的题目
	QuestionsFile = "questions.md"
	// BundleFile 输出目录下的作业汇总
	BundleFile = "hw_all.json"
)

// ErrNothingConverted 没有任何文件转换成功
var ErrNothingConverted = errors.New("no document converted")

// GradingParams 批改参数，空字段取默认路径
type GradingParams struct {
	QuestionsPath       string
	GradingCriteriaPath string
	OutputFormatPath    string
	HomeworkDataPath    string
	StudentsDataPath    string
	OutputDir           string
	QuestionCount       int
}

// ConversionParams PDF 转换参数
type ConversionParams struct {
	Documents []string
	OutputDir string
}

// PlagiarismParams 抄袭检查参数
type PlagiarismParams struct {
	HomeworkDataPath string
	StudentsDataPath string
	QuestionsPath    string
	QuestionCount    int
	Categories       []string
	Threshold        float64
	OutputDir        string
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// GradingJob 逐位学生批改并写出 JSON 与 CSV
func GradingJob(s Settings, p GradingParams) Job {
	p.QuestionsPath = orDefault(p.QuestionsPath, filepath.Join(s.KnowledgeDir, QuestionsFile))
	p.GradingCriteriaPath = orDefault(p.GradingCriteriaPath, filepath.Join(s.KnowledgeDir, "grading_criteria.md"))
	p.OutputFormatPath = orDefault(p.OutputFormatPath, filepath.Join(s.KnowledgeDir, "output_format.md"))
	p.StudentsDataPath = orDefault(p.StudentsDataPath, filepath.Join(s.KnowledgeDir, StudentsFile))
	p.OutputDir = orDefault(p.OutputDir, s.OutputDir)
	p.HomeworkDataPath = orDefault(p.HomeworkDataPath, filepath.Join(p.OutputDir, BundleFile))

	return Job{
		Kind:      models.RunKindGrading,
		OutputDir: p.OutputDir,
		Execute: func(ctx context.Context, env *Env) (string, error) {
			materials, err := grading.LoadMaterials(p.QuestionsPath, p.GradingCriteriaPath, p.OutputFormatPath)
			if err != nil {
				return "", err
			}
			bundle, err := homework.LoadBundle(p.HomeworkDataPath)
			if err != nil {
				return "", err
			}
			roster, err := homework.LoadRoster(p.StudentsDataPath)
			if err != nil {
				return "", err
			}
			qcount := p.QuestionCount
			if qcount <= 0 {
				if qcount, err = grading.CountQuestions(p.QuestionsPath); err != nil {
					return "", err
				}
			}
			inv, err := env.Invoker()
			if err != nil {
				return "", err
			}

			grader := grading.NewGrader(inv, materials, env.Logger(), grading.Options{
				Model:         env.Settings().Model,
				Temperature:   env.Settings().Temperature,
				QuestionCount: qcount,
				OnUnit:        env.Unit,
			})
			results, gradeErr := grader.GradeAll(ctx, bundle)

			// 取消时也写出已完成的部分
			if _, err := grading.WriteResults(p.OutputDir, results); err != nil {
				return "", err
			}
			if _, err := grading.WriteScores(p.OutputDir, roster, results, qcount); err != nil {
				return "", err
			}

			summary := fmt.Sprintf("graded %d of %d students", len(results), bundle.Len())
			if stats, ok := grading.ComputeStats(results); ok {
				summary += fmt.Sprintf("; average %.2f, max %g, min %g", stats.Average, stats.Max, stats.Min)
				env.Logger().WithFields(logrus.Fields{
					"run_id":  env.RunID(),
					"count":   stats.Count,
					"average": stats.Average,
					"max":     stats.Max,
					"min":     stats.Min,
				}).Info("Score statistics")
			}
			return summary, gradeErr
		},
	}
}

// ConversionJob PDF -> Markdown
func ConversionJob(s Settings, p ConversionParams) Job {
	p.OutputDir = orDefault(p.OutputDir, s.KnowledgeDir)

	return Job{
		Kind:      models.RunKindConversion,
		OutputDir: p.OutputDir,
		Execute: func(ctx context.Context, env *Env) (string, error) {
			inv, err := env.Invoker()
			if err != nil {
				return "", err
			}
			conv := conversion.NewConverter(inv, env.Logger(), conversion.Options{
				Model:       env.Settings().Model,
				Temperature: env.Settings().Temperature,
				OnUnit:      env.Unit,
			})
			outputs, err := conv.ConvertAll(ctx, p.Documents, p.OutputDir)
			summary := fmt.Sprintf("converted %d of %d documents", len(outputs), len(p.Documents))
			if err != nil {
				return summary, err
			}
			if len(outputs) == 0 {
				return summary, ErrNothingConverted
			}
			return summary, nil
		},
	}
}

// PlagiarismJob 两两比对并写出 Markdown 报告；不调用模型
func PlagiarismJob(s Settings, p PlagiarismParams) Job {
	p.OutputDir = orDefault(p.OutputDir, s.OutputDir)
	p.HomeworkDataPath = orDefault(p.HomeworkDataPath, filepath.Join(p.OutputDir, BundleFile))
	p.StudentsDataPath = orDefault(p.StudentsDataPath, filepath.Join(s.KnowledgeDir, StudentsFile))
	p.QuestionsPath = orDefault(p.QuestionsPath, filepath.Join(s.KnowledgeDir, QuestionsFile))
	if len(p.Categories) == 0 {
		p.Categories = s.Categories
	}
	if p.Threshold <= 0 {
		p.Threshold = s.Threshold
	}

	return Job{
		Kind:      models.RunKindPlagiarism,
		OutputDir: p.OutputDir,
		Execute: func(ctx context.Context, env *Env) (string, error) {
			qcount := p.QuestionCount
			if qcount <= 0 {
				var err error
				if qcount, err = grading.CountQuestions(p.QuestionsPath); err != nil {
					return "", err
				}
			}
			detector, err := plagiarism.NewDetector(plagiarism.Options{
				QuestionCount: qcount,
				Categories:    p.Categories,
				Threshold:     p.Threshold,
			}, env.Logger())
			if err != nil {
				return "", err
			}
			bundle, err := homework.LoadBundle(p.HomeworkDataPath)
			if err != nil {
				return "", err
			}
			roster, err := homework.LoadRoster(p.StudentsDataPath)
			if err != nil {
				return "", err
			}

			cases := detector.Check(bundle, roster)
			for _, c := range cases {
				env.Unit(
					fmt.Sprintf("q%d %s/%s", c.Question, c.Student1.ID, c.Student2.ID),
					models.UnitStatusCompleted,
					plagiarism.FormatPercent(c.Similarity)+"%",
				)
			}
			path, err := plagiarism.WriteReport(p.OutputDir, cases, qcount)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d suspicious pairs, report %s", len(cases), path), nil
		},
	}
}
