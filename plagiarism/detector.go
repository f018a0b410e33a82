package plagiarism

import (
	"errors"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"ai-grader/homework"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sirupsen/logrus"
)

// DefaultThreshold 默认相似度阈值
const DefaultThreshold = 0.7

// UnknownStudent 无法对应到名单时显示的姓名
const UnknownStudent = "未知"

var (
	// ErrNoCategories 未指定作业分类
	ErrNoCategories = errors.New("no homework categories given")
	// ErrNoQuestions 题数必须为正
	ErrNoQuestions = errors.New("question count must be positive")
)

var (
	// 最后一个数字，之后到 .py 之间没有其他数字
	lastDigit = regexp.MustCompile(`(\d)\D*\.py$`)
	lastRun   = regexp.MustCompile(`(\d+)\D*\.py$`)
)

// InferQuestion 由文件名推断题号，无法推断时返回 0
// 题数不超过 9 时取最后一个数字字符，否则取最后一段连续数字
func InferQuestion(fileName string, questionCount int) int {
	re := lastDigit
	if questionCount > 9 {
		re = lastRun
	}
	m := re.FindStringSubmatch(fileName)
	if m == nil {
		return 0
	}
	q, err := strconv.Atoi(m[1])
	if err != nil || q < 1 || q > questionCount {
		return 0
	}
	return q
}

// Similarity 按字符计算 SequenceMatcher 相似度；任一文本为空时为 0
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	return difflib.NewMatcher(splitChars(a), splitChars(b)).Ratio()
}

func splitChars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// StudentRef 报告中的学生
type StudentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Case 一组疑似抄袭的配对
type Case struct {
	Question   int        `json:"question"`
	Student1   StudentRef `json:"student1"`
	Student2   StudentRef `json:"student2"`
	File1      string     `json:"file1"`
	File2      string     `json:"file2"`
	Similarity float64    `json:"similarity"` // 百分比，两位小数
}

// Options 检查参数
type Options struct {
	QuestionCount int
	Categories    []string
	Threshold     float64
}

type submission struct {
	key     string
	file    string
	content string
}

// Detector 两两比对同一题的提交
type Detector struct {
	opts   Options
	logger *logrus.Logger
}

// NewDetector 创建检测器
func NewDetector(opts Options, logger *logrus.Logger) (*Detector, error) {
	if len(opts.Categories) == 0 {
		return nil, ErrNoCategories
	}
	if opts.QuestionCount <= 0 {
		return nil, ErrNoQuestions
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Detector{opts: opts, logger: logger}, nil
}

// matchStudents 按名单顺序，用学号子串匹配 bundle 中的第一个键
func matchStudents(bundle *homework.Tree, roster []homework.Student) ([]string, map[string]StudentRef) {
	keys := bundle.Keys()
	refs := make(map[string]StudentRef, len(roster))
	var matched []string
	for _, s := range roster {
		// 空学号是任何键的子串
		if strings.TrimSpace(s.ID) == "" {
			continue
		}
		for _, key := range keys {
			if !strings.Contains(key, s.ID) {
				continue
			}
			if _, seen := refs[key]; !seen {
				matched = append(matched, key)
			}
			refs[key] = StudentRef{ID: s.ID, Name: s.Name}
			break
		}
	}
	return matched, refs
}

// Check 返回全部相似度不低于阈值的配对，按题号、比对顺序排列
func (d *Detector) Check(bundle *homework.Tree, roster []homework.Student) []Case {
	keys, refs := matchStudents(bundle, roster)
	d.logger.WithField("students", len(keys)).Info("Matched homework entries")

	byQuestion := make(map[int][]submission, d.opts.QuestionCount)
	for _, key := range keys {
		data := bundle.Subtree(key)
		for _, category := range d.opts.Categories {
			// 只看分类下第一层文件
			data.Subtree(category).Each(func(name string, e *homework.Entry) {
				if e.IsDir() {
					return
				}
				q := InferQuestion(name, d.opts.QuestionCount)
				if q == 0 {
					d.logger.WithField("file", name).Debug("Cannot infer question number")
					return
				}
				byQuestion[q] = append(byQuestion[q], submission{key: key, file: name, content: e.Content})
			})
		}
	}

	var cases []Case
	for q := 1; q <= d.opts.QuestionCount; q++ {
		entries := firstPerStudent(byQuestion[q])
		for i := 0; i < len(entries); i++ {
			for j := i + 1; j < len(entries); j++ {
				sim := Similarity(entries[i].content, entries[j].content)
				if sim < d.opts.Threshold {
					continue
				}
				cases = append(cases, Case{
					Question:   q,
					Student1:   lookup(refs, entries[i].key),
					Student2:   lookup(refs, entries[j].key),
					File1:      entries[i].file,
					File2:      entries[j].file,
					Similarity: math.Round(sim*100*100) / 100,
				})
			}
		}
	}
	d.logger.WithField("pairs", len(cases)).Info("Plagiarism check finished")
	return cases
}

func firstPerStudent(subs []submission) []submission {
	seen := make(map[string]bool, len(subs))
	out := make([]submission, 0, len(subs))
	for _, s := range subs {
		if seen[s.key] {
			continue
		}
		seen[s.key] = true
		out = append(out, s)
	}
	return out
}

func lookup(refs map[string]StudentRef, key string) StudentRef {
	if ref, ok := refs[key]; ok {
		return ref
	}
	return StudentRef{ID: key, Name: UnknownStudent}
}

// SortBySimilarity 按相似度降序稳定排序
func SortBySimilarity(cases []Case) []Case {
	sorted := make([]Case, len(cases))
	copy(sorted, cases)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Similarity > sorted[j].Similarity
	})
	return sorted
}
