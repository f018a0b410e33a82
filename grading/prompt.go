package grading

import (
	"fmt"
	"os"
	"strings"

	"ai-grader/homework"
)

// UnsubmittedMarker 学生没有任何提交时在 bundle 中使用的内容
const UnsubmittedMarker = "未繳交"

const preamble = "你是一位專業且富有教學經驗的程式設計助教。你會仔細檢查學生程式碼,並提供具建設性的回饋,但僅檢查學生是否有語法錯誤或邏輯(公式)錯誤。\n\n" +
	"請以 JSON 格式回覆,不要包含任何其他文字。\n\n"

// Materials 批改所需的参考文本
type Materials struct {
	Questions       string
	GradingCriteria string
	OutputFormat    string
}

// LoadMaterials 读取题目、评分标准、输出格式
func LoadMaterials(questionsPath, criteriaPath, outputFormatPath string) (*Materials, error) {
	read := func(label, path string) (string, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("load %s: %w", label, err)
		}
		return string(b), nil
	}
	var m Materials
	var err error
	if m.Questions, err = read("questions", questionsPath); err != nil {
		return nil, err
	}
	if m.GradingCriteria, err = read("grading criteria", criteriaPath); err != nil {
		return nil, err
	}
	if m.OutputFormat, err = read("output format", outputFormatPath); err != nil {
		return nil, err
	}
	return &m, nil
}

// SplitStudentKey "<id> <name>" -> id, name
func SplitStudentKey(key string) (string, string) {
	id, name, _ := strings.Cut(key, " ")
	return id, name
}

// BuildPrompt 组装一位学生的完整批改提示
func BuildPrompt(m *Materials, studentID, studentName string, submission *homework.Tree) string {
	var sb strings.Builder
	sb.WriteString(preamble)
	sb.WriteString("你是一位專業的程式設計課程助教，負責批改學生的 Python 程式作業。\n\n")
	sb.WriteString("## 題目內容\n")
	sb.WriteString(m.Questions)
	sb.WriteString("\n\n## 評分標準\n")
	sb.WriteString(m.GradingCriteria)
	sb.WriteString("\n\n## 學生資訊\n")
	fmt.Fprintf(&sb, "- 學號：%s\n", studentID)
	fmt.Fprintf(&sb, "- 姓名：%s\n", studentName)
	sb.WriteString("\n## 學生繳交作業內容\n")
	writeSubmission(&sb, submission)
	sb.WriteString("\n\n## 輸出格式\n")
	sb.WriteString(m.OutputFormat)
	sb.WriteString("\n\n請仔細批改並提供建設性的回饋意見。")
	return sb.String()
}

func writeSubmission(sb *strings.Builder, submission *homework.Tree) {
	// {"content": "..."} 形式的提交
	if e, ok := submission.Get("content"); ok && !e.IsDir() {
		if e.Content == UnsubmittedMarker {
			sb.WriteString("\n**此學生未繳交作業**\n")
		} else {
			sb.WriteString(e.Content)
		}
		return
	}

	files := submission.Files()
	if len(files) == 0 {
		sb.WriteString("\n**此學生未繳交作業**\n")
		return
	}
	for _, f := range files {
		fmt.Fprintf(sb, "\n### 檔案：%s\n```python\n%s\n```\n", f.Path, f.Content)
	}
}
