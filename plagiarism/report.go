package plagiarism

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ReportFile 报告文件名
const ReportFile = "plagiarism_report.md"

// FormatPercent 与报告一致的百分比写法：85 -> "85.0"，85.71 -> "85.71"
func FormatPercent(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// RenderReport 生成 Markdown 报告
func RenderReport(cases []Case, questionCount int) string {
	var sb strings.Builder
	sb.WriteString("# 學生作業抄襲檢查報告\n\n")
	if len(cases) == 0 {
		sb.WriteString("未發現疑似抄襲的情況。\n")
		return sb.String()
	}

	sorted := SortBySimilarity(cases)
	fmt.Fprintf(&sb, "共發現 %d 組疑似抄襲的配對。\n\n", len(sorted))

	byQuestion := make(map[int][]Case)
	for _, c := range sorted {
		byQuestion[c.Question] = append(byQuestion[c.Question], c)
	}
	for q := 1; q <= questionCount; q++ {
		group := byQuestion[q]
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "## 第 %d 題\n\n", q)
		for _, c := range group {
			fmt.Fprintf(&sb, "- 相似度: %s%%\n", FormatPercent(c.Similarity))
			fmt.Fprintf(&sb, "  - 學生1: %s %s  檔案: %s\n", c.Student1.ID, c.Student1.Name, c.File1)
			fmt.Fprintf(&sb, "  - 學生2: %s %s  檔案: %s\n\n", c.Student2.ID, c.Student2.Name, c.File2)
		}
	}
	return sb.String()
}

// WriteReport 写出 plagiarism_report.md
func WriteReport(dir string, cases []Case, questionCount int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, ReportFile)
	if err := os.WriteFile(path, []byte(RenderReport(cases, questionCount)), 0o644); err != nil {
		return "", fmt.Errorf("write plagiarism report: %w", err)
	}
	return path, nil
}
