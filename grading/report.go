package grading

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"ai-grader/homework"
)

const (
	ResultsFile = "grading_results.json"
	ScoresFile  = "homework_scores.csv"
)

var questionLine = regexp.MustCompile(`(?m)^\d+\.\s+`)

// CountQuestions 统计 questions.md 中以 "1. " 形式开头的行
func CountQuestions(questionsPath string) (int, error) {
	b, err := os.ReadFile(questionsPath)
	if err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return len(questionLine.FindAll(b, -1)), nil
}

// WriteResults 以 2 空格缩进写出 grading_results.json
func WriteResults(dir string, results []*Result) (string, error) {
	if results == nil {
		results = []*Result{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return "", err
	}
	path := filepath.Join(dir, ResultsFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, bytes.TrimRight(buf.Bytes(), "\n"), 0o644)
}

// WriteScores 写出 Excel 可直接打开的 homework_scores.csv (UTF-8 BOM)
// 每位名单学生一行，按名单顺序；没有结果的学生只填前三栏
func WriteScores(dir string, roster []homework.Student, results []*Result, questionCount int) (string, error) {
	byID := make(map[string]*Result, len(results))
	// 同一学号出现多次时以最后一次为准
	for _, r := range results {
		byID[r.StudentID()] = r
	}

	var buf bytes.Buffer
	buf.WriteString("\ufeff")
	w := csv.NewWriter(&buf)
	w.UseCRLF = true

	header := []string{"編號", "學號", "中文姓名", "作業成績"}
	for i := 1; i <= questionCount; i++ {
		header = append(header, strconv.Itoa(i))
	}
	header = append(header, "備註")
	if err := w.Write(header); err != nil {
		return "", err
	}

	for idx, s := range roster {
		row := []string{strconv.Itoa(idx + 1), s.ID, s.Name}
		r := byID[s.ID]
		if r != nil {
			row = append(row, r.TotalText())
		} else {
			row = append(row, "")
		}
		for i := 1; i <= questionCount; i++ {
			if r != nil {
				row = append(row, r.Question(i))
			} else {
				row = append(row, "")
			}
		}
		if r != nil {
			row = append(row, r.Remarks())
		} else {
			row = append(row, "")
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}

	path := filepath.Join(dir, ScoresFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, buf.Bytes(), 0o644)
}

// Stats 总分统计
type Stats struct {
	Count   int     `json:"count"`
	Average float64 `json:"average"`
	Max     float64 `json:"max"`
	Min     float64 `json:"min"`
}

// ComputeStats 只统计带有数字总分的结果；平均值保留两位小数
func ComputeStats(results []*Result) (Stats, bool) {
	var st Stats
	sum := 0.0
	for _, r := range results {
		score, ok := r.TotalScore()
		if !ok {
			continue
		}
		if st.Count == 0 || score > st.Max {
			st.Max = score
		}
		if st.Count == 0 || score < st.Min {
			st.Min = score
		}
		sum += score
		st.Count++
	}
	if st.Count == 0 {
		return st, false
	}
	st.Average = math.Round(sum/float64(st.Count)*100) / 100
	return st, true
}
