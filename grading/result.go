package grading

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ai-grader/core/utils"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	// ErrNotObject 模型返回的 JSON 不是对象
	ErrNotObject = errors.New("grading result is not a JSON object")
	// ErrEmptyResult 模型返回了没有任何字段的对象
	ErrEmptyResult = errors.New("grading result has no fields")
)

// Result 模型返回的一位学生的批改结果
//
// 字段按模型返回的顺序原样保存 (student_id, total_score, question_<n>, remarks
// 以及任何额外字段)，写出 grading_results.json 时不做改动。
type Result struct {
	fields *orderedmap.OrderedMap[string, json.RawMessage]
}

// ParseResult 解析模型输出；顶层是数组时取第一个元素
func ParseResult(text string) (*Result, error) {
	body := bytes.TrimSpace([]byte(utils.StripCodeFence(text)))
	if len(body) == 0 {
		return nil, fmt.Errorf("empty grading response: %w", ErrNotObject)
	}
	if body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("empty result array: %w", ErrNotObject)
		}
		body = bytes.TrimSpace(items[0])
	}
	if len(body) == 0 || body[0] != '{' {
		return nil, ErrNotObject
	}
	if !json.Valid(body) {
		// 让 encoding/json 给出带位置的语法错误
		var probe map[string]interface{}
		return nil, json.Unmarshal(body, &probe)
	}

	r := &Result{fields: orderedmap.New[string, json.RawMessage]()}
	if err := r.fields.UnmarshalJSON(body); err != nil {
		return nil, err
	}
	if r.fields.Len() == 0 {
		return nil, ErrEmptyResult
	}
	return r, nil
}

// NewResult 由字段构造结果，主要用于测试和导入
func NewResult(pairs ...interface{}) *Result {
	r := &Result{fields: orderedmap.New[string, json.RawMessage]()}
	for i := 0; i+1 < len(pairs); i += 2 {
		key, _ := pairs[i].(string)
		raw, err := json.Marshal(pairs[i+1])
		if err != nil {
			continue
		}
		r.fields.Set(key, raw)
	}
	return r
}

// StudentID 学号 (数字学号转为文本)
func (r *Result) StudentID() string {
	return r.text("student_id")
}

// TotalScore 总分；缺失或不是数字时 ok=false
func (r *Result) TotalScore() (float64, bool) {
	raw, ok := r.fields.Get("total_score")
	if !ok {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// TotalText 总分原文，供 CSV 使用
func (r *Result) TotalText() string {
	return r.text("total_score")
}

// Question 第 n 题得分原文
func (r *Result) Question(n int) string {
	return r.text(fmt.Sprintf("question_%d", n))
}

// Remarks 备注
func (r *Result) Remarks() string {
	return r.text("remarks")
}

// Keys 字段名，按模型返回顺序
func (r *Result) Keys() []string {
	keys := make([]string, 0, r.fields.Len())
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

func (r *Result) text(key string) string {
	raw, ok := r.fields.Get(key)
	if !ok {
		return ""
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return trimmed
}

func (r *Result) MarshalJSON() ([]byte, error) {
	return r.fields.MarshalJSON()
}

func (r *Result) UnmarshalJSON(data []byte) error {
	r.fields = orderedmap.New[string, json.RawMessage]()
	return r.fields.UnmarshalJSON(data)
}
