package homework

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Student 名单中的一位学生
type Student struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Key hw_all.json 中的学生键 "<id> <name>"
func (s Student) Key() string {
	return s.ID + " " + s.Name
}

// UnmarshalJSON 学号可能是数字也可能是字符串
func (s *Student) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID   json.RawMessage `json:"id"`
		Name string          `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Name = raw.Name
	s.ID = rawScalar(raw.ID)
	return nil
}

// rawScalar 字符串去引号，其它标量保留原文
func rawScalar(raw json.RawMessage) string {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return text
}

// LoadRoster 读取 students_data.json: [{"id": ..., "name": ...}]
func LoadRoster(path string) ([]Student, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("student roster not found: %s", path)
		}
		return nil, fmt.Errorf("read student roster: %w", err)
	}
	var students []Student
	if err := json.Unmarshal(data, &students); err != nil {
		return nil, fmt.Errorf("parse student roster %s: %w", path, err)
	}
	return students, nil
}
