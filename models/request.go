package models

import (
	"time"
)

// ResponseFormat 模型输出格式
type ResponseFormat string

const (
	ResponseFormatJSON      ResponseFormat = "json"
	ResponseFormatPlainText ResponseFormat = "plain_text"
)

// MimeType 返回 Gemini generationConfig.responseMimeType 对应的值
func (f ResponseFormat) MimeType() string {
	if f == ResponseFormatJSON {
		return "application/json"
	}
	return "text/plain"
}

// Attachment 随 prompt 一起发送的二进制附件（例如 PDF）
type Attachment struct {
	DisplayName string
	MimeType    string
	Data        []byte
}

// GenerateRequest 一次逻辑生成请求
type GenerateRequest struct {
	Model          string
	Prompt         string
	Attachment     *Attachment
	Temperature    float64
	ResponseFormat ResponseFormat
	// ResponseSchema 可选，JSON 模式下约束输出结构
	ResponseSchema map[string]interface{}
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status     string `json:"status"`
	Service    string `json:"service"`
	ActiveRuns int    `json:"active_runs"`
	Timestamp  int64  `json:"timestamp"`
}

// GradingRunRequest 启动批改任务，空路径取 knowledge / 输出目录下的默认文件
type GradingRunRequest struct {
	QuestionsPath       string `json:"questions_path"`
	GradingCriteriaPath string `json:"grading_criteria_path"`
	OutputFormatPath    string `json:"output_format_path"`
	HomeworkDataPath    string `json:"homework_data_path"`
	StudentsDataPath    string `json:"students_data_path"`
	OutputDir           string `json:"output_dir"`
	QuestionCount       int    `json:"question_count" binding:"omitempty,min=1"`
}

// ConversionRunRequest 启动 PDF 转 Markdown 任务
type ConversionRunRequest struct {
	Documents []string `json:"documents" binding:"required,min=1"`
	OutputDir string   `json:"output_dir"`
}

// PlagiarismRunRequest 启动抄袭检查任务
type PlagiarismRunRequest struct {
	HomeworkDataPath string   `json:"homework_data_path"`
	StudentsDataPath string   `json:"students_data_path"`
	QuestionsPath    string   `json:"questions_path"`
	QuestionCount    int      `json:"question_count" binding:"omitempty,min=1"`
	Categories       []string `json:"categories"`
	Threshold        float64  `json:"threshold" binding:"omitempty,gt=0,lte=1"`
	OutputDir        string   `json:"output_dir"`
}

// APIResponse 通用API响应
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// MaskAPIKey 脱敏API Key
func MaskAPIKey(key string) string {
	if key == "" {
		return "***"
	}
	if len(key) <= 4 {
		return key[:1] + "***"
	}
	if len(key) <= 8 {
		return key[:2] + "***" + key[len(key)-2:]
	}
	return key[:4] + "***" + key[len(key)-4:]
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(message string, data interface{}) *APIResponse {
	return &APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(message string) *APIResponse {
	return &APIResponse{
		Success:   false,
		Message:   message,
		Timestamp: time.Now().Unix(),
	}
}
