package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyResponse 上游返回 200 但没有任何候选文本
var ErrEmptyResponse = errors.New("upstream returned no candidates")

// UpstreamError 上游返回的非 2xx 响应
type UpstreamError struct {
	StatusCode int
	Status     string // RESOURCE_EXHAUSTED, UNAVAILABLE, ...
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%d %s. %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus 供失败分类使用
func (e *UpstreamError) HTTPStatus() int {
	return e.StatusCode
}

// APIStatus 供失败分类使用
func (e *UpstreamError) APIStatus() string {
	return e.Status
}

// BlockedError 提示词被安全策略拦截
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return "prompt blocked by upstream: " + e.Reason
}

// decodeUpstreamError 把错误响应体解析为 UpstreamError，解析失败时保留原文
func decodeUpstreamError(statusCode int, body []byte) *UpstreamError {
	var env GeminiErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && (env.Error.Message != "" || env.Error.Status != "") {
		code := env.Error.Code
		if code == 0 {
			code = statusCode
		}
		return &UpstreamError{StatusCode: code, Status: env.Error.Status, Message: env.Error.Message}
	}
	msg := string(body)
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return &UpstreamError{StatusCode: statusCode, Message: msg}
}
