package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// FailureClass 失败分类
type FailureClass int

const (
	FailureFatal FailureClass = iota
	FailureQuotaExhausted
	FailureServiceUnavailable
	FailureNetwork
	FailureMalformedResponse
)

func (c FailureClass) String() string {
	switch c {
	case FailureQuotaExhausted:
		return "quota_exhausted"
	case FailureServiceUnavailable:
		return "service_unavailable"
	case FailureNetwork:
		return "network_error"
	case FailureMalformedResponse:
		return "malformed_response"
	default:
		return "fatal"
	}
}

// Transient 是否走 "先轮换再等待" 路径
func (c FailureClass) Transient() bool {
	return c == FailureServiceUnavailable || c == FailureNetwork || c == FailureMalformedResponse
}

// ErrCallTimeout 单次调用超过 call_timeout
var ErrCallTimeout = errors.New("upstream call timed out")

// MalformedResponseError 调用成功但响应文本无法解析
type MalformedResponseError struct {
	Err     error
	Snippet string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// ClassifiedError 带分类的失败
type ClassifiedError struct {
	Class FailureClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// upstreamStatus 由 transport 层的错误实现 (adapter.UpstreamError)
type upstreamStatus interface {
	HTTPStatus() int
	APIStatus() string
}

// Classify 把底层错误映射为 FailureClass
// 先按类型判断，最后才退回到错误文本匹配
func Classify(err error) FailureClass {
	if err == nil {
		return FailureFatal
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	var me *MalformedResponseError
	if errors.As(err, &me) {
		return FailureMalformedResponse
	}

	var us upstreamStatus
	if errors.As(err, &us) {
		if c := ClassifyStatus(us.HTTPStatus(), us.APIStatus()); c != FailureFatal {
			return c
		}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return FailureMalformedResponse
	}

	if errors.Is(err, ErrCallTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return FailureNetwork
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return FailureNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureNetwork
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return FailureNetwork
	}

	return classifyMessage(err.Error())
}

// ClassifyStatus 按 HTTP 状态码和 API status 字段分类
func ClassifyStatus(code int, apiStatus string) FailureClass {
	switch {
	case code == http.StatusTooManyRequests || apiStatus == "RESOURCE_EXHAUSTED":
		return FailureQuotaExhausted
	case code == http.StatusServiceUnavailable || apiStatus == "UNAVAILABLE":
		return FailureServiceUnavailable
	case code == http.StatusBadGateway || code == http.StatusGatewayTimeout:
		return FailureServiceUnavailable
	}
	return FailureFatal
}

// classifyMessage 文本匹配兜底，顺序即优先级
func classifyMessage(msg string) FailureClass {
	switch {
	case strings.Contains(msg, "429") && strings.Contains(msg, "RESOURCE_EXHAUSTED"):
		return FailureQuotaExhausted
	case strings.Contains(msg, "503 UNAVAILABLE"),
		strings.Contains(strings.ToLower(msg), "model is overloaded"):
		return FailureServiceUnavailable
	case strings.Contains(msg, "getaddrinfo failed"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset by peer"):
		return FailureNetwork
	case strings.Contains(msg, `Invalid \escape`),
		strings.Contains(msg, "Expecting"),
		strings.Contains(msg, "invalid character"),
		strings.Contains(msg, "unexpected end of JSON input"):
		return FailureMalformedResponse
	}
	return FailureFatal
}
