package core

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNoCredentials 没有发现任何可用凭证
var ErrNoCredentials = errors.New("no API credentials found")

// ConfigurationError 启动期配置错误，不会被重试
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// CredentialPool 有序凭证池 + 当前指针
//
// 每个工作流持有自己的实例；锁只保护索引本身，
// 逻辑请求之间的串行化由 Invoker 负责。
type CredentialPool struct {
	mu      sync.Mutex
	keys    []string
	current int
	// origin 本轮配额轮换的起点，新建的池为 0
	origin int
}

// NewCredentialPool 构造凭证池，空池返回 ConfigurationError
func NewCredentialPool(keys []string) (*CredentialPool, error) {
	cleaned := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			cleaned = append(cleaned, k)
		}
	}
	if len(cleaned) == 0 {
		return nil, &ConfigurationError{Reason: "credential pool is empty", Err: ErrNoCredentials}
	}
	return &CredentialPool{keys: cleaned}, nil
}

// Len 凭证数量
func (p *CredentialPool) Len() int {
	return len(p.keys)
}

// Index 当前索引 (0-based)
func (p *CredentialPool) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Current 返回当前凭证，无副作用
func (p *CredentialPool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys[p.current]
}

// Rotate 前进到下一个凭证并返回新索引
func (p *CredentialPool) Rotate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotateLocked()
}

func (p *CredentialPool) rotateLocked() int {
	p.current = (p.current + 1) % len(p.keys)
	return p.current
}

// AdvanceOrSignalExhausted 轮换一次；如果回到了本轮起点 (且池中不止一个凭证)
// 说明所有凭证都试过了，返回 false。单凭证池始终返回 true，
// 由调用者自行判定耗尽。
func (p *CredentialPool) AdvanceOrSignalExhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.rotateLocked()
	if next == p.origin && len(p.keys) > 1 {
		return false
	}
	return true
}

// MarkCycleStart 把当前索引记为配额轮换的起点
// Invoker 在每个逻辑请求开始时调用
func (p *CredentialPool) MarkCycleStart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.origin = p.current
}
