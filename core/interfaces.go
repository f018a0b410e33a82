package core

import (
	"ai-grader/models"
	"context"
)

// Transport 抽象一次上游生成调用 (单次尝试，不做任何重试)
// 重试、轮换、等待全部由 Invoker 负责
type Transport interface {
	Generate(ctx context.Context, apiKey string, req models.GenerateRequest) (string, error)
}

// InvocationRecorder 接收每一次调用决策
// AsyncInvocationLogger 实现此接口
type InvocationRecorder interface {
	Log(entry *models.InvocationLog)
}

// SecretProvider 抽象密钥加解密
// 用于读取数据库中保存的凭证时自动解密
type SecretProvider interface {
	Decrypt(ciphertext string) (string, error)
	Encrypt(plaintext string) (string, error)
}
