package core

import (
	"errors"

	"ai-grader/core/security"

	"github.com/sirupsen/logrus"
)

// ErrSecretKeyRequired 未配置 credentials.secret_key 时不能写入或读取已加密的凭证
var ErrSecretKeyRequired = errors.New("credentials.secret_key is required for stored credentials")

// NoOpSecretProvider 未配置 secret_key 时使用：拒绝加密，也无法读取已加密的凭证
type NoOpSecretProvider struct{}

func NewNoOpSecretProvider() *NoOpSecretProvider {
	return &NoOpSecretProvider{}
}

func (s *NoOpSecretProvider) Decrypt(ciphertext string) (string, error) {
	if security.IsSealed(ciphertext) {
		return "", ErrSecretKeyRequired
	}
	return ciphertext, nil
}

func (s *NoOpSecretProvider) Encrypt(plaintext string) (string, error) {
	return "", ErrSecretKeyRequired
}

// NewSecretProvider 有 secretKey 时使用 AES-GCM
func NewSecretProvider(secretKey string, logger *logrus.Logger) (SecretProvider, error) {
	if secretKey == "" {
		if logger != nil {
			logger.Debug("credentials.secret_key not set, stored credentials are unavailable")
		}
		return NewNoOpSecretProvider(), nil
	}
	return security.NewAESSecretProvider(secretKey)
}
