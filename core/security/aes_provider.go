package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix 加密后的值都带此前缀，便于区分旧的明文记录
const sealedPrefix = "aesgcm:"

var (
	ErrInvalidKeyLength   = errors.New("secret key must be 16, 24 or 32 bytes")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrNotSealed          = errors.New("value was not encrypted by this provider")
)

// credentialAAD 绑定用途，防止密文被挪作他用
var credentialAAD = []byte("aigrader/credential")

// AESSecretProvider 基于 AES-GCM 加密数据库中保存的 API Key
type AESSecretProvider struct {
	aead cipher.AEAD
}

// NewAESSecretProvider keyStr 必须是 16, 24, 或 32 字节（AES-128, AES-192, AES-256）
func NewAESSecretProvider(keyStr string) (*AESSecretProvider, error) {
	key := []byte(keyStr)
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidKeyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESSecretProvider{aead: aead}, nil
}

func (p *AESSecretProvider) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := p.aead.Seal(nonce, nonce, []byte(plaintext), credentialAAD)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (p *AESSecretProvider) Decrypt(value string) (string, error) {
	if !IsSealed(value) {
		return "", ErrNotSealed
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", err
	}

	nonceSize := p.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextTooShort
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := p.aead.Open(nil, nonce, ciphertext, credentialAAD)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed 是否为本 Provider 产生的密文
func IsSealed(s string) bool {
	return strings.HasPrefix(s, sealedPrefix)
}
