package core

import (
	"ai-grader/models"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultEnvPrefix 默认的凭证环境变量前缀
const DefaultEnvPrefix = "GEMINI_API_KEY"

// CredentialsFromEnv 读取 PREFIX_1, PREFIX_2, ... 直到第一个缺失的编号；
// 一个编号都没有时退回到单个 PREFIX。lookup 为 nil 时使用 os.LookupEnv。
func CredentialsFromEnv(prefix string, lookup func(string) (string, bool)) []string {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var keys []string
	for i := 1; ; i++ {
		v, ok := lookup(fmt.Sprintf("%s_%d", prefix, i))
		if !ok || v == "" {
			break
		}
		keys = append(keys, v)
	}
	if len(keys) == 0 {
		if v, ok := lookup(prefix); ok && v != "" {
			keys = append(keys, v)
		}
	}
	return keys
}

// CredentialsFromDB 按 position 顺序读取并解密已保存的凭证
func CredentialsFromDB(db *gorm.DB, secrets SecretProvider) ([]string, error) {
	var rows []models.StoredCredential
	if err := db.Order("position asc, id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load stored credentials: %w", err)
	}
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		plain, err := secrets.Decrypt(row.KeyValue)
		if err != nil {
			return nil, fmt.Errorf("decrypt credential %q: %w", row.Label, err)
		}
		keys = append(keys, plain)
	}
	return keys, nil
}

// StoreCredential 加密后追加到凭证表末尾
func StoreCredential(db *gorm.DB, secrets SecretProvider, label, key string) (*models.StoredCredential, error) {
	if key == "" {
		return nil, &ConfigurationError{Reason: "credential value is empty"}
	}
	if secrets == nil {
		return nil, &ConfigurationError{Reason: "no secret provider", Err: ErrSecretKeyRequired}
	}
	enc, err := secrets.Encrypt(key)
	if errors.Is(err, ErrSecretKeyRequired) {
		return nil, &ConfigurationError{Reason: "set credentials.secret_key (16, 24 or 32 bytes) before adding keys", Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}
	var maxPos int
	if err := db.Model(&models.StoredCredential{}).Select("COALESCE(MAX(position), 0)").Scan(&maxPos).Error; err != nil {
		return nil, fmt.Errorf("read credential positions: %w", err)
	}

	row := &models.StoredCredential{Label: label, Position: maxPos + 1, KeyValue: enc}
	if err := db.Create(row).Error; err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}
	return row, nil
}

// LoadCredentialPool 环境变量优先，其次数据库；都没有时返回 ConfigurationError
func LoadCredentialPool(prefix string, db *gorm.DB, secrets SecretProvider, logger *logrus.Logger) (*CredentialPool, error) {
	keys := CredentialsFromEnv(prefix, nil)
	source := "environment"
	if len(keys) == 0 && db != nil && secrets != nil {
		stored, err := CredentialsFromDB(db, secrets)
		if err != nil {
			return nil, &ConfigurationError{Reason: "stored credentials unreadable", Err: err}
		}
		keys = stored
		source = "database"
	}
	if len(keys) == 0 {
		if prefix == "" {
			prefix = DefaultEnvPrefix
		}
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("set %s or %s_1, %s_2, ...", prefix, prefix, prefix),
			Err:    ErrNoCredentials,
		}
	}

	pool, err := NewCredentialPool(keys)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.WithField("source", source).Infof("Loaded %d API credentials", pool.Len())
	}
	return pool, nil
}
