package core

import (
	"ai-grader/models"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 每个测试独立的内存数据库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestCredentialsFromEnv_Numbered(t *testing.T) {
	keys := CredentialsFromEnv("GEMINI_API_KEY", envMap(map[string]string{
		"GEMINI_API_KEY_1": "a",
		"GEMINI_API_KEY_2": "b",
		"GEMINI_API_KEY_4": "skipped",
		"GEMINI_API_KEY":   "single",
	}))
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestCredentialsFromEnv_SingleFallback(t *testing.T) {
	keys := CredentialsFromEnv("", envMap(map[string]string{"GEMINI_API_KEY": "single"}))
	assert.Equal(t, []string{"single"}, keys)

	assert.Empty(t, CredentialsFromEnv("OTHER", envMap(map[string]string{"GEMINI_API_KEY": "x"})))
}

func TestStoredCredentials_RoundTripWithAES(t *testing.T) {
	db := newTestDB(t)
	secrets, err := NewSecretProvider("0123456789abcdef", nil)
	require.NoError(t, err)

	_, err = StoreCredential(db, secrets, "first", "key-one")
	require.NoError(t, err)
	row, err := StoreCredential(db, secrets, "second", "key-two")
	require.NoError(t, err)
	assert.Equal(t, 2, row.Position)
	assert.NotEqual(t, "key-two", row.KeyValue)

	keys, err := CredentialsFromDB(db, secrets)
	require.NoError(t, err)
	assert.Equal(t, []string{"key-one", "key-two"}, keys)
}

func TestLoadCredentialPool_NothingConfigured(t *testing.T) {
	t.Setenv("AIGRADER_TEST_KEY", "")
	db := newTestDB(t)

	_, err := LoadCredentialPool("AIGRADER_TEST_KEY", db, NewNoOpSecretProvider(), quietLogger())
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "AIGRADER_TEST_KEY_1")
}

func testSecrets(t *testing.T) SecretProvider {
	t.Helper()
	secrets, err := NewSecretProvider("0123456789abcdef", nil)
	require.NoError(t, err)
	return secrets
}

func TestLoadCredentialPool_EnvBeatsDatabase(t *testing.T) {
	t.Setenv("AIGRADER_TEST_KEY_1", "env-one")
	db := newTestDB(t)
	secrets := testSecrets(t)
	_, err := StoreCredential(db, secrets, "stored", "db-one")
	require.NoError(t, err)

	pool, err := LoadCredentialPool("AIGRADER_TEST_KEY", db, secrets, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "env-one", pool.Current())
}

func TestLoadCredentialPool_DatabaseFallback(t *testing.T) {
	db := newTestDB(t)
	secrets := testSecrets(t)
	_, err := StoreCredential(db, secrets, "stored", "db-one")
	require.NoError(t, err)

	pool, err := LoadCredentialPool("AIGRADER_UNSET_PREFIX", db, secrets, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Len())
	assert.Equal(t, "db-one", pool.Current())
}

func TestStoreCredential_RequiresSecretKey(t *testing.T) {
	db := newTestDB(t)
	noop, err := NewSecretProvider("", nil)
	require.NoError(t, err)

	_, err = StoreCredential(db, noop, "plain", "AIzaSECRET")
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.ErrorIs(t, err, ErrSecretKeyRequired)

	var count int64
	require.NoError(t, db.Model(&models.StoredCredential{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestLoadCredentialPool_SealedRowsNeedSecretKey(t *testing.T) {
	db := newTestDB(t)
	_, err := StoreCredential(db, testSecrets(t), "stored", "db-one")
	require.NoError(t, err)

	_, err = LoadCredentialPool("AIGRADER_UNSET_PREFIX", db, NewNoOpSecretProvider(), quietLogger())
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.ErrorIs(t, err, ErrSecretKeyRequired)
}

func TestStoreCredential_PositionQueryFails(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrator().DropTable(&models.StoredCredential{}))

	_, err := StoreCredential(db, testSecrets(t), "broken", "key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read credential positions")
}
