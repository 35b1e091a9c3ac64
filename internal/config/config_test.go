package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setSingleAccountEnv(t *testing.T) {
	t.Helper()
	t.Setenv("IMAP_HOST", "imap.example.com")
	t.Setenv("IMAP_USERNAME", "user@example.com")
	t.Setenv("IMAP_PASSWORD", "imap-secret")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_USERNAME", "user@example.com")
	t.Setenv("SMTP_PASSWORD", "smtp-secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	setSingleAccountEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/data/mailsync.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, int64(256<<20), cfg.CacheBudgetBytes)
	assert.Equal(t, 5*time.Minute, cfg.PollInterval)
	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.Equal(t, 60*time.Second, cfg.AdapterTimeout)

	require.Len(t, cfg.Accounts, 1)
	acc := cfg.Accounts[0]
	assert.Equal(t, "default", acc.Name)
	assert.Equal(t, 993, acc.IMAPPort)
	assert.Equal(t, 587, acc.SMTPPort)
}

func TestLoadConfigOverrides(t *testing.T) {
	setSingleAccountEnv(t)
	t.Setenv("SYNC_DB_PATH", "/tmp/test.db")
	t.Setenv("CACHE_BUDGET_BYTES", "1048576")
	t.Setenv("POLL_INTERVAL", "90s")
	t.Setenv("WORKER_POOL_SIZE", "8")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, int64(1<<20), cfg.CacheBudgetBytes)
	assert.Equal(t, 90*time.Second, cfg.PollInterval)
	assert.Equal(t, 8, cfg.WorkerPoolSize)
}

func TestLoadConfigMultipleAccounts(t *testing.T) {
	t.Setenv("ACCOUNT_1_NAME", "personal")
	t.Setenv("ACCOUNT_1_IMAP_HOST", "imap.example.com")
	t.Setenv("ACCOUNT_1_IMAP_USERNAME", "me@example.com")
	t.Setenv("ACCOUNT_1_IMAP_PASSWORD", "p1")
	t.Setenv("ACCOUNT_1_SMTP_HOST", "smtp.example.com")
	t.Setenv("ACCOUNT_1_SMTP_USERNAME", "me@example.com")
	t.Setenv("ACCOUNT_1_SMTP_PASSWORD", "p1")
	t.Setenv("ACCOUNT_2_NAME", "work")
	t.Setenv("ACCOUNT_2_IMAP_HOST", "imap.work.example")
	t.Setenv("ACCOUNT_2_IMAP_USERNAME", "me@work.example")
	t.Setenv("ACCOUNT_2_IMAP_PASSWORD", "p2")
	t.Setenv("ACCOUNT_2_SMTP_HOST", "smtp.work.example")
	t.Setenv("ACCOUNT_2_SMTP_USERNAME", "me@work.example")
	t.Setenv("ACCOUNT_2_SMTP_PASSWORD", "p2")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"personal", "work"}, cfg.AccountNames())

	acc, err := cfg.GetAccountByName("work")
	require.NoError(t, err)
	assert.Equal(t, "imap.work.example", acc.IMAPHost)

	_, err = cfg.GetAccountByName("missing")
	assert.Error(t, err)
}

func TestLoadConfigRequiresCredentials(t *testing.T) {
	t.Setenv("IMAP_HOST", "imap.example.com")
	t.Setenv("SMTP_HOST", "smtp.example.com")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	setSingleAccountEnv(t)
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"tiny cache budget", func(c *Config) { c.CacheBudgetBytes = 1024 }},
		{"poll interval too short", func(c *Config) { c.PollInterval = time.Second }},
		{"zero workers", func(c *Config) { c.WorkerPoolSize = 0 }},
		{"too many workers", func(c *Config) { c.WorkerPoolSize = 128 }},
		{"no accounts", func(c *Config) { c.Accounts = nil }},
		{"bad imap port", func(c *Config) { c.Accounts[0].IMAPPort = 0 }},
		{"bad smtp port", func(c *Config) { c.Accounts[0].SMTPPort = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad, err := LoadConfig()
			require.NoError(t, err)
			tt.mutate(bad)
			assert.Error(t, bad.Validate())
		})
	}
}
