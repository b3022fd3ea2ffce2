package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/payments")
	t.Setenv("SERVICE_TOKEN", "secret")

	cfg, err := Load("", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/payments", cfg.Database.URL)
	assert.Equal(t, "secret", cfg.Server.ServiceToken)
	assert.Equal(t, "secret", cfg.Sync.Token)
	assert.Equal(t, 5200, cfg.Server.Port)
	assert.Equal(t, 100, cfg.Bounty.MaxWinners)
	assert.Equal(t, 45*time.Second, cfg.Ledger.ConfirmTimeout)
	assert.Equal(t, "20", cfg.Pricing.PlatformRate)
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	content := "DATABASE_URL=postgres://envfile/db\nSERVICE_TOKEN=from-file\nBOUNTY_MAX_WINNERS=7\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("SERVICE_TOKEN")
		os.Unsetenv("BOUNTY_MAX_WINNERS")
	})

	cfg, err := Load("", dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres://envfile/db", cfg.Database.URL)
	assert.Equal(t, 7, cfg.Bounty.MaxWinners)
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/payments")
	t.Setenv("SERVICE_TOKEN", "secret")

	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	yaml := `
issuers:
  item: "0x00000000000000000000000000000000000000aa"
pricing:
  stable_rates:
    EURC: "0.92"
`
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o600))

	cfg, err := Load(file, dir)
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", cfg.Issuers.Item)
	assert.Equal(t, "0.92", cfg.Pricing.StableRates["eurc"])
}

func TestValidateRejectsMissingDatabase(t *testing.T) {
	cfg := &Config{Server: ServerConfig{ServiceToken: "x"}, Bounty: BountyConfig{MaxWinners: 1, CodeLength: 8}}
	assert.EqualError(t, cfg.Validate(), "DATABASE_URL is required")
}

func TestOriginsTrimsSpaces(t *testing.T) {
	cfg := ServerConfig{AllowedOrigins: "http://a.test, http://b.test ,http://c.test"}
	assert.Equal(t, "http://a.test,http://b.test,http://c.test", cfg.Origins())
}
