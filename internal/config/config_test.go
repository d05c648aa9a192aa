package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "licensing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFrom(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		file        string
		wantErr     string
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults only",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, DriverMemory, cfg.Store.Driver)
				assert.Equal(t, 24*time.Hour, cfg.Entitlement.HeartbeatInterval)
				assert.Equal(t, 5*time.Second, cfg.Client.Timeout)
				assert.Equal(t, 7*24*time.Hour, cfg.Client.GraceWindow)
				assert.Equal(t, "ALM", cfg.Signing.Issuer)
			},
		},
		{
			name: "environment overrides defaults",
			env: map[string]string{
				"LICENSING_SERVER_PORT":          "9191",
				"LICENSING_SECURITY_API_KEYS":    "one,two",
				"LICENSING_CLIENT_GRACE_WINDOW":  "48h",
				"LICENSING_ENTITLEMENT_HEARTBEAT_INTERVAL": "12h",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9191, cfg.Server.Port)
				assert.Equal(t, []string{"one", "two"}, cfg.Security.APIKeys)
				assert.Equal(t, 48*time.Hour, cfg.Client.GraceWindow)
				assert.Equal(t, 12*time.Hour, cfg.Entitlement.HeartbeatInterval)
			},
		},
		{
			name: "file overrides defaults and environment overrides file",
			file: `
server:
  port: 7070
store:
  driver: postgres
  postgres_dsn: postgres://localhost/licensing
signing:
  secret: file-secret-0123456789
  issuer: CRM
`,
			env: map[string]string{
				"LICENSING_SIGNING_ISSUER": "ENV",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7070, cfg.Server.Port)
				assert.Equal(t, DriverPostgres, cfg.Store.Driver)
				assert.Equal(t, "postgres://localhost/licensing", cfg.Store.PostgresDSN)
				assert.Equal(t, "file-secret-0123456789", cfg.Signing.Secret)
				assert.Equal(t, "ENV", cfg.Signing.Issuer)
				// untouched sections keep their defaults
				assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
			},
		},
		{
			name:    "unknown yaml field is rejected",
			file:    "server:\n  prot: 1\n",
			wantErr: "failed to load config from file",
		},
		{
			name:    "postgres driver requires a dsn",
			env:     map[string]string{"LICENSING_STORE_DRIVER": "postgres"},
			wantErr: "postgres_dsn is required",
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"LICENSING_STORE_DRIVER": "sqlite"},
			wantErr: `unknown store driver "sqlite"`,
		},
		{
			name:    "short signing secret",
			env:     map[string]string{"LICENSING_SIGNING_SECRET": "short"},
			wantErr: "signing secret must be at least 16 bytes",
		},
		{
			name:    "bad duration in environment",
			env:     map[string]string{"LICENSING_CLIENT_TIMEOUT": "soon"},
			wantErr: "failed to load config from env",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeConfigFile(t, tt.file)
			}

			cfg, err := LoadFrom(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.validateCfg != nil {
				tt.validateCfg(t, cfg)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Signing.BindingLength = 40
	cfg.Client.Timeout = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port")
	assert.Contains(t, err.Error(), "binding length 40")
	assert.Contains(t, err.Error(), "client timeout must be positive")
}

func TestValidate_NormalizesLogging(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "DEBUG"
	cfg.Logging.Format = "TEXT"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_UsesConfigFileEnv(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 6060\n")
	t.Setenv(ConfigFileEnv, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
}
