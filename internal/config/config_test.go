package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "", cfg.Server.GRPCAddr)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "pms_queue", cfg.Store.KeyPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Agent.PollInterval)
	assert.Equal(t, 1, cfg.Agent.Workers)
	assert.False(t, cfg.Notify.Enabled())
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kioskq.yaml")
	yaml := `
server:
  addr: ":9000"
  grpc_addr: ":9001"
store:
  backend: Tree
  redis_addr: "127.0.0.1:6379"
agent:
  property: property2
  poll_interval: 2s
  command: ["ahk.exe", "print.ahk"]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, ":9001", cfg.Server.GRPCAddr)
	assert.Equal(t, "tree", cfg.Store.Backend)
	assert.Equal(t, "127.0.0.1:6379", cfg.Store.RedisAddr)
	assert.Equal(t, "property2", cfg.Agent.Property)
	assert.Equal(t, 2*time.Second, cfg.Agent.PollInterval)
	assert.Equal(t, []string{"ahk.exe", "print.ahk"}, cfg.Agent.Command)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kioskq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  api_key: from-file\n"), 0o600))

	t.Setenv("API_KEY", "from-env")
	t.Setenv("KIOSK_PROPERTY_ID", "property4")
	t.Setenv("KIOSKQ_AGENT_COMMAND", "python listener.py")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.APIKey)
	assert.Equal(t, "property4", cfg.Agent.Property)
	assert.Equal(t, []string{"python", "listener.py"}, cfg.Agent.Command)
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("ADMIN_API_KEY=admin-from-dotenv\n"), 0o600))

	// godotenv sets process variables; restore afterwards
	t.Setenv("ADMIN_API_KEY", "")
	os.Unsetenv("ADMIN_API_KEY")

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "admin-from-dotenv", cfg.Auth.AdminAPIKey)
}

func TestMissingEnvFileIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Auth:   AuthConfig{APIKey: "k"},
		Store:  StoreConfig{Backend: "memory"},
		Agent: AgentConfig{
			Property:     "property1",
			Transport:    "http",
			ServerURL:    "http://localhost:8080",
			PollInterval: time.Second,
			Workers:      1,
			Command:      []string{"true"},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"admin key only", func(c *Config) { c.Auth = AuthConfig{AdminAPIKey: "a"} }, true},
		{"no keys", func(c *Config) { c.Auth = AuthConfig{} }, false},
		{"unknown backend", func(c *Config) { c.Store.Backend = "sheets" }, false},
		{"tabular without dsn", func(c *Config) { c.Store.Backend = "tabular" }, false},
		{"tabular with dsn", func(c *Config) { c.Store = StoreConfig{Backend: "tabular", MySQLDSN: "dsn"} }, true},
		{"tree without addr", func(c *Config) { c.Store.Backend = "tree" }, false},
		{"no listen addr", func(c *Config) { c.Server.Addr = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateAgent(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"unknown property", func(c *Config) { c.Agent.Property = "property7" }, false},
		{"grpc without addr", func(c *Config) { c.Agent.Transport = "grpc" }, false},
		{"grpc with addr", func(c *Config) { c.Agent.Transport = "grpc"; c.Agent.GRPCAddr = "h:1" }, true},
		{"unknown transport", func(c *Config) { c.Agent.Transport = "carrier-pigeon" }, false},
		{"no key", func(c *Config) { c.Auth.APIKey = "" }, false},
		{"own key", func(c *Config) { c.Auth.APIKey = ""; c.Agent.APIKey = "agent" }, true},
		{"no command", func(c *Config) { c.Agent.Command = nil }, false},
		{"no workers", func(c *Config) { c.Agent.Workers = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.ValidateAgent()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAgentKey(t *testing.T) {
	c := validConfig()
	assert.Equal(t, "k", c.AgentKey())
	c.Agent.APIKey = "own"
	assert.Equal(t, "own", c.AgentKey())
}
