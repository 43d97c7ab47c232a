package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "default configuration",
			envVars: map[string]string{
				"ENVIRONMENT": "development",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "development", cfg.Environment)
				assert.Equal(t, "0.0.0.0", cfg.Server.Host)
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.False(t, cfg.Server.TLS.Enabled)
				assert.Equal(t, []string{"http://localhost:5173"}, cfg.Server.AllowedOrigins)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "dev", cfg.Database.User)
				assert.Nil(t, cfg.AuditDatabase)
				assert.Equal(t, "admin", cfg.Auth.AdminRole)
				assert.Empty(t, cfg.PolicyFile)
			},
		},
		{
			name: "audit pipeline defaults",
			envVars: map[string]string{
				"ENVIRONMENT": "development",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 10000, cfg.Audit.QueueSize)
				assert.Equal(t, 100, cfg.Audit.BatchSize)
				assert.Equal(t, time.Second, cfg.Audit.FlushInterval)
				assert.Equal(t, "drop", cfg.Audit.Backpressure)
				assert.Equal(t, time.Duration(0), cfg.Audit.EnqueueTimeout)
				assert.Equal(t, 5*time.Second, cfg.Audit.WriteTimeout)
				assert.Equal(t, 3, cfg.Audit.MaxRetries)
				assert.Equal(t, 5*time.Second, cfg.Audit.ShutdownTimeout)
			},
		},
		{
			name: "audit pipeline overrides",
			envVars: map[string]string{
				"AUDIT_QUEUE_SIZE":       "500",
				"AUDIT_BATCH_SIZE":       "50",
				"AUDIT_FLUSH_INTERVAL":   "250ms",
				"AUDIT_BACKPRESSURE":     "wait",
				"AUDIT_ENQUEUE_TIMEOUT":  "20ms",
				"AUDIT_SHUTDOWN_TIMEOUT": "30s",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 500, cfg.Audit.QueueSize)
				assert.Equal(t, 50, cfg.Audit.BatchSize)
				assert.Equal(t, 250*time.Millisecond, cfg.Audit.FlushInterval)
				assert.Equal(t, "wait", cfg.Audit.Backpressure)
				assert.Equal(t, 20*time.Millisecond, cfg.Audit.EnqueueTimeout)
				assert.Equal(t, 30*time.Second, cfg.Audit.ShutdownTimeout)
			},
		},
		{
			name: "rate limit settings",
			envVars: map[string]string{
				"RATE_LIMIT_IDLE_TTL":         "30m",
				"RATE_LIMIT_CLEANUP_INTERVAL": "15s",
				"RATE_LIMIT_SHARDS":           "16",
				"POLICY_FILE":                 "/etc/control-plane/policy.yaml",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 30*time.Minute, cfg.RateLimit.IdleTTL)
				assert.Equal(t, 15*time.Second, cfg.RateLimit.CleanupInterval)
				assert.Equal(t, 16, cfg.RateLimit.Shards)
				assert.Equal(t, "/etc/control-plane/policy.yaml", cfg.PolicyFile)
			},
		},
		{
			name: "production with jwt secret",
			envVars: map[string]string{
				"ENVIRONMENT": "production",
				"SERVER_PORT": "9000",
				"DB_HOST":     "prod-db.example.com",
				"DB_PORT":     "5433",
				"JWT_SECRET":  "s3cret",
				"JWT_ISSUER":  "https://auth.example.com",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.IsProduction())
				assert.False(t, cfg.IsDevelopment())
				assert.Equal(t, 9000, cfg.Server.Port)
				assert.Equal(t, "prod-db.example.com", cfg.Database.Host)
				assert.Equal(t, 5433, cfg.Database.Port)
				assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
				assert.Equal(t, "https://auth.example.com", cfg.Auth.Issuer)
			},
		},
		{
			name: "PORT takes precedence over SERVER_PORT",
			envVars: map[string]string{
				"PORT":        "7000",
				"SERVER_PORT": "9000",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7000, cfg.Server.Port)
			},
		},
		{
			name: "separate audit database",
			envVars: map[string]string{
				"DATABASE_URL":       "postgres://app:pw@db.internal:5432/control?sslmode=disable",
				"DATABASE_URL_AUDIT": "postgres://audit:pw@audit.internal:5432/audit?sslmode=disable",
			},
			check: func(t *testing.T, cfg *Config) {
				require.NotNil(t, cfg.AuditDatabase)
				assert.Equal(t, "postgres://audit:pw@audit.internal:5432/audit?sslmode=disable", cfg.AuditDatabase.DSN())
				assert.Equal(t, "host=db.internal port=5432 database=control", cfg.Database.LogString())
			},
		},
		{
			name: "cors origins list",
			envVars: map[string]string{
				"CORS_ALLOWED_ORIGINS": "https://a.example.com, https://b.example.com,,",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
			},
		},
		{
			name: "production without jwt secret",
			envVars: map[string]string{
				"ENVIRONMENT": "production",
			},
			wantErr: true,
		},
		{
			name: "unknown backpressure policy",
			envVars: map[string]string{
				"AUDIT_BACKPRESSURE": "block",
			},
			wantErr: true,
		},
		{
			name: "invalid audit batch size",
			envVars: map[string]string{
				"AUDIT_BATCH_SIZE": "-1",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear environment
			os.Clearenv()

			// Set test environment variables
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg, err := New(context.Background())

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Environment: "development",
			Database:    DatabaseConfig{Host: "localhost", User: "dev", Database: "audit"},
			Audit:       AuditConfig{QueueSize: 10, BatchSize: 5, FlushInterval: time.Second, Backpressure: "drop"},
			RateLimit:   RateLimitConfig{CleanupInterval: time.Minute},
			Observability: ObservabilityConfig{
				LogLevel: "info",
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "connection string replaces individual fields", mutate: func(c *Config) {
			c.Database = DatabaseConfig{ConnectionString: "postgres://localhost/audit"}
		}},
		{name: "missing database", mutate: func(c *Config) { c.Database = DatabaseConfig{} }, wantErr: "database configuration required"},
		{name: "missing database user", mutate: func(c *Config) { c.Database.User = "" }, wantErr: "database user is required"},
		{name: "missing database name", mutate: func(c *Config) { c.Database.Database = "" }, wantErr: "database name is required"},
		{name: "production without secret", mutate: func(c *Config) { c.Environment = "prod" }, wantErr: "JWT secret"},
		{name: "zero queue size", mutate: func(c *Config) { c.Audit.QueueSize = 0 }, wantErr: "queue size"},
		{name: "zero flush interval", mutate: func(c *Config) { c.Audit.FlushInterval = 0 }, wantErr: "flush interval"},
		{name: "negative retries", mutate: func(c *Config) { c.Audit.MaxRetries = -1 }, wantErr: "max retries"},
		{name: "zero cleanup interval", mutate: func(c *Config) { c.RateLimit.CleanupInterval = 0 }, wantErr: "cleanup interval"},
		{name: "missing log level", mutate: func(c *Config) { c.Observability.LogLevel = "" }, wantErr: "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_IsProduction(t *testing.T) {
	for env, want := range map[string]bool{"production": true, "prod": true, "development": false, "staging": false} {
		cfg := &Config{Environment: env}
		assert.Equal(t, want, cfg.IsProduction(), env)
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	for env, want := range map[string]bool{"development": true, "dev": true, "production": false, "": false} {
		cfg := &Config{Environment: env}
		assert.Equal(t, want, cfg.IsDevelopment(), env)
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := &DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "testuser",
		Password: "testpass",
		Database: "testdb",
		SSLMode:  "disable",
	}

	assert.Equal(t, "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=disable", cfg.DSN())
	assert.Equal(t, "host=localhost port=5432 database=testdb", cfg.LogString())
	assert.NotContains(t, cfg.LogString(), "testpass")
}

func TestServerConfig_Address(t *testing.T) {
	cfg := &ServerConfig{Host: "127.0.0.1", Port: 8080}
	assert.Equal(t, "127.0.0.1:8080", cfg.Address())
}

func TestGetEnvHelpers(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_INT", "42")
	os.Setenv("TEST_BAD_INT", "forty-two")
	os.Setenv("TEST_BOOL", "true")
	os.Setenv("TEST_DURATION", "1m30s")
	os.Setenv("TEST_BAD_DURATION", "soon")

	assert.Equal(t, 42, getEnvAsInt("TEST_INT", 0))
	assert.Equal(t, 7, getEnvAsInt("TEST_BAD_INT", 7))
	assert.Equal(t, 7, getEnvAsInt("TEST_UNSET", 7))
	assert.True(t, getEnvAsBool("TEST_BOOL", false))
	assert.True(t, getEnvAsBool("TEST_UNSET", true))
	assert.Equal(t, 90*time.Second, getEnvAsDuration("TEST_DURATION", 0))
	assert.Equal(t, time.Second, getEnvAsDuration("TEST_BAD_DURATION", time.Second))
	assert.Equal(t, []string{"x"}, getEnvAsList("TEST_UNSET", []string{"x"}))
}
