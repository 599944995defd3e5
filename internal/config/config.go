package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server      ServerConfig
	Paths       PathsConfig
	Tool        ToolConfig
	Gate        GateConfig
	Redis       RedisConfig
	Storage     StorageConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	R2          R2Config
	Maintenance MaintenanceConfig
}

type ServerConfig struct {
	Port        string
	Env         string
	LogLevel    string
	LogFile     string
	BodyLimitMB int
}

type PathsConfig struct {
	BaseDir    string // project root directory
	UploadsDir string
	TmpDir     string // per-run scratch directories
	DataDir    string // settings and favorites
}

type ToolConfig struct {
	Root      string // empty means auto-detect
	Script    string
	PythonBin string
	Models    []string
}

type GateConfig struct {
	Backend    string // "local" or "redis"
	Key        string
	TTLSeconds int
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	Driver     string // "json" or "sqlite"
	SQLitePath string
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	Issuer    string
	ClientID  string
	// JWKSURL skips OIDC discovery when set.
	JWKSURL string
}

type RateLimitConfig struct {
	GeneratePerHour int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type MaintenanceConfig struct {
	ScratchMaxAgeHours int
	UploadMaxAgeHours  int
	Interval           string // asynq cron spec, e.g. "@every 1h"
}

// ScratchMaxAge returns the scratch retention as a duration.
func (m MaintenanceConfig) ScratchMaxAge() time.Duration {
	return time.Duration(m.ScratchMaxAgeHours) * time.Hour
}

// UploadMaxAge returns the upload retention as a duration.
func (m MaintenanceConfig) UploadMaxAge() time.Duration {
	return time.Duration(m.UploadMaxAgeHours) * time.Hour
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.log_file", "LOG_FILE")
	_ = viper.BindEnv("server.body_limit_mb", "BODY_LIMIT_MB")
	_ = viper.BindEnv("paths.base_dir", "BASE_DIR")
	_ = viper.BindEnv("paths.uploads_dir", "UPLOADS_DIR")
	_ = viper.BindEnv("paths.tmp_dir", "TMP_DIR")
	_ = viper.BindEnv("paths.data_dir", "DATA_DIR")
	_ = viper.BindEnv("tool.root", "DIFFRHYTHM_ROOT")
	_ = viper.BindEnv("tool.script", "TOOL_SCRIPT")
	_ = viper.BindEnv("tool.python_bin", "PYTHON_BIN")
	_ = viper.BindEnv("tool.models", "DIFFRHYTHM_MODELS")
	_ = viper.BindEnv("gate.backend", "GATE_BACKEND")
	_ = viper.BindEnv("gate.key", "GATE_KEY")
	_ = viper.BindEnv("gate.ttl_seconds", "GATE_TTL_SECONDS")
	_ = viper.BindEnv("redis.enabled", "REDIS_ENABLED")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("storage.driver", "STORAGE_DRIVER")
	_ = viper.BindEnv("storage.sqlite_path", "SQLITE_PATH")
	_ = viper.BindEnv("auth.enabled", "AUTH_ENABLED")
	_ = viper.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("auth.issuer", "AUTH_ISSUER")
	_ = viper.BindEnv("auth.client_id", "AUTH_CLIENT_ID")
	_ = viper.BindEnv("auth.jwks_url", "AUTH_JWKS_URL")
	_ = viper.BindEnv("ratelimit.generate_per_hour", "RATELIMIT_GENERATE_PER_HOUR")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("maintenance.scratch_max_age_hours", "SCRATCH_MAX_AGE_HOURS")
	_ = viper.BindEnv("maintenance.upload_max_age_hours", "UPLOAD_MAX_AGE_HOURS")
	_ = viper.BindEnv("maintenance.interval", "MAINTENANCE_INTERVAL")

	// Defaults
	viper.SetDefault("server.port", "7860")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.body_limit_mb", 200)
	viper.SetDefault("paths.base_dir", "outputs")
	viper.SetDefault("paths.uploads_dir", "uploads")
	viper.SetDefault("paths.tmp_dir", "tmp")
	viper.SetDefault("paths.data_dir", "data")
	viper.SetDefault("tool.script", "infer/infer.py")
	viper.SetDefault("gate.backend", "local")
	viper.SetDefault("gate.key", "rhythmdeck:gate")
	viper.SetDefault("gate.ttl_seconds", 30)
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("storage.driver", "json")
	viper.SetDefault("storage.sqlite_path", "data/rhythmdeck.db")
	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("ratelimit.generate_per_hour", 30)
	viper.SetDefault("maintenance.scratch_max_age_hours", 24)
	viper.SetDefault("maintenance.upload_max_age_hours", 168)
	viper.SetDefault("maintenance.interval", "@every 1h")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:        viper.GetString("server.port"),
			Env:         viper.GetString("server.env"),
			LogLevel:    viper.GetString("server.log_level"),
			LogFile:     viper.GetString("server.log_file"),
			BodyLimitMB: viper.GetInt("server.body_limit_mb"),
		},
		Paths: PathsConfig{
			BaseDir:    viper.GetString("paths.base_dir"),
			UploadsDir: viper.GetString("paths.uploads_dir"),
			TmpDir:     viper.GetString("paths.tmp_dir"),
			DataDir:    viper.GetString("paths.data_dir"),
		},
		Tool: ToolConfig{
			Root:      viper.GetString("tool.root"),
			Script:    viper.GetString("tool.script"),
			PythonBin: viper.GetString("tool.python_bin"),
			Models:    splitList(viper.GetStringSlice("tool.models")),
		},
		Gate: GateConfig{
			Backend:    viper.GetString("gate.backend"),
			Key:        viper.GetString("gate.key"),
			TTLSeconds: viper.GetInt("gate.ttl_seconds"),
		},
		Redis: RedisConfig{
			Enabled:  viper.GetBool("redis.enabled"),
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Storage: StorageConfig{
			Driver:     viper.GetString("storage.driver"),
			SQLitePath: viper.GetString("storage.sqlite_path"),
		},
		Auth: AuthConfig{
			Enabled:   viper.GetBool("auth.enabled"),
			JWTSecret: viper.GetString("auth.jwt_secret"),
			Issuer:    viper.GetString("auth.issuer"),
			ClientID:  viper.GetString("auth.client_id"),
			JWKSURL:   viper.GetString("auth.jwks_url"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: viper.GetInt("ratelimit.generate_per_hour"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Maintenance: MaintenanceConfig{
			ScratchMaxAgeHours: viper.GetInt("maintenance.scratch_max_age_hours"),
			UploadMaxAgeHours:  viper.GetInt("maintenance.upload_max_age_hours"),
			Interval:           viper.GetString("maintenance.interval"),
		},
	}

	return cfg, nil
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
