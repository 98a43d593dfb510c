package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"terminal/internal/sanitize"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Storage   StorageConfig
	Workspace WorkspaceConfig
	Sandbox   SandboxConfig
	Session   SessionConfig
	Auth      AuthConfig
	KeepAlive KeepAliveConfig
	Worker    WorkerConfig
	Metrics   MetricsConfig

	// Projects 是允许打开终端的项目 slug 白名单
	Projects       []string
	AllowedOrigins []string

	// DevMode 从本地目录读取项目压缩包，并跳过主机安全自检
	DevMode  bool
	LogLevel string
}

type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

type RedisConfig struct {
	// URL 优先于 Addr/Password/DB（如 redis://:pass@host:6379/0）
	URL      string
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	Enabled  bool
	Addr     string
	User     string
	Password string
	Database string
}

type StorageConfig struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	KeyPrefix       string
	LocalDir        string
}

type WorkspaceConfig struct {
	BaseDir         string
	CacheTTL        time.Duration
	FetchTimeout    time.Duration
	MaxExtractBytes int64
	Prefetch        bool
}

type SandboxConfig struct {
	ShellPath      string
	ShellArgs      []string
	Restricted     bool
	Home           string
	Path           string
	CPUSeconds     uint64
	FileSizeBytes  uint64
	MaxProcesses   uint64
	PromptTimeout  time.Duration
	TerminateGrace time.Duration
	Rows           uint16
	Cols           uint16
}

type SessionConfig struct {
	IdleTimeout   time.Duration
	MaxDuration   time.Duration
	MetadataTTL   time.Duration
	ValidateInput bool
}

type AuthConfig struct {
	Secret   string
	Purpose  string
	Required bool
}

type KeepAliveConfig struct {
	Enabled  bool
	Targets  []string
	Schedule string
	Timeout  time.Duration
}

type WorkerConfig struct {
	Concurrency int
}

type MetricsConfig struct {
	Addr string
}

// Load reads configuration from environment variables with sensible defaults,
// then applies the optional YAML overlay named by TERMINAL_CONFIG_FILE.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:              getEnv("SERVER_ADDR", ":"+getEnv("PORT", "8000")),
			ReadHeaderTimeout: getDurationEnv("SERVER_READ_HEADER_TIMEOUT", 10*time.Second),
			ShutdownTimeout:   getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			Enabled:  getBoolEnv("POSTGRES_ENABLED", false),
			Addr:     getEnv("POSTGRES_ADDR", "localhost:5432"),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "portfolio_terminal"),
		},
		Storage: StorageConfig{
			Bucket:          getEnv("BUCKETEER_BUCKET_NAME", ""),
			Region:          getEnv("AWS_S3_REGION_NAME", "eu-west-1"),
			AccessKeyID:     getEnv("BUCKETEER_AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BUCKETEER_AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			KeyPrefix:       getEnv("S3_KEY_PREFIX", "project-files/"),
			LocalDir:        getEnv("LOCAL_ARCHIVE_DIR", "/backend-media/project-files"),
		},
		Workspace: WorkspaceConfig{
			BaseDir:         getEnv("WORKSPACE_BASE_DIR", "/home/coder/projects"),
			CacheTTL:        getDurationEnv("WORKSPACE_CACHE_TTL", 24*time.Hour),
			FetchTimeout:    getDurationEnv("WORKSPACE_FETCH_TIMEOUT", 2*time.Minute),
			MaxExtractBytes: int64(getIntEnv("WORKSPACE_MAX_EXTRACT_MB", 200)) << 20,
			Prefetch:        getBoolEnv("WORKSPACE_PREFETCH", false),
		},
		Sandbox: SandboxConfig{
			ShellPath:      getEnv("SANDBOX_SHELL", "/bin/bash"),
			ShellArgs:      getListEnv("SANDBOX_SHELL_ARGS", []string{"--login"}),
			// rbash 禁止 cd 和带 / 的命令名，会让 cd/./name 放行规则失效
			Restricted:     getBoolEnv("SANDBOX_RESTRICTED", false),
			Home:           getEnv("SANDBOX_HOME", "/home/coder"),
			Path:           getEnv("SANDBOX_PATH", "/usr/local/bin:/usr/bin:/bin"),
			CPUSeconds:     uint64(getIntEnv("SANDBOX_CPU_SECONDS", 60)),
			FileSizeBytes:  uint64(getIntEnv("SANDBOX_FILE_SIZE_MB", 10)) << 20,
			MaxProcesses:   uint64(getIntEnv("SANDBOX_MAX_PROCESSES", 50)),
			PromptTimeout:  getDurationEnv("SANDBOX_PROMPT_TIMEOUT", 15*time.Second),
			TerminateGrace: getDurationEnv("SANDBOX_TERMINATE_GRACE", 2*time.Second),
			Rows:           uint16(getIntEnv("SANDBOX_ROWS", 40)),
			Cols:           uint16(getIntEnv("SANDBOX_COLS", 120)),
		},
		Session: SessionConfig{
			IdleTimeout:   getDurationEnv("SESSION_IDLE_TIMEOUT", 15*time.Minute),
			MaxDuration:   getDurationEnv("SESSION_MAX_DURATION", time.Hour),
			MetadataTTL:   getDurationEnv("SESSION_METADATA_TTL", time.Hour),
			ValidateInput: getBoolEnv("SESSION_VALIDATE_INPUT", true),
		},
		Auth: AuthConfig{
			Secret:   getEnv("TERMINAL_TOKEN_SECRET", ""),
			Purpose:  getEnv("TERMINAL_TOKEN_PURPOSE", "terminal"),
			Required: getBoolEnv("TERMINAL_TOKEN_REQUIRED", false),
		},
		KeepAlive: KeepAliveConfig{
			Enabled: getBoolEnv("KEEPALIVE_ENABLED", true),
			Targets: []string{
				getEnv("BACKEND_URL", "https://api.aouichou.me"),
				getEnv("FRONTEND_URL", "https://aouichou.me"),
			},
			Schedule: getEnv("KEEPALIVE_SCHEDULE", "@every 10m"),
			Timeout:  getDurationEnv("KEEPALIVE_TIMEOUT", 5*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency: getIntEnv("WORKER_CONCURRENCY", 2),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
		Projects:       getListEnv("TERMINAL_PROJECTS", sanitize.DefaultProjects),
		AllowedOrigins: getListEnv("ALLOWED_ORIGINS", []string{"aouichou.me", "*.aouichou.me", "localhost:*"}),
		DevMode:        getBoolEnv("DEBUG", false),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}

	if path := os.Getenv("TERMINAL_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileOverlay 是 YAML 配置文件中可以覆盖的字段
type fileOverlay struct {
	Projects         []string `yaml:"projects"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	KeepAliveTargets []string `yaml:"keepalive_targets"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if len(overlay.Projects) > 0 {
		c.Projects = overlay.Projects
	}
	if len(overlay.AllowedOrigins) > 0 {
		c.AllowedOrigins = overlay.AllowedOrigins
	}
	if len(overlay.KeepAliveTargets) > 0 {
		c.KeepAlive.Targets = overlay.KeepAliveTargets
	}
	return nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Workspace.BaseDir == "" {
		errs = append(errs, errors.New("WORKSPACE_BASE_DIR must not be empty"))
	}
	if len(c.Projects) == 0 {
		errs = append(errs, errors.New("project allowlist must not be empty"))
	}
	if c.Sandbox.ShellPath == "" {
		errs = append(errs, errors.New("SANDBOX_SHELL must not be empty"))
	}
	if c.Sandbox.CPUSeconds == 0 || c.Sandbox.FileSizeBytes == 0 || c.Sandbox.MaxProcesses == 0 {
		errs = append(errs, errors.New("sandbox resource limits must be positive"))
	}
	if c.Sandbox.Rows == 0 || c.Sandbox.Cols == 0 {
		errs = append(errs, errors.New("initial terminal size must be positive"))
	}
	if c.Auth.Required && c.Auth.Secret == "" {
		errs = append(errs, errors.New("TERMINAL_TOKEN_REQUIRED needs TERMINAL_TOKEN_SECRET"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	return errors.Join(errs...)
}

// UseS3 reports whether project archives come from the object store.
func (c *Config) UseS3() bool {
	return !c.DevMode && c.Storage.Bucket != ""
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "":
		return defaultVal
	case "1", "t", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getListEnv 解析逗号分隔的列表，忽略空项
func getListEnv(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
