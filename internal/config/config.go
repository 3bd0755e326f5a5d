// Package config loads docflow configuration: YAML file, then environment
// overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete system configuration structure.
// Maps config file fields through YAML tags.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Worker  WorkerConfig  `yaml:"worker"`
	Tasks   TasksConfig   `yaml:"tasks"`
	Cache   CacheConfig   `yaml:"cache"`
	LLM     LLMConfig     `yaml:"llm"`
	API     APIConfig     `yaml:"api"`
	Metrics MetricsConfig `yaml:"metrics"`
	Audit   AuditConfig   `yaml:"audit"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Log     LogConfig     `yaml:"log"`
}

type StoreConfig struct {
	Backend      string        `yaml:"backend"` // memory | redis
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	OpTimeout    time.Duration `yaml:"op_timeout"` // 單次 store 操作上限
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type WorkerConfig struct {
	Count       int           `yaml:"count"`
	PollWait    time.Duration `yaml:"poll_wait"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	Backoff     time.Duration `yaml:"backoff"`
	Kinds       []string      `yaml:"kinds"` // empty: all kinds
}

type TasksConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type CacheConfig struct {
	LLMTTL   time.Duration `yaml:"llm_ttl"`
	ParseTTL time.Duration `yaml:"parse_ttl"`
}

type LLMConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type APIConfig struct {
	Addr            string        `yaml:"addr"`
	GRPCAddr        string        `yaml:"grpc_addr"` // empty disables gRPC
	UploadDir       string        `yaml:"upload_dir"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // standalone listener for worker-only processes
}

type AuditConfig struct {
	Backend string `yaml:"backend"` // "" (off) | sqlite | file
	Path    string `yaml:"path"`
}

type IngestConfig struct {
	Dirs          []string      `yaml:"dirs"`
	InitialScan   bool          `yaml:"initial_scan"`
	Debounce      time.Duration `yaml:"debounce"`
	ChunkStrategy string        `yaml:"chunk_strategy"`
	DocumentKind  string        `yaml:"document_kind"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:      "memory",
			Addr:         "localhost:6379",
			PoolSize:     20,
			DialTimeout:  3 * time.Second,
			OpTimeout:    5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Worker: WorkerConfig{
			Count:       4,
			PollWait:    5 * time.Second,
			TaskTimeout: 2 * time.Minute,
			Backoff:     time.Second,
		},
		Tasks: TasksConfig{TTL: 24 * time.Hour},
		Cache: CacheConfig{LLMTTL: 24 * time.Hour, ParseTTL: time.Hour},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: 60 * time.Second,
		},
		API: APIConfig{
			Addr:            ":8080",
			UploadDir:       os.TempDir(),
			MaxUploadBytes:  32 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Ingest:  IngestConfig{InitialScan: true, Debounce: 500 * time.Millisecond},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (optional) over the defaults, applies the environment and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DOCFLOW_* variables and OPENAI_API_KEY.
func (c *Config) ApplyEnv() {
	c.Store.Backend = getEnv("DOCFLOW_STORE_BACKEND", c.Store.Backend)
	c.Store.Addr = getEnv("DOCFLOW_REDIS_ADDR", c.Store.Addr)
	c.Store.Password = getEnv("DOCFLOW_REDIS_PASSWORD", c.Store.Password)
	c.Store.DB = getEnvAsInt("DOCFLOW_REDIS_DB", c.Store.DB)

	c.Worker.Count = getEnvAsInt("DOCFLOW_WORKERS", c.Worker.Count)
	c.Worker.TaskTimeout = getEnvAsDuration("DOCFLOW_TASK_TIMEOUT", c.Worker.TaskTimeout)
	if kinds := getEnv("DOCFLOW_WORKER_KINDS", ""); kinds != "" {
		c.Worker.Kinds = splitList(kinds)
	}
	c.Tasks.TTL = getEnvAsDuration("DOCFLOW_TASK_TTL", c.Tasks.TTL)

	c.LLM.Enabled = getEnvAsBool("DOCFLOW_LLM_ENABLED", c.LLM.Enabled)
	c.LLM.BaseURL = getEnv("DOCFLOW_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = getEnv("DOCFLOW_LLM_MODEL", c.LLM.Model)
	c.LLM.APIKey = getEnv("OPENAI_API_KEY", c.LLM.APIKey)

	c.API.Addr = getEnv("DOCFLOW_API_ADDR", c.API.Addr)
	c.API.GRPCAddr = getEnv("DOCFLOW_GRPC_ADDR", c.API.GRPCAddr)
	c.API.UploadDir = getEnv("DOCFLOW_UPLOAD_DIR", c.API.UploadDir)

	c.Audit.Backend = getEnv("DOCFLOW_AUDIT_BACKEND", c.Audit.Backend)
	c.Audit.Path = getEnv("DOCFLOW_AUDIT_PATH", c.Audit.Path)

	if dirs := getEnv("DOCFLOW_INBOX", ""); dirs != "" {
		c.Ingest.Dirs = splitList(dirs)
	}

	c.Log.Level = getEnv("DOCFLOW_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("DOCFLOW_LOG_FORMAT", c.Log.Format)
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Addr == "" {
			errs = append(errs, errors.New("store.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: want memory or redis", c.Store.Backend))
	}
	if c.Worker.Count < 0 {
		errs = append(errs, errors.New("worker.count must be >= 0"))
	}
	if c.Worker.PollWait <= 0 || c.Worker.TaskTimeout <= 0 {
		errs = append(errs, errors.New("worker.poll_wait and worker.task_timeout must be positive"))
	}
	for _, k := range c.Worker.Kinds {
		if !types.TaskKind(k).Valid() {
			errs = append(errs, fmt.Errorf("worker.kinds: unknown kind %q", k))
		}
	}
	if c.Tasks.TTL <= 0 {
		errs = append(errs, errors.New("tasks.ttl must be positive"))
	}
	if c.LLM.Enabled && c.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key (or OPENAI_API_KEY) is required when llm.enabled"))
	}
	switch c.Audit.Backend {
	case "":
	case "sqlite", "file":
		if c.Audit.Path == "" {
			errs = append(errs, errors.New("audit.path is required when audit.backend is set"))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.backend %q: want sqlite or file", c.Audit.Backend))
	}
	if !types.ChunkStrategy(c.Ingest.ChunkStrategy).Valid() {
		errs = append(errs, fmt.Errorf("ingest.chunk_strategy %q", c.Ingest.ChunkStrategy))
	}
	if c.Ingest.DocumentKind != "" && !types.DocumentKind(c.Ingest.DocumentKind).Valid() {
		errs = append(errs, fmt.Errorf("ingest.document_kind %q", c.Ingest.DocumentKind))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// WorkerKinds converts Worker.Kinds; nil means every kind.
func (c *Config) WorkerKinds() []types.TaskKind {
	if len(c.Worker.Kinds) == 0 {
		return nil
	}
	out := make([]types.TaskKind, len(c.Worker.Kinds))
	for i, k := range c.Worker.Kinds {
		out[i] = types.TaskKind(k)
	}
	return out
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
