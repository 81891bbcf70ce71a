package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string         `json:"log_level" yaml:"log_level"`
	Ingest   IngestConfig   `json:"ingest" yaml:"ingest"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	API      APIConfig      `json:"api" yaml:"api"`
	Dispatch DispatchConfig `json:"dispatch" yaml:"dispatch"`
}

type IngestConfig struct {
	REST  RESTConfig  `json:"rest" yaml:"rest"`
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type QueueConfig struct {
	Shards       int           `json:"shards" yaml:"shards"`
	ShardBuffer  int           `json:"shard_buffer" yaml:"shard_buffer"`
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	JobTimeout   time.Duration `json:"job_timeout" yaml:"job_timeout"`
	DedupeTTL    time.Duration `json:"dedupe_ttl" yaml:"dedupe_ttl"`
}

type RedisConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	DB      int    `json:"db" yaml:"db"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type APIConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Addr    string        `json:"addr" yaml:"addr"`
	Tokens  []TokenConfig `json:"tokens" yaml:"tokens"`
}

type TokenConfig struct {
	Token    string `json:"token" yaml:"token"`
	Name     string `json:"name" yaml:"name"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Role     string `json:"role" yaml:"role"`
	SiteID   string `json:"site_id" yaml:"site_id"`
}

type DispatchConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled"`
	Interval  time.Duration `json:"interval" yaml:"interval"`
	BatchSize int           `json:"batch_size" yaml:"batch_size"`
}

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
	RoleSite   = "site"
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			REST:  RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka: KafkaConfig{Enabled: false},
		},
		Queue: QueueConfig{
			Shards:       8,
			ShardBuffer:  1024,
			MaxAttempts:  5,
			RetryBackoff: 500 * time.Millisecond,
			JobTimeout:   10 * time.Second,
			DedupeTTL:    24 * time.Hour,
		},
		Redis:   RedisConfig{Enabled: false, Addr: "localhost:6379"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:iotguard.db?_pragma=busy_timeout(5000)"},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Dispatch: DispatchConfig{
			Enabled:   false,
			Interval:  5 * time.Second,
			BatchSize: 100,
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Queue.Shards <= 0 {
		cfg.Queue.Shards = 8
	}
	if cfg.Queue.ShardBuffer <= 0 {
		cfg.Queue.ShardBuffer = 1024
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.RetryBackoff <= 0 {
		cfg.Queue.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Queue.JobTimeout <= 0 {
		cfg.Queue.JobTimeout = 10 * time.Second
	}
	if cfg.Queue.DedupeTTL <= 0 {
		cfg.Queue.DedupeTTL = 24 * time.Hour
	}
	if cfg.Dispatch.Interval <= 0 {
		cfg.Dispatch.Interval = 5 * time.Second
	}
	if cfg.Dispatch.BatchSize <= 0 {
		cfg.Dispatch.BatchSize = 100
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return errors.New("redis.addr required when redis.enabled is true")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql", "memory":
	default:
		return fmt.Errorf("unsupported storage.driver: %s", cfg.Storage.Driver)
	}
	for i, tok := range cfg.API.Tokens {
		if tok.Token == "" || tok.ClientID == "" {
			return fmt.Errorf("api.tokens[%d] requires token and client_id", i)
		}
		switch tok.Role {
		case "", RoleAdmin, RoleViewer, RoleSite:
		default:
			return fmt.Errorf("api.tokens[%d] has unknown role: %s", i, tok.Role)
		}
		if tok.Role == RoleSite && tok.SiteID == "" {
			return fmt.Errorf("api.tokens[%d] with role site requires site_id", i)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
