package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Redis       RedisConfig
	Queue       QueueConfig
	Worker      WorkerConfig
	Split       SplitConfig
	Ledger      LedgerConfig
	Blob        BlobConfig
	Render      RenderConfig
	Transcriber TranscriberConfig
}

type ServerConfig struct {
	Port string `validate:"required,numeric"`
}

type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json text"`
}

type RedisConfig struct {
	Addrs    []string `validate:"required,min=1,dive,hostname_port"`
	Password string
	DB       int `validate:"gte=0"`
}

type QueueConfig struct {
	Prefix      string        `validate:"required"`
	PollTimeout time.Duration `validate:"gte=1s"`
}

type WorkerConfig struct {
	DocumentCount int           `validate:"gte=0"`
	PageCount     int           `validate:"gte=0"`
	TaskTimeout   time.Duration `validate:"gte=0"`
}

type SplitConfig struct {
	PageBudget        int `validate:"gte=1"`
	UploadConcurrency int `validate:"gte=1"`
}

type LedgerConfig struct {
	Driver     string `validate:"oneof=postgres sqlite"`
	DSN        string `validate:"required_if=Driver postgres"`
	SQLitePath string `validate:"required_if=Driver sqlite"`
}

type BlobConfig struct {
	Backend  string `validate:"oneof=fs s3"`
	Dir      string `validate:"required_if=Backend fs"`
	Bucket   string `validate:"required_if=Backend s3"`
	Region   string
	Endpoint string `validate:"omitempty,url"`
}

type RenderConfig struct {
	Pdftoppm string `validate:"required"`
	DPI      int    `validate:"gte=50,lte=600"`
}

type TranscriberConfig struct {
	Provider string        `validate:"oneof=gemini openai"`
	APIKey   string        `validate:"required_if=Provider gemini"`
	Model    string        `validate:"required"`
	BaseURL  string        `validate:"omitempty,url"`
	Timeout  time.Duration `validate:"gte=0"`
}

// Load reads configuration from the environment. Keys map to variables by
// upper-casing and replacing dots, so queue.poll_timeout is QUEUE_POLL_TIMEOUT.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("redis.addrs", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("queue.prefix", "docq")
	v.SetDefault("queue.poll_timeout", "1s")
	v.SetDefault("worker.document_count", 2)
	v.SetDefault("worker.page_count", 4)
	v.SetDefault("worker.task_timeout", "0s")
	v.SetDefault("split.page_budget", 10)
	v.SetDefault("split.upload_concurrency", 4)
	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.sqlite_path", "data/ledger.db")
	v.SetDefault("blob.backend", "fs")
	v.SetDefault("blob.dir", "data/blobs")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.endpoint", "")
	v.SetDefault("render.pdftoppm", "pdftoppm")
	v.SetDefault("render.dpi", 150)
	v.SetDefault("transcriber.provider", "gemini")
	v.SetDefault("transcriber.api_key", "")
	v.SetDefault("transcriber.model", "gemini-2.0-flash")
	v.SetDefault("transcriber.base_url", "")
	v.SetDefault("transcriber.timeout", "90s")

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetString("server.port"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
		Redis: RedisConfig{
			Addrs:    splitList(v.GetString("redis.addrs")),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Queue: QueueConfig{
			Prefix:      v.GetString("queue.prefix"),
			PollTimeout: v.GetDuration("queue.poll_timeout"),
		},
		Worker: WorkerConfig{
			DocumentCount: v.GetInt("worker.document_count"),
			PageCount:     v.GetInt("worker.page_count"),
			TaskTimeout:   v.GetDuration("worker.task_timeout"),
		},
		Split: SplitConfig{
			PageBudget:        v.GetInt("split.page_budget"),
			UploadConcurrency: v.GetInt("split.upload_concurrency"),
		},
		Ledger: LedgerConfig{
			Driver:     v.GetString("ledger.driver"),
			DSN:        v.GetString("ledger.dsn"),
			SQLitePath: v.GetString("ledger.sqlite_path"),
		},
		Blob: BlobConfig{
			Backend:  v.GetString("blob.backend"),
			Dir:      v.GetString("blob.dir"),
			Bucket:   v.GetString("blob.bucket"),
			Region:   v.GetString("blob.region"),
			Endpoint: v.GetString("blob.endpoint"),
		},
		Render: RenderConfig{
			Pdftoppm: v.GetString("render.pdftoppm"),
			DPI:      v.GetInt("render.dpi"),
		},
		Transcriber: TranscriberConfig{
			Provider: v.GetString("transcriber.provider"),
			APIKey:   v.GetString("transcriber.api_key"),
			Model:    v.GetString("transcriber.model"),
			BaseURL:  v.GetString("transcriber.base_url"),
			Timeout:  v.GetDuration("transcriber.timeout"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
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
