// Package config 组装 trackersync 进程的完整配置
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"trackersync/internal/service"
	"trackersync/internal/tracker/github"
	"trackersync/internal/tracker/jira"
	pkgconfig "trackersync/pkg/config"
	"trackersync/pkg/resilience"
)

// OutboxConfig 投递器配置
type OutboxConfig struct {
	Interval      time.Duration `yaml:"interval"`
	BatchSize     int           `yaml:"batch_size"`
	MaxRetries    int           `yaml:"max_retries"`
	Lease         time.Duration `yaml:"lease"`
	Retention     time.Duration `yaml:"retention"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// AlertConfig 冲突积压告警
type AlertConfig struct {
	ConflictThreshold int `yaml:"conflict_threshold"`
}

type Config struct {
	DB         pkgconfig.DBConfig      `yaml:"db"`
	MQ         pkgconfig.MQConfig      `yaml:"mq"`
	Redis      pkgconfig.RedisConfig   `yaml:"redis"`
	Server     pkgconfig.ServerConfig  `yaml:"server"`
	Log        pkgconfig.LogConfig     `yaml:"log"`
	Source     github.Config           `yaml:"source"`
	Target     jira.Config             `yaml:"target"`
	Resilience resilience.Config       `yaml:"resilience"`
	Outbox     OutboxConfig            `yaml:"outbox"`
	Scheduler  service.SchedulerConfig `yaml:"scheduler"`
	Alert      AlertConfig             `yaml:"alert"`
}

// Load 读取 CONFIG_DIR 下的 base.yaml 与 CONFIG_ENV 对应的环境文件，再用环境变量覆盖
func Load() (*Config, error) {
	return LoadFrom(pkgconfig.GetConfigEnv(), pkgconfig.GetEnv("CONFIG_DIR", "config"))
}

func LoadFrom(env, dir string) (*Config, error) {
	raw, err := pkgconfig.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := pkgconfig.Decode(raw, cfg); err != nil {
		return nil, err
	}

	pkgconfig.OverrideDBFromEnv(&cfg.DB)
	pkgconfig.OverrideMQFromEnv(&cfg.MQ)
	pkgconfig.OverrideRedisFromEnv(&cfg.Redis)
	pkgconfig.OverrideServerFromEnv(&cfg.Server)
	pkgconfig.OverrideLogFromEnv(&cfg.Log)
	overrideTrackersFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 未出现在配置文件里的字段保留这些值
func Default() *Config {
	return &Config{
		DB: pkgconfig.DBConfig{
			Driver:             "sqlite",
			Path:               "trackersync.db",
			Port:               5432,
			MaxConns:           10,
			SlowQueryThreshold: 200 * time.Millisecond,
		},
		MQ: pkgconfig.MQConfig{
			Exchange: "trackersync.events",
		},
		Redis: pkgconfig.RedisConfig{
			Addr:     "localhost:6379",
			DedupTTL: 24 * time.Hour,
		},
		Server: pkgconfig.ServerConfig{Port: "8080"},
		Log:    pkgconfig.LogConfig{Level: "info"},
		Target: jira.Config{IssueType: "Task"},

		Resilience: resilience.DefaultConfig(),
		Outbox: OutboxConfig{
			Interval:      30 * time.Second,
			BatchSize:     100,
			MaxRetries:    3,
			Lease:         5 * time.Minute,
			Retention:     7 * 24 * time.Hour,
			PurgeInterval: time.Hour,
		},
		Scheduler: service.DefaultSchedulerConfig(),
		Alert:     AlertConfig{ConflictThreshold: 10},
	}
}

func overrideTrackersFromEnv(cfg *Config) {
	if v := os.Getenv("SOURCE_BASE_URL"); v != "" {
		cfg.Source.BaseURL = v
	}
	if v := os.Getenv("SOURCE_TOKEN"); v != "" {
		cfg.Source.Token = v
	}
	if v := os.Getenv("TARGET_BASE_URL"); v != "" {
		cfg.Target.BaseURL = v
	}
	if v := os.Getenv("TARGET_USERNAME"); v != "" {
		cfg.Target.Username = v
	}
	if v := os.Getenv("TARGET_TOKEN"); v != "" {
		cfg.Target.Token = v
	}
	if v := os.Getenv("CONFLICT_ALERT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Alert.ConflictThreshold = n
		}
	}
}

// Validate 只检查进程无法启动的组合；tracker 凭证由各客户端自己校验
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("db.path is required for sqlite")
		}
	case "postgres":
		if c.DB.Host == "" || c.DB.Name == "" {
			return fmt.Errorf("db.host and db.name are required for postgres")
		}
	default:
		return fmt.Errorf("unsupported db.driver %q", c.DB.Driver)
	}
	if c.Scheduler.MinInterval < 0 || c.Scheduler.OperationRetention < 0 {
		return fmt.Errorf("scheduler intervals must not be negative")
	}
	if c.Outbox.MaxRetries <= 0 {
		return fmt.Errorf("outbox.max_retries must be positive")
	}
	if c.MQ.Enabled && c.MQ.URL == "" {
		return fmt.Errorf("mq.url is required when mq is enabled")
	}
	return nil
}
