package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config captures runtime settings for the orchestrator service. Pool
// size, admission ceiling and the per-build timeout have no sensible
// hard-coded values; deployments must size them for their hardware.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	BaseDir    string `mapstructure:"base_dir"`

	SourceRepoURL string `mapstructure:"source_repo_url"`
	CatalogPath   string `mapstructure:"catalog_path"`
	AppDir        string `mapstructure:"app_dir"`

	WorkspaceCount int           `mapstructure:"workspace_count"`
	QueueCeiling   int           `mapstructure:"queue_ceiling"`
	BuildTimeout   time.Duration `mapstructure:"build_timeout"`
	CancelGrace    time.Duration `mapstructure:"cancel_grace"`

	DatabaseURL     string        `mapstructure:"database_url"`
	RedisURL        string        `mapstructure:"redis_url"`
	CatalogCacheTTL time.Duration `mapstructure:"catalog_cache_ttl"`

	AdminToken string `mapstructure:"admin_token"`

	SFTPAddr       string `mapstructure:"sftp_addr"`
	SFTPUser       string `mapstructure:"sftp_user"`
	SFTPPassword   string `mapstructure:"sftp_password"`
	SFTPPrivateKey string `mapstructure:"sftp_private_key"`
	SFTPRemoteDir  string `mapstructure:"sftp_remote_dir"`
}

// Load reads configuration from defaults, an optional config file, and
// ORCH_* environment variables.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("ORCH")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("base_dir", "./base")
	v.SetDefault("source_repo_url", "https://github.com/ardupilot/ardupilot.git")
	v.SetDefault("catalog_path", "./configs/catalog.yaml")
	v.SetDefault("app_dir", ".")
	v.SetDefault("workspace_count", 0)
	v.SetDefault("queue_ceiling", 0)
	v.SetDefault("build_timeout", "45m")
	v.SetDefault("cancel_grace", "10s")
	v.SetDefault("catalog_cache_ttl", "10m")
	v.SetDefault("sftp_remote_dir", "firmware")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.WorkspaceCount < 1 {
		return fmt.Errorf("workspace_count must be at least 1, got %d", c.WorkspaceCount)
	}
	if c.QueueCeiling < 1 {
		return fmt.Errorf("queue_ceiling must be at least 1, got %d", c.QueueCeiling)
	}
	if c.BuildTimeout <= 0 {
		return fmt.Errorf("build_timeout must be positive, got %s", c.BuildTimeout)
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("cancel_grace must be positive, got %s", c.CancelGrace)
	}
	return nil
}
