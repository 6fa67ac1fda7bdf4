// Package config loads cluster configuration the way go-server-3's
// internal/config does: viper-backed, env-overridable, one sub-struct per
// component, defaults set before any file/env layer is applied.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every recognized option from spec section 6.
type Config struct {
	MessageDirector MessageDirectorConfig `mapstructure:"messagedirector"`
	ClientAgent     ClientAgentConfig     `mapstructure:"clientagent"`
	StateServer     StateServerConfig     `mapstructure:"stateserver"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Metrics         MetricsConfig         `mapstructure:"metrics"`
	Logging         LoggingConfig         `mapstructure:"logging"`
}

type MessageDirectorConfig struct {
	Address      string        `mapstructure:"address"`
	Port         int           `mapstructure:"port"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
	QueueLimit   int           `mapstructure:"queue_limit"`
}

type ClientAgentConfig struct {
	Address        string        `mapstructure:"address"`
	Port           int           `mapstructure:"port"`
	ConnectAddress string        `mapstructure:"connect_address"`
	ConnectPort    int           `mapstructure:"connect_port"`
	Version        string        `mapstructure:"version"`
	HashVal        uint32        `mapstructure:"hash_val"`
	MinChannels    uint32        `mapstructure:"min_channels"`
	MaxChannels    uint32        `mapstructure:"max_channels"`
	InterestTimeout time.Duration `mapstructure:"interest_timeout"`
	DBMFilename    string        `mapstructure:"dbm_filename"`
	DBMMode        string        `mapstructure:"dbm_mode"`
	VisDirectory   string        `mapstructure:"vis_directory"`
	MsgRateLimit   float64       `mapstructure:"msg_rate_limit"`
	MsgRateBurst   int           `mapstructure:"msg_rate_burst"`
}

type StateServerConfig struct {
	ConnectAddress string `mapstructure:"connect_address"`
	ConnectPort    int    `mapstructure:"connect_port"`
	Channel        uint64 `mapstructure:"channel"`
}

type DatabaseConfig struct {
	ConnectAddress string `mapstructure:"connect_address"`
	ConnectPort    int    `mapstructure:"connect_port"`
	Channel        uint64 `mapstructure:"channel"`
	Directory      string `mapstructure:"directory"`
	Extension      string `mapstructure:"extension"`
	Tracker        string `mapstructure:"tracker"`
	MinDoId        uint32 `mapstructure:"min_channels"`
	MaxDoId        uint32 `mapstructure:"max_channels"`
}

type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables (prefixed OTP_) and
// an optional otp.yaml/otp.json config file in the working directory or
// ./config, mirroring go-server-3/internal/config.Load.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("messagedirector.address", "0.0.0.0")
	v.SetDefault("messagedirector.port", 7100)
	v.SetDefault("messagedirector.flush_timeout", time.Millisecond)
	v.SetDefault("messagedirector.queue_limit", 65536)

	v.SetDefault("clientagent.address", "0.0.0.0")
	v.SetDefault("clientagent.port", 7150)
	v.SetDefault("clientagent.connect_address", "127.0.0.1")
	v.SetDefault("clientagent.connect_port", 7100)
	v.SetDefault("clientagent.version", "dev")
	v.SetDefault("clientagent.hash_val", 0)
	v.SetDefault("clientagent.min_channels", 1_000_000_000)
	v.SetDefault("clientagent.max_channels", 1_009_999_999)
	v.SetDefault("clientagent.interest_timeout", 2500*time.Millisecond)
	v.SetDefault("clientagent.dbm_filename", "astrond.dbm")
	v.SetDefault("clientagent.dbm_mode", "c")
	v.SetDefault("clientagent.vis_directory", "./vis")
	v.SetDefault("clientagent.msg_rate_limit", 60)
	v.SetDefault("clientagent.msg_rate_burst", 120)

	v.SetDefault("stateserver.connect_address", "127.0.0.1")
	v.SetDefault("stateserver.connect_port", 7100)
	v.SetDefault("stateserver.channel", 4001)

	v.SetDefault("database.connect_address", "127.0.0.1")
	v.SetDefault("database.connect_port", 7100)
	v.SetDefault("database.channel", 4002)
	v.SetDefault("database.directory", "./databases")
	v.SetDefault("database.extension", ".json")
	v.SetDefault("database.tracker", "next")
	v.SetDefault("database.min_channels", 100_000_000)
	v.SetDefault("database.max_channels", 999_999_999)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9100")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("otp")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("OTP")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.ClientAgent.MaxChannels < cfg.ClientAgent.MinChannels {
		return Config{}, fmt.Errorf("clientagent max_channels < min_channels")
	}
	if cfg.Database.MaxDoId < cfg.Database.MinDoId {
		return Config{}, fmt.Errorf("database max_channels < min_channels")
	}

	return cfg, nil
}
