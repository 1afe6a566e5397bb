package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr  string
	DBPath      string
	Development bool

	HeartbeatIntervalSeconds int
	ReadTimeoutSeconds       int
	WriteTimeoutSeconds      int

	// derived
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// Load reads configuration from an optional chatrelay.yaml in the
// working directory, overridden by CHATRELAY_* environment variables.
// Heartbeat cadence and read timeout are policy, not protocol, so they
// are tunable here.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHATRELAY")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":9999")
	v.SetDefault("db_path", "chatrelay.db")
	v.SetDefault("development", false)
	v.SetDefault("heartbeat_interval_seconds", 30)
	v.SetDefault("read_timeout_seconds", 60)
	v.SetDefault("write_timeout_seconds", 10)

	v.SetConfigName("chatrelay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	c := &Config{
		ListenAddr:               v.GetString("listen_addr"),
		DBPath:                   v.GetString("db_path"),
		Development:              v.GetBool("development"),
		HeartbeatIntervalSeconds: v.GetInt("heartbeat_interval_seconds"),
		ReadTimeoutSeconds:       v.GetInt("read_timeout_seconds"),
		WriteTimeoutSeconds:      v.GetInt("write_timeout_seconds"),
	}

	c.HeartbeatInterval = time.Duration(c.HeartbeatIntervalSeconds) * time.Second
	c.ReadTimeout = time.Duration(c.ReadTimeoutSeconds) * time.Second
	c.WriteTimeout = time.Duration(c.WriteTimeoutSeconds) * time.Second

	return c, nil
}
