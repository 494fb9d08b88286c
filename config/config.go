package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Server  ServerConfig  `mapstructure:"server"`
	Overlay OverlayConfig `mapstructure:"overlay"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Log     LogConfig     `mapstructure:"log"`
}

// BridgeConfig covers both sides of the bridge link: the relay dials
// Host:Port outbound and the listener binds the same endpoint.
type BridgeConfig struct {
	Host                 string        `mapstructure:"host"`
	Port                 int           `mapstructure:"port"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	BackoffCap           time.Duration `mapstructure:"backoff_cap"`
	StdinEOFRetryDelay   time.Duration `mapstructure:"stdin_eof_retry_delay"`
	MaxStdinEOFRetries   int           `mapstructure:"max_stdin_eof_retries"`
}

type ServerConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

type OverlayConfig struct {
	Address string `mapstructure:"address"`
	Enabled bool   `mapstructure:"enabled"`
}

type MonitorConfig struct {
	Address string `mapstructure:"address"`
	Enabled bool   `mapstructure:"enabled"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bridge.host", "127.0.0.1")
	v.SetDefault("bridge.port", 7777)
	v.SetDefault("bridge.reconnect_delay", time.Second)
	v.SetDefault("bridge.max_reconnect_attempts", 5)
	v.SetDefault("bridge.backoff_cap", 10*time.Second)
	v.SetDefault("bridge.stdin_eof_retry_delay", 500*time.Millisecond)
	v.SetDefault("bridge.max_stdin_eof_retries", 5)
	v.SetDefault("server.stale_threshold", 30*time.Second)
	v.SetDefault("overlay.address", "127.0.0.1:31337")
	v.SetDefault("overlay.enabled", true)
	v.SetDefault("monitor.address", "127.0.0.1:9091")
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("log.level", "info")
}

// LoadConfig reads config.yaml from path, layered under STS_-prefixed
// environment variables. A missing file is fine; defaults apply.
func LoadConfig(path string) (config *Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("sts")
	v.AutomaticEnv()

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	err = v.Unmarshal(&config)
	return config, err
}
