package config

import "time"

type Config struct {
	Server      ServerConfig
	Transport   TransportConfig
	Hub         HubConfig
	Log         LogConfig
	Permissions []string `mapstructure:"permissions"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type HubConfig struct {
	AuthTimeout       time.Duration `mapstructure:"authTimeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	LivenessTimeout   time.Duration `mapstructure:"livenessTimeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}
