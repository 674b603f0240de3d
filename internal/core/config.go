package core

import (
	"raidstore/internal/engine"
	"raidstore/pkg/auth"
)

type Config struct {
	Engine        *engine.Engine
	Authenticator auth.AuthEngine
}

type ConfigOption func(*Config)

func WithEngine(e *engine.Engine) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = e
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
