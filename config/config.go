package config

import (
	"os"
	"strconv"
)

type Config struct {
	Host         string
	Port         int
	StorePath    string
	ReadTimeout  int    // seconds, 0 disables idle deadlines
	WriteTimeout int    // seconds
	Responder    string // "canned" or "openai"
	OpenAIModel  string
}

func Load() *Config {
	cfg := &Config{
		Host:         "localhost",
		Port:         10000,
		StorePath:    "chatrelay.db",
		ReadTimeout:  0,
		WriteTimeout: 30,
		Responder:    "canned",
	}

	if host := os.Getenv("CHATRELAY_HOST"); host != "" {
		cfg.Host = host
	}

	if portStr := os.Getenv("CHATRELAY_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if path := os.Getenv("CHATRELAY_STORE_PATH"); path != "" {
		cfg.StorePath = path
	}

	if timeoutStr := os.Getenv("CHATRELAY_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("CHATRELAY_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	if name := os.Getenv("CHATRELAY_RESPONDER"); name != "" {
		cfg.Responder = name
	}

	if model := os.Getenv("CHATRELAY_OPENAI_MODEL"); model != "" {
		cfg.OpenAIModel = model
	}

	return cfg
}
