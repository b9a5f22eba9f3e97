package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Backend struct {
		URL     string `yaml:"url"`
		Token   string `yaml:"token"`
		Timeout string `yaml:"timeout"`
	} `yaml:"backend"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Session Session `yaml:"session"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Session holds the timing and retry knobs of the attempt orchestrator.
type Session struct {
	HeartbeatInterval         string `yaml:"heartbeatInterval"`
	PracticeHeartbeatInterval string `yaml:"practiceHeartbeatInterval"`
	TickInterval              string `yaml:"tickInterval"`
	SyncInterval              string `yaml:"syncInterval"`
	FlushTimeout              string `yaml:"flushTimeout"`
	DegradedAfter             int    `yaml:"degradedAfter"`
	ExamMaxPauses             *int   `yaml:"examMaxPauses"`
	Retry                     struct {
		MaxAttempts     int    `yaml:"maxAttempts"`
		InitialInterval string `yaml:"initialInterval"`
		MaxInterval     string `yaml:"maxInterval"`
	} `yaml:"retry"`
}

// Load reads YAML config from path and overlays the environment, including
// a .env file in the working directory if present. A missing config file
// yields the zero config so every setting falls back to its default.
func Load(path string) (Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// Duration parses a duration string or returns the fallback if empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return fallback
}

// ApplyEnv overlays environment variables on top of the file values.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("BACKEND_URL"); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv("BACKEND_TOKEN"); v != "" {
		c.Backend.Token = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}
