// Package config reads runtime settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

type Settings struct {
	FFmpeg       string        `env:"VJRUN_FFMPEG"        envDefault:"ffmpeg"`
	FFprobe      string        `env:"VJRUN_FFPROBE"       envDefault:"ffprobe"`
	QueueSize    int           `env:"VJRUN_QUEUE_SIZE"    envDefault:"256"`
	EventCap     int           `env:"VJRUN_EVENT_CAP"     envDefault:"50000"`
	TakeDir      string        `env:"VJRUN_TAKE_DIR"      envDefault:"takes"`
	TakeName     string        `env:"VJRUN_TAKE_NAME"`
	ReadTimeout  time.Duration `env:"VJRUN_READ_TIMEOUT"  envDefault:"2s"`
	WriteTimeout time.Duration `env:"VJRUN_WRITE_TIMEOUT" envDefault:"5s"`
	CloseTimeout time.Duration `env:"VJRUN_CLOSE_TIMEOUT" envDefault:"10s"`
	QuitWindow   time.Duration `env:"VJRUN_QUIT_WINDOW"   envDefault:"1s"`
	LogLevel     slog.Level    `env:"VJRUN_LOG_LEVEL"     envDefault:"info"`
}

// Load parses Settings from the environment and checks the values that
// have no sensible fallback.
func Load() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	if s.QueueSize <= 0 {
		return Settings{}, fmt.Errorf("VJRUN_QUEUE_SIZE must be positive, got %d", s.QueueSize)
	}
	if s.EventCap <= 0 {
		return Settings{}, fmt.Errorf("VJRUN_EVENT_CAP must be positive, got %d", s.EventCap)
	}
	for name, d := range map[string]time.Duration{
		"VJRUN_READ_TIMEOUT":  s.ReadTimeout,
		"VJRUN_WRITE_TIMEOUT": s.WriteTimeout,
		"VJRUN_CLOSE_TIMEOUT": s.CloseTimeout,
		"VJRUN_QUIT_WINDOW":   s.QuitWindow,
	} {
		if d <= 0 {
			return Settings{}, fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	return s, nil
}
