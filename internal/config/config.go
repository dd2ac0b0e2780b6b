package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/kiliankoe/quizsync/internal/replica"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	RelayURL string `env:"RELAY_URL" envDefault:"ws://localhost:8080/ws"`

	SessionKey      string `env:"SESSION_KEY" envDefault:"QuizBuilderRoom"`
	SessionCapacity int    `env:"SESSION_CAPACITY" envDefault:"10"`
	PlayerPrefix    string `env:"PLAYER_PREFIX" envDefault:"Player_"`
	QuestionsFile   string `env:"QUESTIONS_FILE"`

	PositionThreshold float64 `env:"POSITION_THRESHOLD" envDefault:"0.1"`
	AngleThreshold    float64 `env:"ANGLE_THRESHOLD" envDefault:"1"`

	// Per-connection limit on relayed state sends.
	SendRate  float64 `env:"SEND_RATE" envDefault:"60"`
	SendBurst int     `env:"SEND_BURST" envDefault:"120"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	ExportEnabled bool   `env:"EXPORT_ENABLED" envDefault:"true"`
	ExportFile    string `env:"EXPORT_FILE" envDefault:"./quiz-results.txt"`
}

// FromEnv reads the process environment on top of the given dotenv files
// (".env" when none are given). Missing dotenv files are skipped; process
// variables win over file values.
func FromEnv(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	vars := make(map[string]string)
	for _, f := range files {
		m, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
		for k, v := range m {
			vars[k] = v
		}
	}
	for k, v := range env.ToMap(os.Environ()) {
		vars[k] = v
	}

	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if c.SessionCapacity < 1 {
		return Config{}, fmt.Errorf("SESSION_CAPACITY must be positive, got %d", c.SessionCapacity)
	}
	if c.SendRate <= 0 || c.SendBurst < 1 {
		return Config{}, fmt.Errorf("SEND_RATE and SEND_BURST must be positive")
	}
	return c, nil
}

func (c Config) Threshold() replica.Threshold {
	return replica.Threshold{Distance: c.PositionThreshold, Angle: c.AngleThreshold}
}
