package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	Username string `envconfig:"USGS_USERNAME" required:"true"`
	Password string `envconfig:"USGS_PASSWORD"`
	Token    string `envconfig:"USGS_TOKEN"`
	APIURL   string `envconfig:"API_URL"`

	Dataset      string        `envconfig:"DATASET"`
	EntityFile   string        `envconfig:"ENTITY_FILE" required:"true"`
	OutputDir    string        `envconfig:"OUTPUT_DIR" required:"true"`
	MaxParallel  int           `envconfig:"MAX_PARALLEL" default:"5"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	MaxPolls     int           `envconfig:"MAX_POLLS" default:"0"`
	Overwrite    bool          `envconfig:"OVERWRITE" default:"false"`
	ProgressMode string        `envconfig:"PROGRESS_MODE" default:"per-scene"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"INFO"`

	Telemetry struct {
		Enabled     bool   `split_words:"true" default:"false"`
		BindAddress string `split_words:"true" default:"0.0.0.0:9090"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.Password == "" && cfg.Token == "" {
		return nil, fmt.Errorf("either USGS_PASSWORD or USGS_TOKEN must be set")
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ReadEntityFile reads one entity ID per line from path. Comment lines
// start with '#'; a leading "#dataset=<name>" line names the dataset the
// IDs belong to and overrides the DATASET variable.
func ReadEntityFile(path string) (entityIDs []string, dataset string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open entity file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			if value, ok := strings.CutPrefix(line, "#dataset="); ok {
				dataset = strings.TrimSpace(value)
			}

			continue
		}

		entityIDs = append(entityIDs, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to read entity file: %w", err)
	}

	return entityIDs, dataset, nil
}
