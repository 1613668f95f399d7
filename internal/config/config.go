package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Detection DetectionConfig `mapstructure:"detection"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Fines     FinesConfig     `mapstructure:"fines"`
	Evidence  EvidenceConfig  `mapstructure:"evidence"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// DetectionConfig selects and tunes the detector and recognizer backends.
type DetectionConfig struct {
	// Backend is "model", "heuristic" or "auto". With "auto" the model
	// backend is probed at startup and the heuristic used when it is
	// unavailable.
	Backend             string        `mapstructure:"backend"`
	InferenceURL        string        `mapstructure:"inference_url"`
	InferenceTimeout    time.Duration `mapstructure:"inference_timeout"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
}

type PipelineConfig struct {
	Workers             int           `mapstructure:"workers"`
	DedupeWindow        time.Duration `mapstructure:"dedupe_window"`
	DedupeDistanceMeter float64       `mapstructure:"dedupe_distance_meters"`
	OpTimeout           time.Duration `mapstructure:"op_timeout"`
}

type FinesConfig struct {
	RepeatOffenseMultiplier int64 `mapstructure:"repeat_offense_multiplier"`
}

type EvidenceConfig struct {
	Dir string `mapstructure:"dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads the YAML config at path (optional) with CHALLAN_* environment
// overrides, e.g. CHALLAN_DATABASE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("database.dsn", "host=localhost user=challan password=challan dbname=challan port=5432 sslmode=disable")
	v.SetDefault("detection.backend", "auto")
	v.SetDefault("detection.inference_url", "http://localhost:9090")
	v.SetDefault("detection.inference_timeout", 15*time.Second)
	v.SetDefault("detection.confidence_threshold", 0.5)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.dedupe_window", 5*time.Second)
	v.SetDefault("pipeline.dedupe_distance_meters", 50.0)
	v.SetDefault("pipeline.op_timeout", 10*time.Second)
	v.SetDefault("fines.repeat_offense_multiplier", 2)
	v.SetDefault("evidence.dir", "storage/evidence")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetEnvPrefix("CHALLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Fines.RepeatOffenseMultiplier < 1 {
		return nil, fmt.Errorf("fines.repeat_offense_multiplier must be >= 1, got %d", cfg.Fines.RepeatOffenseMultiplier)
	}
	if cfg.Detection.ConfidenceThreshold < 0 || cfg.Detection.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("detection.confidence_threshold must be in [0,1], got %v", cfg.Detection.ConfidenceThreshold)
	}
	return &cfg, nil
}
