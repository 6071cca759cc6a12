package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/Sumatoshi-tech/lineage/pkg/aggregate"
	"github.com/Sumatoshi-tech/lineage/pkg/classify"
)

// configName is the config file name without extension.
const configName = ".lineage"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for lineage settings.
const envPrefix = "LINEAGE"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Defaults not owned by a component package.
const (
	DefaultFileTimeout = "2s"
	DefaultMaxFileSize = "1MiB"
	DefaultCacheSize   = "64MiB"
	DefaultGitHubRate  = 1.0
	DefaultLogLevel    = "info"
	defaultStoreDir    = ".lineage"
)

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("walk.since", "")
	viperCfg.SetDefault("walk.heads", []string{})

	viperCfg.SetDefault("extract.workers", runtime.NumCPU())
	viperCfg.SetDefault("extract.file_timeout", DefaultFileTimeout)
	viperCfg.SetDefault("extract.max_file_size", DefaultMaxFileSize)
	viperCfg.SetDefault("extract.skip_vendor", true)
	viperCfg.SetDefault("extract.cache_size", DefaultCacheSize)

	viperCfg.SetDefault("classify.similarity_threshold", classify.DefaultThreshold)
	viperCfg.SetDefault("classify.diff_timeout", classify.DefaultDiffTimeout)
	viperCfg.SetDefault("classify.budget", classify.DefaultBudget)

	weights := aggregate.DefaultWeights()

	viperCfg.SetDefault("aggregate.bucket", aggregate.DefaultBucket)
	viperCfg.SetDefault("aggregate.half_life", aggregate.DefaultHalfLife)
	viperCfg.SetDefault("aggregate.workers", runtime.NumCPU())
	viperCfg.SetDefault("aggregate.weights.line", weights.Line)
	viperCfg.SetDefault("aggregate.weights.decision", weights.Decision)
	viperCfg.SetDefault("aggregate.weights.nesting", weights.Nesting)
	viperCfg.SetDefault("aggregate.weights.fan_out", weights.FanOut)

	viperCfg.SetDefault("store.backend", BackendBolt)
	viperCfg.SetDefault("store.dir", defaultStoreRoot())

	viperCfg.SetDefault("features.tracker.url", "")
	viperCfg.SetDefault("features.tracker.token", "")
	viperCfg.SetDefault("features.github.owner", "")
	viperCfg.SetDefault("features.github.repo", "")
	viperCfg.SetDefault("features.github.token", "")
	viperCfg.SetDefault("features.github.rate", DefaultGitHubRate)

	viperCfg.SetDefault("query.embedding.url", "")
	viperCfg.SetDefault("query.embedding.model", "")
	viperCfg.SetDefault("query.embedding.token", "")

	viperCfg.SetDefault("log.level", DefaultLogLevel)
	viperCfg.SetDefault("log.json", false)

	viperCfg.SetDefault("observability.otlp_endpoint", "")
	viperCfg.SetDefault("observability.otlp_insecure", false)
	viperCfg.SetDefault("observability.sample_ratio", 1.0)
	viperCfg.SetDefault("observability.prometheus_addr", "")
}

func defaultStoreRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultStoreDir
	}

	return filepath.Join(home, defaultStoreDir)
}
