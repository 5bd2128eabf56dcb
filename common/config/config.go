package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all process configuration
type Config struct {
	Service    ServiceConfig
	Broker     BrokerConfig
	RemoteTask RemoteTaskConfig
	Paths      PathsConfig
	Layer      LayerConfig
}

// LayerConfig holds overlay-layer tooling settings
type LayerConfig struct {
	// UseSudo switches the layer CLI invocation to sudo; CI environments
	// run the layer tooling unprivileged.
	UseSudo bool
	// LogLevel is forwarded to the ovmlayer tool
	LogLevel string
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name      string
	LogLevel  string
	LogFormat string
}

// BrokerConfig holds pub/sub broker settings
type BrokerConfig struct {
	Address string // ip:port of the MQTT broker
	Type    string // "mqtt", "redis" or "memory"
}

// RemoteTaskConfig holds remote task API settings
type RemoteTaskConfig struct {
	BaseURL     string
	AuthToken   string
	TimeoutSecs uint64
}

// PathsConfig holds filesystem locations used by a run
type PathsConfig struct {
	TempRoot     string
	BindPathFile string
	EnvFile      string
	OocanaDir    string
	CacheDir     string
	StoreDir     string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	home, _ := os.UserHomeDir()
	oocanaDir := filepath.Join(home, ".oocana")

	cfg := &Config{
		Service: ServiceConfig{
			Name:      serviceName,
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "text"),
		},
		Broker: BrokerConfig{
			Address: getEnv("OOCANA_BROKER", "127.0.0.1:47688"),
			Type:    getEnv("OOCANA_BROKER_TYPE", "mqtt"),
		},
		RemoteTask: RemoteTaskConfig{
			BaseURL:     getEnv("OOCANA_TASK_API_URL", ""),
			AuthToken:   getEnv("OOCANA_TASK_API_TOKEN", ""),
			TimeoutSecs: uint64(getEnvInt("OOCANA_TASK_TIMEOUT", 0)),
		},
		Paths: PathsConfig{
			TempRoot:     getEnv("OOCANA_TEMP_ROOT", filepath.Join(os.TempDir(), "oocana")),
			BindPathFile: getEnv("OOCANA_BIND_PATH_FILE", ""),
			EnvFile:      getEnv("OOCANA_ENV_FILE", ""),
			OocanaDir:    oocanaDir,
			CacheDir:     filepath.Join(oocanaDir, "cache"),
			StoreDir:     filepath.Join(oocanaDir, "stores"),
		},
		Layer: LayerConfig{
			UseSudo:  getEnvBool("CI", false),
			LogLevel: getEnv("OVMLAYER_LOG", ""),
		},
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
