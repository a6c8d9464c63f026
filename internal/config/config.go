package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/matteoterruzzi/llpp/internal/db"
	"github.com/matteoterruzzi/llpp/internal/telemetry"
)

// Config holds all configuration for the collector
type Config struct {
	// Endpoints
	UDPAddr      string `yaml:"udp_addr"`
	ObserverAddr string `yaml:"observer_addr"`

	// Storage
	DatabasePath string `yaml:"sqlite_database"`
	DatabaseURL  string `yaml:"database_url"`
	FlushPolicy  string `yaml:"flush_policy"`

	// Dispatch
	DispatchPolicy string `yaml:"dispatch_policy"`
	ConsoleSink    bool   `yaml:"console_sink"`

	// Observers
	BroadcastQueue int      `yaml:"broadcast_queue"`
	ClientQueue    int      `yaml:"client_queue"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MQTT bridge (disabled when MQTTBroker is empty)
	MQTTBroker      string `yaml:"mqtt_broker"`
	MQTTTopicPrefix string `yaml:"mqtt_topic_prefix"`
	MQTTClientID    string `yaml:"mqtt_client_id"`

	// Logging
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	Debug         bool   `yaml:"log_debug"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		UDPAddr:         "localhost:12345",
		ObserverAddr:    "localhost:8085",
		DatabasePath:    "./testdb",
		FlushPolicy:     "departure",
		DispatchPolicy:  "continue",
		BroadcastQueue:  1024,
		ClientQueue:     64,
		AllowedOrigins:  []string{"*"},
		MQTTTopicPrefix: "llpp",
		LogMaxSizeMB:    50,
		LogMaxBackups:   3,
	}
}

// Load builds the configuration from defaults, the YAML file named by
// LLPP_CONFIG, environment variables and finally args. The first argument,
// when present, is the SQLite database path.
func Load(args []string) (*Config, error) {
	cfg := Default()

	if path := os.Getenv("LLPP_CONFIG"); path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if len(args) > 0 && args[0] != "" {
		cfg.DatabasePath = args[0]
	}

	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = "llpp-collector-" + uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	cfg.UDPAddr = getEnv("UDP_ADDR", cfg.UDPAddr)
	cfg.ObserverAddr = getEnv("OBSERVER_ADDR", cfg.ObserverAddr)

	cfg.DatabasePath = getEnv("SQLITE_DATABASE", cfg.DatabasePath)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.FlushPolicy = getEnv("FLUSH_POLICY", cfg.FlushPolicy)

	cfg.DispatchPolicy = getEnv("DISPATCH_POLICY", cfg.DispatchPolicy)
	cfg.ConsoleSink = getEnvBool("CONSOLE_SINK", cfg.ConsoleSink)

	cfg.BroadcastQueue = getEnvInt("BROADCAST_QUEUE", cfg.BroadcastQueue)
	cfg.ClientQueue = getEnvInt("CLIENT_QUEUE", cfg.ClientQueue)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}

	cfg.MQTTBroker = getEnv("MQTT_BROKER", cfg.MQTTBroker)
	cfg.MQTTTopicPrefix = getEnv("MQTT_TOPIC_PREFIX", cfg.MQTTTopicPrefix)
	cfg.MQTTClientID = getEnv("MQTT_CLIENT_ID", cfg.MQTTClientID)

	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.LogMaxSizeMB = getEnvInt("LOG_MAX_SIZE_MB", cfg.LogMaxSizeMB)
	cfg.LogMaxBackups = getEnvInt("LOG_MAX_BACKUPS", cfg.LogMaxBackups)
	cfg.Debug = getEnvBool("LOG_DEBUG", cfg.Debug)
}

// Validate checks addresses, policies and queue sizes
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.UDPAddr); err != nil {
		return fmt.Errorf("invalid UDP address %q: %w", c.UDPAddr, err)
	}
	if _, _, err := net.SplitHostPort(c.ObserverAddr); err != nil {
		return fmt.Errorf("invalid observer address %q: %w", c.ObserverAddr, err)
	}
	if c.DatabaseURL == "" && c.DatabasePath == "" {
		return fmt.Errorf("either SQLITE_DATABASE or DATABASE_URL must be set")
	}
	if _, err := c.Flush(); err != nil {
		return err
	}
	if _, err := c.Dispatch(); err != nil {
		return err
	}
	if c.BroadcastQueue <= 0 || c.ClientQueue <= 0 {
		return fmt.Errorf("queue sizes must be positive (broadcast=%d, client=%d)", c.BroadcastQueue, c.ClientQueue)
	}
	if c.LogMaxSizeMB <= 0 || c.LogMaxBackups < 0 {
		return fmt.Errorf("invalid log rotation settings (size=%dMB, backups=%d)", c.LogMaxSizeMB, c.LogMaxBackups)
	}
	return nil
}

// Flush returns the parsed store flush policy
func (c *Config) Flush() (db.FlushPolicy, error) {
	return db.ParseFlushPolicy(c.FlushPolicy)
}

// Dispatch returns the parsed dispatcher failure policy
func (c *Config) Dispatch() (telemetry.FailurePolicy, error) {
	return telemetry.ParseFailurePolicy(c.DispatchPolicy)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
