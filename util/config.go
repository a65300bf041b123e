package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const Name = "stegofed"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host          string
		HttpPort      int    `yaml:"httpPort"`
		SslDomain     string `yaml:"sslDomain"`
		WithAp        bool   `yaml:"withAp"`
		Database      string `yaml:"database"`
		InstanceActor string `yaml:"instanceActor"`
		Debug         bool   `yaml:"debug"`
	}
	Federation FederationConfig `yaml:"federation"`
}

// FederationConfig holds the operational knobs of the federation engine.
// None of them are protocol mandated.
type FederationConfig struct {
	Enabled          bool          `yaml:"enabled"`
	ClockSkew        time.Duration `yaml:"clockSkew"`
	CacheTTL         time.Duration `yaml:"cacheTTL"`
	NegativeTTL      time.Duration `yaml:"negativeTTL"`
	CacheSize        int           `yaml:"cacheSize"`
	FetchTimeout     time.Duration `yaml:"fetchTimeout"`
	DeliveryTimeout  time.Duration `yaml:"deliveryTimeout"`
	MaxAttempts      int           `yaml:"maxAttempts"`
	BackoffBase      time.Duration `yaml:"backoffBase"`
	BackoffCap       time.Duration `yaml:"backoffCap"`
	Jitter           float64       `yaml:"jitter"`
	Workers          int           `yaml:"workers"`
	BatchSize        int           `yaml:"batchSize"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	Lease            time.Duration `yaml:"lease"`
	AllowedInstances []string      `yaml:"allowedInstances"`
	BlockedInstances []string      `yaml:"blockedInstances"`
}

func ReadConf() (*AppConfig, error) {

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := filepath.Join(configDir, ConfigFileName)
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	c, err := ParseConf(buf)
	if err != nil {
		return nil, err
	}

	applyEnv(c)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseConf decodes buf on top of the embedded defaults, so a config file only
// needs to name the values it changes.
func ParseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}
	return c, nil
}

func applyEnv(c *AppConfig) {
	if v := os.Getenv("STEGOFED_HOST"); v != "" {
		c.Conf.Host = v
	}

	if v := os.Getenv("STEGOFED_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Warning: ignoring STEGOFED_HTTPPORT=%q: %v", v, err)
		} else {
			c.Conf.HttpPort = port
		}
	}

	if v := os.Getenv("STEGOFED_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}

	if v := os.Getenv("STEGOFED_DATABASE"); v != "" {
		c.Conf.Database = v
	}

	if os.Getenv("STEGOFED_WITH_AP") == "true" {
		c.Conf.WithAp = true
	}

	if os.Getenv("STEGOFED_DEBUG") == "true" {
		c.Conf.Debug = true
	}

	if v := os.Getenv("STEGOFED_WORKERS"); v != "" {
		workers, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Warning: ignoring STEGOFED_WORKERS=%q: %v", v, err)
		} else {
			c.Federation.Workers = workers
		}
	}

	if v := os.Getenv("STEGOFED_BLOCKED_INSTANCES"); v != "" {
		c.Federation.BlockedInstances = splitList(v)
	}

	if v := os.Getenv("STEGOFED_ALLOWED_INSTANCES"); v != "" {
		c.Federation.AllowedInstances = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate rejects configurations the engine cannot run with.
func (c *AppConfig) Validate() error {
	f := c.Federation
	switch {
	case c.Conf.SslDomain == "":
		return fmt.Errorf("sslDomain must be set")
	case f.MaxAttempts < 1:
		return fmt.Errorf("federation.maxAttempts must be at least 1, got %d", f.MaxAttempts)
	case f.BackoffBase <= 0:
		return fmt.Errorf("federation.backoffBase must be positive")
	case f.BackoffCap < f.BackoffBase:
		return fmt.Errorf("federation.backoffCap (%s) is below backoffBase (%s)", f.BackoffCap, f.BackoffBase)
	case f.Jitter < 0 || f.Jitter > 1:
		return fmt.Errorf("federation.jitter must be within [0,1], got %v", f.Jitter)
	case f.Workers < 1:
		return fmt.Errorf("federation.workers must be at least 1, got %d", f.Workers)
	case f.CacheSize < 1:
		return fmt.Errorf("federation.cacheSize must be at least 1, got %d", f.CacheSize)
	}
	return nil
}
