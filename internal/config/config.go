// Package config loads the fleetd configuration from defaults, an
// optional YAML file and FLEETD_ environment variables, in that order of
// precedence. Command flags override on top of the loaded values.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"fleetd/pkg/logger"
)

// MQTTConfig is the broker connection configuration of the dispatcher.
type MQTTConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	Transport string `mapstructure:"transport" yaml:"transport"` // tcp, websockets
	WSPath    string `mapstructure:"ws_path" yaml:"ws_path"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	Username  string `mapstructure:"username" yaml:"username"`
	Password  string `mapstructure:"password" yaml:"password"`
}

// DispatchConfig configures the dispatcher process.
type DispatchConfig struct {
	// DatabaseURL is the controller surface of the store API.
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
	// MissionControlURL enables the map deployment and charging
	// integrations when set.
	MissionControlURL string `mapstructure:"mission_control_url" yaml:"mission_control_url"`
}

// StoreConfig configures the store server process.
type StoreConfig struct {
	Address        string        `mapstructure:"address" yaml:"address"`
	Port           int           `mapstructure:"port" yaml:"port"`
	ControllerPort int           `mapstructure:"controller_port" yaml:"controller_port"`
	DBPath         string        `mapstructure:"db_path" yaml:"db_path"`
	Retention      time.Duration `mapstructure:"retention" yaml:"retention"`
	JanitorSpec    string        `mapstructure:"janitor_spec" yaml:"janitor_spec"`
}

// ClientConfig points the admin commands at the external store API.
type ClientConfig struct {
	ServerURL string `mapstructure:"server_url" yaml:"server_url"`
}

// Config is the root configuration of all fleetd commands.
type Config struct {
	Log      logger.LogConfig `mapstructure:"log" yaml:"log"`
	MQTT     MQTTConfig       `mapstructure:"mqtt" yaml:"mqtt"`
	Dispatch DispatchConfig   `mapstructure:"dispatch" yaml:"dispatch"`
	Store    StoreConfig      `mapstructure:"store" yaml:"store"`
	Client   ClientConfig     `mapstructure:"client" yaml:"client"`
}

var (
	mu     sync.RWMutex
	global *Config
)

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply. The loaded config becomes the
// process-wide one returned by Get.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("FLEETD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	mu.Lock()
	global = cfg
	mu.Unlock()
	return cfg, nil
}

// Get returns the last loaded config, loading defaults when no Load ran
// yet.
func Get() *Config {
	mu.RLock()
	cfg := global
	mu.RUnlock()
	if cfg != nil {
		return cfg
	}
	loaded, err := Load("")
	if err != nil {
		// Defaults alone cannot fail to unmarshal.
		panic(err)
	}
	return loaded
}
