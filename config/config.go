package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// RelayConfig is the relay-side configuration surface.
type RelayConfig struct {
	RelayServer RelayServerConfig
	Server      ServerLinkConfig
}

// RelayServerConfig holds the relay's own accept-socket settings.
type RelayServerConfig struct {
	ListenPort          int    `mapstructure:"ListenPort"`
	ListenAddress       string `mapstructure:"ListenAddress"`
	PublicListenAddress string `mapstructure:"PublicListenAddress"`
	PublicListenPort    int    `mapstructure:"PublicListenPort"`
}

// ServerLinkConfig describes the coordinator link the relay and nodes
// both dial to learn about each other.
type ServerLinkConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	ListenAddress string `mapstructure:"ListenAddress"`
	ServerId      string `mapstructure:"ServerId"`
}

func newViper(envPrefix string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("RelayServer.ListenPort", 3536)
	v.SetDefault("RelayServer.ListenAddress", "0.0.0.0")
	v.SetDefault("Server.ListenPort", 3535)
	v.SetDefault("Server.ListenAddress", "0.0.0.0")
	return v
}

// LoadRelayConfig reads RelayConfig from an optional file at path (skipped
// if empty or not found) overlaid with P2PCORE_-prefixed environment
// variables.
func LoadRelayConfig(path string) (RelayConfig, error) {
	v := newViper("P2PCORE")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return RelayConfig{}, fmt.Errorf("config: read relay config: %w", err)
			}
		}
	}

	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return RelayConfig{}, fmt.Errorf("config: unmarshal relay config: %w", err)
	}
	return cfg, nil
}

// NodeConfig is the client-side configuration surface: just the
// coordinator link a node dials to join the network.
type NodeConfig struct {
	Server ServerLinkConfig
}

// LoadNodeConfig is LoadRelayConfig's counterpart for cmd/node.
func LoadNodeConfig(path string) (NodeConfig, error) {
	v := newViper("P2PCORE")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return NodeConfig{}, fmt.Errorf("config: read node config: %w", err)
			}
		}
	}

	var cfg NodeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("config: unmarshal node config: %w", err)
	}
	return cfg, nil
}
