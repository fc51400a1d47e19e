package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type PeerConfig struct {
	Server        string        `mapstructure:"server"`
	Codec         string        `mapstructure:"codec"`
	ICEServers    []string      `mapstructure:"ice_servers"`
	TURNUsername  string        `mapstructure:"turn_username"`
	TURNPassword  string        `mapstructure:"turn_password"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	LogLevel      string        `mapstructure:"log_level"`
}

// LoadPeer reads the peer settings. Flags that were set on the command line
// win over env and file values.
func LoadPeer(flags *pflag.FlagSet) (*PeerConfig, error) {
	v, fileName := newViper()

	v.SetDefault("server", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("codec", "json")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("gather_timeout", "5s")
	v.SetDefault("call_timeout", "30s")
	v.SetDefault("log_level", "info")

	if flags != nil {
		for _, key := range []string{"server", "codec", "ice_servers", "turn_username", "turn_password", "gather_timeout", "call_timeout", "log_level"} {
			if f := flags.Lookup(flagName(key)); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", key, err)
				}
			}
		}
	}

	readConfig(v, fileName)

	var cfg PeerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse peer config: %w", err)
	}
	ApplyLogLevel(cfg.LogLevel)
	return &cfg, nil
}

// flagName maps a config key to its command line flag, e.g. ice_servers -> ice-servers.
func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}
