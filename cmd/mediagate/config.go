package main

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const configFileName = "mediagate.toml"

// config is the resolved gateway configuration.
type config struct {
	ListenAddr         string
	Root               string
	TLSDir             string
	LogLevel           string
	ReadLimit          int64
	ReceiveTimeout     time.Duration
	SendTimeout        time.Duration
	CloseTimeout       time.Duration
	NullOnEmpty        bool
	HeartbeatTimeout   time.Duration
	OnHeartbeatFailure string
}

// fileConfig mirrors config but uses strings for durations to make TOML friendly.
type fileConfig struct {
	ListenAddr         string `toml:"listen_addr"`
	Root               string `toml:"root"`
	TLSDir             string `toml:"tls_dir"`
	LogLevel           string `toml:"log_level"`
	ReadLimit          int64  `toml:"read_limit"`
	ReceiveTimeout     string `toml:"receive_timeout"`
	SendTimeout        string `toml:"send_timeout"`
	CloseTimeout       string `toml:"close_timeout"`
	NullOnEmpty        *bool  `toml:"null_on_empty"`
	HeartbeatTimeout   string `toml:"heartbeat_timeout"`
	OnHeartbeatFailure string `toml:"on_heartbeat_failure"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("parsing %s: %w", path, err)
	}
	return fc, nil
}

// applyFileConfig copies values from the file into cfg, except for flags that were explicitly set.
func applyFileConfig(cfg *config, fc fileConfig, isSet func(flag string) bool) error {
	setString := func(flag, v string, dst *string) {
		if v != "" && !isSet(flag) {
			*dst = v
		}
	}
	setDuration := func(flag, v string, dst *time.Duration) error {
		if v == "" || isSet(flag) {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", flag, v, err)
		}
		*dst = d
		return nil
	}

	setString("listen-addr", fc.ListenAddr, &cfg.ListenAddr)
	setString("root", fc.Root, &cfg.Root)
	setString("tls-dir", fc.TLSDir, &cfg.TLSDir)
	setString("log-level", fc.LogLevel, &cfg.LogLevel)
	setString("on-heartbeat-failure", fc.OnHeartbeatFailure, &cfg.OnHeartbeatFailure)

	if fc.ReadLimit != 0 && !isSet("read-limit") {
		cfg.ReadLimit = fc.ReadLimit
	}
	if fc.NullOnEmpty != nil && !isSet("null-on-empty") {
		cfg.NullOnEmpty = *fc.NullOnEmpty
	}

	for _, d := range []struct {
		flag string
		v    string
		dst  *time.Duration
	}{
		{"receive-timeout", fc.ReceiveTimeout, &cfg.ReceiveTimeout},
		{"send-timeout", fc.SendTimeout, &cfg.SendTimeout},
		{"close-timeout", fc.CloseTimeout, &cfg.CloseTimeout},
		{"heartbeat-timeout", fc.HeartbeatTimeout, &cfg.HeartbeatTimeout},
	} {
		if err := setDuration(d.flag, d.v, d.dst); err != nil {
			return err
		}
	}
	return nil
}
