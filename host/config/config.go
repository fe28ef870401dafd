// Package config loads the vsido-host TOML configuration
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"govsido/host/logging"
	"govsido/host/serial"
	"govsido/host/vsido"
	"govsido/protocol"
)

// Config is the whole configuration file
type Config struct {
	Serial   SerialConfig   `toml:"serial"`
	Protocol ProtocolConfig `toml:"protocol"`
	Log      logging.Config `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

type SerialConfig struct {
	Device        string `toml:"device"`
	Baud          int    `toml:"baud"`
	Driver        string `toml:"driver"`
	ReadTimeoutMS int    `toml:"read_timeout_ms"`
}

type ProtocolConfig struct {
	RequestTimeoutMS int    `toml:"request_timeout_ms"`
	ConnectTimeoutMS int    `toml:"connect_timeout_ms"`
	KeyPolicy        string `toml:"key_policy"`
	AwaitAck         bool   `toml:"await_ack"`
}

type MetricsConfig struct {
	// Addr enables the Prometheus exporter, e.g. ":9105"
	Addr string `toml:"addr"`
}

// Default returns the configuration used without a file
func Default() Config {
	serialDefaults := serial.DefaultConfig("/dev/ttyUSB0")
	return Config{
		Serial: SerialConfig{
			Device:        serialDefaults.Device,
			Baud:          serialDefaults.Baud,
			Driver:        serialDefaults.Driver,
			ReadTimeoutMS: serialDefaults.ReadTimeout,
		},
		Protocol: ProtocolConfig{
			RequestTimeoutMS: int(protocol.DefaultRequestTimeout / time.Millisecond),
			ConnectTimeoutMS: int(vsido.DefaultConnectTimeout / time.Millisecond),
			KeyPolicy:        protocol.KeyQueue.String(),
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load config: unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section
func (c Config) Validate() error {
	var errs []error
	serialCfg := c.SerialConfig()
	if err := serialCfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Protocol.RequestTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("protocol: request_timeout_ms must be positive"))
	}
	if c.Protocol.ConnectTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("protocol: connect_timeout_ms must be positive"))
	}
	if _, err := protocol.ParseKeyPolicy(c.Protocol.KeyPolicy); err != nil {
		errs = append(errs, fmt.Errorf("protocol: %w", err))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SerialConfig converts the serial section
func (c Config) SerialConfig() serial.Config {
	return serial.Config{
		Device:      c.Serial.Device,
		Baud:        c.Serial.Baud,
		Driver:      c.Serial.Driver,
		ReadTimeout: c.Serial.ReadTimeoutMS,
	}
}

// ClientConfig converts the serial and protocol sections
func (c Config) ClientConfig() (vsido.Config, error) {
	policy, err := protocol.ParseKeyPolicy(c.Protocol.KeyPolicy)
	if err != nil {
		return vsido.Config{}, err
	}
	return vsido.Config{
		Serial: c.SerialConfig(),
		Options: vsido.Options{
			RequestTimeout: time.Duration(c.Protocol.RequestTimeoutMS) * time.Millisecond,
			ConnectTimeout: time.Duration(c.Protocol.ConnectTimeoutMS) * time.Millisecond,
			KeyPolicy:      policy,
			AwaitAck:       c.Protocol.AwaitAck,
		},
	}, nil
}
