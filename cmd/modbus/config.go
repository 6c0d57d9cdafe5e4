package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	modbus "github.com/grid-x/modbus-cli"
)

// envPrefix is prepended to the upper-cased flag names, e.g. MODBUS_BAUD.
const envPrefix = "MODBUS"

// Config holds the connection and output settings of one invocation.
type Config struct {
	// Registers lists register definition files.
	Registers []string `mapstructure:"registers"`
	// Definitions is a colon separated list of further definition files,
	// usually taken from MODBUS_DEFINITIONS.
	Definitions string `mapstructure:"definitions"`

	// SlaveID below zero selects the default of the transport.
	SlaveID  int     `mapstructure:"slave-id"`
	Baud     int     `mapstructure:"baud"`
	StopBits int     `mapstructure:"stop-bits"`
	Parity   string  `mapstructure:"parity"`
	Timeout  float64 `mapstructure:"timeout"`

	ByteOrder  string `mapstructure:"byte-order"`
	NoPipeline bool   `mapstructure:"no-pipeline"`

	Verbose bool `mapstructure:"verbose"`
	Silent  bool `mapstructure:"silent"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		SlaveID:   -1,
		Baud:      19200,
		StopBits:  1,
		Parity:    "n",
		Timeout:   5.0,
		ByteOrder: "be",
	}
}

// registerFlags declares the command line flags, defaulting to d.
func registerFlags(flags *pflag.FlagSet, d *Config) {
	flags.StringSliceP("registers", "r", d.Registers, "register definition file, may be repeated")
	flags.IntP("slave-id", "s", d.SlaveID, "slave id, defaults to 1 for serial and 255 for TCP devices")
	flags.IntP("baud", "b", d.Baud, "serial baud rate")
	flags.IntP("stop-bits", "p", d.StopBits, "serial stop bits: 1 or 2")
	flags.StringP("parity", "P", d.Parity, "serial parity: e, o or n")
	flags.Float64P("timeout", "t", d.Timeout, "response timeout in seconds")
	flags.StringP("byte-order", "B", d.ByteOrder, "byte order of registers: be, le or mixed")
	flags.Bool("no-pipeline", d.NoPipeline, "wait for each TCP response before sending the next request")
	flags.BoolP("verbose", "v", d.Verbose, "print every frame sent and received")
	flags.BoolP("silent", "S", d.Silent, "do not warn about skipped register definitions")
	flags.String("config", "", "config file (json, yaml or toml)")
}

// LoadConfig merges, in increasing precedence, the defaults, the config
// file, MODBUS_* environment variables and the flags set on the command
// line.
func LoadConfig(flags *pflag.FlagSet, configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("definitions"); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %v: %w", configPath, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings and reports every invalid one.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Parity) {
	case "e", "o", "n":
	default:
		errs = append(errs, fmt.Errorf("invalid parity %q: must be e, o or n", c.Parity))
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		errs = append(errs, fmt.Errorf("invalid stop bits %d: must be 1 or 2", c.StopBits))
	}
	if c.Baud <= 0 {
		errs = append(errs, fmt.Errorf("invalid baud rate %d", c.Baud))
	}
	if c.SlaveID > 255 {
		errs = append(errs, fmt.Errorf("invalid slave id %d: must be 0 to 255", c.SlaveID))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid timeout %v", c.Timeout))
	}
	if _, err := modbus.ParseByteOrder(c.ByteOrder); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DefinitionFiles returns the register definition files to load.
func (c *Config) DefinitionFiles() []string {
	files := append([]string(nil), c.Registers...)
	if c.Definitions != "" {
		files = append(files, strings.Split(c.Definitions, ":")...)
	}
	return files
}

// ResponseTimeout converts Timeout to a duration.
func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.Timeout * float64(time.Second))
}
