// Package gconfig loads node configuration from flags, environment, and a TOML file.
//
// Precedence, highest first: command line flags, NOCAP_* environment variables,
// the config file, then built-in defaults.
package gconfig

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultConfigFile is read if present when no config file is given explicitly.
const DefaultConfigFile = "nocap.toml"

// EnvPrefix is the prefix of environment variables that override config keys.
// A key like tcp-addr maps to NOCAP_TCP_ADDR.
const EnvPrefix = "NOCAP"

// Config keys.
const (
	KeyTCPAddr          = "tcp-addr"
	KeyHTTPAddr         = "http-addr"
	KeyLogLevel         = "log-level"
	KeyLogFormat        = "log-format"
	KeyNodeName         = "node-name"
	KeyRegistryCapacity = "registry-capacity"
	KeyPeerWriteTimeout = "peer-write-timeout"
	KeySubscriberBuffer = "subscriber-buffer"
	KeyLookupExternalIP = "lookup-external-ip"
	KeyExternalIPURL    = "external-ip-url"
)

type Config struct {
	TCPAddr  string `mapstructure:"tcp-addr"`
	HTTPAddr string `mapstructure:"http-addr"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`

	// Human-friendly node name used in logs and GET /status.
	// Generated at startup when empty.
	NodeName string `mapstructure:"node-name"`

	RegistryCapacity int           `mapstructure:"registry-capacity"`
	PeerWriteTimeout time.Duration `mapstructure:"peer-write-timeout"`
	SubscriberBuffer int           `mapstructure:"subscriber-buffer"`

	LookupExternalIP bool   `mapstructure:"lookup-external-ip"`
	ExternalIPURL    string `mapstructure:"external-ip-url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyTCPAddr, "0.0.0.0:2373")
	v.SetDefault(KeyHTTPAddr, "0.0.0.0:3000")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyNodeName, "")
	v.SetDefault(KeyRegistryCapacity, 1<<16)
	v.SetDefault(KeyPeerWriteTimeout, 5*time.Second)
	v.SetDefault(KeySubscriberBuffer, 256)
	v.SetDefault(KeyLookupExternalIP, false)
	v.SetDefault(KeyExternalIPURL, "https://ipinfo.io")
}

// NewViper returns a viper instance with defaults set
// and NOCAP_* environment variables bound.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

// AddFlags registers one flag per config key on fs
// and binds each of them to v.
func AddFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String(KeyTCPAddr, v.GetString(KeyTCPAddr), "listen address for the line-oriented TCP front door")
	fs.String(KeyHTTPAddr, v.GetString(KeyHTTPAddr), "listen address for the HTTP and WebSocket front door")
	fs.String(KeyLogLevel, v.GetString(KeyLogLevel), "minimum log level (debug, info, warn, error)")
	fs.String(KeyLogFormat, v.GetString(KeyLogFormat), "log output format (text or json)")
	fs.String(KeyNodeName, v.GetString(KeyNodeName), "node name; generated when empty")
	fs.Int(KeyRegistryCapacity, v.GetInt(KeyRegistryCapacity), "number of proposals remembered for self-vote detection")
	fs.Duration(KeyPeerWriteTimeout, v.GetDuration(KeyPeerWriteTimeout), "maximum time to deliver one broadcast to one peer")
	fs.Int(KeySubscriberBuffer, v.GetInt(KeySubscriberBuffer), "outbound buffer size for each WebSocket peer")
	fs.Bool(KeyLookupExternalIP, v.GetBool(KeyLookupExternalIP), "look up the public IP address at startup")
	fs.String(KeyExternalIPURL, v.GetString(KeyExternalIPURL), "URL of the public IP lookup service")

	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if bindErr := v.BindPFlag(f.Name, f); bindErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to bind flag %s: %w", f.Name, bindErr))
		}
	})
	return err
}

// ReadFile merges the TOML file at path into v.
// If path is empty, [DefaultConfigFile] is read if it exists.
// A missing explicit path is an error.
func ReadFile(v *viper.Viper, path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.TCPAddr == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyTCPAddr))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyHTTPAddr))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%s must be text or json, got %q", KeyLogFormat, c.LogFormat))
	}
	if c.RegistryCapacity <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyRegistryCapacity, c.RegistryCapacity))
	}
	if c.PeerWriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %s", KeyPeerWriteTimeout, c.PeerWriteTimeout))
	}
	if c.SubscriberBuffer < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative, got %d", KeySubscriberBuffer, c.SubscriberBuffer))
	}
	if c.LookupExternalIP && c.ExternalIPURL == "" {
		errs = append(errs, fmt.Errorf("%s is required when %s is set", KeyExternalIPURL, KeyLookupExternalIP))
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", KeyLogLevel, c.LogLevel, err)
	}
	return lvl, nil
}

// NewLogger returns a logger writing to w in the configured format and level.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	lvl, err := c.SlogLevel()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch c.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid %s %q", KeyLogFormat, c.LogFormat)
	}
}
