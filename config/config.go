// Package config loads declarative cache configuration: the server
// endpoints and the named factories that resolve them.
//
// Files may be YAML, JSON or TOML. Durations (timeout, timeToLive,
// localTimeToLive) accept either a bare number of seconds or a duration
// string such as "10m":
//
//	servers:
//	  - name: main
//	    host: localhost
//	    port: 6379
//	    timeout: 2s
//	factories:
//	  - name: sessions
//	    type: redis
//	    serverName: main
//	    timeToLive: 10m
//	    indexCount: 1
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/Keksclan/rawrcache/cache"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvConfigFile names the environment variable holding the default config
// file path.
const EnvConfigFile = "RAWRCACHE_CONFIG"

// Factory types.
const (
	TypeRedis  = "redis"
	TypeLocal  = "local"
	TypeTiered = "tiered"
)

// Config is the root of a configuration file.
type Config struct {
	Servers   []ServerConfig  `mapstructure:"servers"`
	Factories []FactoryConfig `mapstructure:"factories"`
}

// ServerConfig is one named server endpoint.
type ServerConfig struct {
	Name     string        `mapstructure:"name"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Password string        `mapstructure:"password"`
	Database int           `mapstructure:"database"`
}

// Server converts c to a cache.Server.
func (c ServerConfig) Server() cache.Server {
	return cache.Server{
		Name:     c.Name,
		Host:     c.Host,
		Port:     c.Port,
		Password: c.Password,
		Database: c.Database,
		Timeout:  c.Timeout,
	}
}

// FactoryConfig is one named factory. Type selects which fields apply:
// redis and tiered use the server settings, local and tiered use the
// in-process settings.
type FactoryConfig struct {
	Name            string        `mapstructure:"name"`
	Type            string        `mapstructure:"type"`
	ServerName      string        `mapstructure:"serverName"`
	TimeToLive      time.Duration `mapstructure:"timeToLive"`
	IndexCount      int           `mapstructure:"indexCount"`
	KeyPrefix       string        `mapstructure:"keyPrefix"`
	PoolSize        int           `mapstructure:"poolSize"`
	MinIdleConns    int           `mapstructure:"minIdleConns"`
	PingOnInit      bool          `mapstructure:"pingOnInit"`
	MaxEntries      int64         `mapstructure:"maxEntries"`
	LocalTimeToLive time.Duration `mapstructure:"localTimeToLive"`
}

// Options returns the factory options described by c.
func (c FactoryConfig) Options() []cache.FactoryOption {
	opts := []cache.FactoryOption{
		cache.WithTimeToLive(c.TimeToLive),
		cache.WithIndexCount(c.IndexCount),
	}
	if c.KeyPrefix != "" {
		opts = append(opts, cache.WithKeyPrefix(c.KeyPrefix))
	}
	if c.PoolSize > 0 {
		opts = append(opts, cache.WithPoolSize(c.PoolSize))
	}
	if c.MinIdleConns > 0 {
		opts = append(opts, cache.WithMinIdleConns(c.MinIdleConns))
	}
	if c.PingOnInit {
		opts = append(opts, cache.WithPingOnInit())
	}
	if c.MaxEntries > 0 {
		opts = append(opts, cache.WithMaxEntries(c.MaxEntries))
	}
	if c.LocalTimeToLive > 0 {
		opts = append(opts, cache.WithLocalTimeToLive(c.LocalTimeToLive))
	}
	return opts
}

// Error is a fatal configuration error.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Load reads the file at path. An empty path falls back to the file named by
// RAWRCACHE_CONFIG. The result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path == "" {
		return nil, &Error{Field: "path", Message: "no config file given and " + EnvConfigFile + " is not set"}
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	return decode(v)
}

// Parse reads a configuration of the given format ("yaml", "json", "toml")
// from r. The result is validated.
func Parse(format string, r io.Reader) (*Config, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsToDurationHook decodes bare numbers, and strings holding one, into
// a time.Duration of that many seconds. Other strings are left for
// StringToTimeDurationHookFunc.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		v := reflect.ValueOf(data)
		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(v.Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(v.Uint()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(v.Float() * float64(time.Second)), nil
		case reflect.String:
			if n, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64); err == nil {
				return time.Duration(n * float64(time.Second)), nil
			}
		}
		return data, nil
	}
}

// Validate checks the configuration and returns the first problem as an
// *Error.
func (c *Config) Validate() error {
	servers := make(map[string]struct{}, len(c.Servers))
	for i, s := range c.Servers {
		field := fmt.Sprintf("servers[%d]", i)
		switch {
		case strings.TrimSpace(s.Name) == "":
			return &Error{Field: field + ".name", Message: "must not be empty"}
		case s.Host == "":
			return &Error{Field: field + ".host", Message: "must not be empty"}
		case s.Port <= 0 || s.Port > 65535:
			return &Error{Field: field + ".port", Message: fmt.Sprintf("%d is out of range", s.Port)}
		case s.Timeout < 0:
			return &Error{Field: field + ".timeout", Message: "must not be negative"}
		case s.Database < 0:
			return &Error{Field: field + ".database", Message: "must not be negative"}
		}
		if _, dup := servers[s.Name]; dup {
			return &Error{Field: field + ".name", Message: fmt.Sprintf("duplicate server %q", s.Name)}
		}
		servers[s.Name] = struct{}{}
	}

	factories := make(map[string]struct{}, len(c.Factories))
	for i, f := range c.Factories {
		field := fmt.Sprintf("factories[%d]", i)
		if strings.TrimSpace(f.Name) == "" {
			return &Error{Field: field + ".name", Message: "must not be empty"}
		}
		if _, dup := factories[f.Name]; dup {
			return &Error{Field: field + ".name", Message: fmt.Sprintf("duplicate factory %q", f.Name)}
		}
		factories[f.Name] = struct{}{}

		switch f.Type {
		case TypeRedis, TypeTiered:
			if f.ServerName == "" {
				return &Error{Field: field + ".serverName", Message: "required for type " + f.Type}
			}
			if _, ok := servers[f.ServerName]; !ok {
				return &Error{Field: field + ".serverName", Message: fmt.Sprintf("unknown server %q", f.ServerName)}
			}
		case TypeLocal:
		default:
			return &Error{Field: field + ".type", Message: fmt.Sprintf("unknown type %q", f.Type)}
		}
		if f.IndexCount < 0 {
			return &Error{Field: field + ".indexCount", Message: "must not be negative"}
		}
		if f.MaxEntries < 0 {
			return &Error{Field: field + ".maxEntries", Message: "must not be negative"}
		}
	}
	return nil
}

// ServerList returns every configured server as a cache.Server.
func (c *Config) ServerList() []cache.Server {
	out := make([]cache.Server, 0, len(c.Servers))
	for _, s := range c.Servers {
		out = append(out, s.Server())
	}
	return out
}
