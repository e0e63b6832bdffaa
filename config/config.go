// Package config loads memcache client settings from an optional YAML file
// and MEMCACHE_* environment variables, and turns them into client options.
package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/futureweb/gomemcache/errors"
	"github.com/futureweb/gomemcache/memcache"
	"github.com/futureweb/gomemcache/net2"
	"github.com/futureweb/gomemcache/stats"
)

const (
	EnvPrefix   = "MEMCACHE"
	DefaultPort = 11211
)

type Config struct {
	// Each entry is "host[:port[:weight]]".
	Servers []string `mapstructure:"servers" yaml:"servers"`

	FanoutConcurrency int `mapstructure:"fanout_concurrency" yaml:"fanout_concurrency"`

	Pool    PoolConfig    `mapstructure:"pool" yaml:"pool"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

type PoolConfig struct {
	MaxConnsPerNode     int           `mapstructure:"max_conns_per_node" yaml:"max_conns_per_node"`
	MaxIdleConnsPerNode int           `mapstructure:"max_idle_conns_per_node" yaml:"max_idle_conns_per_node"`
	MaxIdleTime         time.Duration `mapstructure:"max_idle_time" yaml:"max_idle_time"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	TCPUserTimeout      time.Duration `mapstructure:"tcp_user_timeout" yaml:"tcp_user_timeout"`
}

type LoggingConfig struct {
	// debug, info, warn or error.
	Level string `mapstructure:"level" yaml:"level"`

	// json or console.
	Format string `mapstructure:"format" yaml:"format"`

	Development bool `mapstructure:"development" yaml:"development"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace" yaml:"namespace"`

	// Address of the /metrics listener.  Empty disables it.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("servers", []string{"127.0.0.1:11211"})
	v.SetDefault("fanout_concurrency", memcache.DefaultFanoutConcurrency)

	v.SetDefault("pool.max_conns_per_node", net2.DefaultMaxConnsPerNode)
	v.SetDefault("pool.max_idle_conns_per_node", net2.DefaultMaxIdleConnsPerNode)
	v.SetDefault("pool.max_idle_time", "1m")
	v.SetDefault("pool.connect_timeout", "1s")
	v.SetDefault("pool.acquire_timeout", "1s")
	v.SetDefault("pool.read_timeout", "1s")
	v.SetDefault("pool.write_timeout", "1s")
	v.SetDefault("pool.tcp_user_timeout", "0s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.development", false)

	v.SetDefault("metrics.namespace", "memcache")
	v.SetDefault("metrics.addr", "")
}

// Load reads the YAML file at path (skipped when path is empty), then
// applies MEMCACHE_* environment overrides, e.g. MEMCACHE_SERVERS as a
// comma separated list or MEMCACHE_POOL_READ_TIMEOUT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "Failed to read config file %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "Failed to unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseServer parses "host[:port[:weight]]".  The port defaults to
// DefaultPort and the weight to 1.
func ParseServer(s string) (memcache.Server, error) {
	s = strings.TrimSpace(s)

	host, port, weight := s, "", ""
	if h, p, err := net.SplitHostPort(s); err == nil {
		host, port = h, p
	} else if i := strings.LastIndex(s, ":"); i >= 0 {
		h, p, err := net.SplitHostPort(s[:i])
		if err != nil {
			return memcache.Server{}, errors.Wrapf(err, "Invalid server %q", s)
		}
		host, port, weight = h, p, s[i+1:]
	}

	server := memcache.Server{Host: host, Port: DefaultPort, Weight: 1}
	if server.Host == "" {
		return memcache.Server{}, errors.Newf("Invalid server %q: empty host", s)
	}
	if port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return memcache.Server{}, errors.Newf("Invalid server %q: bad port", s)
		}
		server.Port = p
	}
	if weight != "" {
		w, err := strconv.ParseUint(weight, 10, 32)
		if err != nil || w == 0 {
			return memcache.Server{}, errors.Newf("Invalid server %q: bad weight", s)
		}
		server.Weight = uint32(w)
	}
	return server, nil
}

// ParsedServers returns the parsed server list.
func (c *Config) ParsedServers() ([]memcache.Server, error) {
	servers := make([]memcache.Server, 0, len(c.Servers))
	seen := make(map[string]bool)
	for _, s := range c.Servers {
		if strings.TrimSpace(s) == "" {
			continue
		}
		server, err := ParseServer(s)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(server.Host, strconv.Itoa(server.Port))
		if seen[address] {
			return nil, errors.Newf("Duplicate server %s", address)
		}
		seen[address] = true
		servers = append(servers, server)
	}
	return servers, nil
}

func (c *Config) Validate() error {
	servers, err := c.ParsedServers()
	if err != nil {
		return errors.Wrap(err, "Invalid config")
	}
	if len(servers) == 0 {
		return errors.New("Invalid config: at least one server is required")
	}
	if c.FanoutConcurrency < 0 {
		return errors.Newf(
			"Invalid config: negative fanout_concurrency %d",
			c.FanoutConcurrency)
	}
	if c.Pool.MaxConnsPerNode < 0 {
		return errors.Newf(
			"Invalid config: negative pool.max_conns_per_node %d",
			c.Pool.MaxConnsPerNode)
	}

	timeouts := map[string]time.Duration{
		"pool.max_idle_time":    c.Pool.MaxIdleTime,
		"pool.connect_timeout":  c.Pool.ConnectTimeout,
		"pool.acquire_timeout":  c.Pool.AcquireTimeout,
		"pool.read_timeout":     c.Pool.ReadTimeout,
		"pool.write_timeout":    c.Pool.WriteTimeout,
		"pool.tcp_user_timeout": c.Pool.TCPUserTimeout,
	}
	for name, timeout := range timeouts {
		if timeout < 0 {
			return errors.Newf("Invalid config: negative %s %v", name, timeout)
		}
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return errors.Newf("Invalid config: unknown logging.format %q", c.Logging.Format)
	}
	if c.Logging.Level != "" {
		if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
			return errors.Wrap(err, "Invalid config: logging.level")
		}
	}
	return nil
}

// ClientOptions converts the config into client options.  logger and
// factory may be nil.
func (c *Config) ClientOptions(
	logger *zap.Logger,
	factory stats.StatsFactory) (memcache.Options, error) {

	servers, err := c.ParsedServers()
	if err != nil {
		return memcache.Options{}, err
	}

	return memcache.Options{
		Servers: servers,
		Pool: net2.ConnectionOptions{
			MaxConnsPerNode:     c.Pool.MaxConnsPerNode,
			MaxIdleConnsPerNode: c.Pool.MaxIdleConnsPerNode,
			MaxIdleTime:         c.Pool.MaxIdleTime,
			ConnectTimeout:      c.Pool.ConnectTimeout,
			AcquireTimeout:      c.Pool.AcquireTimeout,
			ReadTimeout:         c.Pool.ReadTimeout,
			WriteTimeout:        c.Pool.WriteTimeout,
			TCPUserTimeout:      c.Pool.TCPUserTimeout,
		},
		FanoutConcurrency: c.FanoutConcurrency,
		Logger:            logger,
		StatsFactory:      factory,
	}, nil
}

// Dump renders the config as YAML, in the form Load accepts.
func Dump(cfg *Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to marshal config")
	}
	return out, nil
}
