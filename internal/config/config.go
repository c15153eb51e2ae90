// Package config loads and validates the proxy's configuration file and
// supports watching it for in-place reloads of non-structural options.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Mode selects which backend protocol the proxy fronts. It is determined
// implicitly by which of the MongoDB/Redis sections is populated, never by
// an explicit flag.
type Mode string

const (
	ModeMongoDB Mode = "mongodb"
	ModeRedis   Mode = "redis"
)

// HealthConfig is the common health-check configuration shared by both
// modes' checkers.
type HealthConfig struct {
	IntervalSec  int `mapstructure:"interval_sec"`
	TimeoutSec   int `mapstructure:"timeout_sec"`
	RetryCount   int `mapstructure:"retry_count"`
	RetryDelayMS int `mapstructure:"retry_delay_ms"`
}

func (h HealthConfig) Interval() time.Duration   { return time.Duration(h.IntervalSec) * time.Second }
func (h HealthConfig) Timeout() time.Duration    { return time.Duration(h.TimeoutSec) * time.Second }
func (h HealthConfig) RetryDelay() time.Duration { return time.Duration(h.RetryDelayMS) * time.Millisecond }

// MongoConfig is the MongoDB-mode-specific section.
type MongoConfig struct {
	MongosEndpoints        []string `mapstructure:"mongos_endpoints"`
	SessionAffinityEnabled bool     `mapstructure:"session_affinity_enabled"`
	SessionTimeoutSec      int      `mapstructure:"session_timeout_sec"`
	IdentificationStrategy string   `mapstructure:"identification_strategy"`
	EvictOnDisconnect      bool     `mapstructure:"evict_on_disconnect"`
}

func (m MongoConfig) SessionTimeout() time.Duration {
	return time.Duration(m.SessionTimeoutSec) * time.Second
}

// RedisConfig is the Redis-mode-specific section.
type RedisConfig struct {
	ClusterEndpoints       []string `mapstructure:"cluster_endpoints"`
	MaxRedirections        int      `mapstructure:"max_redirections"`
	ConnectionTimeoutMS    int      `mapstructure:"connection_timeout_ms"`
	SlotRefreshIntervalSec int      `mapstructure:"slot_refresh_interval_sec"`
	CheckClusterStatus     bool     `mapstructure:"check_cluster_status"`
}

func (r RedisConfig) ConnectionTimeout() time.Duration {
	return time.Duration(r.ConnectionTimeoutMS) * time.Millisecond
}

func (r RedisConfig) SlotRefreshInterval() time.Duration {
	return time.Duration(r.SlotRefreshIntervalSec) * time.Second
}

// Config is the top-level configuration document.
type Config struct {
	ListenAddr     string       `mapstructure:"listen_addr"`
	MaxConnections int          `mapstructure:"max_connections"`
	Health         HealthConfig `mapstructure:"health"`
	MongoDB        *MongoConfig `mapstructure:"mongodb"`
	Redis          *RedisConfig `mapstructure:"redis"`
	WebListenAddr  string       `mapstructure:"web_listen_addr"`
	LogLevel       string       `mapstructure:"log_level"`
}

// Mode reports which backend protocol this configuration targets, based on
// which section is present. Exactly one of MongoDB/Redis must be set; this
// is enforced by Validate.
func (c *Config) Mode() Mode {
	if c.MongoDB != nil {
		return ModeMongoDB
	}
	return ModeRedis
}

// defaults seeds every recognised option, including the per-section ones.
// Per-section defaults are safe here because which section is "present" is
// decided separately, from the raw file contents (see sectionsInFile),
// before these defaults are layered on.
func defaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "0.0.0.0:27017")
	v.SetDefault("max_connections", 10000)
	v.SetDefault("web_listen_addr", "127.0.0.1:9091")
	v.SetDefault("log_level", "info")

	v.SetDefault("health.interval_sec", 5)
	v.SetDefault("health.timeout_sec", 3)
	v.SetDefault("health.retry_count", 2)
	v.SetDefault("health.retry_delay_ms", 200)

	v.SetDefault("mongodb.session_affinity_enabled", true)
	v.SetDefault("mongodb.session_timeout_sec", 300)
	v.SetDefault("mongodb.identification_strategy", "SourceAddress")

	v.SetDefault("redis.max_redirections", 3)
	v.SetDefault("redis.connection_timeout_ms", 2000)
	v.SetDefault("redis.slot_refresh_interval_sec", 30)
	v.SetDefault("redis.check_cluster_status", false)
}

// sectionsInFile reports which of the mongodb/redis top-level keys are
// actually present in the file at path, independent of any defaults - this
// is the only reliable way to tell "the file selected redis mode" apart
// from "viper defaulted an empty mongodb section into existence".
func sectionsInFile(path string) (hasMongo, hasRedis bool, err error) {
	raw := viper.New()
	raw.SetConfigFile(path)
	if err := raw.ReadInConfig(); err != nil {
		return false, false, err
	}
	return raw.IsSet("mongodb"), raw.IsSet("redis"), nil
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	hasMongo, hasRedis, err := sectionsInFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading configuration file")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("clusterlb")
	v.AutomaticEnv()
	defaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "reading configuration file")
	}

	return decodeAndValidate(v, hasMongo, hasRedis)
}

func decodeAndValidate(v *viper.Viper, hasMongo, hasRedis bool) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}

	if !hasMongo {
		cfg.MongoDB = nil
	}
	if !hasRedis {
		cfg.Redis = nil
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the configuration invariants a malformed file would
// otherwise only surface as confusing runtime behaviour. Configuration
// errors are always terminal at start-up, never encountered at runtime.
func Validate(c *Config) error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.MongoDB == nil && c.Redis == nil {
		return errors.New("exactly one of mongodb or redis configuration sections must be present")
	}
	if c.MongoDB != nil && c.Redis != nil {
		return errors.New("mongodb and redis configuration sections are mutually exclusive")
	}

	if c.MongoDB != nil {
		if len(c.MongoDB.MongosEndpoints) == 0 {
			return errors.New("mongodb.mongos_endpoints must not be empty")
		}
		switch c.MongoDB.IdentificationStrategy {
		case "SourceAddress", "ConnectionFingerprint", "SessionId", "Hybrid", "":
		default:
			return errors.Errorf("unrecognised mongodb.identification_strategy %q", c.MongoDB.IdentificationStrategy)
		}
	}

	if c.Redis != nil {
		if len(c.Redis.ClusterEndpoints) == 0 {
			return errors.New("redis.cluster_endpoints must not be empty")
		}
		if c.Redis.MaxRedirections < 0 {
			return errors.New("redis.max_redirections must not be negative")
		}
	}

	return nil
}
