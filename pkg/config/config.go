package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Daemon names. The ingester name doubles as the lockfile stem and the
// process name matched during the stale-lock probe.
const (
	APIDName     = "pattood_apid"
	IngesterName = "pattood_ingesterd"
)

// APIPrefix is the route prefix all receiver endpoints live under.
const APIPrefix = "/pattoo/api/v1"

// Configuration defaults
const (
	DefaultDBPoolSize       = 10
	DefaultDBMaxOverflow    = 20
	DefaultDBHostname       = "localhost"
	DefaultDBUsername       = "pattoo"
	DefaultDBName           = "pattoo"
	DefaultIngesterInterval = 3600
	DefaultBatchSize        = 500
	DefaultListenAddress    = "0.0.0.0"
	DefaultListenPort       = 20201
	DefaultCacheDirectory   = "/opt/pattood/cache"
	DefaultRunDirectory     = "/var/run/pattood"

	// MinIngesterInterval is the floor for ingester_interval. Draining more
	// often than this just burns database round-trips on near-empty spools.
	MinIngesterInterval = 15
)

// Connection pool recycle interval (see store.Connect).
const DBRecycleInterval = 10 * time.Minute

// Config carries every recognized configuration key.
type Config struct {
	DBPoolSize    int
	DBMaxOverflow int
	DBHostname    string
	DBUsername    string
	DBPassword    string
	DBName        string

	IngesterInterval int
	Multiprocessing  bool
	BatchSize        int

	ListenAddress string
	ListenPort    int

	CacheDirectory     string
	DaemonRunDirectory string
}

// Load reads pattood.yaml from $PATTOOD_CONFIGDIR, /etc/pattood or the
// working directory, with PATTOOD_* environment variables overriding file
// values. A missing file is fine; defaults apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("pattood")
	v.SetConfigType("yaml")
	v.AddConfigPath("$PATTOOD_CONFIGDIR")
	v.AddConfigPath("/etc/pattood")
	v.AddConfigPath(".")

	v.SetDefault("db_pool_size", DefaultDBPoolSize)
	v.SetDefault("db_max_overflow", DefaultDBMaxOverflow)
	v.SetDefault("db_hostname", DefaultDBHostname)
	v.SetDefault("db_username", DefaultDBUsername)
	v.SetDefault("db_password", "")
	v.SetDefault("db_name", DefaultDBName)
	v.SetDefault("ingester_interval", DefaultIngesterInterval)
	v.SetDefault("multiprocessing", true)
	v.SetDefault("batch_size", DefaultBatchSize)
	v.SetDefault("listen_address", DefaultListenAddress)
	v.SetDefault("listen_port", DefaultListenPort)
	v.SetDefault("cache_directory", DefaultCacheDirectory)
	v.SetDefault("daemon_run_directory", DefaultRunDirectory)

	v.SetEnvPrefix("PATTOOD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Only a parse failure is fatal; running on defaults is supported.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{
		DBPoolSize:         v.GetInt("db_pool_size"),
		DBMaxOverflow:      v.GetInt("db_max_overflow"),
		DBHostname:         v.GetString("db_hostname"),
		DBUsername:         v.GetString("db_username"),
		DBPassword:         v.GetString("db_password"),
		DBName:             v.GetString("db_name"),
		IngesterInterval:   v.GetInt("ingester_interval"),
		Multiprocessing:    v.GetBool("multiprocessing"),
		BatchSize:          v.GetInt("batch_size"),
		ListenAddress:      v.GetString("listen_address"),
		ListenPort:         v.GetInt("listen_port"),
		CacheDirectory:     v.GetString("cache_directory"),
		DaemonRunDirectory: v.GetString("daemon_run_directory"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces floors the rest of the pipeline assumes.
func (c *Config) Validate() error {
	if c.DBPoolSize <= 0 {
		return fmt.Errorf("db_pool_size must be positive, got %d", c.DBPoolSize)
	}
	if c.DBMaxOverflow < 0 {
		return fmt.Errorf("db_max_overflow must be non-negative, got %d", c.DBMaxOverflow)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.IngesterInterval < MinIngesterInterval {
		c.IngesterInterval = MinIngesterInterval
	}
	return nil
}

// AgentCacheDirectory is the spool directory the receiver writes and the
// ingester drains: cache_directory scoped by the receiving service's name.
func (c *Config) AgentCacheDirectory() string {
	return filepath.Join(c.CacheDirectory, APIDName)
}

// LockfilePath is the ingester's singleton marker.
func (c *Config) LockfilePath() string {
	return filepath.Join(c.DaemonRunDirectory, IngesterName+".lock")
}

// ListenAddr is the receiver's host:port bind string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.ListenPort)
}
