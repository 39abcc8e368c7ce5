package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Settings struct {
	Database  Database   `mapstructure:"database"`
	Pool      Pool       `mapstructure:"pool"`
	Replenish Replenish  `mapstructure:"replenish"`
	Health    Health     `mapstructure:"health"`
	Metrics   Metrics    `mapstructure:"metrics"`
	IPInfo    IPInfo     `mapstructure:"ipinfo"`
	Server    Server     `mapstructure:"server"`
	Providers []Provider `mapstructure:"providers"`
}

type Database struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

// DSN returns the Postgres connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

type Pool struct {
	Cooldown         time.Duration `mapstructure:"cooldown"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	MaxBanCount      int           `mapstructure:"max_ban_count"`
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	DefaultMaxUsers  int           `mapstructure:"default_max_users"`
}

type Replenish struct {
	MinAvailable int           `mapstructure:"min_available"`
	Interval     time.Duration `mapstructure:"interval"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	Country      string        `mapstructure:"country"`
	Type         string        `mapstructure:"type"`
}

type Health struct {
	Interval       time.Duration `mapstructure:"interval"`
	Window         time.Duration `mapstructure:"window"`
	MinRequests    int           `mapstructure:"min_requests"`
	Threshold      float64       `mapstructure:"threshold"`
	LowCutoff      float64       `mapstructure:"low_cutoff"`
	CriticalCutoff float64       `mapstructure:"critical_cutoff"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ProbeTargets   []string      `mapstructure:"probe_targets"`
	MaxWorkers     int           `mapstructure:"max_workers"`
	DNSProbe       DNSProbe      `mapstructure:"dns_probe"`
}

type DNSProbe struct {
	Enabled  bool   `mapstructure:"enabled"`
	Resolver string `mapstructure:"resolver"`
	Domain   string `mapstructure:"domain"`
}

type Metrics struct {
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

type IPInfo struct {
	Token string `mapstructure:"token"`
}

type Server struct {
	Addr           string `mapstructure:"addr"`
	Mode           string `mapstructure:"mode"`
	InternalSecret string `mapstructure:"internal_secret"`
}

// Provider seeds a provider config row at startup.
type Provider struct {
	Name     string            `mapstructure:"name"`
	Type     string            `mapstructure:"type"`
	APIKey   string            `mapstructure:"api_key"`
	Username string            `mapstructure:"username"`
	Password string            `mapstructure:"password"`
	Endpoint string            `mapstructure:"endpoint"`
	Options  map[string]string `mapstructure:"options"`
	Active   *bool             `mapstructure:"active"`
}

var DefaultProbeTargets = []string{
	"http://httpbin.org/ip",
	"http://httpbin.org/status/200",
	"https://www.google.com/robots.txt",
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "egress-pool.db")

	v.SetDefault("pool.cooldown", 30*time.Minute)
	v.SetDefault("pool.failure_threshold", 5)
	v.SetDefault("pool.max_ban_count", 2)
	v.SetDefault("pool.rotation_interval", 30*time.Minute)
	v.SetDefault("pool.sweep_interval", time.Minute)
	v.SetDefault("pool.default_max_users", 1)

	v.SetDefault("replenish.min_available", 20)
	v.SetDefault("replenish.interval", 5*time.Minute)
	v.SetDefault("replenish.fetch_timeout", 30*time.Second)

	v.SetDefault("health.interval", 6*time.Hour)
	v.SetDefault("health.window", 24*time.Hour)
	v.SetDefault("health.min_requests", 10)
	v.SetDefault("health.threshold", 70.0)
	v.SetDefault("health.low_cutoff", 40.0)
	v.SetDefault("health.critical_cutoff", 20.0)
	v.SetDefault("health.probe_timeout", 10*time.Second)
	v.SetDefault("health.probe_targets", DefaultProbeTargets)
	v.SetDefault("health.max_workers", 5)
	v.SetDefault("health.dns_probe.resolver", "8.8.8.8")
	v.SetDefault("health.dns_probe.domain", "example.com")

	v.SetDefault("metrics.retention", 7*24*time.Hour)
	v.SetDefault("metrics.prune_interval", time.Hour)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
}

// Load applies defaults and environment overrides (EGRESS_POOL_*) to v and
// decodes the result.
func Load(v *viper.Viper) (*Settings, error) {
	SetDefaults(v)
	v.SetEnvPrefix("egress_pool")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) Validate() error {
	switch s.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver: %s", s.Database.Driver)
	}
	if s.Pool.FailureThreshold < 1 {
		return fmt.Errorf("pool.failure_threshold must be at least 1")
	}
	if s.Pool.DefaultMaxUsers < 1 {
		return fmt.Errorf("pool.default_max_users must be at least 1")
	}
	h := s.Health
	if !(h.CriticalCutoff <= h.LowCutoff && h.LowCutoff <= h.Threshold) {
		return fmt.Errorf("health cutoffs must satisfy critical <= low <= threshold")
	}
	for _, p := range s.Providers {
		if p.Name == "" || p.Type == "" {
			return fmt.Errorf("provider entries need a name and a type")
		}
	}
	return nil
}
