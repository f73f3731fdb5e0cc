package config

import (
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/kiryu-dev/steam-cm/internal/domain"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoServerSource     = errors.New("neither servers nor bootstrap url are specified")
	ErrUnknownStorageKind = errors.New("unknown storage kind")
	ErrUnknownRankPolicy  = errors.New("unknown rank policy")
	ErrInvalidServer      = errors.New("invalid server endpoint")
)

const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"

	RankOldestFailure = "oldest_failure"
	RankRandom        = "random"
)

const (
	defaultBootstrapURL      = "https://api.steampowered.com"
	defaultBootstrapTimeout  = 10 * time.Second
	defaultBootstrapCacheTTL = 5 * time.Minute
	defaultFailureWindow     = time.Minute
	defaultConnectRate       = 1.0
	defaultConnectBurst      = 3
	defaultMaxAttempts       = 10
	defaultCallbackTimeout   = 10 * time.Second
	defaultHeartbeat         = 9 * time.Second
)

type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Protocols string `yaml:"protocols"`
}

type Bootstrap struct {
	URL             string        `yaml:"url"`
	CellID          uint32        `yaml:"cell_id"`
	Timeout         time.Duration `yaml:"timeout"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type Discovery struct {
	Protocols        string        `yaml:"protocols"`
	RankPolicy       string        `yaml:"rank_policy"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	ConnectRate      float64       `yaml:"connect_rate"`
	ConnectBurst     int           `yaml:"connect_burst"`
	MaxAttempts      int           `yaml:"max_attempts"`
	Proxies          []string      `yaml:"proxies"`
	MaxProxyFailures uint64        `yaml:"max_proxy_failures"`
}

type Callbacks struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

type Session struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BoxID             uint64        `yaml:"box_id"`
}

type Storage struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

type Logger struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type Config struct {
	Servers   []ServerConfig `yaml:"servers"`
	Bootstrap Bootstrap      `yaml:"bootstrap"`
	Discovery Discovery      `yaml:"discovery"`
	Callbacks Callbacks      `yaml:"callbacks"`
	Session   Session        `yaml:"session"`
	Storage   Storage        `yaml:"storage"`
	Logger    Logger         `yaml:"logger"`
}

func New(cfgPath string) (Config, error) {
	file, err := os.Open(cfgPath)
	if err != nil {
		return Config{}, err
	}
	defer func() {
		_ = file.Close()
	}()
	return Parse(file)
}

// Parse decodes a YAML document, applies defaults and validates the result.
func Parse(r io.Reader) (Config, error) {
	cfg := Config{}
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.WithMessage(err, "decode yaml config")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Bootstrap.URL == "" && len(c.Servers) == 0 {
		c.Bootstrap.URL = defaultBootstrapURL
	}
	if c.Bootstrap.Timeout <= 0 {
		c.Bootstrap.Timeout = defaultBootstrapTimeout
	}
	if c.Bootstrap.CacheTTL <= 0 {
		c.Bootstrap.CacheTTL = defaultBootstrapCacheTTL
	}
	if c.Discovery.Protocols == "" {
		c.Discovery.Protocols = "all"
	}
	if c.Discovery.RankPolicy == "" {
		c.Discovery.RankPolicy = RankOldestFailure
	}
	if c.Discovery.FailureWindow <= 0 {
		c.Discovery.FailureWindow = defaultFailureWindow
	}
	if c.Discovery.ConnectRate <= 0 {
		c.Discovery.ConnectRate = defaultConnectRate
	}
	if c.Discovery.ConnectBurst <= 0 {
		c.Discovery.ConnectBurst = defaultConnectBurst
	}
	if c.Discovery.MaxAttempts <= 0 {
		c.Discovery.MaxAttempts = defaultMaxAttempts
	}
	if c.Callbacks.DefaultTimeout <= 0 {
		c.Callbacks.DefaultTimeout = defaultCallbackTimeout
	}
	if c.Session.HeartbeatInterval <= 0 {
		c.Session.HeartbeatInterval = defaultHeartbeat
	}
	if c.Storage.Kind == "" {
		c.Storage.Kind = StorageMemory
	}
	for i := range c.Servers {
		if c.Servers[i].Protocols == "" {
			c.Servers[i].Protocols = "tcp,udp"
		}
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "console"
	}
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 && c.Bootstrap.URL == "" {
		return ErrNoServerSource
	}
	if _, err := domain.ParseProtocolType(c.Discovery.Protocols); err != nil {
		return errors.WithMessage(err, "discovery protocols")
	}
	for i, srv := range c.Servers {
		if strings.TrimSpace(srv.Host) == "" {
			return errors.WithMessagef(ErrInvalidServer, "server #%d has no host", i)
		}
		if srv.Port <= 0 || srv.Port > math.MaxUint16 {
			return errors.WithMessagef(ErrInvalidServer, "server '%s' port %d", srv.Host, srv.Port)
		}
		if _, err := domain.ParseProtocolType(srv.Protocols); err != nil {
			return errors.WithMessagef(err, "server '%s' protocols", srv.Host)
		}
	}
	switch c.Discovery.RankPolicy {
	case RankOldestFailure, RankRandom:
	default:
		return errors.WithMessagef(ErrUnknownRankPolicy, "'%s'", c.Discovery.RankPolicy)
	}
	switch c.Storage.Kind {
	case StorageMemory:
	case StorageFile, StorageSQLite:
		if c.Storage.Path == "" {
			return errors.Errorf("storage kind '%s' requires a path", c.Storage.Kind)
		}
	default:
		return errors.WithMessagef(ErrUnknownStorageKind, "'%s'", c.Storage.Kind)
	}
	return nil
}

// SeedRecords converts the configured servers to records.
func (c Config) SeedRecords() ([]domain.ServerRecord, error) {
	records := make([]domain.ServerRecord, 0, len(c.Servers))
	for _, srv := range c.Servers {
		protocols, err := domain.ParseProtocolType(srv.Protocols)
		if err != nil {
			return nil, errors.WithMessagef(err, "server '%s' protocols", srv.Host)
		}
		records = append(records, domain.NewServerRecord(srv.Host, srv.Port, protocols))
	}
	return records, nil
}

// RequestedProtocols is the protocol set the session may connect with.
func (c Config) RequestedProtocols() domain.ProtocolType {
	protocols, err := domain.ParseProtocolType(c.Discovery.Protocols)
	if err != nil {
		return domain.AllProtocols
	}
	return protocols
}
