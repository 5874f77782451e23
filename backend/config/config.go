// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config implements the server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/efchatnet/efdm/backend/log"
)

const (
	defaultAddress           = ":8081"
	defaultDatabaseURL       = "postgres://localhost/efdm?sslmode=disable"
	defaultBoltPath          = "efdm.db"
	defaultJWTIssuer         = "efchat"
	defaultLogLevel          = "NOTICE"
	defaultBackgroundTimeout = 10000 // ms
	defaultSubscriberBuffer  = 64
	defaultPingInterval      = 30000 // ms
	defaultKeyCacheTTL       = 3600  // s
	defaultShutdownTimeout   = 15000 // ms

	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
)

var defaultAllowedOrigins = []string{
	"https://efchat.net",
	"https://app.efchat.net",
	"http://localhost:3000",
}

// Server is the HTTP listener configuration.
type Server struct {
	// Address is the host:port the API listens on.
	Address string

	// AllowedOrigins is the CORS origin allow list.
	AllowedOrigins []string

	// ShutdownTimeout bounds graceful shutdown in milliseconds.
	ShutdownTimeout int
}

// Database selects and configures the message store.
type Database struct {
	// Backend is either "postgres" or "bolt".
	Backend string

	// URL is the Postgres connection string.
	URL string

	// BoltPath is the bbolt database file for the single node backend.
	BoltPath string
}

// Redis configures the optional public key cache and cross node realtime
// broker. Both are disabled when Addr is empty.
type Redis struct {
	// Addr is host:port or a redis:// URL.
	Addr string

	// KeyCacheTTL is the public key cache lifetime in seconds.
	KeyCacheTTL int

	// Broker relays realtime frames between server nodes.
	Broker bool
}

// Auth configures bearer token verification.
type Auth struct {
	JWTSecret string
	JWTIssuer string
}

// Realtime configures the fan-out hub.
type Realtime struct {
	// SubscriberBuffer is the per connection outbound frame buffer.
	SubscriberBuffer int

	// PingInterval is the WebSocket keep-alive period in milliseconds.
	PingInterval int
}

// Ingest configures the message write path.
type Ingest struct {
	// BackgroundTimeout bounds compensating deletes and recency updates in
	// milliseconds.
	BackgroundTimeout int
}

// Metrics configures the Prometheus listener. Disabled when Address is empty.
type Metrics struct {
	Address string
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	if lCfg.Level == "" {
		lCfg.Level = defaultLogLevel
	}
	if !log.ValidLevel(lCfg.Level) {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = strings.ToUpper(lCfg.Level)
	return nil
}

// Config is the top level server configuration.
type Config struct {
	Server   *Server
	Database *Database
	Redis    *Redis
	Auth     *Auth
	Realtime *Realtime
	Ingest   *Ingest
	Metrics  *Metrics
	Logging  *Logging
}

// BackgroundTimeout returns Ingest.BackgroundTimeout as a duration.
func (c *Config) BackgroundTimeout() time.Duration {
	return time.Duration(c.Ingest.BackgroundTimeout) * time.Millisecond
}

// PingInterval returns Realtime.PingInterval as a duration.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Realtime.PingInterval) * time.Millisecond
}

// KeyCacheTTL returns Redis.KeyCacheTTL as a duration.
func (c *Config) KeyCacheTTL() time.Duration {
	return time.Duration(c.Redis.KeyCacheTTL) * time.Second
}

// ShutdownTimeout returns Server.ShutdownTimeout as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Millisecond
}

// ApplyEnv overrides fields from the environment variables the server has
// always honoured: DATABASE_URL, REDIS_URL, JWT_SECRET, JWT_ISSUER and PORT.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if c.Server == nil {
		c.Server = new(Server)
	}
	if c.Database == nil {
		c.Database = new(Database)
	}
	if c.Redis == nil {
		c.Redis = new(Redis)
	}
	if c.Auth == nil {
		c.Auth = new(Auth)
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Database.Backend = BackendPostgres
		c.Database.URL = v
	}
	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup("JWT_SECRET"); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("JWT_ISSUER"); ok && v != "" {
		c.Auth.JWTIssuer = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Address = ":" + v
	}
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.Server == nil {
		c.Server = new(Server)
	}
	if c.Server.Address == "" {
		c.Server.Address = defaultAddress
	}
	if c.Server.AllowedOrigins == nil {
		c.Server.AllowedOrigins = append([]string(nil), defaultAllowedOrigins...)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = defaultShutdownTimeout
	}

	if c.Database == nil {
		c.Database = new(Database)
	}
	switch c.Database.Backend {
	case "":
		c.Database.Backend = BackendPostgres
		fallthrough
	case BackendPostgres:
		if c.Database.URL == "" {
			c.Database.URL = defaultDatabaseURL
		}
	case BackendBolt:
		if c.Database.BoltPath == "" {
			c.Database.BoltPath = defaultBoltPath
		}
	default:
		return fmt.Errorf("config: Database: Backend '%v' is invalid", c.Database.Backend)
	}

	if c.Redis == nil {
		c.Redis = new(Redis)
	}
	if c.Redis.KeyCacheTTL <= 0 {
		c.Redis.KeyCacheTTL = defaultKeyCacheTTL
	}
	if c.Redis.Broker && c.Redis.Addr == "" {
		return errors.New("config: Redis: Broker requires Addr")
	}

	if c.Auth == nil {
		return errors.New("config: No Auth block was present")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: Auth: JWTSecret is not set")
	}
	if c.Auth.JWTIssuer == "" {
		c.Auth.JWTIssuer = defaultJWTIssuer
	}

	if c.Realtime == nil {
		c.Realtime = new(Realtime)
	}
	if c.Realtime.SubscriberBuffer <= 0 {
		c.Realtime.SubscriberBuffer = defaultSubscriberBuffer
	}
	if c.Realtime.PingInterval <= 0 {
		c.Realtime.PingInterval = defaultPingInterval
	}

	if c.Ingest == nil {
		c.Ingest = new(Ingest)
	}
	if c.Ingest.BackgroundTimeout <= 0 {
		c.Ingest.BackgroundTimeout = defaultBackgroundTimeout
	}

	if c.Metrics == nil {
		c.Metrics = new(Metrics)
	}

	if c.Logging == nil {
		c.Logging = new(Logging)
	}
	return c.Logging.validate()
}

// Load parses the provided buffer b as a config file body, applies the
// environment overrides and returns the validated Config. A nil buffer
// yields a configuration built from defaults and the environment alone.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown keys %v", undecoded)
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
