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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/efchatnet/efdm/backend/config"
	"github.com/efchatnet/efdm/backend/instrument"
	"github.com/efchatnet/efdm/backend/integration"
	"github.com/efchatnet/efdm/backend/log"
	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/backend/storage/bolt"
	"github.com/efchatnet/efdm/backend/storage/postgres"
	redisstore "github.com/efchatnet/efdm/backend/storage/redis"
)

type flags struct {
	ConfigFile string
}

func newRootCommand() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "efdm-server",
		Short: "End-to-end encrypted direct message server",
		Long: `efdm-server stores and relays end-to-end encrypted direct messages.
The server never sees plaintext: clients encrypt every message for each
participant and sign it before upload.

Without a configuration file the server is configured from DATABASE_URL,
REDIS_URL, JWT_SECRET, JWT_ISSUER and PORT.`,
		Example: `  # Configure from the environment
  JWT_SECRET=changeme efdm-server

  # Start with a configuration file
  efdm-server -f /etc/efdm/server.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(f)
		},
	}
	cmd.Flags().StringVarP(&f.ConfigFile, "config", "f", "",
		"path to the server configuration file (TOML format)")
	return cmd
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func loadConfig(f string) (*config.Config, error) {
	if f == "" {
		return config.Load(nil)
	}
	cfg, err := config.LoadFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", f, err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Database) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendBolt:
		return bolt.Open(cfg.BoltPath)
	default:
		s, err := postgres.Open(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return s, nil
	}
}

func runServer(f flags) error {
	cfg, err := loadConfig(f.ConfigFile)
	if err != nil {
		return err
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %v", err)
	}
	defer logBackend.Close()
	logger := logBackend.GetLogger("efdm/server")

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := openStore(ctx, cfg.Database)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to open %s store: %v", cfg.Database.Backend, err)
	}
	defer store.Close()
	logger.Noticef("Using the %s message store.", cfg.Database.Backend)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rdb, err = redisstore.Dial(ctx, cfg.Redis.Addr)
		cancel()
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Noticef("Redis key cache enabled (broker: %v).", cfg.Redis.Broker)
	}

	svc, err := integration.New(&integration.Config{
		Store:             store,
		Redis:             rdb,
		Broker:            cfg.Redis.Broker,
		JWTSecret:         cfg.Auth.JWTSecret,
		JWTIssuer:         cfg.Auth.JWTIssuer,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		SubscriberBuffer:  cfg.Realtime.SubscriberBuffer,
		PingInterval:      cfg.PingInterval(),
		KeyCacheTTL:       cfg.KeyCacheTTL(),
		BackgroundTimeout: cfg.BackgroundTimeout(),
		LogBackend:        logBackend,
	})
	if err != nil {
		return err
	}
	svc.Start()
	defer svc.Halt()

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           svc.Router(logBackend.GetLogger("efdm/access")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Noticef("Listening on %s (JWT issuer %q).", cfg.Server.Address, cfg.Auth.JWTIssuer)
		errCh <- srv.ListenAndServe()
	}()

	var metrics *http.Server
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", instrument.Handler())
		metrics = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Noticef("Metrics on %s.", cfg.Metrics.Address)
			errCh <- metrics.ListenAndServe()
		}()
	}

	for {
		select {
		case <-rotateCh:
			if err := logBackend.Rotate(); err != nil {
				logger.Errorf("Failed to rotate log: %v", err)
			}
			continue
		case sig := <-haltCh:
			logger.Noticef("Received %v, shutting down.", sig)
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("Listener failed: %v", err)
			}
		}
		break
	}

	return shutdown(logger, cfg.ShutdownTimeout(), srv, metrics)
}

func shutdown(logger *logging.Logger, timeout time.Duration, servers ...*http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warningf("Shutdown of %s: %v", srv.Addr, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
