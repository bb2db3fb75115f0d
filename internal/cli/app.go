package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/roomsync/internal/config"
	"github.com/harun/roomsync/internal/logger"
	"github.com/harun/roomsync/internal/observability"
	"github.com/harun/roomsync/internal/tracing"
	"github.com/harun/roomsync/pkg/assignment"
	"github.com/harun/roomsync/pkg/commandqueue"
	"github.com/harun/roomsync/pkg/rocketchat"
	"github.com/harun/roomsync/pkg/store"
	"github.com/harun/roomsync/pkg/sweep"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// drainTimeout bounds how long Close waits for background reconciliation
const drainTimeout = 30 * time.Second

// app is the wired process: config, logging, store, chat client and orchestrator
type app struct {
	cfg          *config.Config
	logger       *logger.Logger
	store        *store.Store
	queue        *commandqueue.Queue
	orchestrator *assignment.Orchestrator
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, logger: lg}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	if cfg.Logging.AuditFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.AuditFile), 0755); err != nil {
			return fmt.Errorf("failed to create audit directory: %w", err)
		}
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	a.store = st

	rooms, err := rocketchat.New(cfg.RocketChat.URL, rocketchat.Credentials{
		UserID:    cfg.RocketChat.UserID,
		AuthToken: cfg.RocketChat.AuthToken,
		Username:  cfg.RocketChat.Username,
	}, rocketchat.WithTimeout(time.Duration(cfg.RocketChat.Timeout)*time.Second))
	if err != nil {
		return err
	}

	var directory assignment.AgencyDirectory = st
	if cfg.Cache.Enabled {
		directory = store.NewCachedSettings(st,
			time.Duration(cfg.Cache.TTL)*time.Second,
			time.Duration(cfg.Cache.CleanupInterval)*time.Second)
	}

	a.queue = commandqueue.New()

	opts := []assignment.Option{
		assignment.WithNotifier(assignment.NewLogNotifier(log.Logger)),
		assignment.WithStatistics(assignment.AuditStatistics{}),
	}
	if cfg.Assignment.BackgroundReconcile {
		opts = append(opts, assignment.WithBackground(a.queue))
	}

	a.orchestrator = assignment.New(assignment.Dependencies{
		Store:      st,
		Counselors: st,
		Rooms:      rooms,
		Directory:  directory,
		Identity:   st,
		Accounts: assignment.ServiceAccounts{
			TechnicalPrincipalID: cfg.Accounts.TechnicalPrincipalID,
			SystemPrincipalID:    cfg.Accounts.SystemPrincipalID,
		},
	}, opts...)

	return nil
}

func (a *app) newSweeper() (*sweep.Sweeper, error) {
	return sweep.New(a.store, a.orchestrator, a.cfg.Assignment.SweepSchedule, sweep.WithLanes(a.queue))
}

// Close drains background work and releases every resource
func (a *app) Close() {
	if a.queue != nil {
		if !a.queue.WaitForIdle(drainTimeout) {
			log.Warn().Msg("Background reconciliation still running at shutdown")
		}
		a.queue.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}
	if a.cfg != nil && a.cfg.Tracing.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to shut down tracing")
		}
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close audit log")
	}
	observability.SetAuditLogger(nil)
	if a.logger != nil {
		a.logger.Close()
	}
}
