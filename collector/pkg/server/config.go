package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/launchpad/collector/pkg/distribution"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Collector is the scheduler surface exposed over HTTP.
type Collector interface {
	TryRunNow(ctx context.Context) (<-chan *distribution.RunSummary, bool)
	LastRun() *distribution.RunSummary
	Running() bool
	Ready() bool
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	Collector         Collector

	// AutoCollection reports ready immediately when false, since no scheduled pass will run.
	AutoCollection bool
	// AllowedOrigins enables CORS for browser dashboards; empty disables it.
	AllowedOrigins []string
	// BaseContext scopes manually triggered runs; it defaults to context.Background.
	BaseContext func() context.Context
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Collector == nil {
		return errors.New("collector is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background
	}
	return nil
}
