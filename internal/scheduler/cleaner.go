// Package scheduler runs periodic housekeeping: deleting scratch
// directories orphaned by crashed runs and pruning aged-out journal rows.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/streamdub/streamdub/internal/config"
	"github.com/streamdub/streamdub/internal/scratch"
)

// Pruner removes journal rows older than the retention window.
type Pruner interface {
	Prune(retention time.Duration) (int64, error)
}

// Cleaner schedules and executes the cleanup sweep.
type Cleaner struct {
	cfg       config.SchedulerConfig
	baseDir   string
	retention time.Duration
	journal   Pruner
	logger    *slog.Logger

	cron *cron.Cron
}

// New creates a Cleaner. journal may be nil when no journal is configured;
// an empty baseDir means the system temp directory.
func New(cfg config.SchedulerConfig, baseDir string, retention time.Duration, journal Pruner, logger *slog.Logger) *Cleaner {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Cleaner{
		cfg:       cfg,
		baseDir:   baseDir,
		retention: retention,
		journal:   journal,
		logger:    logger,
	}
}

// Start registers the cron job and begins scheduling. A disabled scheduler
// starts nothing and returns nil.
func (c *Cleaner) Start() error {
	if !c.cfg.Enabled {
		c.logger.Info("cleanup scheduler disabled")
		return nil
	}

	c.cron = cron.New(cron.WithSeconds())
	if _, err := c.cron.AddFunc(c.cfg.Cron, c.sweep); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", c.cfg.Cron, err)
	}
	c.cron.Start()
	c.logger.Info("cleanup scheduler started",
		slog.String("schedule", c.cfg.Cron),
		slog.Duration("retention", c.retention))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish, bounded by
// ctx.
func (c *Cleaner) Stop(ctx context.Context) error {
	if c.cron == nil {
		return nil
	}
	stopped := c.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cleaner) sweep() {
	removed, err := c.SweepScratch()
	if err != nil {
		c.logger.Error("scratch sweep failed", slog.String("error", err.Error()))
	} else if removed > 0 {
		c.logger.Info("stale scratch dirs removed", slog.Int("dirs", removed))
	}

	if c.journal != nil {
		if _, err := c.journal.Prune(c.retention); err != nil {
			c.logger.Error("journal prune failed", slog.String("error", err.Error()))
		}
	}
}

// SweepScratch deletes task scratch directories older than the retention
// window. Only directories carrying the scratch prefix are touched.
func (c *Cleaner) SweepScratch() (int, error) {
	entries, err := os.ReadDir(c.baseDir)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", c.baseDir, err)
	}

	cutoff := time.Now().Add(-c.retention)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), scratch.DirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(c.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			c.logger.Warn("removing stale scratch dir failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		c.logger.Debug("stale scratch dir removed", slog.String("path", path))
		removed++
	}
	return removed, nil
}
