// Package journal keeps a local sqlite mirror of task state so status
// queries keep answering while the remote KV store is unavailable. The
// journal is advisory: writes never fail the pipeline, and rows are pruned
// once they age out.
package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/streamdub/streamdub/internal/config"
	"github.com/streamdub/streamdub/internal/models"
)

// ErrNotFound is returned when a task has no journal row.
var ErrNotFound = errors.New("task not journaled")

// Entry is one task's journaled state.
type Entry struct {
	TaskID       string `gorm:"primaryKey;column:task_id"`
	Status       string `gorm:"index"`
	PlaylistURL  string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName keeps the table name stable across gorm versions.
func (Entry) TableName() string { return "task_journal" }

// Journal wraps the sqlite store.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates (or migrates) the journal database.
func Open(cfg config.JournalConfig, logger *slog.Logger) (*Journal, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "streamdub.db"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormLogger(cfg.LogLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrating journal schema: %w", err)
	}

	return &Journal{db: db, logger: logger}, nil
}

// Record upserts a task's state. Failures are logged, never propagated: the
// journal must not be able to sink a pipeline run.
func (j *Journal) Record(taskID, status, playlistURL, errorMessage string) {
	entry := Entry{
		TaskID:       taskID,
		Status:       status,
		PlaylistURL:  playlistURL,
		ErrorMessage: errorMessage,
	}
	err := j.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "playlist_url", "error_message", "updated_at",
		}),
	}).Create(&entry).Error
	if err != nil {
		j.logger.Error("journal write failed",
			slog.String("task_id", taskID),
			slog.String("status", status),
			slog.String("error", err.Error()))
	}
}

// Get returns a task's journal row, or ErrNotFound.
func (j *Journal) Get(taskID string) (*Entry, error) {
	var entry Entry
	err := j.db.First(&entry, "task_id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	return &entry, nil
}

// Prune deletes terminal rows whose last update is older than retention.
// Rows still in flight are kept regardless of age.
func (j *Journal) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := j.db.
		Where("updated_at < ?", cutoff).
		Where("status IN ?", []string{models.StatusCompleted, models.StatusError}).
		Delete(&Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning journal: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		j.logger.Info("journal pruned",
			slog.Int64("rows", res.RowsAffected),
			slog.Duration("retention", retention))
	}
	return res.RowsAffected, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func gormLogger(level string) gormlogger.Interface {
	switch level {
	case "info":
		return gormlogger.Default.LogMode(gormlogger.Info)
	case "warn":
		return gormlogger.Default.LogMode(gormlogger.Warn)
	case "error":
		return gormlogger.Default.LogMode(gormlogger.Error)
	default:
		return gormlogger.Default.LogMode(gormlogger.Silent)
	}
}
