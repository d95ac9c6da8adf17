package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/config"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ScheduleParser accepts standard five-field cron expressions and @every/@daily descriptors.
var ScheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type BackupService struct {
	db     *DB
	config config.BackupConfig
	logger *zerolog.Logger
}

func NewBackupService(db *DB, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	return &BackupService{
		db:     db,
		config: cfg,
		logger: logger,
	}
}

// Start runs backups on the configured cron schedule until ctx is cancelled.
func (s *BackupService) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info().Msg("Backup service is disabled")
		return nil
	}

	schedule, err := ScheduleParser.Parse(s.config.Schedule)
	if err != nil {
		return fmt.Errorf("invalid backup schedule %q: %w", s.config.Schedule, err)
	}

	c := cron.New(cron.WithParser(ScheduleParser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := s.PerformBackup(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Scheduled backup failed")
		}
		s.CleanupOldBackups()
	}))
	c.Start()
	s.logger.Info().
		Str("schedule", s.config.Schedule).
		Time("next_run", schedule.Next(time.Now())).
		Msg("Backup service started")

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// PerformBackup writes a consistent copy of the database with VACUUM INTO and returns its path.
func (s *BackupService) PerformBackup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.config.StoragePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405.000")
	backupPath := filepath.Join(s.config.StoragePath, fmt.Sprintf("backup_%s.db", strings.ReplaceAll(timestamp, ".", "_")))

	s.logger.Info().Str("path", backupPath).Msg("Performing database backup using VACUUM INTO")
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, backupPath); err != nil {
		return "", fmt.Errorf("failed to back up database: %w", err)
	}

	s.logger.Info().Msg("Backup completed successfully")
	return backupPath, nil
}

func (s *BackupService) CleanupOldBackups() {
	if s.config.RetentionDays <= 0 {
		return
	}

	files, err := os.ReadDir(s.config.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read backup directory for cleanup")
		return
	}

	cutoff := time.Now().AddDate(0, 0, -s.config.RetentionDays)

	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), "backup_") {
			continue
		}

		info, err := file.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			s.logger.Info().Str("file", file.Name()).Msg("Deleting old backup")
			if err := os.Remove(filepath.Join(s.config.StoragePath, file.Name())); err != nil {
				s.logger.Warn().Err(err).Str("file", file.Name()).Msg("Failed to delete old backup")
			}
		}
	}
}
