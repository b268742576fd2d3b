package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Wikid82/netgate/internal/config"
	"github.com/Wikid82/netgate/internal/logger"
	"github.com/Wikid82/netgate/internal/models"
)

// ErrInvalidBackupName is returned for backup names that are not plain file
// names produced by CreateBackup.
var ErrInvalidBackupName = errors.New("invalid backup filename")

const backupPrefix = "rules-"

// BackupInfo describes one rule backup on disk.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// BackupService writes scheduled snapshots of the rule set and keeps the
// newest Keep of them.
type BackupService struct {
	Rules     *RuleService
	BackupDir string
	Keep      int
	Cron      *cron.Cron
}

// NewBackupService creates the backup directory and registers the backup
// schedule. An empty schedule disables scheduled backups.
func NewBackupService(rules *RuleService, cfg config.BackupConfig) (*BackupService, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	s := &BackupService{
		Rules:     rules,
		BackupDir: cfg.Dir,
		Keep:      cfg.Keep,
		Cron:      cron.New(),
	}
	if cfg.Schedule != "" {
		_, err := s.Cron.AddFunc(cfg.Schedule, func() {
			if name, err := s.CreateBackup(); err != nil {
				logger.Log().WithError(err).Error("scheduled rule backup failed")
			} else {
				logger.Log().WithField("filename", name).Info("scheduled rule backup created")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("%w: backup schedule %q: %v", config.ErrConfig, cfg.Schedule, err)
		}
	}
	return s, nil
}

// Start runs the backup schedule.
func (s *BackupService) Start() { s.Cron.Start() }

// Stop halts the schedule and waits for a running backup to finish.
func (s *BackupService) Stop() { <-s.Cron.Stop().Done() }

// CreateBackup writes the current rule set to a new backup file and prunes
// old ones.
func (s *BackupService) CreateBackup() (string, error) {
	data, err := json.MarshalIndent(s.Rules.Export(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode rules: %w", err)
	}
	name := backupPrefix + time.Now().UTC().Format("20060102T150405.000000000Z") + ".json"
	if err := writeFileAtomic(filepath.Join(s.BackupDir, name), append(data, '\n')); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	if err := s.prune(); err != nil {
		logger.Log().WithError(err).Warn("failed to prune old rule backups")
	}
	return name, nil
}

// ListBackups returns the backups on disk, newest first.
func (s *BackupService) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.BackupDir)
	if err != nil {
		return nil, err
	}
	var out []BackupInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, BackupInfo{Filename: e.Name(), Size: info.Size(), CreatedAt: info.ModTime().UTC()})
	}
	// Names embed the creation time, so lexical order is chronological.
	sort.Slice(out, func(i, j int) bool { return out[i].Filename > out[j].Filename })
	return out, nil
}

// GetBackupPath resolves a backup name to its path, rejecting anything that
// could escape the backup directory.
func (s *BackupService) GetBackupPath(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.Contains(filename, "..") ||
		!strings.HasPrefix(filename, backupPrefix) || !strings.HasSuffix(filename, ".json") {
		return "", ErrInvalidBackupName
	}
	return filepath.Join(s.BackupDir, filename), nil
}

// RestoreBackup replaces the rule set with the contents of a backup.
func (s *BackupService) RestoreBackup(filename string) (int, error) {
	path, err := s.GetBackupPath(filename)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var snap models.RuleSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptRules, err)
	}
	return s.Rules.Replace(snap)
}

// DeleteBackup removes one backup file.
func (s *BackupService) DeleteBackup(filename string) error {
	path, err := s.GetBackupPath(filename)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

func (s *BackupService) prune() error {
	if s.Keep <= 0 {
		return nil
	}
	backups, err := s.ListBackups()
	if err != nil {
		return err
	}
	for _, b := range backups[min(s.Keep, len(backups)):] {
		if err := os.Remove(filepath.Join(s.BackupDir, b.Filename)); err != nil {
			return err
		}
	}
	return nil
}
