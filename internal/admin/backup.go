package admin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/logger"
)

// Retention is how long automatic and manual dumps are kept.
const Retention = 31 * 24 * time.Hour

// Backuper dumps the database into dir: pg_dump for postgres, VACUUM INTO for sqlite.
type Backuper struct {
	db        *gorm.DB
	dsn       string
	dir       string
	retention time.Duration
	now       func() time.Time
	log       *zap.Logger
	pgDump    func(ctx context.Context, dsn, filename string) error
}

func NewBackuper(gdb *gorm.DB, dsn, dir string, log *zap.Logger) *Backuper {
	if dir == "" {
		dir = "backups"
	}
	return &Backuper{
		db:        gdb,
		dsn:       dsn,
		dir:       dir,
		retention: Retention,
		now:       time.Now,
		log:       logger.OrNop(log),
		pgDump:    pgDump,
	}
}

func pgDump(ctx context.Context, dsn, filename string) error {
	out, err := exec.CommandContext(ctx, "pg_dump", dsn, "-Fc", "-f", filename).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_dump: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Backup writes one dump named <prefix>_<timestamp> and returns its path.
func (b *Backuper) Backup(ctx context.Context, prefix string) (string, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", err
	}
	stamp := b.now().UTC().Format("20060102_150405")
	if strings.HasPrefix(b.dsn, db.SQLitePrefix) {
		filename := filepath.Join(b.dir, prefix+"_"+stamp+".db")
		if err := b.db.WithContext(ctx).Exec("VACUUM INTO ?", filename).Error; err != nil {
			return "", fmt.Errorf("sqlite backup: %w", err)
		}
		return filename, nil
	}
	filename := filepath.Join(b.dir, prefix+"_"+stamp+".dump")
	if err := b.pgDump(ctx, b.dsn, filename); err != nil {
		return "", err
	}
	return filename, nil
}

// CleanOld removes dumps older than the retention period and returns how many went.
func (b *Backuper) CleanOld() (int, error) {
	var files []string
	for _, pattern := range []string{"*backup_*.dump", "*backup_*.db"} {
		matched, err := filepath.Glob(filepath.Join(b.dir, pattern))
		if err != nil {
			return 0, err
		}
		files = append(files, matched...)
	}
	cutoff := b.now().Add(-b.retention)
	removed := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(f); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Job is the scheduled daily backup.
func (b *Backuper) Job(ctx context.Context) error {
	filename, err := b.Backup(ctx, "autobackup")
	if err != nil {
		return err
	}
	removed, err := b.CleanOld()
	if err != nil {
		b.log.Warn("backup cleanup failed", zap.Error(err))
	}
	b.log.Info("database backup written", zap.String("file", filename), zap.Int("removed", removed))
	return nil
}
