// Package database persists the session audit trail. Writes are
// best-effort; the broker keeps serving sessions when the database is
// degraded.
package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/open-ode/broker/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&SessionRecord{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

// MarkInterrupted closes every record left open by a previous broker
// process. Runs once at startup, before any new session starts.
func MarkInterrupted() {
	if DB == nil {
		return
	}
	now := time.Now()
	res := DB.Model(&SessionRecord{}).
		Where("ended_at IS NULL").
		Updates(map[string]interface{}{"status": "interrupted", "ended_at": now})
	if res.Error != nil {
		log.Printf("[db] mark interrupted sessions: %v", res.Error)
	} else if res.RowsAffected > 0 {
		log.Printf("[db] marked %d sessions interrupted from previous run", res.RowsAffected)
	}
}

// PruneEndedBefore deletes ended records older than cutoff and returns how
// many were removed.
func PruneEndedBefore(cutoff time.Time) int64 {
	if DB == nil {
		return 0
	}
	res := DB.Where("ended_at IS NOT NULL AND ended_at < ?", cutoff).Delete(&SessionRecord{})
	if res.Error != nil {
		log.Printf("[db] prune session records: %v", res.Error)
		return 0
	}
	return res.RowsAffected
}
