package database

import (
	"log"
	"time"

	"gorm.io/gorm"
)

// SessionRecord is one row per session, written when the session starts
// and closed out when it ends. Live state lives in the registry; this is
// the durable audit trail.
type SessionRecord struct {
	gorm.Model
	SessionID     string `gorm:"uniqueIndex"`
	UserID        string `gorm:"index"`
	WorkspacePath string
	SandboxID     string
	Status        string // active, exited, preempted, disconnected, stopped, reaped, interrupted
	StartedAt     time.Time
	LastActiveAt  time.Time
	EndedAt       *time.Time
}

// SessionRecorder satisfies the websocket handler's Recorder with
// best-effort database writes.
type SessionRecorder struct{}

func (SessionRecorder) SessionStarted(sessionID, userID, workspacePath, sandboxID string) {
	if DB == nil {
		return
	}
	now := time.Now()
	rec := SessionRecord{
		SessionID:     sessionID,
		UserID:        userID,
		WorkspacePath: workspacePath,
		SandboxID:     sandboxID,
		Status:        "active",
		StartedAt:     now,
		LastActiveAt:  now,
	}
	if err := DB.Create(&rec).Error; err != nil {
		log.Printf("[db] record session start %s: %v", sessionID, err)
	}
}

func (SessionRecorder) SessionEnded(sessionID, reason string) {
	if DB == nil {
		return
	}
	now := time.Now()
	res := DB.Model(&SessionRecord{}).
		Where("session_id = ? AND ended_at IS NULL", sessionID).
		Updates(map[string]interface{}{"status": reason, "ended_at": now, "last_active_at": now})
	if res.Error != nil {
		log.Printf("[db] record session end %s: %v", sessionID, res.Error)
	}
}

// TouchSession bumps a live record's last-active timestamp.
func TouchSession(sessionID string) {
	if DB == nil {
		return
	}
	DB.Model(&SessionRecord{}).
		Where("session_id = ? AND ended_at IS NULL", sessionID).
		Update("last_active_at", time.Now())
}

// RecentSessions returns the newest records for the admin listing.
func RecentSessions(limit int) ([]SessionRecord, error) {
	var recs []SessionRecord
	err := DB.Order("started_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}
