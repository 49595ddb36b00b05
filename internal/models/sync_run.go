package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RunIdle      = "idle"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunStopped   = "stopped"
	RunFailed    = "failed"
)

type SyncRun struct {
	ID          uint64         `gorm:"primaryKey;autoIncrement"`
	Status      string         `gorm:"type:text;index;not null;default:'idle'"`
	Pages       int            `gorm:"not null;default:0"`
	Subscribers int            `gorm:"not null;default:0"`
	Moves       int            `gorm:"not null;default:0"`
	LastError   *string        `gorm:"type:text"`
	StatsJSON   datatypes.JSON `gorm:"type:jsonb"`
	StartedAt   time.Time      `gorm:"type:timestamptz;not null"`
	FinishedAt  *time.Time     `gorm:"type:timestamptz"`
}

func (SyncRun) TableName() string {
	return "sync_runs"
}
