package models

import "time"

// SyncErrorEntry is one queued per-item failure. The table is a capped FIFO:
// the store keeps the newest entries and evicts the oldest past the cap.
type SyncErrorEntry struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	Scope        string    `gorm:"type:text;index;not null"`
	CampaignName string    `gorm:"type:text"`
	Email        string    `gorm:"type:text"`
	Message      string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"type:timestamptz;not null"`
}

func (SyncErrorEntry) TableName() string {
	return "sync_errors"
}
