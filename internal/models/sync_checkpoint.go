package models

import "time"

// SyncCheckpoint is the resume cursor for one (campaign, tier-group) pagination
// loop. Saved after every processed page, cleared when the group drains.
type SyncCheckpoint struct {
	CampaignName  string    `gorm:"primaryKey;type:text"`
	GroupTier     string    `gorm:"primaryKey;type:text"`
	RemoteGroupID string    `gorm:"type:text;not null"`
	NextPage      int       `gorm:"not null;default:1"`
	RetryCount    int       `gorm:"not null;default:0"`
	LastError     *string   `gorm:"type:text"`
	UpdatedAt     time.Time `gorm:"type:timestamptz;not null"`
}

func (SyncCheckpoint) TableName() string {
	return "sync_checkpoints"
}
