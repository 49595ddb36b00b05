package models

import "time"

// Group mirrors one remote tier-group. The remote id is the identity; the name
// always decomposes into {CAMPAIGN}_{TIER}.
type Group struct {
	RemoteID   string    `gorm:"primaryKey;type:text"`
	Name       string    `gorm:"type:text;index;not null"`
	CampaignID uint64    `gorm:"index;not null"`
	Tier       string    `gorm:"type:text;not null"`
	LastSeenAt time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt  time.Time `gorm:"type:timestamptz;not null"`
	UpdatedAt  time.Time `gorm:"type:timestamptz;not null"`
}

func (Group) TableName() string {
	return "groups"
}
