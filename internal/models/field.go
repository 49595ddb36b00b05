package models

import "time"

// Field mirrors the per-campaign numeric purchase field, {CAMPAIGN}_PURCHASE.
type Field struct {
	RemoteID   string    `gorm:"primaryKey;type:text"`
	Name       string    `gorm:"type:text;uniqueIndex;not null"`
	CampaignID uint64    `gorm:"index;not null"`
	LastSeenAt time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt  time.Time `gorm:"type:timestamptz;not null"`
	UpdatedAt  time.Time `gorm:"type:timestamptz;not null"`
}

func (Field) TableName() string {
	return "fields"
}
