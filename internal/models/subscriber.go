package models

import "time"

type Subscriber struct {
	RemoteID          string    `gorm:"primaryKey;type:text"`
	Email             string    `gorm:"type:text;uniqueIndex;not null"`
	Name              string    `gorm:"type:text"`
	Tier              string    `gorm:"type:text;not null"`
	PurchaseIndicator int       `gorm:"not null;default:0"`
	CampaignID        *uint64   `gorm:"index"`
	GroupID           *string   `gorm:"type:text;index"`
	UpdatedAt         time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt         time.Time `gorm:"type:timestamptz;not null"`
}

func (Subscriber) TableName() string {
	return "subscribers"
}
