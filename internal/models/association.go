package models

import "time"

// CampaignGroupSubscriber is the materialized join: this subscriber currently
// sits in this tier-group of this campaign, with this purchase reference.
// Rebuilt on each subscriber sync pass; a page of rows commits atomically or
// not at all.
type CampaignGroupSubscriber struct {
	CampaignID   uint64    `gorm:"primaryKey;autoIncrement:false"`
	SubscriberID string    `gorm:"primaryKey;type:text"`
	GroupID      string    `gorm:"type:text;not null"`
	FieldID      string    `gorm:"type:text"`
	Tier         string    `gorm:"type:text;not null"`
	PurchaseID   *string   `gorm:"type:text"`
	UpdatedAt    time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt    time.Time `gorm:"type:timestamptz;not null"`
}

func (CampaignGroupSubscriber) TableName() string {
	return "campaign_group_subscribers"
}
