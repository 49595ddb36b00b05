package models

import "time"

const (
	TransitionPending  = "Pending"
	TransitionRunning  = "Running"
	TransitionComplete = "Complete"
	TransitionFailed   = "Failed"
)

// Transition is one invoked bulk-transition operation. Append-only history:
// rows are finalized, never deleted.
type Transition struct {
	ID                    uint64    `gorm:"primaryKey;autoIncrement"`
	SourceCampaignID      uint64    `gorm:"index;not null"`
	DestinationCampaignID uint64    `gorm:"index;not null"`
	Status                string    `gorm:"type:text;not null;default:'Pending'"`
	TransferredCount      int       `gorm:"not null;default:0"`
	CreatedAt             time.Time `gorm:"type:timestamptz;not null"`
	UpdatedAt             time.Time `gorm:"type:timestamptz;not null"`
}

func (Transition) TableName() string {
	return "transitions"
}

type TransitionSubscriber struct {
	ID                 uint64    `gorm:"primaryKey;autoIncrement"`
	TransitionID       uint64    `gorm:"index;not null"`
	SubscriberID       string    `gorm:"type:text;not null"`
	Email              string    `gorm:"type:text;not null"`
	SourceGroupID      string    `gorm:"type:text"`
	DestinationGroupID string    `gorm:"type:text"`
	Tier               string    `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"type:timestamptz;not null"`
}

func (TransitionSubscriber) TableName() string {
	return "transition_subscribers"
}
