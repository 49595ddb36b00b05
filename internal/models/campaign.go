package models

import (
	"time"

	"gorm.io/datatypes"
)

type Campaign struct {
	ID         uint64         `gorm:"primaryKey;autoIncrement"`
	Name       string         `gorm:"type:text;uniqueIndex;not null"`
	RemoteID   string         `gorm:"type:text;index"`
	ProductID  *string        `gorm:"type:text"`
	Artist     *string        `gorm:"type:text"`
	Album      *string        `gorm:"type:text"`
	Year       *int           `gorm:""`
	Custom     bool           `gorm:"not null;default:false"`
	LastSeenAt time.Time      `gorm:"type:timestamptz;not null"`
	RawJSON    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"type:timestamptz;not null"`
	UpdatedAt  time.Time      `gorm:"type:timestamptz;not null"`
}

func (Campaign) TableName() string {
	return "campaigns"
}
