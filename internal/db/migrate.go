package db

import (
	"tiersync/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Campaign{},
		&models.Group{},
		&models.Field{},
		&models.Subscriber{},
		&models.CampaignGroupSubscriber{},
		&models.Transition{},
		&models.TransitionSubscriber{},
		&models.SyncCheckpoint{},
		&models.SyncErrorEntry{},
		&models.SyncRun{},
	)
}
