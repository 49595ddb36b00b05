package repository

import (
	"context"

	"gorm.io/gorm"

	"tiersync/internal/models"
)

// Store is the durable local mirror the engine reconciles into. Bulk upserts
// taking a *gorm.DB run inside the caller's transaction; everything else
// manages its own.
type Store interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	// Campaigns.
	UpsertCampaignsTx(ctx context.Context, tx *gorm.DB, items []models.Campaign) error
	GetCampaignByName(ctx context.Context, name string) (*models.Campaign, error)
	GetCampaignByID(ctx context.Context, id uint64) (*models.Campaign, error)
	ListCampaigns(ctx context.Context) ([]models.Campaign, error)
	DeleteCampaignTx(ctx context.Context, tx *gorm.DB, campaignID uint64) error

	// Groups.
	UpsertGroupsTx(ctx context.Context, tx *gorm.DB, items []models.Group) error
	ListGroups(ctx context.Context) ([]models.Group, error)
	ListGroupsByCampaignID(ctx context.Context, campaignID uint64) ([]models.Group, error)
	DeleteGroupsNotInTx(ctx context.Context, tx *gorm.DB, remoteIDs []string) (int64, error)

	// Fields.
	UpsertFieldsTx(ctx context.Context, tx *gorm.DB, items []models.Field) error
	GetFieldByCampaignID(ctx context.Context, campaignID uint64) (*models.Field, error)

	// Subscribers and the materialized campaign-group-subscriber join.
	UpsertSubscribersTx(ctx context.Context, tx *gorm.DB, items []models.Subscriber) error
	GetSubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error)
	UpsertAssociationsTx(ctx context.Context, tx *gorm.DB, items []models.CampaignGroupSubscriber) error
	ListAssociationsByCampaignID(ctx context.Context, campaignID uint64) ([]models.CampaignGroupSubscriber, error)
	DeleteAssociationsByCampaignTx(ctx context.Context, tx *gorm.DB, campaignID uint64) error

	// Transition history (append-only).
	CreateTransition(ctx context.Context, item *models.Transition) error
	UpdateTransitionStatus(ctx context.Context, id uint64, status string, transferred int) error
	InsertTransitionSubscribersTx(ctx context.Context, tx *gorm.DB, items []models.TransitionSubscriber) error
	ListTransitions(ctx context.Context, limit int) ([]models.Transition, error)
	ListTransitionSubscribers(ctx context.Context, transitionID uint64) ([]models.TransitionSubscriber, error)

	// Pagination checkpoints.
	GetCheckpoint(ctx context.Context, campaign, groupTier string) (*models.SyncCheckpoint, error)
	SaveCheckpointTx(ctx context.Context, tx *gorm.DB, cp *models.SyncCheckpoint) error
	ClearCheckpoint(ctx context.Context, campaign, groupTier string) error
	ListCheckpoints(ctx context.Context) ([]models.SyncCheckpoint, error)

	// Capped FIFO error queue.
	PushSyncError(ctx context.Context, entry *models.SyncErrorEntry, cap int) error
	ListSyncErrors(ctx context.Context, limit int) ([]models.SyncErrorEntry, error)

	// Run records.
	CreateSyncRun(ctx context.Context, run *models.SyncRun) error
	UpdateSyncRun(ctx context.Context, run *models.SyncRun) error
	GetLatestSyncRun(ctx context.Context) (*models.SyncRun, error)

	// Advisory lock guarding single-writer full-sync runs.
	TryAdvisoryLock(ctx context.Context, key int64) (bool, error)
	AdvisoryUnlock(ctx context.Context, key int64) error
}
