package gormrepository

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tiersync/internal/models"
)

type Store struct {
	db *gorm.DB

	mu        sync.Mutex
	lockConns map[int64]*sql.Conn
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, lockConns: map[int64]*sql.Conn{}}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- campaigns ---------------------------------------------------------------

func (s *Store) UpsertCampaignsTx(ctx context.Context, tx *gorm.DB, items []models.Campaign) error {
	if tx == nil || len(items) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"remote_id",
			"product_id",
			"artist",
			"album",
			"year",
			"last_seen_at",
			"raw_json",
			"updated_at",
		}),
	}).Create(&items).Error
}

func (s *Store) GetCampaignByName(ctx context.Context, name string) (*models.Campaign, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return nil, nil
	}
	var item models.Campaign
	err := s.db.WithContext(ctx).Model(&models.Campaign{}).Where("name = ?", name).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetCampaignByID(ctx context.Context, id uint64) (*models.Campaign, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Campaign
	err := s.db.WithContext(ctx).Model(&models.Campaign{}).Where("id = ?", id).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListCampaigns(ctx context.Context) ([]models.Campaign, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Campaign
	if err := s.db.WithContext(ctx).
		Model(&models.Campaign{}).
		Order("name asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// DeleteCampaignTx removes a campaign with its groups, field and association
// rows. Transition history is preserved.
func (s *Store) DeleteCampaignTx(ctx context.Context, tx *gorm.DB, campaignID uint64) error {
	if tx == nil || campaignID == 0 {
		return nil
	}
	if err := s.DeleteAssociationsByCampaignTx(ctx, tx, campaignID); err != nil {
		return err
	}
	if err := tx.WithContext(ctx).Where("campaign_id = ?", campaignID).Delete(&models.Group{}).Error; err != nil {
		return err
	}
	if err := tx.WithContext(ctx).Where("campaign_id = ?", campaignID).Delete(&models.Field{}).Error; err != nil {
		return err
	}
	return tx.WithContext(ctx).Where("id = ?", campaignID).Delete(&models.Campaign{}).Error
}

// --- groups ------------------------------------------------------------------

func (s *Store) UpsertGroupsTx(ctx context.Context, tx *gorm.DB, items []models.Group) error {
	if tx == nil || len(items) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name",
			"campaign_id",
			"tier",
			"last_seen_at",
			"updated_at",
		}),
	}).Create(&items).Error
}

func (s *Store) ListGroups(ctx context.Context) ([]models.Group, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Group
	if err := s.db.WithContext(ctx).
		Model(&models.Group{}).
		Order("name asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListGroupsByCampaignID(ctx context.Context, campaignID uint64) ([]models.Group, error) {
	if s == nil || s.db == nil || campaignID == 0 {
		return nil, nil
	}
	var items []models.Group
	if err := s.db.WithContext(ctx).
		Model(&models.Group{}).
		Where("campaign_id = ?", campaignID).
		Order("name asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// DeleteGroupsNotInTx prunes local groups whose remote id vanished from the
// current remote listing.
func (s *Store) DeleteGroupsNotInTx(ctx context.Context, tx *gorm.DB, remoteIDs []string) (int64, error) {
	if tx == nil {
		return 0, nil
	}
	query := tx.WithContext(ctx)
	if len(remoteIDs) == 0 {
		res := query.Where("1 = 1").Delete(&models.Group{})
		return res.RowsAffected, res.Error
	}
	res := query.Where("remote_id NOT IN ?", remoteIDs).Delete(&models.Group{})
	return res.RowsAffected, res.Error
}

// --- fields ------------------------------------------------------------------

func (s *Store) UpsertFieldsTx(ctx context.Context, tx *gorm.DB, items []models.Field) error {
	if tx == nil || len(items) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name",
			"campaign_id",
			"last_seen_at",
			"updated_at",
		}),
	}).Create(&items).Error
}

func (s *Store) GetFieldByCampaignID(ctx context.Context, campaignID uint64) (*models.Field, error) {
	if s == nil || s.db == nil || campaignID == 0 {
		return nil, nil
	}
	var item models.Field
	err := s.db.WithContext(ctx).Model(&models.Field{}).Where("campaign_id = ?", campaignID).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// --- subscribers & associations ----------------------------------------------

func (s *Store) UpsertSubscribersTx(ctx context.Context, tx *gorm.DB, items []models.Subscriber) error {
	if tx == nil || len(items) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"email",
			"name",
			"tier",
			"purchase_indicator",
			"campaign_id",
			"group_id",
			"updated_at",
		}),
	}).Create(&items).Error
}

func (s *Store) GetSubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}
	var item models.Subscriber
	err := s.db.WithContext(ctx).Model(&models.Subscriber{}).Where("LOWER(email) = ?", email).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertAssociationsTx(ctx context.Context, tx *gorm.DB, items []models.CampaignGroupSubscriber) error {
	if tx == nil || len(items) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "campaign_id"}, {Name: "subscriber_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"group_id",
			"field_id",
			"tier",
			"purchase_id",
			"updated_at",
		}),
	}).Create(&items).Error
}

func (s *Store) ListAssociationsByCampaignID(ctx context.Context, campaignID uint64) ([]models.CampaignGroupSubscriber, error) {
	if s == nil || s.db == nil || campaignID == 0 {
		return nil, nil
	}
	var items []models.CampaignGroupSubscriber
	if err := s.db.WithContext(ctx).
		Model(&models.CampaignGroupSubscriber{}).
		Where("campaign_id = ?", campaignID).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) DeleteAssociationsByCampaignTx(ctx context.Context, tx *gorm.DB, campaignID uint64) error {
	if tx == nil || campaignID == 0 {
		return nil
	}
	return tx.WithContext(ctx).Where("campaign_id = ?", campaignID).Delete(&models.CampaignGroupSubscriber{}).Error
}

// --- transitions -------------------------------------------------------------

func (s *Store) CreateTransition(ctx context.Context, item *models.Transition) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) UpdateTransitionStatus(ctx context.Context, id uint64, status string, transferred int) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Transition{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            status,
			"transferred_count": transferred,
			"updated_at":        time.Now().UTC(),
		}).Error
}

func (s *Store) InsertTransitionSubscribersTx(ctx context.Context, tx *gorm.DB, items []models.TransitionSubscriber) error {
	if tx == nil || len(items) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&items).Error
}

func (s *Store) ListTransitions(ctx context.Context, limit int) ([]models.Transition, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	var items []models.Transition
	if err := s.db.WithContext(ctx).
		Model(&models.Transition{}).
		Order("id desc").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListTransitionSubscribers(ctx context.Context, transitionID uint64) ([]models.TransitionSubscriber, error) {
	if s == nil || s.db == nil || transitionID == 0 {
		return nil, nil
	}
	var items []models.TransitionSubscriber
	if err := s.db.WithContext(ctx).
		Model(&models.TransitionSubscriber{}).
		Where("transition_id = ?", transitionID).
		Order("id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- checkpoints -------------------------------------------------------------

func (s *Store) GetCheckpoint(ctx context.Context, campaign, groupTier string) (*models.SyncCheckpoint, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.SyncCheckpoint
	err := s.db.WithContext(ctx).
		Model(&models.SyncCheckpoint{}).
		Where("campaign_name = ? AND group_tier = ?", campaign, groupTier).
		First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) SaveCheckpointTx(ctx context.Context, tx *gorm.DB, cp *models.SyncCheckpoint) error {
	if tx == nil || cp == nil {
		return nil
	}
	cp.UpdatedAt = time.Now().UTC()
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "campaign_name"}, {Name: "group_tier"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"remote_group_id",
			"next_page",
			"retry_count",
			"last_error",
			"updated_at",
		}),
	}).Create(cp).Error
}

func (s *Store) ClearCheckpoint(ctx context.Context, campaign, groupTier string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("campaign_name = ? AND group_tier = ?", campaign, groupTier).
		Delete(&models.SyncCheckpoint{}).Error
}

func (s *Store) ListCheckpoints(ctx context.Context) ([]models.SyncCheckpoint, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.SyncCheckpoint
	if err := s.db.WithContext(ctx).
		Model(&models.SyncCheckpoint{}).
		Order("campaign_name asc, group_tier asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- error queue -------------------------------------------------------------

// PushSyncError appends one entry and evicts the oldest rows past the cap,
// keeping the newest entries only.
func (s *Store) PushSyncError(ctx context.Context, entry *models.SyncErrorEntry, cap int) error {
	if s == nil || s.db == nil || entry == nil {
		return nil
	}
	if cap <= 0 {
		cap = 100
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		return tx.Exec(
			"DELETE FROM sync_errors WHERE id NOT IN (SELECT id FROM sync_errors ORDER BY id DESC LIMIT ?)",
			cap,
		).Error
	})
}

func (s *Store) ListSyncErrors(ctx context.Context, limit int) ([]models.SyncErrorEntry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	var items []models.SyncErrorEntry
	if err := s.db.WithContext(ctx).
		Model(&models.SyncErrorEntry{}).
		Order("id asc").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- runs --------------------------------------------------------------------

func (s *Store) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	if s == nil || s.db == nil || run == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *Store) UpdateSyncRun(ctx context.Context, run *models.SyncRun) error {
	if s == nil || s.db == nil || run == nil || run.ID == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Save(run).Error
}

func (s *Store) GetLatestSyncRun(ctx context.Context) (*models.SyncRun, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.SyncRun
	err := s.db.WithContext(ctx).Model(&models.SyncRun{}).Order("id desc").First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// --- advisory lock -----------------------------------------------------------

// TryAdvisoryLock grabs a session-level Postgres advisory lock on a dedicated
// connection so the lock survives pool churn until AdvisoryUnlock releases it.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	sqldb, err := s.db.DB()
	if err != nil {
		return false, err
	}
	conn, err := sqldb.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	s.mu.Lock()
	s.lockConns[key] = conn
	s.mu.Unlock()
	return true, nil
}

func (s *Store) AdvisoryUnlock(ctx context.Context, key int64) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	conn := s.lockConns[key]
	delete(s.lockConns, key)
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	_, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", key)
	closeErr := conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}
