package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tiersync/internal/config"
	"tiersync/internal/metrics"
	"tiersync/internal/models"
	"tiersync/internal/platform"
	"tiersync/internal/repository"
	"tiersync/internal/retry"
	"tiersync/internal/tier"
)

// syncLockKey is the advisory lock guarding full-sync runs. All deployments
// sharing one database share one writer slot.
const syncLockKey int64 = 0x7469657253796e63

// ErrRunActive is returned when a run is requested while another holds the
// advisory lock.
var ErrRunActive = errors.New("a sync run is already active")

// SyncService is the batch orchestrator. One Run call is one cooperative tick:
// it processes campaigns sequentially, group by group, page by page, persists
// a checkpoint after every page, and returns once it exhausts the work or hits
// the page ceiling, the time budget, the memory budget, or a cancellation.
type SyncService struct {
	Store    repository.Store
	Platform platform.SubscriberPlatform
	Oracle   platform.PurchaseOracle
	Cfg      config.SyncConfig
	Logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

type SyncReport struct {
	RunID            uint64   `json:"run_id"`
	Status           string   `json:"status"`
	Pages            int      `json:"pages"`
	Subscribers      int      `json:"subscribers"`
	Moves            int      `json:"moves"`
	SkippedCampaigns []string `json:"skipped_campaigns,omitempty"`
	Done             bool     `json:"done"`
}

// stopReason distinguishes why the tick stopped accepting work.
type stopReason int

const (
	stopNone stopReason = iota
	stopCancelled
	stopPageCeiling
	stopTimeBudget
	stopMemoryBudget
)

// Run executes one orchestrator tick. Listing failures are fatal and flip the
// run to failed; everything narrower is queued and skipped. Budget breaches
// behave exactly like cancellation: checkpoint, stop cleanly, status stopped.
func (s *SyncService) Run(ctx context.Context) (SyncReport, error) {
	acquired, err := s.Store.TryAdvisoryLock(ctx, syncLockKey)
	if err != nil {
		return SyncReport{}, err
	}
	if !acquired {
		return SyncReport{}, ErrRunActive
	}
	defer func() {
		if err := s.Store.AdvisoryUnlock(context.WithoutCancel(ctx), syncLockKey); err != nil && s.Logger != nil {
			s.Logger.Warn("advisory unlock failed", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	started := time.Now()
	run := &models.SyncRun{Status: models.RunRunning, StartedAt: started.UTC()}
	if err := s.Store.CreateSyncRun(ctx, run); err != nil {
		return SyncReport{}, err
	}

	report, runErr := s.runTick(runCtx, run, started)
	report.RunID = run.ID

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Pages = report.Pages
	run.Subscribers = report.Subscribers
	run.Moves = report.Moves
	switch {
	case runErr != nil:
		run.Status = models.RunFailed
		msg := runErr.Error()
		run.LastError = &msg
	case report.Status == models.RunStopped:
		run.Status = models.RunStopped
	default:
		run.Status = models.RunCompleted
	}
	report.Status = run.Status
	if raw, merr := json.Marshal(report); merr == nil {
		run.StatsJSON = datatypes.JSON(raw)
	}
	metrics.RecordSyncRun(run.Status, time.Since(started).Seconds())
	if err := s.Store.UpdateSyncRun(context.WithoutCancel(ctx), run); err != nil && s.Logger != nil {
		s.Logger.Warn("sync run update failed", zap.Uint64("run_id", run.ID), zap.Error(err))
	}
	return report, runErr
}

// StopActive requests cooperative cancellation of the in-flight run. The stop
// takes effect at the next loop boundary; the current page's transaction runs
// to completion or rollback first.
func (s *SyncService) StopActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

func (s *SyncService) runTick(ctx context.Context, run *models.SyncRun, started time.Time) (SyncReport, error) {
	report := SyncReport{Status: models.RunRunning}

	campaigns, err := s.Store.ListCampaigns(ctx)
	if err != nil {
		return report, err
	}
	var remoteGroups []platform.Group
	if err := s.platformRetry().Do(ctx, func() error {
		var lerr error
		remoteGroups, lerr = s.Platform.ListGroups(ctx)
		return lerr
	}); err != nil {
		return report, fmt.Errorf("list remote groups: %w", err)
	}
	groupByName := map[string]platform.Group{}
	for _, g := range remoteGroups {
		groupByName[strings.ToUpper(strings.TrimSpace(g.Name))] = g
	}

	tiers := s.Cfg.TierList()
	valid := make([]models.Campaign, 0, len(campaigns))
	for _, campaign := range campaigns {
		missing := s.missingGroups(campaign.Name, tiers, groupByName)
		if len(missing) > 0 {
			report.SkippedCampaigns = append(report.SkippedCampaigns, campaign.Name)
			s.queueError(ctx, "sync", campaign.Name, "",
				fmt.Errorf("missing groups: %s", strings.Join(missing, ", ")))
			continue
		}
		valid = append(valid, campaign)
	}

	report.Done = true
	for _, campaign := range valid {
		if reason := s.checkStop(ctx, started, report.Pages); reason != stopNone {
			s.applyStop(&report, reason)
			return report, nil
		}
		for _, t := range tiers {
			if reason := s.checkStop(ctx, started, report.Pages); reason != stopNone {
				s.applyStop(&report, reason)
				return report, nil
			}
			done, err := s.syncGroup(ctx, &report, campaign, t, groupByName, started)
			if err != nil {
				// Narrow failure: queue and move to the next group.
				s.queueError(ctx, "sync", campaign.Name, "", err)
				continue
			}
			if !done {
				report.Done = false
				if reason := s.checkStop(ctx, started, report.Pages); reason != stopNone {
					s.applyStop(&report, reason)
					return report, nil
				}
			}
		}
	}
	return report, nil
}

func (s *SyncService) missingGroups(campaign string, tiers []tier.Tier, groupByName map[string]platform.Group) []string {
	missing := make([]string, 0)
	for _, t := range tiers {
		name := tier.GroupName(campaign, t)
		if _, ok := groupByName[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// syncGroup drains one (campaign, tier) group page by page, resuming from the
// stored checkpoint. Returns done=false when it stopped before exhausting the
// pagination (ceiling or budget), leaving the checkpoint in place.
func (s *SyncService) syncGroup(ctx context.Context, report *SyncReport, campaign models.Campaign, t tier.Tier, groupByName map[string]platform.Group, started time.Time) (bool, error) {
	groupName := tier.GroupName(campaign.Name, t)
	remoteGroup, ok := groupByName[groupName]
	if !ok {
		// Validated above; a group vanishing mid-run is a warning, not a retry.
		if s.Logger != nil {
			s.Logger.Warn("group missing from remote listing", zap.String("group", groupName))
		}
		return true, nil
	}

	page := 1
	checkpoint, err := s.Store.GetCheckpoint(ctx, campaign.Name, string(t))
	if err != nil {
		return false, err
	}
	if checkpoint != nil && checkpoint.NextPage > 0 {
		page = checkpoint.NextPage
	}

	pageSize := s.Cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	for {
		if reason := s.checkStop(ctx, started, report.Pages); reason != stopNone {
			return false, nil
		}
		var members []platform.Member
		err := s.platformRetry().Do(ctx, func() error {
			var lerr error
			members, lerr = s.Platform.ListGroupMembers(ctx, remoteGroup.ID, page, pageSize)
			return lerr
		})
		if err != nil {
			s.writeCheckpointError(ctx, campaign.Name, t, remoteGroup.ID, page, err)
			return false, err
		}
		if len(members) == 0 {
			if err := s.Store.ClearCheckpoint(ctx, campaign.Name, string(t)); err != nil {
				return false, err
			}
			return true, nil
		}

		moves, err := s.processPage(ctx, campaign, t, remoteGroup, groupByName, members, page)
		if err != nil {
			s.writeCheckpointError(ctx, campaign.Name, t, remoteGroup.ID, page, err)
			return false, err
		}
		report.Pages++
		report.Subscribers += len(members)
		report.Moves += moves
		metrics.SyncPagesProcessed.WithLabelValues(campaign.Name, string(t)).Inc()

		page++
		if len(members) < pageSize {
			if err := s.Store.ClearCheckpoint(ctx, campaign.Name, string(t)); err != nil {
				return false, err
			}
			return true, nil
		}
	}
}

// processPage applies tier policy to one page of members and commits the local
// effects as a single transaction together with the advanced checkpoint.
// Per-member oracle or platform failures are queued and skip the member; a
// failure of the bulk upsert itself rolls the whole page back.
func (s *SyncService) processPage(ctx context.Context, campaign models.Campaign, current tier.Tier, group platform.Group, groupByName map[string]platform.Group, members []platform.Member, page int) (int, error) {
	now := time.Now().UTC()
	fieldName := tier.FieldName(campaign.Name)
	field, err := s.Store.GetFieldByCampaignID(ctx, campaign.ID)
	if err != nil {
		return 0, err
	}

	moves := 0
	subscribers := make([]models.Subscriber, 0, len(members))
	associations := make([]models.CampaignGroupSubscriber, 0, len(members))
	for _, member := range members {
		if member.ID == "" || member.Email == "" {
			continue
		}
		purchased, err := s.hasPurchased(ctx, campaign, member)
		if err != nil {
			s.queueError(ctx, "sync", campaign.Name, member.Email, err)
			continue
		}

		next := tier.Next(current, purchased)
		movedGroup := group
		if next != current {
			target, ok := groupByName[tier.GroupName(campaign.Name, next)]
			if !ok {
				// Configuration drift: destination tier has no group. Logged
				// no-op, the member stays put.
				if s.Logger != nil {
					s.Logger.Warn("transition rejected, destination group missing",
						zap.String("campaign", campaign.Name),
						zap.String("from", string(current)),
						zap.String("to", string(next)))
				}
				next = current
			} else {
				if err := s.platformRetry().Do(ctx, func() error {
					return s.moveMember(ctx, member.ID, group.ID, target.ID)
				}); err != nil {
					s.queueError(ctx, "sync", campaign.Name, member.Email, err)
					continue
				}
				movedGroup = target
				moves++
				metrics.TierMoves.WithLabelValues(string(current), string(next)).Inc()
			}
		}

		indicator := "0"
		if purchased {
			indicator = "1"
		}
		// Purchase field is written unconditionally, moved or not.
		if err := s.platformRetry().Do(ctx, func() error {
			return s.Platform.UpdateMemberFields(ctx, member.ID, map[string]string{fieldName: indicator})
		}); err != nil {
			s.queueError(ctx, "sync", campaign.Name, member.Email, err)
			continue
		}

		campaignID := campaign.ID
		groupID := movedGroup.ID
		indicatorInt := 0
		if purchased {
			indicatorInt = 1
		}
		subscribers = append(subscribers, models.Subscriber{
			RemoteID:          member.ID,
			Email:             strings.ToLower(member.Email),
			Name:              member.Name,
			Tier:              string(next),
			PurchaseIndicator: indicatorInt,
			CampaignID:        &campaignID,
			GroupID:           &groupID,
			UpdatedAt:         now,
		})
		association := models.CampaignGroupSubscriber{
			CampaignID:   campaign.ID,
			SubscriberID: member.ID,
			GroupID:      movedGroup.ID,
			Tier:         string(next),
			UpdatedAt:    now,
		}
		if field != nil {
			association.FieldID = field.RemoteID
		}
		if ref := strings.TrimSpace(member.Fields[fieldName]); ref != "" && ref != "0" {
			association.PurchaseID = &ref
		}
		associations = append(associations, association)
	}

	policy := retry.Deadlock(s.Cfg.TxMaxAttempts, s.Cfg.TxRetryJitter)
	err = policy.Do(ctx, func() error {
		return s.Store.InTx(ctx, func(tx *gorm.DB) error {
			if err := s.Store.UpsertSubscribersTx(ctx, tx, subscribers); err != nil {
				return err
			}
			if err := s.Store.UpsertAssociationsTx(ctx, tx, associations); err != nil {
				return err
			}
			if page <= 0 {
				// A single-member resync runs outside the pagination loop and
				// must leave the group's resume cursor untouched.
				return nil
			}
			return s.Store.SaveCheckpointTx(ctx, tx, &models.SyncCheckpoint{
				CampaignName:  campaign.Name,
				GroupTier:     string(current),
				RemoteGroupID: group.ID,
				NextPage:      page + 1,
			})
		})
	})
	if err != nil {
		return 0, err
	}
	return moves, nil
}

// platformRetry is the policy applied to every remote platform call: transient
// failures retry with attempt-scaled delay, a reported rate-limit reset is
// honored verbatim, permanent errors surface immediately.
func (s *SyncService) platformRetry() retry.Policy {
	return retry.Transient(s.Cfg.PlatformMaxAttempts, s.Cfg.PlatformRetryDelay)
}

func (s *SyncService) hasPurchased(ctx context.Context, campaign models.Campaign, member platform.Member) (bool, error) {
	if s.Oracle == nil || campaign.ProductID == nil || *campaign.ProductID == "" {
		return false, nil
	}
	return s.Oracle.HasPurchased(ctx, member.Email, *campaign.ProductID)
}

// moveMember performs the remote tier move, remove-then-add. The remove is
// attempted first so a failure never leaves the member in two groups. An empty
// source group means the member was unassigned; there is nothing to remove.
func (s *SyncService) moveMember(ctx context.Context, memberID, fromGroupID, toGroupID string) error {
	if fromGroupID != "" {
		if err := s.Platform.RemoveMemberFromGroup(ctx, memberID, fromGroupID); err != nil {
			return err
		}
	}
	return s.Platform.AddMemberToGroup(ctx, memberID, toGroupID)
}

// ResyncSubscriber re-runs the tier policy for one subscriber in one campaign,
// the operator remedy for a queued per-item failure.
func (s *SyncService) ResyncSubscriber(ctx context.Context, email, campaignName string) (SyncReport, error) {
	report := SyncReport{}
	campaign, err := s.Store.GetCampaignByName(ctx, campaignName)
	if err != nil {
		return report, err
	}
	if campaign == nil {
		return report, fmt.Errorf("unknown campaign %q", campaignName)
	}
	member, err := s.Platform.GetMember(ctx, email)
	if err != nil {
		return report, err
	}
	if member == nil {
		return report, fmt.Errorf("unknown subscriber %q", email)
	}
	remoteGroups, err := s.Platform.ListGroups(ctx)
	if err != nil {
		return report, err
	}
	groupByName := map[string]platform.Group{}
	for _, g := range remoteGroups {
		groupByName[strings.ToUpper(strings.TrimSpace(g.Name))] = g
	}

	current := tier.Unassigned
	if sub, err := s.Store.GetSubscriberByEmail(ctx, email); err != nil {
		return report, err
	} else if sub != nil {
		if parsed, ok := tier.Parse(sub.Tier); ok {
			current = parsed
		}
	}
	group, ok := groupByName[tier.GroupName(campaign.Name, current)]
	if !ok && current != tier.Unassigned {
		return report, fmt.Errorf("no group for tier %s", current)
	}

	moves, err := s.processPage(ctx, *campaign, current, group, groupByName, []platform.Member{*member}, 0)
	if err != nil {
		return report, err
	}
	report.Subscribers = 1
	report.Moves = moves
	report.Status = models.RunCompleted
	report.Done = true
	return report, nil
}

func (s *SyncService) checkStop(ctx context.Context, started time.Time, pages int) stopReason {
	if ctx.Err() != nil {
		return stopCancelled
	}
	if s.Cfg.MaxPagesPerTick > 0 && pages >= s.Cfg.MaxPagesPerTick {
		return stopPageCeiling
	}
	if s.Cfg.TimeBudget > 0 && time.Since(started) >= s.Cfg.TimeBudget {
		return stopTimeBudget
	}
	if s.Cfg.MemoryBudgetMB > 0 {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		if stats.HeapAlloc >= uint64(s.Cfg.MemoryBudgetMB)*1024*1024 {
			return stopMemoryBudget
		}
	}
	return stopNone
}

func (s *SyncService) applyStop(report *SyncReport, reason stopReason) {
	report.Done = false
	switch reason {
	case stopCancelled, stopTimeBudget, stopMemoryBudget:
		report.Status = models.RunStopped
	default:
		// Page ceiling is the normal end of a cooperative tick.
		report.Status = models.RunCompleted
	}
	if s.Logger != nil {
		s.Logger.Info("sync tick stopping", zap.Int("reason", int(reason)))
	}
}

func (s *SyncService) writeCheckpointError(ctx context.Context, campaign string, t tier.Tier, groupID string, page int, err error) {
	msg := err.Error()
	cp := &models.SyncCheckpoint{
		CampaignName:  campaign,
		GroupTier:     string(t),
		RemoteGroupID: groupID,
		NextPage:      page,
		LastError:     &msg,
	}
	if existing, getErr := s.Store.GetCheckpoint(ctx, campaign, string(t)); getErr == nil && existing != nil {
		cp.RetryCount = existing.RetryCount + 1
	}
	_ = s.Store.InTx(ctx, func(tx *gorm.DB) error {
		return s.Store.SaveCheckpointTx(ctx, tx, cp)
	})
}

func (s *SyncService) queueError(ctx context.Context, scope, campaign, email string, err error) {
	if s.Logger != nil {
		s.Logger.Warn("sync item failed",
			zap.String("scope", scope),
			zap.String("campaign", campaign),
			zap.String("email", email),
			zap.Error(err))
	}
	metrics.SyncItemErrors.WithLabelValues(scope).Inc()
	_ = s.Store.PushSyncError(ctx, &models.SyncErrorEntry{
		Scope:        scope,
		CampaignName: campaign,
		Email:        email,
		Message:      err.Error(),
		CreatedAt:    time.Now().UTC(),
	}, s.Cfg.ErrorQueueCap)
}
