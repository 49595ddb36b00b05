package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"tiersync/internal/config"
	"tiersync/internal/metrics"
	"tiersync/internal/models"
	"tiersync/internal/platform"
	"tiersync/internal/repository"
	"tiersync/internal/retry"
	"tiersync/internal/tier"
)

// TransitionService moves eligible subscribers between the tier-groups of two
// campaigns under a configured rule matrix. One Execute call produces exactly
// one transition record, created up front and finalized with the total count.
type TransitionService struct {
	Store         repository.Store
	Platform      platform.SubscriberPlatform
	Oracle        platform.PurchaseOracle
	PageSize      int
	QueueCap      int
	RetryAttempts int
	RetryDelay    time.Duration
	Logger        *zap.Logger
}

type TransitionReport struct {
	TransitionID uint64               `json:"transition_id"`
	Status       string               `json:"status"`
	Transferred  int                  `json:"transferred"`
	Rules        []TransitionRuleStat `json:"rules"`
}

type TransitionRuleStat struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Members     int    `json:"members"`
	Transferred int    `json:"transferred"`
	Skipped     int    `json:"skipped"`
}

// Execute walks the rule matrix in order. A rule whose source or destination
// group is missing contributes zero transfers and does not abort the rest; a
// remote listing or import failure finalizes the transition as failed.
func (s *TransitionService) Execute(ctx context.Context, sourceCampaign, destCampaign string, rules []config.TransitionRule) (TransitionReport, error) {
	report := TransitionReport{}
	if len(rules) == 0 {
		return report, fmt.Errorf("no transition rules configured")
	}
	source, err := s.Store.GetCampaignByName(ctx, sourceCampaign)
	if err != nil {
		return report, err
	}
	if source == nil {
		return report, fmt.Errorf("unknown source campaign %q", sourceCampaign)
	}
	dest, err := s.Store.GetCampaignByName(ctx, destCampaign)
	if err != nil {
		return report, err
	}
	if dest == nil {
		return report, fmt.Errorf("unknown destination campaign %q", destCampaign)
	}

	transition := &models.Transition{
		SourceCampaignID:      source.ID,
		DestinationCampaignID: dest.ID,
		Status:                models.TransitionPending,
		CreatedAt:             time.Now().UTC(),
		UpdatedAt:             time.Now().UTC(),
	}
	if err := s.Store.CreateTransition(ctx, transition); err != nil {
		return report, err
	}
	report.TransitionID = transition.ID
	if err := s.Store.UpdateTransitionStatus(ctx, transition.ID, models.TransitionRunning, 0); err != nil {
		return report, err
	}

	var remoteGroups []platform.Group
	err = s.platformRetry().Do(ctx, func() error {
		var lerr error
		remoteGroups, lerr = s.Platform.ListGroups(ctx)
		return lerr
	})
	if err != nil {
		s.finalize(ctx, transition.ID, models.TransitionFailed, 0)
		report.Status = models.TransitionFailed
		return report, fmt.Errorf("list remote groups: %w", err)
	}
	groupByName := map[string]platform.Group{}
	for _, g := range remoteGroups {
		groupByName[strings.ToUpper(strings.TrimSpace(g.Name))] = g
	}

	total := 0
	fieldName := tier.FieldName(source.Name)
	for _, rule := range rules {
		from, to, err := rule.Tiers()
		if err != nil {
			s.finalize(ctx, transition.ID, models.TransitionFailed, total)
			report.Status = models.TransitionFailed
			return report, err
		}
		stat := TransitionRuleStat{From: string(from), To: string(to)}

		sourceGroup, srcOK := groupByName[tier.GroupName(source.Name, from)]
		destGroup, dstOK := groupByName[tier.GroupName(dest.Name, to)]
		if !srcOK || !dstOK {
			if s.Logger != nil {
				s.Logger.Warn("transition rule skipped, group missing",
					zap.String("from", tier.GroupName(source.Name, from)),
					zap.String("to", tier.GroupName(dest.Name, to)))
			}
			report.Rules = append(report.Rules, stat)
			continue
		}

		members, err := s.fetchAllMembers(ctx, sourceGroup.ID)
		if err != nil {
			s.finalize(ctx, transition.ID, models.TransitionFailed, total)
			report.Status = models.TransitionFailed
			return report, fmt.Errorf("list members of %s: %w", sourceGroup.Name, err)
		}
		stat.Members = len(members)

		eligible := make([]platform.Member, 0, len(members))
		for _, member := range members {
			if member.ID == "" || member.Email == "" {
				continue
			}
			if rule.RequiresPurchase {
				ok, err := s.validPurchase(ctx, member, fieldName)
				if err != nil {
					s.queueError(ctx, source.Name, member.Email, err)
					stat.Skipped++
					continue
				}
				if !ok {
					stat.Skipped++
					metrics.TransitionSubscribers.WithLabelValues("skipped").Inc()
					continue
				}
			}
			eligible = append(eligible, member)
		}

		if len(eligible) > 0 {
			if err := s.platformRetry().Do(ctx, func() error {
				return s.Platform.BulkImportMembers(ctx, destGroup.ID, eligible)
			}); err != nil {
				s.finalize(ctx, transition.ID, models.TransitionFailed, total)
				report.Status = models.TransitionFailed
				return report, fmt.Errorf("bulk import into %s: %w", destGroup.Name, err)
			}
			now := time.Now().UTC()
			rows := make([]models.TransitionSubscriber, 0, len(eligible))
			for _, member := range eligible {
				rows = append(rows, models.TransitionSubscriber{
					TransitionID:       transition.ID,
					SubscriberID:       member.ID,
					Email:              strings.ToLower(member.Email),
					SourceGroupID:      sourceGroup.ID,
					DestinationGroupID: destGroup.ID,
					Tier:               string(to),
					CreatedAt:          now,
				})
			}
			if err := s.Store.InTx(ctx, func(tx *gorm.DB) error {
				return s.Store.InsertTransitionSubscribersTx(ctx, tx, rows)
			}); err != nil {
				s.finalize(ctx, transition.ID, models.TransitionFailed, total)
				report.Status = models.TransitionFailed
				return report, err
			}
			metrics.TransitionSubscribers.WithLabelValues("transferred").Add(float64(len(eligible)))
		}
		stat.Transferred = len(eligible)
		total += len(eligible)
		report.Rules = append(report.Rules, stat)
	}

	s.finalize(ctx, transition.ID, models.TransitionComplete, total)
	report.Status = models.TransitionComplete
	report.Transferred = total
	return report, nil
}

// validPurchase cross-checks the stored purchase reference against the
// commerce backend: the order must exist, be completed, and belong to the
// subscriber's own email. An empty or zero reference never validates.
func (s *TransitionService) validPurchase(ctx context.Context, member platform.Member, fieldName string) (bool, error) {
	ref := strings.TrimSpace(member.Fields[fieldName])
	if ref == "" || ref == "0" {
		return false, nil
	}
	if s.Oracle == nil {
		return false, nil
	}
	return s.Oracle.ValidateOrder(ctx, ref, member.Email)
}

func (s *TransitionService) fetchAllMembers(ctx context.Context, groupID string) ([]platform.Member, error) {
	pageSize := s.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	out := make([]platform.Member, 0)
	for page := 1; ; page++ {
		var members []platform.Member
		if err := s.platformRetry().Do(ctx, func() error {
			var lerr error
			members, lerr = s.Platform.ListGroupMembers(ctx, groupID, page, pageSize)
			return lerr
		}); err != nil {
			return nil, err
		}
		if len(members) == 0 {
			break
		}
		out = append(out, members...)
		if len(members) < pageSize {
			break
		}
	}
	return out, nil
}

func (s *TransitionService) platformRetry() retry.Policy {
	return retry.Transient(s.RetryAttempts, s.RetryDelay)
}

func (s *TransitionService) finalize(ctx context.Context, id uint64, status string, transferred int) {
	if err := s.Store.UpdateTransitionStatus(context.WithoutCancel(ctx), id, status, transferred); err != nil && s.Logger != nil {
		s.Logger.Warn("transition finalize failed", zap.Uint64("transition_id", id), zap.Error(err))
	}
}

func (s *TransitionService) queueError(ctx context.Context, campaign, email string, err error) {
	if s.Logger != nil {
		s.Logger.Warn("transition item failed",
			zap.String("campaign", campaign),
			zap.String("email", email),
			zap.Error(err))
	}
	metrics.SyncItemErrors.WithLabelValues("transition").Inc()
	_ = s.Store.PushSyncError(ctx, &models.SyncErrorEntry{
		Scope:        "transition",
		CampaignName: campaign,
		Email:        email,
		Message:      err.Error(),
		CreatedAt:    time.Now().UTC(),
	}, s.QueueCap)
}
