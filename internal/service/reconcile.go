package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tiersync/internal/metrics"
	"tiersync/internal/models"
	"tiersync/internal/platform"
	"tiersync/internal/repository"
	"tiersync/internal/retry"
	"tiersync/internal/tier"
)

// ReconcileService converges the local mirror onto the remote platform's
// authoritative state, in dependency order: campaigns, then fields, then
// groups, then subscriber associations. Passes are idempotent; running a pass
// twice with no remote change leaves the store row-identical.
type ReconcileService struct {
	Store         repository.Store
	Platform      platform.SubscriberPlatform
	Oracle        platform.PurchaseOracle
	Tiers         []tier.Tier
	PageSize      int
	QueueCap      int
	RetryAttempts int
	RetryDelay    time.Duration
	Logger        *zap.Logger
}

type ReconcileResult struct {
	Campaigns     int   `json:"campaigns"`
	Fields        int   `json:"fields"`
	Groups        int   `json:"groups"`
	PrunedGroups  int64 `json:"pruned_groups"`
	Subscribers   int   `json:"subscribers"`
	Associations  int   `json:"associations"`
	SkippedGroups int   `json:"skipped_groups"`
	ItemErrors    int   `json:"item_errors"`
}

// ReconcileAll runs the four passes in order. A pass failure stops the
// sequence: later passes depend on the earlier ones being current.
func (s *ReconcileService) ReconcileAll(ctx context.Context) (ReconcileResult, error) {
	result := ReconcileResult{}
	passes := []struct {
		name string
		run  func(context.Context, *ReconcileResult) error
	}{
		{"campaigns", s.reconcileCampaigns},
		{"fields", s.reconcileFields},
		{"groups", s.reconcileGroups},
		{"associations", s.reconcileSubscriberAssociations},
	}
	for _, pass := range passes {
		started := time.Now()
		err := pass.run(ctx, &result)
		status := "success"
		if err != nil {
			status = "failure"
		}
		metrics.RecordReconcilePass(pass.name, status, time.Since(started).Seconds())
		if err != nil {
			return result, fmt.Errorf("reconcile %s: %w", pass.name, err)
		}
	}
	return result, nil
}

func (s *ReconcileService) ReconcileCampaigns(ctx context.Context) (ReconcileResult, error) {
	result := ReconcileResult{}
	err := s.reconcileCampaigns(ctx, &result)
	return result, err
}

// reconcileCampaigns matches the union of album-derived and custom campaign
// names against the remote campaign listing, creating drafts for names the
// remote side does not know yet. The listing call is a hard precondition: if
// it fails there is no valid unit of work and the pass aborts. A single
// campaign's create failure is queued and skipped, not fatal.
func (s *ReconcileService) reconcileCampaigns(ctx context.Context, result *ReconcileResult) error {
	if s.Platform == nil {
		return fmt.Errorf("platform client is nil")
	}
	local, err := s.Store.ListCampaigns(ctx)
	if err != nil {
		return err
	}
	var remote []platform.Campaign
	if err := s.platformRetry().Do(ctx, func() error {
		var lerr error
		remote, lerr = s.Platform.ListCampaigns(ctx)
		return lerr
	}); err != nil {
		return err
	}
	remoteByName := map[string]platform.Campaign{}
	for _, c := range remote {
		remoteByName[tier.NormalizeCampaign(c.Name)] = c
	}

	now := time.Now().UTC()
	upserts := make([]models.Campaign, 0, len(local))
	for _, campaign := range local {
		name := campaignName(campaign)
		if name == "" {
			continue
		}
		match, ok := remoteByName[name]
		if !ok {
			created, err := s.Platform.CreateCampaign(ctx, name, "draft", campaignSubject(campaign))
			if err != nil {
				s.queueError(ctx, "campaigns", name, "", err)
				result.ItemErrors++
				continue
			}
			match = *created
		}
		campaign.Name = name
		campaign.RemoteID = match.ID
		campaign.LastSeenAt = now
		// Keep the remote payload verbatim alongside the mirrored columns.
		if raw, merr := json.Marshal(match); merr == nil {
			campaign.RawJSON = datatypes.JSON(raw)
		}
		upserts = append(upserts, campaign)
	}
	if err := s.Store.InTx(ctx, func(tx *gorm.DB) error {
		return s.Store.UpsertCampaignsTx(ctx, tx, upserts)
	}); err != nil {
		return err
	}
	result.Campaigns += len(upserts)
	return nil
}

func (s *ReconcileService) ReconcileFields(ctx context.Context) (ReconcileResult, error) {
	result := ReconcileResult{}
	err := s.reconcileFields(ctx, &result)
	return result, err
}

// reconcileFields ensures every campaign has its numeric purchase field on the
// remote side. Remote fields are listed once into a name-to-id map. A field
// whose owning campaign cannot be resolved locally is skipped, not errored.
func (s *ReconcileService) reconcileFields(ctx context.Context, result *ReconcileResult) error {
	if s.Platform == nil {
		return fmt.Errorf("platform client is nil")
	}
	campaigns, err := s.Store.ListCampaigns(ctx)
	if err != nil {
		return err
	}
	var remoteFields []platform.Field
	if err := s.platformRetry().Do(ctx, func() error {
		var lerr error
		remoteFields, lerr = s.Platform.ListFields(ctx)
		return lerr
	}); err != nil {
		return err
	}
	fieldIDByName := map[string]string{}
	for _, f := range remoteFields {
		fieldIDByName[strings.ToUpper(strings.TrimSpace(f.Name))] = f.ID
	}

	now := time.Now().UTC()
	upserts := make([]models.Field, 0, len(campaigns))
	for _, campaign := range campaigns {
		if campaign.ID == 0 {
			continue
		}
		required := tier.FieldName(campaign.Name)
		fieldID, ok := fieldIDByName[required]
		if !ok {
			created, err := s.Platform.CreateField(ctx, required, "number")
			if err != nil {
				s.queueError(ctx, "fields", campaign.Name, "", err)
				result.ItemErrors++
				continue
			}
			fieldID = created.ID
			fieldIDByName[required] = fieldID
		}
		upserts = append(upserts, models.Field{
			RemoteID:   fieldID,
			Name:       required,
			CampaignID: campaign.ID,
			LastSeenAt: now,
		})
	}
	if err := s.Store.InTx(ctx, func(tx *gorm.DB) error {
		return s.Store.UpsertFieldsTx(ctx, tx, upserts)
	}); err != nil {
		return err
	}
	result.Fields += len(upserts)
	return nil
}

func (s *ReconcileService) ReconcileGroups(ctx context.Context) (ReconcileResult, error) {
	result := ReconcileResult{}
	err := s.reconcileGroups(ctx, &result)
	return result, err
}

// reconcileGroups provisions the full {CAMPAIGN}_{TIER} group family for every
// campaign, matching case-insensitively against a single remote listing and
// creating what is missing. A trailing validation pass prunes local groups
// whose remote id vanished from the listing; the prune runs in one transaction
// and any failure rolls it back and propagates to the caller.
func (s *ReconcileService) reconcileGroups(ctx context.Context, result *ReconcileResult) error {
	if s.Platform == nil {
		return fmt.Errorf("platform client is nil")
	}
	campaigns, err := s.Store.ListCampaigns(ctx)
	if err != nil {
		return err
	}
	var remoteGroups []platform.Group
	if err := s.platformRetry().Do(ctx, func() error {
		var lerr error
		remoteGroups, lerr = s.Platform.ListGroups(ctx)
		return lerr
	}); err != nil {
		return err
	}
	groupByName := map[string]platform.Group{}
	for _, g := range remoteGroups {
		groupByName[strings.ToUpper(strings.TrimSpace(g.Name))] = g
	}

	now := time.Now().UTC()
	tiers := s.tierList()
	upserts := make([]models.Group, 0, len(campaigns)*len(tiers))
	remoteIDs := make([]string, 0, len(remoteGroups))
	for _, g := range remoteGroups {
		remoteIDs = append(remoteIDs, g.ID)
	}
	for _, campaign := range campaigns {
		if campaign.ID == 0 {
			continue
		}
		for _, t := range tiers {
			required := tier.GroupName(campaign.Name, t)
			match, ok := groupByName[required]
			if !ok {
				created, err := s.Platform.CreateGroup(ctx, required)
				if err != nil {
					s.queueError(ctx, "groups", campaign.Name, "", err)
					result.ItemErrors++
					continue
				}
				match = *created
				groupByName[required] = match
				remoteIDs = append(remoteIDs, match.ID)
			}
			upserts = append(upserts, models.Group{
				RemoteID:   match.ID,
				Name:       required,
				CampaignID: campaign.ID,
				Tier:       string(t),
				LastSeenAt: now,
			})
		}
	}

	var pruned int64
	if err := s.Store.InTx(ctx, func(tx *gorm.DB) error {
		if err := s.Store.UpsertGroupsTx(ctx, tx, upserts); err != nil {
			return err
		}
		n, err := s.Store.DeleteGroupsNotInTx(ctx, tx, remoteIDs)
		if err != nil {
			return err
		}
		pruned = n
		return nil
	}); err != nil {
		return err
	}
	result.Groups += len(upserts)
	result.PrunedGroups += pruned
	return nil
}

func (s *ReconcileService) ReconcileSubscriberAssociations(ctx context.Context) (ReconcileResult, error) {
	result := ReconcileResult{}
	err := s.reconcileSubscriberAssociations(ctx, &result)
	return result, err
}

// reconcileSubscriberAssociations rebuilds the materialized
// campaign-group-subscriber join from remote group membership. The purchase
// reference comes from the campaign's purchase field on the member record,
// backfilled from the commerce sales snapshot when the field is empty. Groups
// without a resolvable campaign, or with zero remote members, are skipped.
func (s *ReconcileService) reconcileSubscriberAssociations(ctx context.Context, result *ReconcileResult) error {
	if s.Platform == nil {
		return fmt.Errorf("platform client is nil")
	}
	groups, err := s.Store.ListGroups(ctx)
	if err != nil {
		return err
	}
	campaignByID := map[uint64]models.Campaign{}
	campaigns, err := s.Store.ListCampaigns(ctx)
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		campaignByID[c.ID] = c
	}

	salesByCampaign := map[string]map[string]string{}
	now := time.Now().UTC()
	for _, group := range groups {
		campaign, ok := campaignByID[group.CampaignID]
		if !ok {
			result.SkippedGroups++
			continue
		}
		t, ok := tier.Parse(group.Tier)
		if !ok {
			result.SkippedGroups++
			continue
		}
		field, err := s.Store.GetFieldByCampaignID(ctx, campaign.ID)
		if err != nil {
			return err
		}
		orderByEmail, err := s.salesFor(ctx, campaign.Name, salesByCampaign)
		if err != nil {
			s.queueError(ctx, "associations", campaign.Name, "", err)
			result.ItemErrors++
		}

		members, err := s.fetchAllMembers(ctx, group.RemoteID)
		if err != nil {
			s.queueError(ctx, "associations", campaign.Name, "", err)
			result.ItemErrors++
			continue
		}
		if len(members) == 0 {
			result.SkippedGroups++
			continue
		}

		fieldName := tier.FieldName(campaign.Name)
		subscribers := make([]models.Subscriber, 0, len(members))
		associations := make([]models.CampaignGroupSubscriber, 0, len(members))
		for _, member := range members {
			if member.ID == "" || member.Email == "" {
				continue
			}
			purchaseRef := strings.TrimSpace(member.Fields[fieldName])
			if purchaseRef == "" || purchaseRef == "0" {
				purchaseRef = orderByEmail[strings.ToLower(member.Email)]
			}
			indicator := 0
			if purchaseRef != "" && purchaseRef != "0" {
				indicator = 1
			}
			campaignID := campaign.ID
			groupID := group.RemoteID
			subscribers = append(subscribers, models.Subscriber{
				RemoteID:          member.ID,
				Email:             strings.ToLower(member.Email),
				Name:              member.Name,
				Tier:              string(t),
				PurchaseIndicator: indicator,
				CampaignID:        &campaignID,
				GroupID:           &groupID,
				UpdatedAt:         now,
			})
			association := models.CampaignGroupSubscriber{
				CampaignID:   campaign.ID,
				SubscriberID: member.ID,
				GroupID:      group.RemoteID,
				Tier:         string(t),
				UpdatedAt:    now,
			}
			if field != nil {
				association.FieldID = field.RemoteID
			}
			if purchaseRef != "" && purchaseRef != "0" {
				association.PurchaseID = &purchaseRef
			}
			associations = append(associations, association)
		}

		if err := s.Store.InTx(ctx, func(tx *gorm.DB) error {
			if err := s.Store.UpsertSubscribersTx(ctx, tx, subscribers); err != nil {
				return err
			}
			return s.Store.UpsertAssociationsTx(ctx, tx, associations)
		}); err != nil {
			s.queueError(ctx, "associations", campaign.Name, "", err)
			result.ItemErrors++
			continue
		}
		result.Subscribers += len(subscribers)
		result.Associations += len(associations)
	}
	return nil
}

// salesFor fetches the commerce sales snapshot for a campaign once per pass
// and caches the email-to-order mapping.
func (s *ReconcileService) salesFor(ctx context.Context, campaign string, cache map[string]map[string]string) (map[string]string, error) {
	if cached, ok := cache[campaign]; ok {
		return cached, nil
	}
	out := map[string]string{}
	cache[campaign] = out
	if s.Oracle == nil {
		return out, nil
	}
	snapshot, err := s.Oracle.GetSales(ctx, campaign)
	if err != nil {
		return out, err
	}
	if snapshot == nil {
		return out, nil
	}
	for _, record := range snapshot.Records {
		if !record.Completed || record.Email == "" || record.OrderID == "" {
			continue
		}
		out[strings.ToLower(record.Email)] = record.OrderID
	}
	return out, nil
}

func (s *ReconcileService) fetchAllMembers(ctx context.Context, groupID string) ([]platform.Member, error) {
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

func (s *ReconcileService) platformRetry() retry.Policy {
	return retry.Transient(s.RetryAttempts, s.RetryDelay)
}

func (s *ReconcileService) tierList() []tier.Tier {
	if len(s.Tiers) > 0 {
		return s.Tiers
	}
	return tier.Default
}

func (s *ReconcileService) queueError(ctx context.Context, scope, campaign, email string, err error) {
	if s.Logger != nil {
		s.Logger.Warn("reconcile item failed",
			zap.String("scope", scope),
			zap.String("campaign", campaign),
			zap.Error(err))
	}
	metrics.SyncItemErrors.WithLabelValues(scope).Inc()
	_ = s.Store.PushSyncError(ctx, &models.SyncErrorEntry{
		Scope:        scope,
		CampaignName: campaign,
		Email:        email,
		Message:      err.Error(),
		CreatedAt:    time.Now().UTC(),
	}, s.QueueCap)
}

// campaignName returns the canonical stored name, deriving the album form when
// metadata is present and the stored name is empty.
func campaignName(campaign models.Campaign) string {
	if campaign.Name != "" {
		return tier.NormalizeCampaign(campaign.Name)
	}
	if campaign.Artist != nil && campaign.Album != nil && campaign.Year != nil {
		return tier.AlbumCampaignName(*campaign.Year, *campaign.Artist, *campaign.Album)
	}
	return ""
}

func campaignSubject(campaign models.Campaign) string {
	if campaign.Artist != nil && campaign.Album != nil {
		return fmt.Sprintf("%s - %s", *campaign.Artist, *campaign.Album)
	}
	return campaign.Name
}
