package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"tiersync/internal/models"
	"tiersync/internal/platform"
	"tiersync/internal/tier"
)

// stubStore is a test-only in-memory implementation of repository.Store.
// InTx snapshots the mutable tables and restores them when the callback
// fails, matching the all-or-nothing page semantics of the real store.
type stubStore struct {
	campaigns          map[uint64]models.Campaign
	nextCampaignID     uint64
	groups             map[string]models.Group
	fields             map[string]models.Field
	subscribers        map[string]models.Subscriber
	associations       map[string]models.CampaignGroupSubscriber
	transitions        map[uint64]models.Transition
	nextTransition     uint64
	transitionSubs     []models.TransitionSubscriber
	transitionStatuses map[uint64][]string
	checkpoints        map[string]models.SyncCheckpoint
	syncErrors         []models.SyncErrorEntry
	nextErrorID        uint64
	runs               map[uint64]models.SyncRun
	nextRunID          uint64
	locks              map[int64]bool

	failAssociations bool
}

func newStubStore() *stubStore {
	return &stubStore{
		campaigns:          map[uint64]models.Campaign{},
		groups:             map[string]models.Group{},
		fields:             map[string]models.Field{},
		subscribers:        map[string]models.Subscriber{},
		associations:       map[string]models.CampaignGroupSubscriber{},
		transitions:        map[uint64]models.Transition{},
		transitionStatuses: map[uint64][]string{},
		checkpoints:        map[string]models.SyncCheckpoint{},
		runs:               map[uint64]models.SyncRun{},
		locks:              map[int64]bool{},
	}
}

func (s *stubStore) addCampaign(name string, productID *string) models.Campaign {
	s.nextCampaignID++
	c := models.Campaign{
		ID:        s.nextCampaignID,
		Name:      tier.NormalizeCampaign(name),
		ProductID: productID,
		Custom:    true,
	}
	s.campaigns[c.ID] = c
	return c
}

func assocKey(campaignID uint64, subscriberID string) string {
	return fmt.Sprintf("%d|%s", campaignID, subscriberID)
}

func checkpointKey(campaign, groupTier string) string {
	return campaign + "|" + groupTier
}

func (s *stubStore) snapshot() *stubStore {
	clone := newStubStore()
	for k, v := range s.campaigns {
		clone.campaigns[k] = v
	}
	for k, v := range s.groups {
		clone.groups[k] = v
	}
	for k, v := range s.fields {
		clone.fields[k] = v
	}
	for k, v := range s.subscribers {
		clone.subscribers[k] = v
	}
	for k, v := range s.associations {
		clone.associations[k] = v
	}
	for k, v := range s.checkpoints {
		clone.checkpoints[k] = v
	}
	clone.transitionSubs = append([]models.TransitionSubscriber(nil), s.transitionSubs...)
	return clone
}

func (s *stubStore) restore(from *stubStore) {
	s.campaigns = from.campaigns
	s.groups = from.groups
	s.fields = from.fields
	s.subscribers = from.subscribers
	s.associations = from.associations
	s.checkpoints = from.checkpoints
	s.transitionSubs = from.transitionSubs
}

func (s *stubStore) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	saved := s.snapshot()
	if err := fn(nil); err != nil {
		s.restore(saved)
		return err
	}
	return nil
}

func (s *stubStore) UpsertCampaignsTx(ctx context.Context, tx *gorm.DB, items []models.Campaign) error {
	for _, item := range items {
		existingID := uint64(0)
		for id, c := range s.campaigns {
			if strings.EqualFold(c.Name, item.Name) {
				existingID = id
				break
			}
		}
		if existingID == 0 {
			s.nextCampaignID++
			existingID = s.nextCampaignID
		}
		item.ID = existingID
		s.campaigns[existingID] = item
	}
	return nil
}

func (s *stubStore) GetCampaignByName(ctx context.Context, name string) (*models.Campaign, error) {
	for _, c := range s.campaigns {
		if strings.EqualFold(c.Name, tier.NormalizeCampaign(name)) {
			out := c
			return &out, nil
		}
	}
	return nil, nil
}

func (s *stubStore) GetCampaignByID(ctx context.Context, id uint64) (*models.Campaign, error) {
	if c, ok := s.campaigns[id]; ok {
		out := c
		return &out, nil
	}
	return nil, nil
}

func (s *stubStore) ListCampaigns(ctx context.Context) ([]models.Campaign, error) {
	out := make([]models.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *stubStore) DeleteCampaignTx(ctx context.Context, tx *gorm.DB, campaignID uint64) error {
	delete(s.campaigns, campaignID)
	for id, g := range s.groups {
		if g.CampaignID == campaignID {
			delete(s.groups, id)
		}
	}
	for id, f := range s.fields {
		if f.CampaignID == campaignID {
			delete(s.fields, id)
		}
	}
	return s.DeleteAssociationsByCampaignTx(ctx, tx, campaignID)
}

func (s *stubStore) UpsertGroupsTx(ctx context.Context, tx *gorm.DB, items []models.Group) error {
	for _, item := range items {
		s.groups[item.RemoteID] = item
	}
	return nil
}

func (s *stubStore) ListGroups(ctx context.Context) ([]models.Group, error) {
	out := make([]models.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *stubStore) ListGroupsByCampaignID(ctx context.Context, campaignID uint64) ([]models.Group, error) {
	out := make([]models.Group, 0)
	for _, g := range s.groups {
		if g.CampaignID == campaignID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *stubStore) DeleteGroupsNotInTx(ctx context.Context, tx *gorm.DB, remoteIDs []string) (int64, error) {
	keep := map[string]struct{}{}
	for _, id := range remoteIDs {
		keep[id] = struct{}{}
	}
	var pruned int64
	for id := range s.groups {
		if _, ok := keep[id]; !ok {
			delete(s.groups, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *stubStore) UpsertFieldsTx(ctx context.Context, tx *gorm.DB, items []models.Field) error {
	for _, item := range items {
		s.fields[item.RemoteID] = item
	}
	return nil
}

func (s *stubStore) GetFieldByCampaignID(ctx context.Context, campaignID uint64) (*models.Field, error) {
	for _, f := range s.fields {
		if f.CampaignID == campaignID {
			out := f
			return &out, nil
		}
	}
	return nil, nil
}

func (s *stubStore) UpsertSubscribersTx(ctx context.Context, tx *gorm.DB, items []models.Subscriber) error {
	for _, item := range items {
		s.subscribers[item.RemoteID] = item
	}
	return nil
}

func (s *stubStore) GetSubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	for _, sub := range s.subscribers {
		if strings.EqualFold(sub.Email, email) {
			out := sub
			return &out, nil
		}
	}
	return nil, nil
}

func (s *stubStore) UpsertAssociationsTx(ctx context.Context, tx *gorm.DB, items []models.CampaignGroupSubscriber) error {
	if s.failAssociations {
		return fmt.Errorf("injected association failure")
	}
	for _, item := range items {
		s.associations[assocKey(item.CampaignID, item.SubscriberID)] = item
	}
	return nil
}

func (s *stubStore) ListAssociationsByCampaignID(ctx context.Context, campaignID uint64) ([]models.CampaignGroupSubscriber, error) {
	out := make([]models.CampaignGroupSubscriber, 0)
	for _, a := range s.associations {
		if a.CampaignID == campaignID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriberID < out[j].SubscriberID })
	return out, nil
}

func (s *stubStore) DeleteAssociationsByCampaignTx(ctx context.Context, tx *gorm.DB, campaignID uint64) error {
	for key, a := range s.associations {
		if a.CampaignID == campaignID {
			delete(s.associations, key)
		}
	}
	return nil
}

func (s *stubStore) CreateTransition(ctx context.Context, item *models.Transition) error {
	s.nextTransition++
	item.ID = s.nextTransition
	s.transitions[item.ID] = *item
	s.transitionStatuses[item.ID] = append(s.transitionStatuses[item.ID], item.Status)
	return nil
}

func (s *stubStore) UpdateTransitionStatus(ctx context.Context, id uint64, status string, transferred int) error {
	t, ok := s.transitions[id]
	if !ok {
		return fmt.Errorf("transition %d not found", id)
	}
	t.Status = status
	t.TransferredCount = transferred
	t.UpdatedAt = time.Now().UTC()
	s.transitions[id] = t
	s.transitionStatuses[id] = append(s.transitionStatuses[id], status)
	return nil
}

func (s *stubStore) InsertTransitionSubscribersTx(ctx context.Context, tx *gorm.DB, items []models.TransitionSubscriber) error {
	s.transitionSubs = append(s.transitionSubs, items...)
	return nil
}

func (s *stubStore) ListTransitions(ctx context.Context, limit int) ([]models.Transition, error) {
	out := make([]models.Transition, 0, len(s.transitions))
	for _, t := range s.transitions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *stubStore) ListTransitionSubscribers(ctx context.Context, transitionID uint64) ([]models.TransitionSubscriber, error) {
	out := make([]models.TransitionSubscriber, 0)
	for _, ts := range s.transitionSubs {
		if ts.TransitionID == transitionID {
			out = append(out, ts)
		}
	}
	return out, nil
}

func (s *stubStore) GetCheckpoint(ctx context.Context, campaign, groupTier string) (*models.SyncCheckpoint, error) {
	if cp, ok := s.checkpoints[checkpointKey(campaign, groupTier)]; ok {
		out := cp
		return &out, nil
	}
	return nil, nil
}

func (s *stubStore) SaveCheckpointTx(ctx context.Context, tx *gorm.DB, cp *models.SyncCheckpoint) error {
	s.checkpoints[checkpointKey(cp.CampaignName, cp.GroupTier)] = *cp
	return nil
}

func (s *stubStore) ClearCheckpoint(ctx context.Context, campaign, groupTier string) error {
	delete(s.checkpoints, checkpointKey(campaign, groupTier))
	return nil
}

func (s *stubStore) ListCheckpoints(ctx context.Context) ([]models.SyncCheckpoint, error) {
	out := make([]models.SyncCheckpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, cp)
	}
	return out, nil
}

func (s *stubStore) PushSyncError(ctx context.Context, entry *models.SyncErrorEntry, cap int) error {
	if cap <= 0 {
		cap = 100
	}
	s.nextErrorID++
	entry.ID = s.nextErrorID
	s.syncErrors = append(s.syncErrors, *entry)
	if len(s.syncErrors) > cap {
		s.syncErrors = s.syncErrors[len(s.syncErrors)-cap:]
	}
	return nil
}

func (s *stubStore) ListSyncErrors(ctx context.Context, limit int) ([]models.SyncErrorEntry, error) {
	return append([]models.SyncErrorEntry(nil), s.syncErrors...), nil
}

func (s *stubStore) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	s.nextRunID++
	run.ID = s.nextRunID
	s.runs[run.ID] = *run
	return nil
}

func (s *stubStore) UpdateSyncRun(ctx context.Context, run *models.SyncRun) error {
	s.runs[run.ID] = *run
	return nil
}

func (s *stubStore) GetLatestSyncRun(ctx context.Context) (*models.SyncRun, error) {
	if s.nextRunID == 0 {
		return nil, nil
	}
	run := s.runs[s.nextRunID]
	return &run, nil
}

func (s *stubStore) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	if s.locks[key] {
		return false, nil
	}
	s.locks[key] = true
	return true, nil
}

func (s *stubStore) AdvisoryUnlock(ctx context.Context, key int64) error {
	delete(s.locks, key)
	return nil
}

// stubPlatform is a test-only in-memory subscriber platform. Group membership
// is paged the way the real client pages it.
type stubPlatform struct {
	nextID          int
	campaigns       map[string]platform.Campaign
	groups          map[string]platform.Group
	membersByGroup  map[string][]platform.Member
	membersByID     map[string]platform.Member
	fields          map[string]platform.Field
	updatedFields   map[string]map[string]string
	imported        map[string][]platform.Member
	memberPages     []int
	createCampaigns int
	createGroups    int
	createFields    int

	listCampaignsErr error
	listGroupsErr    error

	// listMembersErr is returned from ListGroupMembers listMembersFailures
	// times before the listing succeeds again.
	listMembersErr      error
	listMembersFailures int
}

func newStubPlatform() *stubPlatform {
	return &stubPlatform{
		campaigns:      map[string]platform.Campaign{},
		groups:         map[string]platform.Group{},
		membersByGroup: map[string][]platform.Member{},
		membersByID:    map[string]platform.Member{},
		fields:         map[string]platform.Field{},
		updatedFields:  map[string]map[string]string{},
		imported:       map[string][]platform.Member{},
	}
}

func (p *stubPlatform) id(prefix string) string {
	p.nextID++
	return fmt.Sprintf("%s-%d", prefix, p.nextID)
}

func (p *stubPlatform) addGroup(name string) platform.Group {
	g := platform.Group{ID: p.id("grp"), Name: name, Active: 1}
	p.groups[strings.ToUpper(name)] = g
	return g
}

func (p *stubPlatform) addMember(groupName, email string, fields map[string]string) platform.Member {
	if fields == nil {
		fields = map[string]string{}
	}
	m := platform.Member{ID: p.id("sub"), Email: email, Name: email, Fields: fields}
	g := p.groups[strings.ToUpper(groupName)]
	p.membersByGroup[g.ID] = append(p.membersByGroup[g.ID], m)
	p.membersByID[m.ID] = m
	return m
}

func (p *stubPlatform) groupMembers(groupName string) []platform.Member {
	g := p.groups[strings.ToUpper(groupName)]
	return p.membersByGroup[g.ID]
}

func (p *stubPlatform) ListCampaigns(ctx context.Context) ([]platform.Campaign, error) {
	if p.listCampaignsErr != nil {
		return nil, p.listCampaignsErr
	}
	out := make([]platform.Campaign, 0, len(p.campaigns))
	for _, c := range p.campaigns {
		out = append(out, c)
	}
	return out, nil
}

func (p *stubPlatform) CreateCampaign(ctx context.Context, name, campaignType, subject string) (*platform.Campaign, error) {
	p.createCampaigns++
	c := platform.Campaign{ID: p.id("cmp"), Name: name, Type: campaignType, Subject: subject}
	p.campaigns[strings.ToUpper(name)] = c
	return &c, nil
}

func (p *stubPlatform) ListGroups(ctx context.Context) ([]platform.Group, error) {
	if p.listGroupsErr != nil {
		return nil, p.listGroupsErr
	}
	out := make([]platform.Group, 0, len(p.groups))
	for _, g := range p.groups {
		out = append(out, g)
	}
	return out, nil
}

func (p *stubPlatform) CreateGroup(ctx context.Context, name string) (*platform.Group, error) {
	p.createGroups++
	g := p.addGroup(name)
	return &g, nil
}

func (p *stubPlatform) DeleteGroup(ctx context.Context, groupID string) error {
	for name, g := range p.groups {
		if g.ID == groupID {
			delete(p.groups, name)
		}
	}
	delete(p.membersByGroup, groupID)
	return nil
}

func (p *stubPlatform) ListGroupMembers(ctx context.Context, groupID string, page, pageSize int) ([]platform.Member, error) {
	p.memberPages = append(p.memberPages, page)
	if p.listMembersFailures > 0 && p.listMembersErr != nil {
		p.listMembersFailures--
		return nil, p.listMembersErr
	}
	members := p.membersByGroup[groupID]
	start := (page - 1) * pageSize
	if start >= len(members) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(members) {
		end = len(members)
	}
	return append([]platform.Member(nil), members[start:end]...), nil
}

func (p *stubPlatform) AddMemberToGroup(ctx context.Context, memberID, groupID string) error {
	member, ok := p.findMember(memberID)
	if !ok {
		return fmt.Errorf("member %s not found", memberID)
	}
	p.membersByGroup[groupID] = append(p.membersByGroup[groupID], member)
	return nil
}

func (p *stubPlatform) RemoveMemberFromGroup(ctx context.Context, memberID, groupID string) error {
	members := p.membersByGroup[groupID]
	out := members[:0]
	for _, m := range members {
		if m.ID != memberID {
			out = append(out, m)
		}
	}
	p.membersByGroup[groupID] = out
	return nil
}

func (p *stubPlatform) ListFields(ctx context.Context) ([]platform.Field, error) {
	out := make([]platform.Field, 0, len(p.fields))
	for _, f := range p.fields {
		out = append(out, f)
	}
	return out, nil
}

func (p *stubPlatform) CreateField(ctx context.Context, name, fieldType string) (*platform.Field, error) {
	p.createFields++
	f := platform.Field{ID: p.id("fld"), Name: name, Type: fieldType}
	p.fields[strings.ToUpper(name)] = f
	return &f, nil
}

func (p *stubPlatform) DeleteField(ctx context.Context, fieldID string) error {
	for name, f := range p.fields {
		if f.ID == fieldID {
			delete(p.fields, name)
		}
	}
	return nil
}

func (p *stubPlatform) GetMember(ctx context.Context, emailOrID string) (*platform.Member, error) {
	for _, m := range p.membersByID {
		if m.ID == emailOrID || strings.EqualFold(m.Email, emailOrID) {
			out := m
			return &out, nil
		}
	}
	return nil, fmt.Errorf("member %s not found", emailOrID)
}

func (p *stubPlatform) UpdateMemberFields(ctx context.Context, memberID string, fields map[string]string) error {
	if p.updatedFields[memberID] == nil {
		p.updatedFields[memberID] = map[string]string{}
	}
	for k, v := range fields {
		p.updatedFields[memberID][k] = v
	}
	return nil
}

func (p *stubPlatform) BulkImportMembers(ctx context.Context, groupID string, members []platform.Member) error {
	p.imported[groupID] = append(p.imported[groupID], members...)
	p.membersByGroup[groupID] = append(p.membersByGroup[groupID], members...)
	for _, m := range members {
		p.membersByID[m.ID] = m
	}
	return nil
}

func (p *stubPlatform) findMember(memberID string) (platform.Member, bool) {
	m, ok := p.membersByID[memberID]
	return m, ok
}

// stubOracle answers purchase checks from fixed maps.
type stubOracle struct {
	purchased map[string]bool   // email -> purchased
	orders    map[string]string // order id -> buyer email
	sales     *platform.SalesSnapshot
}

func (o *stubOracle) HasPurchased(ctx context.Context, email, productID string) (bool, error) {
	return o.purchased[strings.ToLower(email)], nil
}

func (o *stubOracle) ValidateOrder(ctx context.Context, orderID, email string) (bool, error) {
	buyer, ok := o.orders[orderID]
	return ok && strings.EqualFold(buyer, email), nil
}

func (o *stubOracle) GetSales(ctx context.Context, campaign string) (*platform.SalesSnapshot, error) {
	if o.sales == nil {
		return &platform.SalesSnapshot{}, nil
	}
	return o.sales, nil
}
