package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"tiersync/internal/config"
	"tiersync/internal/models"
	"tiersync/internal/platform"
	"tiersync/internal/tier"
)

func syncFixture(productID string) (*stubStore, *stubPlatform, *stubOracle, models.Campaign) {
	store := newStubStore()
	remote := newStubPlatform()
	oracle := &stubOracle{purchased: map[string]bool{}, orders: map[string]string{}}

	var product *string
	if productID != "" {
		product = &productID
	}
	campaign := store.addCampaign("2024_ARTIST_ALBUM", product)
	for _, t := range tier.Default {
		g := remote.addGroup(tier.GroupName(campaign.Name, t))
		store.groups[g.ID] = models.Group{
			RemoteID:   g.ID,
			Name:       g.Name,
			CampaignID: campaign.ID,
			Tier:       string(t),
		}
	}
	store.fields["fld-purchase"] = models.Field{
		RemoteID:   "fld-purchase",
		Name:       tier.FieldName(campaign.Name),
		CampaignID: campaign.ID,
	}
	return store, remote, oracle, campaign
}

func newSyncService(store *stubStore, remote *stubPlatform, oracle *stubOracle, cfg config.SyncConfig) *SyncService {
	if cfg.PageSize == 0 {
		cfg.PageSize = 10
	}
	if cfg.MaxPagesPerTick == 0 {
		cfg.MaxPagesPerTick = 1000
	}
	return &SyncService{Store: store, Platform: remote, Oracle: oracle, Cfg: cfg}
}

func TestRunMovesOptInToBronzeWithoutPurchase(t *testing.T) {
	store, remote, oracle, campaign := syncFixture("prod-1")
	member := remote.addMember(tier.GroupName(campaign.Name, tier.OptIn), "a@x.com", nil)

	svc := newSyncService(store, remote, oracle, config.SyncConfig{})
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != models.RunCompleted {
		t.Fatalf("status=%q want completed", report.Status)
	}
	if report.Moves == 0 {
		t.Fatalf("expected at least one move")
	}

	if got := remote.groupMembers(tier.GroupName(campaign.Name, tier.OptIn)); len(got) != 0 {
		t.Fatalf("opt-in group still has %d members", len(got))
	}
	bronze := remote.groupMembers(tier.GroupName(campaign.Name, tier.Bronze))
	if len(bronze) != 1 || bronze[0].ID != member.ID {
		t.Fatalf("bronze group members=%v", bronze)
	}

	sub, err := store.GetSubscriberByEmail(context.Background(), "a@x.com")
	if err != nil || sub == nil {
		t.Fatalf("subscriber not stored: %v", err)
	}
	if sub.Tier != string(tier.Bronze) {
		t.Fatalf("tier=%q want BRONZE", sub.Tier)
	}
	if sub.PurchaseIndicator != 0 {
		t.Fatalf("purchase_indicator=%d want 0", sub.PurchaseIndicator)
	}
	assocs, _ := store.ListAssociationsByCampaignID(context.Background(), campaign.ID)
	if len(assocs) != 1 || assocs[0].Tier != string(tier.Bronze) {
		t.Fatalf("associations=%v", assocs)
	}
	fieldName := tier.FieldName(campaign.Name)
	if got := remote.updatedFields[member.ID][fieldName]; got != "0" {
		t.Fatalf("purchase field=%q want 0", got)
	}
}

func TestRunPromotesSilverToSilverPurchased(t *testing.T) {
	store, remote, oracle, campaign := syncFixture("prod-1")
	member := remote.addMember(tier.GroupName(campaign.Name, tier.Silver), "b@x.com", nil)
	oracle.purchased["b@x.com"] = true

	svc := newSyncService(store, remote, oracle, config.SyncConfig{})
	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	promoted := remote.groupMembers(tier.GroupName(campaign.Name, tier.SilverPurchased))
	if len(promoted) != 1 || promoted[0].ID != member.ID {
		t.Fatalf("silver_purchased members=%v", promoted)
	}
	sub, _ := store.GetSubscriberByEmail(context.Background(), "b@x.com")
	if sub == nil || sub.Tier != string(tier.SilverPurchased) {
		t.Fatalf("subscriber=%v want SILVER_PURCHASED", sub)
	}
	if sub.PurchaseIndicator != 1 {
		t.Fatalf("purchase_indicator=%d want 1", sub.PurchaseIndicator)
	}
	fieldName := tier.FieldName(campaign.Name)
	if got := remote.updatedFields[member.ID][fieldName]; got != "1" {
		t.Fatalf("purchase field=%q want 1", got)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	store, remote, oracle, campaign := syncFixture("prod-1")
	groupName := tier.GroupName(campaign.Name, tier.Bronze)
	for i := 0; i < 5; i++ {
		remote.addMember(groupName, fmt.Sprintf("s%d@x.com", i), nil)
	}

	cfg := config.SyncConfig{Tiers: []string{"BRONZE"}, PageSize: 2, MaxPagesPerTick: 1}
	svc := newSyncService(store, remote, oracle, cfg)

	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if report.Pages != 1 || report.Done {
		t.Fatalf("pages=%d done=%v want 1 page, not done", report.Pages, report.Done)
	}
	cp, _ := store.GetCheckpoint(context.Background(), campaign.Name, string(tier.Bronze))
	if cp == nil || cp.NextPage != 2 {
		t.Fatalf("checkpoint=%v want next_page=2", cp)
	}

	remote.memberPages = nil
	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(remote.memberPages) == 0 || remote.memberPages[0] != 2 {
		t.Fatalf("pages fetched=%v, want resume at page 2", remote.memberPages)
	}

	// Third tick drains the last page and clears the checkpoint.
	report, err = svc.Run(context.Background())
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if !report.Done {
		t.Fatalf("expected final run to report done")
	}
	if cp, _ := store.GetCheckpoint(context.Background(), campaign.Name, string(tier.Bronze)); cp != nil {
		t.Fatalf("checkpoint not cleared: %v", cp)
	}
	if sub, _ := store.GetSubscriberByEmail(context.Background(), "s4@x.com"); sub == nil {
		t.Fatalf("last page was not processed")
	}
}

func TestRunPageCommitIsAllOrNothing(t *testing.T) {
	store, remote, oracle, campaign := syncFixture("prod-1")
	remote.addMember(tier.GroupName(campaign.Name, tier.Bronze), "c@x.com", nil)
	remote.addMember(tier.GroupName(campaign.Name, tier.Bronze), "d@x.com", nil)
	store.failAssociations = true

	cfg := config.SyncConfig{Tiers: []string{"BRONZE"}}
	svc := newSyncService(store, remote, oracle, cfg)
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// The page failure is queued, not fatal to the run.
	if report.Status != models.RunCompleted {
		t.Fatalf("status=%q", report.Status)
	}
	if len(store.associations) != 0 {
		t.Fatalf("expected zero association rows, got %d", len(store.associations))
	}
	if len(store.subscribers) != 0 {
		t.Fatalf("expected subscriber upsert rolled back, got %d rows", len(store.subscribers))
	}
	if len(store.syncErrors) == 0 {
		t.Fatalf("expected the page failure queued")
	}
}

func TestRunSkipsCampaignMissingGroups(t *testing.T) {
	store := newStubStore()
	remote := newStubPlatform()
	oracle := &stubOracle{purchased: map[string]bool{}}
	store.addCampaign("2024_NO_GROUPS", nil)

	svc := newSyncService(store, remote, oracle, config.SyncConfig{})
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.SkippedCampaigns) != 1 || report.SkippedCampaigns[0] != "2024_NO_GROUPS" {
		t.Fatalf("skipped=%v", report.SkippedCampaigns)
	}
	if len(store.syncErrors) == 0 {
		t.Fatalf("missing-group skip should be recorded")
	}
}

func TestRunFailsWhenGroupListingFails(t *testing.T) {
	store, remote, oracle, _ := syncFixture("prod-1")
	remote.listGroupsErr = errors.New("remote down")

	svc := newSyncService(store, remote, oracle, config.SyncConfig{})
	report, err := svc.Run(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if report.Status != models.RunFailed {
		t.Fatalf("status=%q want failed", report.Status)
	}
	run, _ := store.GetLatestSyncRun(context.Background())
	if run == nil || run.Status != models.RunFailed || run.LastError == nil {
		t.Fatalf("run record=%v", run)
	}
}

func TestRunRefusedWhileLockHeld(t *testing.T) {
	store, remote, oracle, _ := syncFixture("prod-1")
	store.locks[syncLockKey] = true

	svc := newSyncService(store, remote, oracle, config.SyncConfig{})
	if _, err := svc.Run(context.Background()); !errors.Is(err, ErrRunActive) {
		t.Fatalf("err=%v want ErrRunActive", err)
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	store, remote, oracle, campaign := syncFixture("prod-1")
	remote.addMember(tier.GroupName(campaign.Name, tier.Bronze), "e@x.com", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := newSyncService(store, remote, oracle, config.SyncConfig{})
	report, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != models.RunStopped {
		t.Fatalf("status=%q want stopped", report.Status)
	}
	if report.Pages != 0 {
		t.Fatalf("pages=%d want 0", report.Pages)
	}
}

func TestErrorQueueKeepsNewestHundred(t *testing.T) {
	store := newStubStore()
	for i := 1; i <= 150; i++ {
		err := store.PushSyncError(context.Background(), &models.SyncErrorEntry{
			Scope:   "sync",
			Message: fmt.Sprintf("error %d", i),
		}, 100)
		if err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	entries, _ := store.ListSyncErrors(context.Background(), 0)
	if len(entries) != 100 {
		t.Fatalf("len=%d want 100", len(entries))
	}
	if entries[0].Message != "error 51" {
		t.Fatalf("oldest kept=%q want error 51", entries[0].Message)
	}
	if entries[99].Message != "error 150" {
		t.Fatalf("newest=%q want error 150", entries[99].Message)
	}
}

// rateLimitErr mimics the platform client's throttling error surface.
type rateLimitErr struct{}

func (rateLimitErr) Error() string { return "too many requests" }

func (rateLimitErr) Temporary() bool { return true }

func (rateLimitErr) RetryAfter() time.Duration { return time.Millisecond }

func TestRunRetriesThrottledMemberListing(t *testing.T) {
	store, remote, oracle, campaign := syncFixture("prod-1")
	member := remote.addMember(tier.GroupName(campaign.Name, tier.OptIn), "g@x.com", nil)
	remote.listMembersErr = rateLimitErr{}
	remote.listMembersFailures = 1

	cfg := config.SyncConfig{PlatformMaxAttempts: 3, PlatformRetryDelay: time.Millisecond}
	svc := newSyncService(store, remote, oracle, cfg)
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != models.RunCompleted {
		t.Fatalf("status=%q want completed", report.Status)
	}
	if len(store.syncErrors) != 0 {
		t.Fatalf("throttled listing should be retried, not queued: %v", store.syncErrors)
	}
	// The first page was fetched twice: the throttled attempt and the retry.
	if len(remote.memberPages) < 2 || remote.memberPages[0] != 1 || remote.memberPages[1] != 1 {
		t.Fatalf("pages fetched=%v, want page 1 attempted twice", remote.memberPages)
	}
	bronze := remote.groupMembers(tier.GroupName(campaign.Name, tier.Bronze))
	if len(bronze) != 1 || bronze[0].ID != member.ID {
		t.Fatalf("bronze group members=%v", bronze)
	}
}

func TestRunKeepsMemberWhenDestinationGroupMissing(t *testing.T) {
	store, remote, oracle, campaign := syncFixture("prod-1")
	member := remote.addMember(tier.GroupName(campaign.Name, tier.OptIn), "h@x.com", nil)
	delete(remote.groups, tier.GroupName(campaign.Name, tier.Bronze))

	cfg := config.SyncConfig{Tiers: []string{string(tier.OptIn)}}
	svc := newSyncService(store, remote, oracle, cfg)
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != models.RunCompleted {
		t.Fatalf("status=%q want completed", report.Status)
	}
	if report.Moves != 0 {
		t.Fatalf("moves=%d want 0", report.Moves)
	}
	if len(store.syncErrors) != 0 {
		t.Fatalf("rejected transition is a no-op, not an error: %v", store.syncErrors)
	}
	optIn := remote.groupMembers(tier.GroupName(campaign.Name, tier.OptIn))
	if len(optIn) != 1 || optIn[0].ID != member.ID {
		t.Fatalf("opt-in group members=%v, want member left in place", optIn)
	}
	sub, _ := store.GetSubscriberByEmail(context.Background(), "h@x.com")
	if sub == nil || sub.Tier != string(tier.OptIn) {
		t.Fatalf("subscriber=%v want kept at OPT-IN", sub)
	}
}

func TestRunPersistsReportPayload(t *testing.T) {
	store, remote, oracle, campaign := syncFixture("prod-1")
	remote.addMember(tier.GroupName(campaign.Name, tier.OptIn), "i@x.com", nil)

	svc := newSyncService(store, remote, oracle, config.SyncConfig{})
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	run, _ := store.GetLatestSyncRun(context.Background())
	if run == nil || len(run.StatsJSON) == 0 {
		t.Fatalf("run=%v want stats payload stored", run)
	}
	var stored SyncReport
	if err := json.Unmarshal(run.StatsJSON, &stored); err != nil {
		t.Fatalf("stats payload: %v", err)
	}
	if stored.Pages != report.Pages || stored.Moves != report.Moves || stored.Status != report.Status {
		t.Fatalf("stored=%+v report=%+v", stored, report)
	}
}

func TestResyncSubscriber(t *testing.T) {
	store, remote, oracle, campaign := syncFixture("prod-1")
	member := remote.addMember(tier.GroupName(campaign.Name, tier.OptIn), "f@x.com", nil)
	campaignID := campaign.ID
	groupID := ""
	for id, g := range store.groups {
		if g.Tier == string(tier.OptIn) {
			groupID = id
		}
	}
	store.subscribers[member.ID] = models.Subscriber{
		RemoteID:   member.ID,
		Email:      "f@x.com",
		Tier:       string(tier.OptIn),
		CampaignID: &campaignID,
		GroupID:    &groupID,
	}

	svc := newSyncService(store, remote, oracle, config.SyncConfig{})
	report, err := svc.ResyncSubscriber(context.Background(), "f@x.com", campaign.Name)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if report.Moves != 1 {
		t.Fatalf("moves=%d want 1", report.Moves)
	}
	sub, _ := store.GetSubscriberByEmail(context.Background(), "f@x.com")
	if sub == nil || sub.Tier != string(tier.Bronze) {
		t.Fatalf("subscriber=%v want BRONZE", sub)
	}
}

func TestResyncLeavesResumeCursorIntact(t *testing.T) {
	store, remote, oracle, campaign := syncFixture("prod-1")
	member := remote.addMember(tier.GroupName(campaign.Name, tier.Bronze), "j@x.com", nil)
	campaignID := campaign.ID
	groupID := ""
	for id, g := range store.groups {
		if g.Tier == string(tier.Bronze) {
			groupID = id
		}
	}
	store.subscribers[member.ID] = models.Subscriber{
		RemoteID:   member.ID,
		Email:      "j@x.com",
		Tier:       string(tier.Bronze),
		CampaignID: &campaignID,
		GroupID:    &groupID,
	}
	// A paginated tick was interrupted mid-group; its cursor must survive a
	// single-member resync of the same group.
	store.checkpoints[checkpointKey(campaign.Name, string(tier.Bronze))] = models.SyncCheckpoint{
		CampaignName:  campaign.Name,
		GroupTier:     string(tier.Bronze),
		RemoteGroupID: groupID,
		NextPage:      3,
	}

	svc := newSyncService(store, remote, oracle, config.SyncConfig{})
	if _, err := svc.ResyncSubscriber(context.Background(), "j@x.com", campaign.Name); err != nil {
		t.Fatalf("resync: %v", err)
	}
	cp, _ := store.GetCheckpoint(context.Background(), campaign.Name, string(tier.Bronze))
	if cp == nil || cp.NextPage != 3 {
		t.Fatalf("checkpoint=%v want next_page=3 preserved", cp)
	}
}

var _ platform.SubscriberPlatform = (*stubPlatform)(nil)
var _ platform.PurchaseOracle = (*stubOracle)(nil)
