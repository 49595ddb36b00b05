package tier

import "testing"

func TestNext(t *testing.T) {
	tests := []struct {
		current   Tier
		purchased bool
		want      Tier
	}{
		{Unassigned, false, OptIn},
		{Unassigned, true, GoldPurchased},
		{OptIn, false, Bronze},
		{OptIn, true, GoldPurchased},
		{Bronze, false, Bronze},
		{Bronze, true, Silver},
		{Silver, false, Bronze},
		{Silver, true, SilverPurchased},
		{Gold, false, Gold},
		{Gold, true, GoldPurchased},
		// Purchased variants follow their base row; GoldPurchased is a fixed point.
		{BronzePurchased, false, Bronze},
		{BronzePurchased, true, Silver},
		{SilverPurchased, false, Bronze},
		{SilverPurchased, true, SilverPurchased},
		{GoldPurchased, false, GoldPurchased},
		{GoldPurchased, true, GoldPurchased},
		{Wood, false, Wood},
		{Wood, true, Silver},
	}
	for _, tt := range tests {
		if got := Next(tt.current, tt.purchased); got != tt.want {
			t.Fatalf("Next(%s, %t) = %s, want %s", tt.current, tt.purchased, got, tt.want)
		}
	}
}

func TestNextIsPure(t *testing.T) {
	for i := 0; i < 3; i++ {
		if got := Next(Silver, false); got != Bronze {
			t.Fatalf("Next(Silver, false) = %s on call %d, want Bronze", got, i+1)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in     string
		want   Tier
		wantOK bool
	}{
		{"bronze", Bronze, true},
		{" Silver_Purchased ", SilverPurchased, true},
		{"OPT-IN", OptIn, true},
		{"platinum", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Fatalf("Parse(%q) = (%q, %t), want (%q, %t)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestGroupAndFieldNames(t *testing.T) {
	if got := GroupName("2024_Artist_Album", Bronze); got != "2024_ARTIST_ALBUM_BRONZE" {
		t.Fatalf("GroupName = %q", got)
	}
	if got := FieldName("2024_artist_album"); got != "2024_ARTIST_ALBUM_PURCHASE" {
		t.Fatalf("FieldName = %q", got)
	}
	if got := AlbumCampaignName(2024, "Artist", "Album"); got != "2024_ARTIST_ALBUM" {
		t.Fatalf("AlbumCampaignName = %q", got)
	}
	if got := AlbumCampaignName(2023, "Some Band", "Live Set"); got != "2023_SOME_BAND_LIVE_SET" {
		t.Fatalf("AlbumCampaignName = %q", got)
	}
}

func TestParseGroupName(t *testing.T) {
	campaigns := []string{"2024_ARTIST_ALBUM", "VIP_CLUB"}
	tests := []struct {
		name         string
		wantCampaign string
		wantTier     Tier
		wantOK       bool
	}{
		{"2024_ARTIST_ALBUM_OPT-IN", "2024_ARTIST_ALBUM", OptIn, true},
		{"2024_artist_album_silver_purchased", "2024_ARTIST_ALBUM", SilverPurchased, true},
		{"VIP_CLUB_GOLD", "VIP_CLUB", Gold, true},
		{"UNKNOWN_CAMPAIGN_GOLD", "", "", false},
		{"2024_ARTIST_ALBUM_PLATINUM", "", "", false},
		{"2024_ARTIST_ALBUM", "", "", false},
	}
	for _, tt := range tests {
		campaign, tr, ok := ParseGroupName(tt.name, campaigns)
		if ok != tt.wantOK || campaign != tt.wantCampaign || tr != tt.wantTier {
			t.Fatalf("ParseGroupName(%q) = (%q, %q, %t), want (%q, %q, %t)",
				tt.name, campaign, tr, ok, tt.wantCampaign, tt.wantTier, tt.wantOK)
		}
	}
}
