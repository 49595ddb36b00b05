package tier

import (
	"fmt"
	"strings"
)

// NormalizeCampaign upper-cases a campaign name and flattens whitespace to
// underscores. Canonical storage is always the normalized form.
func NormalizeCampaign(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	return strings.Join(strings.Fields(name), "_")
}

// AlbumCampaignName derives the campaign name for an album release:
// {YEAR}_{ARTIST}_{ALBUM}, upper-cased.
func AlbumCampaignName(year int, artist, album string) string {
	return NormalizeCampaign(fmt.Sprintf("%d_%s_%s", year, artist, album))
}

// GroupName is the remote group for one (campaign, tier) pair.
func GroupName(campaign string, t Tier) string {
	return NormalizeCampaign(campaign) + "_" + string(t)
}

// FieldName is the per-campaign purchase field on the remote platform.
func FieldName(campaign string) string {
	return NormalizeCampaign(campaign) + "_PURCHASE"
}

// ParseGroupName decomposes a remote group name into its owning campaign and
// tier by suffix matching against the known campaign set. Matching is
// case-insensitive. Names that do not decompose unambiguously are reported as
// not ok, never as an error: they are simply outside the managed set.
func ParseGroupName(name string, campaigns []string) (campaign string, t Tier, ok bool) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for _, candidate := range Default {
		suffix := "_" + string(candidate)
		if !strings.HasSuffix(upper, suffix) {
			continue
		}
		prefix := strings.TrimSuffix(upper, suffix)
		for _, known := range campaigns {
			if strings.EqualFold(prefix, NormalizeCampaign(known)) {
				return NormalizeCampaign(known), candidate, true
			}
		}
	}
	return "", "", false
}
