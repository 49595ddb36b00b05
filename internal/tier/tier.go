package tier

import "strings"

// Tier is a named stage of the subscriber lifecycle. The string value doubles
// as the remote group-name suffix, so changing a constant is a remote schema
// change, not a rename.
type Tier string

const (
	Unassigned      Tier = "UNASSIGNED"
	OptIn           Tier = "OPT-IN"
	Wood            Tier = "WOOD"
	Bronze          Tier = "BRONZE"
	BronzePurchased Tier = "BRONZE_PURCHASED"
	Silver          Tier = "SILVER"
	SilverPurchased Tier = "SILVER_PURCHASED"
	Gold            Tier = "GOLD"
	GoldPurchased   Tier = "GOLD_PURCHASED"
)

// Default is the ordered set of tiers a campaign provisions groups for.
// Unassigned is a local-only state and never gets a remote group.
var Default = []Tier{OptIn, Wood, Bronze, BronzePurchased, Silver, SilverPurchased, Gold, GoldPurchased}

func Parse(raw string) (Tier, bool) {
	normalized := Tier(strings.ToUpper(strings.TrimSpace(raw)))
	switch normalized {
	case Unassigned, OptIn, Wood, Bronze, BronzePurchased, Silver, SilverPurchased, Gold, GoldPurchased:
		return normalized, true
	}
	return "", false
}

func (t Tier) Valid() bool {
	_, ok := Parse(string(t))
	return ok
}

// Purchased reports whether the tier was reached through a verified purchase.
func (t Tier) Purchased() bool {
	switch t {
	case BronzePurchased, SilverPurchased, GoldPurchased:
		return true
	}
	return false
}

// base collapses a purchased variant onto the row of the transition table it
// shares with its plain tier. GoldPurchased stays distinct: it is a fixed point.
func (t Tier) base() Tier {
	switch t {
	case BronzePurchased:
		return Bronze
	case SilverPurchased:
		return Silver
	default:
		return t
	}
}

// Next computes the tier a subscriber moves to given whether they purchased
// since the last sync pass. This is the canonical transition table: failing to
// purchase at Silver demotes to Bronze (use-it-or-lose-it tiering), and any
// purchase before Bronze jumps straight to GoldPurchased. Pure function; the
// caller is responsible for checking that a group for the result exists.
func Next(current Tier, purchased bool) Tier {
	switch current.base() {
	case Unassigned:
		if purchased {
			return GoldPurchased
		}
		return OptIn
	case OptIn:
		if purchased {
			return GoldPurchased
		}
		return Bronze
	case Wood:
		if purchased {
			return Silver
		}
		return Wood
	case Bronze:
		if purchased {
			return Silver
		}
		return Bronze
	case Silver:
		if purchased {
			return SilverPurchased
		}
		return Bronze
	case Gold, GoldPurchased:
		if purchased || current == GoldPurchased {
			return GoldPurchased
		}
		return Gold
	default:
		return current
	}
}
