package quota

import "time"

// TierID identifies a tenant's quota tier. Grounded on the teacher's
// tiers.TierID, trimmed from a pricing/feature catalog down to the
// quota policy this gateway actually enforces.
type TierID string

const (
	TierFree       TierID = "free"
	TierPro        TierID = "pro"
	TierEnterprise TierID = "enterprise"
)

// Tiers maps each built-in tier to its quota Policy. The dispatcher
// takes a tenant's policy from this table by tier; there is no
// per-tenant policy override.
var Tiers = map[TierID]Policy{
	TierFree: {
		MaxActions: 1_000,
		Window:     24 * time.Hour,
		Overage:    Overage{Kind: OverageBlock},
	},
	TierPro: {
		MaxActions: 100_000,
		Window:     24 * time.Hour,
		Overage:    Overage{Kind: OverageWarn},
	},
	TierEnterprise: {
		MaxActions: 10_000_000,
		Window:     24 * time.Hour,
		Overage:    Overage{Kind: OverageNotify, NotifyTarget: "account-team"},
	},
}

// PolicyForTier returns the default Policy for a tier, or false if the
// tier is unrecognized.
func PolicyForTier(id TierID) (Policy, bool) {
	p, ok := Tiers[id]
	return p, ok
}
