package reconcile

// Tier is an internal plan rank used for feature gating.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierCreator    Tier = "creator"
	TierEnterprise Tier = "enterprise"
)

// tierRanks fixes the total order over tiers. Unknown tiers rank as free.
var tierRanks = map[Tier]int{
	TierFree:       0,
	TierBasic:      1,
	TierPremium:    2,
	TierCreator:    3,
	TierEnterprise: 4,
}

// Rank returns the tier's position in the fixed tier order.
func (t Tier) Rank() int {
	return tierRanks[t]
}

// Paid reports whether the tier is above the free tier.
func (t Tier) Paid() bool {
	return t.Rank() > TierFree.Rank()
}

// Valid reports whether the tier is one of the known plan tiers.
func (t Tier) Valid() bool {
	_, ok := tierRanks[t]
	return ok
}

// ChangeType classifies a plan transition.
type ChangeType string

const (
	ChangeUpgrade    ChangeType = "upgrade"
	ChangeDowngrade  ChangeType = "downgrade"
	ChangeCrossgrade ChangeType = "crossgrade"
)

// Classify maps an old/new tier pair onto a change type. Same-rank
// changes (e.g. monthly to yearly billing on the same tier) classify
// as crossgrade.
func Classify(oldTier, newTier Tier) ChangeType {
	switch {
	case newTier.Rank() > oldTier.Rank():
		return ChangeUpgrade
	case newTier.Rank() < oldTier.Rank():
		return ChangeDowngrade
	default:
		return ChangeCrossgrade
	}
}
