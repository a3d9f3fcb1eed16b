package reconcile

import (
	"context"
	"strings"
)

// PlanCatalog maps provider price references to internal plan tiers and
// exposes each tier's feature limits. The catalog is maintained outside
// this engine (plan table, pricing service).
type PlanCatalog interface {
	// TierForPrice resolves a provider price reference. known=false means
	// the price is not in the catalog; a non-nil error means the lookup
	// itself failed and the event should be retried.
	TierForPrice(ctx context.Context, priceRef string) (tier Tier, known bool, err error)

	// Features returns the feature limits configured for a tier.
	Features(tier Tier) PlanFeatures
}

// StaticCatalog is a PlanCatalog backed by in-memory maps. Price lookups
// are case-insensitive on the trimmed reference.
type StaticCatalog struct {
	prices   map[string]Tier
	features map[Tier]PlanFeatures
}

// NewStaticCatalog builds a catalog from a price-to-tier mapping and
// per-tier feature limits.
func NewStaticCatalog(prices map[string]Tier, features map[Tier]PlanFeatures) *StaticCatalog {
	normalized := make(map[string]Tier, len(prices))
	for ref, tier := range prices {
		normalized[strings.ToLower(strings.TrimSpace(ref))] = tier
	}
	return &StaticCatalog{prices: normalized, features: features}
}

// TierForPrice implements PlanCatalog.
func (c *StaticCatalog) TierForPrice(_ context.Context, priceRef string) (Tier, bool, error) {
	tier, ok := c.prices[strings.ToLower(strings.TrimSpace(priceRef))]
	if !ok {
		return TierFree, false, nil
	}
	return tier, true, nil
}

// Features implements PlanCatalog.
func (c *StaticCatalog) Features(tier Tier) PlanFeatures {
	return c.features[tier]
}
