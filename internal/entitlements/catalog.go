// Package entitlements decides which features the current user can access
// from the subscription tier, the local ledger and the feature catalog.
package entitlements

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// Product ids sold by the app.
const (
	ProductThemes    = "pulse_themes"
	ProductProBundle = "pulse_pro_bundle"
)

var defaultFeatures = []purchases.FeatureDefinition{
	{ID: "dashboard", Level: purchases.FeatureLevelFree, Name: "Dashboard", Description: "Cluster overview and node status"},
	{ID: "alerts_view", Level: purchases.FeatureLevelFree, Name: "Alerts", Description: "View active alerts"},
	{ID: "custom_themes", Level: purchases.FeatureLevelPremium, Name: "Custom Themes", Description: "Additional colour themes", RequiredProductID: ProductThemes},
	{ID: "advanced_charts", Level: purchases.FeatureLevelPremium, Name: "Advanced Charts", Description: "Long range metric history", RequiredProductID: ProductProBundle},
	{ID: "report_export", Level: purchases.FeatureLevelPremium, Name: "Report Export", Description: "Export PDF and CSV reports", RequiredProductID: ProductProBundle},
	{ID: "multi_cluster", Level: purchases.FeatureLevelPremium, Name: "Multiple Clusters", Description: "Connect more than one cluster", RequiredProductID: ProductProBundle},
	{ID: "ai_insights", Level: purchases.FeatureLevelPremium, Name: "AI Insights", Description: "Subscription only assistant"},
}

// Catalog is an immutable set of feature definitions indexed by id and by
// required product.
type Catalog struct {
	features  []purchases.FeatureDefinition
	byID      map[string]purchases.FeatureDefinition
	byProduct map[string][]purchases.FeatureDefinition
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaultFeatures)
	if err != nil {
		panic(fmt.Sprintf("built-in feature catalog is invalid: %v", err))
	}
	return c
}

// NewCatalog validates defs: ids must be unique and non-empty and levels must
// be free or premium.
func NewCatalog(defs []purchases.FeatureDefinition) (*Catalog, error) {
	c := &Catalog{
		features:  make([]purchases.FeatureDefinition, 0, len(defs)),
		byID:      make(map[string]purchases.FeatureDefinition, len(defs)),
		byProduct: make(map[string][]purchases.FeatureDefinition),
	}
	for i, def := range defs {
		def.ID = strings.TrimSpace(def.ID)
		def.RequiredProductID = strings.TrimSpace(def.RequiredProductID)
		if def.ID == "" {
			return nil, fmt.Errorf("feature %d: id is required", i)
		}
		if _, dup := c.byID[def.ID]; dup {
			return nil, fmt.Errorf("feature %q: duplicate id", def.ID)
		}
		switch def.Level {
		case purchases.FeatureLevelFree, purchases.FeatureLevelPremium:
		case "":
			def.Level = purchases.FeatureLevelPremium
		default:
			return nil, fmt.Errorf("feature %q: unknown level %q", def.ID, def.Level)
		}

		c.features = append(c.features, def)
		c.byID[def.ID] = def
		if def.RequiredProductID != "" {
			c.byProduct[def.RequiredProductID] = append(c.byProduct[def.RequiredProductID], def)
		}
	}
	return c, nil
}

// ParseCatalog decodes a JSON array of feature definitions.
func ParseCatalog(data []byte) (*Catalog, error) {
	var defs []purchases.FeatureDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse feature catalog: %w", err)
	}
	return NewCatalog(defs)
}

// Feature looks up a definition by id.
func (c *Catalog) Feature(id string) (purchases.FeatureDefinition, bool) {
	def, ok := c.byID[id]
	return def, ok
}

// Features returns every definition in catalog order.
func (c *Catalog) Features() []purchases.FeatureDefinition {
	return append([]purchases.FeatureDefinition(nil), c.features...)
}

// ForProduct returns the features unlocked by productID. Blank ids yield an
// empty slice.
func (c *Catalog) ForProduct(productID string) []purchases.FeatureDefinition {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return []purchases.FeatureDefinition{}
	}
	return append([]purchases.FeatureDefinition{}, c.byProduct[productID]...)
}

// FeatureIDs returns the ids of the features unlocked by productID.
func (c *Catalog) FeatureIDs(productID string) []string {
	defs := c.ForProduct(productID)
	ids := make([]string, len(defs))
	for i, def := range defs {
		ids[i] = def.ID
	}
	return ids
}

// Products lists every product id that unlocks at least one feature.
func (c *Catalog) Products() []string {
	out := make([]string, 0, len(c.byProduct))
	for id := range c.byProduct {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
