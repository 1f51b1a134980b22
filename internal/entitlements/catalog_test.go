package entitlements

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	def, ok := c.Feature("custom_themes")
	require.True(t, ok)
	assert.Equal(t, ProductThemes, def.RequiredProductID)
	assert.Equal(t, []string{ProductProBundle, ProductThemes}, c.Products())
	assert.Equal(t, []string{"custom_themes"}, c.FeatureIDs(ProductThemes))
}

func TestNewCatalog_Validation(t *testing.T) {
	tests := []struct {
		name string
		defs []purchases.FeatureDefinition
	}{
		{name: "empty id", defs: []purchases.FeatureDefinition{{ID: " "}}},
		{name: "duplicate", defs: []purchases.FeatureDefinition{{ID: "a"}, {ID: "a"}}},
		{name: "bad level", defs: []purchases.FeatureDefinition{{ID: "a", Level: "gold"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.defs)
			assert.Error(t, err)
		})
	}
}

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(`[
		{"id":"graphs","level":"premium","name":"Graphs","required_product_id":"bundle"},
		{"id":"tables","name":"Tables","required_product_id":"bundle"},
		{"id":"home","level":"free"}
	]`))
	require.NoError(t, err)

	tables, ok := c.Feature("tables")
	require.True(t, ok)
	assert.Equal(t, purchases.FeatureLevelPremium, tables.Level)
	assert.Len(t, c.ForProduct("bundle"), 2)

	_, err = ParseCatalog([]byte(`{"id":"x"}`))
	assert.Error(t, err)
}

func TestCatalog_ReturnsCopies(t *testing.T) {
	c := DefaultCatalog()
	features := c.Features()
	features[0].ID = "mutated"

	_, ok := c.Feature("dashboard")
	assert.True(t, ok)
	assert.Equal(t, "dashboard", c.Features()[0].ID)
}
