package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/mapsheet/internal/billing/model"
)

func testTiers() []model.PlanTier {
	return []model.PlanTier{
		{PlanID: "standard", Name: "Standard", MonthlyQuota: 50, PriceReference: "price_standard"},
		{PlanID: "lite", Name: "Lite", MonthlyQuota: 20, PriceReference: "price_lite"},
	}
}

func TestByPriceReference(t *testing.T) {
	c, err := New(testTiers(), 5)
	require.NoError(t, err)

	tier, err := c.ByPriceReference("price_lite")
	require.NoError(t, err)
	assert.Equal(t, "lite", tier.PlanID)
	assert.Equal(t, 20, tier.MonthlyQuota)
}

func TestUnknownPriceReferenceFailsClosed(t *testing.T) {
	c, err := New(testTiers(), 5)
	require.NoError(t, err)

	tier, err := c.ByPriceReference("price_mystery")
	require.ErrorIs(t, err, ErrUnknownPlan)
	assert.Zero(t, tier.MonthlyQuota)
}

func TestByID(t *testing.T) {
	c, err := New(testTiers(), 5)
	require.NoError(t, err)

	tier, err := c.ByID("standard")
	require.NoError(t, err)
	assert.Equal(t, "price_standard", tier.PriceReference)

	_, err = c.ByID("enterprise")
	require.ErrorIs(t, err, ErrUnknownPlan)
}

func TestFreeTier(t *testing.T) {
	c, err := New(nil, 0)
	require.NoError(t, err)

	free := c.Free()
	assert.Equal(t, FreePlanID, free.PlanID)
	assert.Equal(t, 0, free.MonthlyQuota)
}

func TestTiersSortedByQuota(t *testing.T) {
	c, err := New(testTiers(), 5)
	require.NoError(t, err)

	tiers := c.Tiers()
	require.Len(t, tiers, 2)
	assert.Equal(t, "lite", tiers[0].PlanID)
	assert.Equal(t, "standard", tiers[1].PlanID)
}

func TestNewSkipsUnconfiguredTier(t *testing.T) {
	tiers := append(testTiers(), model.PlanTier{PlanID: "pro", MonthlyQuota: 100})
	c, err := New(tiers, 5)
	require.NoError(t, err)
	assert.Len(t, c.Tiers(), 2)
}

func TestNewRejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name  string
		tiers []model.PlanTier
		free  int
	}{
		{"negative free quota", nil, -1},
		{"negative plan quota", []model.PlanTier{{PlanID: "lite", MonthlyQuota: -1, PriceReference: "p"}}, 0},
		{"duplicate price", []model.PlanTier{
			{PlanID: "a", PriceReference: "p"},
			{PlanID: "b", PriceReference: "p"},
		}, 0},
		{"duplicate plan id", []model.PlanTier{
			{PlanID: "a", PriceReference: "p1"},
			{PlanID: "a", PriceReference: "p2"},
		}, 0},
		{"reserved free id", []model.PlanTier{{PlanID: FreePlanID, PriceReference: "p"}}, 0},
		{"missing plan id", []model.PlanTier{{PriceReference: "p"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.tiers, tt.free)
			require.ErrorIs(t, err, ErrInvalidCatalog)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	doc := `free_quota: 3
plans:
  - plan_id: lite
    name: Lite
    monthly_quota: 20
    price_reference: price_lite
  - plan_id: standard
    name: Standard
    monthly_quota: 50
    price_reference: price_standard
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Free().MonthlyQuota)

	tier, err := c.ByPriceReference("price_standard")
	require.NoError(t, err)
	assert.Equal(t, "Standard", tier.Name)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("plans: [::"))
	require.ErrorIs(t, err, ErrInvalidCatalog)
}
