// Package plan maps provider price references to plan tiers and their
// monthly PDF quotas. The catalog is built once at startup and is read-only
// afterwards; lookups of unknown references fail instead of defaulting.
package plan

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dukerupert/mapsheet/internal/billing/model"
)

// FreePlanID names the implicit tier of customers without a subscription.
const FreePlanID = "free"

var (
	ErrUnknownPlan    = errors.New("unknown plan")
	ErrInvalidCatalog = errors.New("invalid plan catalog")
)

// Catalog is an immutable price-reference to plan-tier table.
type Catalog struct {
	byPrice   map[string]model.PlanTier
	byID      map[string]model.PlanTier
	freeQuota int
}

// New validates tiers and builds a catalog. Tiers without a price reference
// are skipped so that an unset env var does not register an empty key.
func New(tiers []model.PlanTier, freeQuota int) (*Catalog, error) {
	if freeQuota < 0 {
		return nil, fmt.Errorf("%w: free quota %d is negative", ErrInvalidCatalog, freeQuota)
	}

	c := &Catalog{
		byPrice:   make(map[string]model.PlanTier, len(tiers)),
		byID:      make(map[string]model.PlanTier, len(tiers)),
		freeQuota: freeQuota,
	}
	for _, t := range tiers {
		t.PlanID = strings.TrimSpace(t.PlanID)
		t.PriceReference = strings.TrimSpace(t.PriceReference)
		if t.PriceReference == "" {
			continue
		}
		if t.PlanID == "" || t.PlanID == FreePlanID {
			return nil, fmt.Errorf("%w: invalid plan id %q", ErrInvalidCatalog, t.PlanID)
		}
		if t.MonthlyQuota < 0 {
			return nil, fmt.Errorf("%w: plan %s has negative quota", ErrInvalidCatalog, t.PlanID)
		}
		if _, dup := c.byPrice[t.PriceReference]; dup {
			return nil, fmt.Errorf("%w: duplicate price reference %s", ErrInvalidCatalog, t.PriceReference)
		}
		if _, dup := c.byID[t.PlanID]; dup {
			return nil, fmt.Errorf("%w: duplicate plan id %s", ErrInvalidCatalog, t.PlanID)
		}
		c.byPrice[t.PriceReference] = t
		c.byID[t.PlanID] = t
	}
	return c, nil
}

type catalogFile struct {
	FreeQuota int              `yaml:"free_quota"`
	Plans     []model.PlanTier `yaml:"plans"`
}

// LoadFile builds a catalog from a YAML document of the form
//
//	free_quota: 5
//	plans:
//	  - plan_id: lite
//	    name: Lite
//	    monthly_quota: 20
//	    price_reference: price_123
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes. See LoadFile for the format.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return New(f.Plans, f.FreeQuota)
}

// ByPriceReference resolves a provider price reference.
func (c *Catalog) ByPriceReference(ref string) (model.PlanTier, error) {
	t, ok := c.byPrice[strings.TrimSpace(ref)]
	if !ok {
		return model.PlanTier{}, fmt.Errorf("%w: price reference %q", ErrUnknownPlan, ref)
	}
	return t, nil
}

// ByID resolves an internal plan id.
func (c *Catalog) ByID(planID string) (model.PlanTier, error) {
	t, ok := c.byID[planID]
	if !ok {
		return model.PlanTier{}, fmt.Errorf("%w: plan id %q", ErrUnknownPlan, planID)
	}
	return t, nil
}

// Free returns the implicit tier used when a customer has no entitling
// subscription.
func (c *Catalog) Free() model.PlanTier {
	return model.PlanTier{PlanID: FreePlanID, Name: "Free", MonthlyQuota: c.freeQuota}
}

// Tiers returns the paid tiers ordered by quota.
func (c *Catalog) Tiers() []model.PlanTier {
	out := make([]model.PlanTier, 0, len(c.byID))
	for _, t := range c.byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MonthlyQuota != out[j].MonthlyQuota {
			return out[i].MonthlyQuota < out[j].MonthlyQuota
		}
		return out[i].PlanID < out[j].PlanID
	})
	return out
}
