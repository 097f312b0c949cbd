package plans

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Tier identifies a subscription plan tier
type Tier string

const (
	TierBasic  Tier = "basic"
	TierPro    Tier = "pro"
	TierStudio Tier = "studio"
)

// DefaultPeriod is the length of one billing period
const DefaultPeriod = 30 * 24 * time.Hour

// ErrUnknownTier is returned when a tier is not in the catalog
var ErrUnknownTier = errors.New("unknown plan tier")

// Plan describes what a tier costs and what it grants
type Plan struct {
	Tier              Tier  `json:"tier" yaml:"tier"`
	PriceMinorUnits   int64 `json:"price_minor_units" yaml:"price_minor_units"`
	TokenGrant        int64 `json:"token_grant" yaml:"token_grant"`
	MaxCharacterSlots int   `json:"max_character_slots" yaml:"max_character_slots"`
	MaxProjectSlots   int   `json:"max_project_slots" yaml:"max_project_slots"`
	DailyTokenCap     int64 `json:"daily_token_cap" yaml:"daily_token_cap"`
}

// Validate checks a single plan row
func (p Plan) Validate() error {
	if p.Tier == "" {
		return fmt.Errorf("plan tier is required")
	}
	if p.PriceMinorUnits <= 0 {
		return fmt.Errorf("plan %s: price must be positive", p.Tier)
	}
	if p.TokenGrant <= 0 {
		return fmt.Errorf("plan %s: token grant must be positive", p.Tier)
	}
	if p.DailyTokenCap <= 0 {
		return fmt.Errorf("plan %s: daily token cap must be positive", p.Tier)
	}
	if p.MaxCharacterSlots < 0 || p.MaxProjectSlots < 0 {
		return fmt.Errorf("plan %s: slot limits cannot be negative", p.Tier)
	}
	return nil
}

// Catalog is a read-only lookup of plans by tier
type Catalog struct {
	plans    map[Tier]Plan
	unitCost int64
	period   time.Duration
}

// NewCatalog builds a catalog from plan rows. unitCost is the token cost of one
// work unit; period is the billing period length.
func NewCatalog(rows []Plan, unitCost int64, period time.Duration) (*Catalog, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("catalog must contain at least one plan")
	}
	if unitCost <= 0 {
		return nil, fmt.Errorf("unit cost must be positive")
	}
	if period <= 0 {
		return nil, fmt.Errorf("billing period must be positive")
	}

	c := &Catalog{
		plans:    make(map[Tier]Plan, len(rows)),
		unitCost: unitCost,
		period:   period,
	}
	for _, p := range rows {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, exists := c.plans[p.Tier]; exists {
			return nil, fmt.Errorf("duplicate plan tier: %s", p.Tier)
		}
		c.plans[p.Tier] = p
	}
	return c, nil
}

// DefaultPlans returns the built-in plan table
func DefaultPlans() []Plan {
	return []Plan{
		{
			Tier:              TierBasic,
			PriceMinorUnits:   9900,
			TokenGrant:        1000,
			MaxCharacterSlots: 3,
			MaxProjectSlots:   5,
			DailyTokenCap:     200,
		},
		{
			Tier:              TierPro,
			PriceMinorUnits:   19900,
			TokenGrant:        3000,
			MaxCharacterSlots: 10,
			MaxProjectSlots:   20,
			DailyTokenCap:     600,
		},
		{
			Tier:              TierStudio,
			PriceMinorUnits:   49900,
			TokenGrant:        10000,
			MaxCharacterSlots: 50,
			MaxProjectSlots:   100,
			DailyTokenCap:     2000,
		},
	}
}

// DefaultCatalog returns the built-in catalog with a unit cost of one token
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultPlans(), 1, DefaultPeriod)
	if err != nil {
		panic(fmt.Sprintf("invalid default plan catalog: %v", err))
	}
	return c
}

// Get returns the plan for a tier
func (c *Catalog) Get(tier Tier) (Plan, error) {
	p, ok := c.plans[tier]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	return p, nil
}

// Has reports whether the tier exists
func (c *Catalog) Has(tier Tier) bool {
	_, ok := c.plans[tier]
	return ok
}

// List returns all plans ordered by price
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PriceMinorUnits < out[j].PriceMinorUnits
	})
	return out
}

// UnitCost returns the token cost of a single work unit
func (c *Catalog) UnitCost() int64 {
	return c.unitCost
}

// Period returns the billing period length
func (c *Catalog) Period() time.Duration {
	return c.period
}

// RequiredTokens converts work units into tokens. surchargePercent adds a
// proportional add-on (e.g. 50 for high resolution); any fractional token is
// rounded up. Results that do not fit an int64 saturate at math.MaxInt64,
// which no balance can cover.
func (c *Catalog) RequiredTokens(units int64, surchargePercent int64) int64 {
	if units <= 0 {
		return 0
	}
	if surchargePercent < 0 {
		surchargePercent = 0
	}
	if surchargePercent > math.MaxInt64/c.unitCost-100 {
		return math.MaxInt64
	}
	factor := c.unitCost * (100 + surchargePercent)
	if units > (math.MaxInt64-99)/factor {
		return math.MaxInt64
	}
	return (units*factor + 99) / 100
}

// EstimatedUnits returns how many whole work units a balance still covers
func (c *Catalog) EstimatedUnits(balance int64) int64 {
	if balance <= 0 {
		return 0
	}
	return balance / c.unitCost
}
