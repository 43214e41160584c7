package catalog

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownTier is returned when a tier id or version is not in the catalog.
	ErrUnknownTier = errors.New("unknown machine tier")
	// ErrInvalidTier is returned when a tier definition fails validation.
	ErrInvalidTier = errors.New("invalid machine tier")
)

// Ref pins a machine to the exact tier version it was activated with.
type Ref struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s@%d", r.ID, r.Version)
}

// Decimal places accepted in tier definitions. With 8-place stakes a claim
// carries at most 8+RatePlaces+2 places, which leaves room for referral
// credits inside the journal's 18-place columns.
const (
	PricePlaces = 8
	RatePlaces  = 4
)

// Tier is an immutable machine product definition. ProfitRate is a percentage
// of the staked amount paid out per ClaimInterval.
type Tier struct {
	ID            string          `yaml:"id" json:"id"`
	Version       int             `yaml:"version" json:"version"`
	Name          string          `yaml:"name" json:"name"`
	Price         decimal.Decimal `yaml:"price" json:"price"`
	Capacity      decimal.Decimal `yaml:"capacity" json:"capacity"`
	ProfitRate    decimal.Decimal `yaml:"profit_rate" json:"profit_rate"`
	Lifetime      time.Duration   `yaml:"lifetime" json:"lifetime"`
	ClaimInterval time.Duration   `yaml:"claim_interval" json:"claim_interval"`
}

func (t Tier) Ref() Ref {
	return Ref{ID: t.ID, Version: t.Version}
}

func (t Tier) validate() error {
	switch {
	case t.ID == "":
		return errors.Wrap(ErrInvalidTier, "empty id")
	case t.Version < 1:
		return errors.Wrapf(ErrInvalidTier, "%s: version must be positive", t.ID)
	case t.Price.IsNegative():
		return errors.Wrapf(ErrInvalidTier, "%s: negative price", t.ID)
	case !t.Capacity.IsPositive():
		return errors.Wrapf(ErrInvalidTier, "%s: capacity must be positive", t.ID)
	case !t.ProfitRate.IsPositive():
		return errors.Wrapf(ErrInvalidTier, "%s: profit rate must be positive", t.ID)
	case !hasPlaces(t.Price, PricePlaces), !hasPlaces(t.Capacity, PricePlaces):
		return errors.Wrapf(ErrInvalidTier, "%s: price and capacity allow %d decimal places", t.ID, PricePlaces)
	case !hasPlaces(t.ProfitRate, RatePlaces):
		return errors.Wrapf(ErrInvalidTier, "%s: profit rate allows %d decimal places", t.ID, RatePlaces)
	case t.ClaimInterval <= 0:
		return errors.Wrapf(ErrInvalidTier, "%s: claim interval must be positive", t.ID)
	case t.Lifetime < t.ClaimInterval:
		return errors.Wrapf(ErrInvalidTier, "%s: lifetime shorter than one claim interval", t.ID)
	}
	return nil
}

func hasPlaces(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

// Catalog is a read-only set of tier versions. Changing a tier produces a new
// Catalog through Revise; earlier versions stay resolvable for machines that
// reference them.
type Catalog struct {
	versions map[string][]Tier // ascending by version
}

// New builds a catalog from tier definitions. A tier with Version 0 is treated
// as version 1.
func New(tiers ...Tier) (*Catalog, error) {
	c := &Catalog{versions: make(map[string][]Tier)}
	for _, t := range tiers {
		if t.Version == 0 {
			t.Version = 1
		}
		if err := t.validate(); err != nil {
			return nil, err
		}
		for _, existing := range c.versions[t.ID] {
			if existing.Version == t.Version {
				return nil, errors.Wrapf(ErrInvalidTier, "duplicate tier %s", t.Ref())
			}
		}
		c.versions[t.ID] = append(c.versions[t.ID], t)
	}
	for id := range c.versions {
		vs := c.versions[id]
		sort.Slice(vs, func(i, j int) bool { return vs[i].Version < vs[j].Version })
	}
	return c, nil
}

// TierByID returns the newest version of a tier.
func (c *Catalog) TierByID(id string) (Tier, error) {
	vs := c.versions[id]
	if len(vs) == 0 {
		return Tier{}, errors.Wrapf(ErrUnknownTier, "tier %q", id)
	}
	return vs[len(vs)-1], nil
}

// Tier returns the exact tier version named by ref.
func (c *Catalog) Tier(ref Ref) (Tier, error) {
	for _, t := range c.versions[ref.ID] {
		if t.Version == ref.Version {
			return t, nil
		}
	}
	return Tier{}, errors.Wrapf(ErrUnknownTier, "tier %s", ref)
}

// Tiers lists the newest version of every tier ordered by price.
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, 0, len(c.versions))
	for _, vs := range c.versions {
		out = append(out, vs[len(vs)-1])
	}
	sort.Slice(out, func(i, j int) bool {
		if cmp := out[i].Price.Cmp(out[j].Price); cmp != 0 {
			return cmp < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Revise returns a new catalog where t becomes the next version of its id.
// The receiver is left untouched.
func (c *Catalog) Revise(t Tier) (*Catalog, error) {
	next := 1
	if vs := c.versions[t.ID]; len(vs) > 0 {
		next = vs[len(vs)-1].Version + 1
	}
	t.Version = next
	if err := t.validate(); err != nil {
		return nil, err
	}

	out := &Catalog{versions: make(map[string][]Tier, len(c.versions)+1)}
	for id, vs := range c.versions {
		out.versions[id] = append([]Tier(nil), vs...)
	}
	out.versions[t.ID] = append(out.versions[t.ID], t)
	return out, nil
}

// Contains reports whether every version of c is still resolvable in next.
func (c *Catalog) Contains(next *Catalog) bool {
	for _, vs := range c.versions {
		for _, t := range vs {
			if _, err := next.Tier(t.Ref()); err != nil {
				return false
			}
		}
	}
	return true
}

const day = 24 * time.Hour

// Default returns the four production tiers.
func Default() *Catalog {
	c, err := New(
		Tier{ID: "bronze", Version: 1, Name: "Bronze Staker",
			Price: decimal.NewFromInt(100), Capacity: decimal.NewFromInt(1000),
			ProfitRate: decimal.RequireFromString("0.5"), Lifetime: 90 * day, ClaimInterval: 12 * time.Hour},
		Tier{ID: "silver", Version: 1, Name: "Silver Miner",
			Price: decimal.NewFromInt(500), Capacity: decimal.NewFromInt(5000),
			ProfitRate: decimal.RequireFromString("0.8"), Lifetime: 120 * day, ClaimInterval: 12 * time.Hour},
		Tier{ID: "gold", Version: 1, Name: "Gold Harvester",
			Price: decimal.NewFromInt(2000), Capacity: decimal.NewFromInt(20000),
			ProfitRate: decimal.RequireFromString("1.2"), Lifetime: 180 * day, ClaimInterval: 12 * time.Hour},
		Tier{ID: "titanium", Version: 1, Name: "Titanium Vault",
			Price: decimal.NewFromInt(10000), Capacity: decimal.NewFromInt(100000),
			ProfitRate: decimal.RequireFromString("2.0"), Lifetime: 365 * day, ClaimInterval: 12 * time.Hour},
	)
	if err != nil {
		panic(err)
	}
	return c
}

type file struct {
	Tiers []Tier `yaml:"tiers"`
}

// Load reads a YAML tier list from path.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML tier list.
func Parse(raw []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	if len(f.Tiers) == 0 {
		return nil, errors.Wrap(ErrInvalidTier, "catalog has no tiers")
	}
	return New(f.Tiers...)
}
