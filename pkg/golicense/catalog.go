package golicense

import (
	"fmt"
	"sort"
)

// ProductID identifies a purchasable license product.
type ProductID string

const (
	ProductFrontend  ProductID = "frontend"
	ProductPro       ProductID = "pro_license"
	ProductTemplates ProductID = "templates_license"
	ProductAgency    ProductID = "agency_license"
	ProductReseller  ProductID = "reseller_license"
	ProductElite     ProductID = "elite_bundle"
	// ProductFastPass is a transitional bundle sold before elite_bundle existed.
	ProductFastPass ProductID = "fastpass_bundle"
)

// ProductKind classifies a product for display tier purposes.
type ProductKind string

const (
	KindBase   ProductKind = "base"
	KindAddon  ProductKind = "addon"
	KindBundle ProductKind = "bundle"
)

// Product is an immutable catalog entry.
type Product struct {
	ID          ProductID
	DisplayName string
	Kind        ProductKind
	PriceCents  int64

	// MonthlyCredits is the numeric credit allowance granted per cycle.
	// Products granting FlagUnlimitedCredits leave this at 0.
	MonthlyCredits int

	// Rank orders products by value; higher wins when picking a base tier.
	Rank int

	// Constituents lists the products a bundle expands to.
	Constituents []ProductID

	// Features is the full grant. For bundles it already contains the union
	// of every constituent.
	Features Features
}

// IsBundle reports whether the product is a bundle.
func (p *Product) IsBundle() bool {
	return p.Kind == KindBundle
}

// GrantsUnlimitedCredits reports whether holding the product bypasses the
// numeric credit ledger.
func (p *Product) GrantsUnlimitedCredits() bool {
	return p.Features.Has(FlagUnlimitedCredits)
}

// Catalog is a read-only product lookup. Bundles are expanded once, when the
// catalog is built.
type Catalog struct {
	products map[ProductID]*Product
	order    []ProductID
}

// NewCatalog builds a catalog from product definitions. Bundle features are
// expanded to the union of their constituents plus the bundle's own grant.
// Constituents must be defined and must not be bundles themselves.
func NewCatalog(defs []Product) (*Catalog, error) {
	c := &Catalog{products: make(map[ProductID]*Product, len(defs))}

	for i := range defs {
		d := defs[i]
		if d.ID == "" {
			return nil, fmt.Errorf("catalog: product at index %d has no id", i)
		}
		if _, dup := c.products[d.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate product %q", d.ID)
		}
		p := d
		p.Features = d.Features.clone()
		p.Constituents = append([]ProductID(nil), d.Constituents...)
		c.products[p.ID] = &p
		c.order = append(c.order, p.ID)
	}

	for _, id := range c.order {
		p := c.products[id]
		if !p.IsBundle() {
			continue
		}
		if len(p.Constituents) == 0 {
			return nil, fmt.Errorf("catalog: bundle %q has no constituents", id)
		}
		credits := p.MonthlyCredits
		for _, cid := range p.Constituents {
			part, ok := c.products[cid]
			if !ok {
				return nil, fmt.Errorf("catalog: bundle %q references %w %q", id, ErrUnknownProduct, cid)
			}
			if part.IsBundle() {
				return nil, fmt.Errorf("catalog: bundle %q nests bundle %q", id, cid)
			}
			p.Features = p.Features.Union(part.Features)
			credits += part.MonthlyCredits
		}
		if p.Features.Has(FlagUnlimitedCredits) {
			credits = 0
		}
		p.MonthlyCredits = credits
	}

	return c, nil
}

// Lookup returns the product for id.
func (c *Catalog) Lookup(id ProductID) (*Product, error) {
	p, ok := c.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProduct, id)
	}
	return p, nil
}

// FeaturesOf returns the feature grant of a product. Unknown products grant
// nothing.
func (c *Catalog) FeaturesOf(id ProductID) Features {
	p, ok := c.products[id]
	if !ok {
		return Features{}
	}
	return p.Features.clone()
}

// Has reports whether id is a catalog product.
func (c *Catalog) Has(id ProductID) bool {
	_, ok := c.products[id]
	return ok
}

// Products returns every product in definition order.
func (c *Catalog) Products() []*Product {
	out := make([]*Product, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.products[id])
	}
	return out
}

// DisplayTier builds the presentation label for a set of owned products:
// the highest ranked base tier followed by owned addons in catalog order.
// It is never used for gating.
func (c *Catalog) DisplayTier(owned []ProductID) string {
	var (
		base    *Product
		addons  []*Product
		hasSeen = make(map[ProductID]bool, len(owned))
	)
	for _, id := range owned {
		p, ok := c.products[id]
		if !ok || hasSeen[id] {
			continue
		}
		hasSeen[id] = true
		switch p.Kind {
		case KindBundle:
			if base == nil || base.Kind != KindBundle || p.Rank > base.Rank {
				base = p
			}
		case KindBase:
			if base == nil || (base.Kind != KindBundle && p.Rank > base.Rank) {
				base = p
			}
		case KindAddon:
			addons = append(addons, p)
		}
	}

	if base == nil && len(addons) == 0 {
		return "Free"
	}
	if base != nil && base.Kind == KindBundle {
		return base.DisplayName
	}

	sort.SliceStable(addons, func(i, j int) bool {
		return c.position(addons[i].ID) < c.position(addons[j].ID)
	})

	label := ""
	if base != nil {
		label = base.DisplayName
	}
	for _, a := range addons {
		if label != "" {
			label += " + "
		}
		label += a.DisplayName
	}
	return label
}

func (c *Catalog) position(id ProductID) int {
	for i, pid := range c.order {
		if pid == id {
			return i
		}
	}
	return len(c.order)
}

// frontendFeatures is what every paying customer receives.
var frontendFeatures = NewFeatures().
	WithMembers(CollectionAIModels, "gemini-pro", "gpt-3.5-turbo").
	WithMembers(CollectionAdFormats, "feed", "story")

var proFeatures = NewFeatures(FlagUnlimitedCredits).
	WithMembers(CollectionAIModels, "gpt-4", "dall-e-3").
	WithMembers(CollectionAdFormats, "carousel", "reel")

var templatesFeatures = NewFeatures(FlagTemplatesLibrary)

var agencyFeatures = NewFeatures(FlagAgencyFeatures, FlagClientPortal, FlagWhiteLabel)

var resellerFeatures = NewFeatures(FlagResellerLicense)

// DefaultProducts is the AdGenius product line as sold through JVZoo.
func DefaultProducts() []Product {
	return []Product{
		{
			ID: ProductFrontend, DisplayName: "Frontend", Kind: KindBase,
			PriceCents: 3700, MonthlyCredits: 500, Rank: 10, Features: frontendFeatures,
		},
		{
			ID: ProductPro, DisplayName: "Pro", Kind: KindBase,
			PriceCents: 9700, Rank: 20, Features: proFeatures,
		},
		{
			ID: ProductTemplates, DisplayName: "Templates", Kind: KindAddon,
			PriceCents: 6700, Rank: 30, Features: templatesFeatures,
		},
		{
			ID: ProductAgency, DisplayName: "Agency", Kind: KindAddon,
			PriceCents: 9700, Rank: 40, Features: agencyFeatures,
		},
		{
			ID: ProductReseller, DisplayName: "Reseller", Kind: KindAddon,
			PriceCents: 14700, Rank: 50, Features: resellerFeatures,
		},
		{
			ID: ProductElite, DisplayName: "Elite", Kind: KindBundle,
			PriceCents: 29700, Rank: 100,
			Constituents: []ProductID{ProductPro, ProductTemplates, ProductAgency, ProductReseller},
		},
		{
			ID: ProductFastPass, DisplayName: "Elite", Kind: KindBundle,
			PriceCents: 24700, Rank: 90,
			Constituents: []ProductID{ProductPro, ProductTemplates, ProductAgency, ProductReseller},
		},
	}
}

// DefaultCatalog returns the catalog built from DefaultProducts.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultProducts())
	if err != nil {
		panic(err)
	}
	return c
}
