package golicense

import (
	"context"
	"errors"
	"time"
)

const entitlementCacheType = "entitlement"

// Resolve returns the effective entitlement of a user: the union of the
// features of every active license. A user without licenses resolves to the
// free entitlement; that is not an error.
//
// A storage failure is returned as *EntitlementLookupError and is never
// cached, so a transient outage cannot lock out a paying user.
func (m *Manager) Resolve(ctx context.Context, userID string) (*Entitlement, error) {
	if ent, ok := m.cache.GetEntitlement(userID); ok {
		m.metrics.RecordCacheHit(entitlementCacheType)
		return ent, nil
	}
	m.metrics.RecordCacheMiss(entitlementCacheType)

	gen := m.generation.Load()
	v, err, _ := m.lookups.Do(userID, func() (interface{}, error) {
		start := m.now()
		ent, err := m.resolve(ctx, userID)
		m.metrics.RecordEntitlementResolve(m.now().Sub(start), err)
		if err != nil {
			return nil, err
		}
		if cc := m.config.CacheConfig; cc != nil && cc.Enabled && m.generation.Load() == gen {
			m.cache.SetEntitlement(userID, ent, cc.EntitlementTTL)
		}
		return ent, nil
	})
	if err != nil {
		m.logger.Warn("entitlement lookup failed",
			Field{"userId", userID},
			Field{"error", err.Error()},
		)
		return nil, &EntitlementLookupError{UserID: userID, Err: err}
	}
	return copyEntitlement(v.(*Entitlement)), nil
}

func (m *Manager) resolve(ctx context.Context, userID string) (*Entitlement, error) {
	var licenses []*UserLicense
	err := m.timed("list_licenses", func() error {
		var e error
		licenses, e = m.storage.ListLicenses(ctx, userID)
		return e
	})
	if err != nil {
		return nil, err
	}

	ent := BuildEntitlement(m.catalog, userID, licenses, m.config.FreeMonthlyCredits)
	ent.ResolvedAt = m.now().UTC()
	for _, id := range ent.Orphaned {
		m.logger.Warn("license references product missing from catalog",
			Field{"userId", userID},
			Field{"productId", string(id)},
		)
	}
	return ent, nil
}

// BuildEntitlement folds a user's licenses into an entitlement. Only active
// licenses contribute. Any unlimited grant dominates numeric allowances; a
// user with no credit-bearing license receives freeCredits.
func BuildEntitlement(catalog *Catalog, userID string, licenses []*UserLicense, freeCredits int) *Entitlement {
	ent := &Entitlement{UserID: userID, OwnedProductIDs: []ProductID{}}

	var (
		features  Features
		allowance int
		unlimited bool
		owned     = make(map[ProductID]bool)
	)
	for _, lic := range licenses {
		if ent.Anchor.IsZero() || (!lic.PurchaseDate.IsZero() && lic.PurchaseDate.Before(ent.Anchor)) {
			ent.Anchor = lic.PurchaseDate
		}
		if !lic.IsActive() {
			continue
		}
		product, err := catalog.Lookup(lic.ProductID)
		if err != nil {
			ent.Orphaned = append(ent.Orphaned, lic.ProductID)
			continue
		}

		features = features.Union(product.Features)
		switch {
		case lic.CreditsTotal == nil && product.GrantsUnlimitedCredits():
			unlimited = true
		case lic.CreditsTotal != nil:
			allowance += *lic.CreditsTotal
		default:
			allowance += product.MonthlyCredits
		}

		if !owned[lic.ProductID] {
			owned[lic.ProductID] = true
			ent.OwnedProductIDs = append(ent.OwnedProductIDs, lic.ProductID)
		}
	}

	ent.Features = features
	ent.Unlimited = unlimited || features.Has(FlagUnlimitedCredits)
	if ent.Unlimited {
		allowance = 0
	} else if allowance == 0 {
		allowance = freeCredits
	}
	ent.CreditAllowance = allowance
	ent.DisplayTier = catalog.DisplayTier(ent.OwnedProductIDs)
	return ent
}

// HasFeature reports whether the user's active licenses grant a flag
func (m *Manager) HasFeature(ctx context.Context, userID string, flag Flag) (bool, error) {
	ent, err := m.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	allowed := ent.Features.Has(flag)
	m.metrics.RecordFeatureCheck(string(flag), allowed)
	return allowed, nil
}

// CheckFeature evaluates a feature query in its external form: a flag name
// ("white_label") or a namespaced collection member ("ai_models.gpt-4").
// Unknown names return ErrUnknownFeature.
func (m *Manager) CheckFeature(ctx context.Context, userID, feature string) (bool, error) {
	q, err := ParseFeatureQuery(feature)
	if err != nil {
		return false, err
	}
	ent, err := m.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	allowed := q.Eval(ent.Features)
	m.metrics.RecordFeatureCheck(q.String(), allowed)
	return allowed, nil
}

// InvalidateUser drops any cached entitlement of the user. It must be called
// after every change to the user's licenses.
func (m *Manager) InvalidateUser(userID string) {
	m.generation.Add(1)
	m.lookups.Forget(userID)
	m.cache.InvalidateEntitlement(userID)
}

// IsRetryable reports whether err is a transient failure the caller should
// retry rather than treat as a denial.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEntitlementLookup) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

func unlimitedBalance() *Balance {
	return &Balance{Unlimited: true, Percentage: 100}
}

func balanceFor(total, used int, resetDate time.Time) *Balance {
	remaining := total - used
	if remaining < 0 {
		remaining = 0
	}
	pct := 100.0
	if total > 0 {
		pct = float64(remaining) / float64(total) * 100
	}
	return &Balance{
		Total:      total,
		Used:       used,
		Remaining:  remaining,
		Percentage: pct,
		ResetDate:  resetDate,
	}
}
