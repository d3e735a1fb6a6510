package dedupe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"regwatch-backend/lib/companieshouse"
	"regwatch-backend/lib/enfstore"
	"regwatch-backend/lib/textutil"
)

// ErrRegistryUnavailable wraps registry failures (missing credentials,
// rate limiting, not-found). It is reported per offender and never
// blocks persistence of the underlying record.
var ErrRegistryUnavailable = errors.New("dedupe: company registry unavailable")

// RegistryClient is the slice of the company registry the resolver
// consumes.
type RegistryClient interface {
	LookupByNumber(ctx context.Context, number string) (companieshouse.Profile, error)
	SearchByName(ctx context.Context, name string, pageSize int) ([]companieshouse.Profile, error)
}

// DefaultSimilarityThreshold is the minimum normalized-name similarity
// for an auto-accepted registry match.
const DefaultSimilarityThreshold = 0.85

const registrySearchPageSize = 10

// tokens that mark an organisation rather than a person
var organisationKeywords = []string{
	"construction", "builders", "building", "engineering", "engineers",
	"services", "group", "holdings", "contractors", "farms", "farm",
	"haulage", "transport", "scaffolding", "roofing", "recycling",
	"manufacturing", "industries", "developments", "homes", "care",
	"limited", "ltd", "plc", "llp", "company", "co",
}

// ClassifyBusinessType classifies an offender from its raw name using
// suffix heuristics. Names with no corporate marker that read like a
// personal name are individuals; individuals are never matched against
// the company registry.
func ClassifyBusinessType(name string) enfstore.BusinessType {
	lower := " " + strings.ToLower(strings.TrimSpace(name)) + " "
	lower = strings.ReplaceAll(lower, ".", "")
	lower = strings.ReplaceAll(lower, ",", " ")

	contains := func(marker string) bool {
		return strings.Contains(lower, " "+marker+" ")
	}

	switch {
	case contains("plc") || strings.Contains(lower, "public limited company"):
		return enfstore.BusinessPLC
	case contains("limited") || contains("ltd"):
		return enfstore.BusinessLimited
	case contains("llp") || contains("lp") || strings.Contains(lower, "partnership"):
		return enfstore.BusinessPartnership
	case strings.Contains(lower, " & ") || contains("and") && (contains("sons") || contains("son") || contains("partners")):
		return enfstore.BusinessPartnership
	}

	for _, keyword := range organisationKeywords {
		if contains(keyword) {
			return enfstore.BusinessOther
		}
	}

	// short names with no organisation marker read as personal names
	if n := len(strings.Fields(strings.TrimSpace(name))); n >= 1 && n <= 4 {
		return enfstore.BusinessIndividual
	}
	return enfstore.BusinessOther
}

// compatibleType reports whether a registry company type can belong to
// a classified business type.
func compatibleType(businessType enfstore.BusinessType, registryType string) bool {
	registryType = strings.ToLower(registryType)
	switch businessType {
	case enfstore.BusinessLimited:
		return registryType == "ltd" || strings.HasPrefix(registryType, "private-limited")
	case enfstore.BusinessPLC:
		return registryType == "plc"
	case enfstore.BusinessPartnership:
		return registryType == "llp" || registryType == "limited-partnership"
	default:
		// classification was inconclusive; don't veto on type
		return true
	}
}

// OffenderResolver resolves offender identity: reuse of known
// offenders by normalized name, then fuzzy matching of non-individuals
// against the company registry.
type OffenderResolver struct {
	store     enfstore.Store
	registry  RegistryClient
	threshold float64
}

// NewOffenderResolver builds a resolver. registry may be nil, in which
// case offenders are created unmatched and registry resolution is
// skipped entirely.
func NewOffenderResolver(store enfstore.Store, registry RegistryClient, threshold float64) OffenderResolver {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarityThreshold
	}
	return OffenderResolver{store: store, registry: registry, threshold: threshold}
}

// Resolve returns the offender id for a scraped name, creating the
// offender on first sighting. A returned ErrRegistryUnavailable is
// informational: the id is still valid and the record must persist.
func (r OffenderResolver) Resolve(ctx context.Context, name, locality, registrationNumber string) (int64, error) {
	normalized := textutil.NormalizeCompanyName(name)
	if normalized == "" {
		return 0, fmt.Errorf("offender name %q normalizes to nothing", name)
	}

	existing, err := r.store.FindOffenderByNormalizedName(ctx, normalized)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, enfstore.ErrNotFound) {
		return 0, err
	}

	businessType := ClassifyBusinessType(name)
	id, err := r.store.CreateOffender(ctx, enfstore.Offender{
		Name:               strings.TrimSpace(name),
		NormalizedName:     normalized,
		RegistrationNumber: companieshouse.NormalizeCompanyNumber(registrationNumber),
		Locality:           locality,
		BusinessType:       businessType,
		MatchStatus:        enfstore.MatchUnmatched,
	})
	if errors.Is(err, enfstore.ErrDuplicate) {
		// lost a create race; the winner's row is authoritative
		existing, err := r.store.FindOffenderByNormalizedName(ctx, normalized)
		if err != nil {
			return 0, err
		}
		return existing.ID, nil
	}
	if err != nil {
		return 0, err
	}

	if r.registry == nil || businessType == enfstore.BusinessIndividual {
		return id, nil
	}

	err = r.matchRegistry(ctx, id, name, businessType, registrationNumber)
	if err != nil {
		return id, err
	}
	return id, nil
}

func (r OffenderResolver) matchRegistry(ctx context.Context, id int64, name string, businessType enfstore.BusinessType, registrationNumber string) error {
	if number := companieshouse.NormalizeCompanyNumber(registrationNumber); number != "" {
		profile, err := r.registry.LookupByNumber(ctx, number)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrRegistryUnavailable, name, err)
		}
		return r.acceptMatch(ctx, id, profile)
	}

	profiles, err := r.registry.SearchByName(ctx, name, registrySearchPageSize)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRegistryUnavailable, name, err)
	}
	if len(profiles) == 0 {
		return nil
	}

	var confident []companieshouse.Profile
	bestSimilarity := 0.0
	for _, profile := range profiles {
		similarity := textutil.Similarity(name, profile.CompanyName)
		if similarity > bestSimilarity {
			bestSimilarity = similarity
		}
		if similarity >= r.threshold && compatibleType(businessType, profile.Type) {
			confident = append(confident, profile)
		}
	}

	if len(confident) == 1 {
		return r.acceptMatch(ctx, id, confident[0])
	}

	// multiple plausible matches, or candidates below the threshold:
	// queue for manual disambiguation instead of risking a false merge
	slog.DebugContext(
		ctx, "offender left for manual review",
		"name", name,
		"candidates", len(profiles),
		"confident", len(confident),
		"best_similarity", bestSimilarity,
	)
	return r.store.SetOffenderRegistryMatch(ctx, id, enfstore.MatchReview, "", "", "", "")
}

func (r OffenderResolver) acceptMatch(ctx context.Context, id int64, profile companieshouse.Profile) error {
	address := profile.RegisteredOffice
	line := address.AddressLine1
	if address.AddressLine2 != "" {
		line += ", " + address.AddressLine2
	}
	return r.store.SetOffenderRegistryMatch(
		ctx, id, enfstore.MatchMatched,
		profile.CompanyNumber, line, address.Locality, address.PostalCode,
	)
}
