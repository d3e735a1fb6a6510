package dedupe

import (
	"context"
	"errors"
	"testing"
	"time"

	"regwatch-backend/lib/companieshouse"
	"regwatch-backend/lib/enfstore"

	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	profiles    map[string]companieshouse.Profile
	searchHits  []companieshouse.Profile
	err         error
	lookupCalls int
	searchCalls int
}

func (f *fakeRegistry) LookupByNumber(ctx context.Context, number string) (companieshouse.Profile, error) {
	f.lookupCalls++
	if f.err != nil {
		return companieshouse.Profile{}, f.err
	}
	profile, ok := f.profiles[number]
	if !ok {
		return companieshouse.Profile{}, companieshouse.ErrNotFound
	}
	return profile, nil
}

func (f *fakeRegistry) SearchByName(ctx context.Context, name string, pageSize int) ([]companieshouse.Profile, error) {
	f.searchCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.searchHits, nil
}

func TestClassifyBusinessType(t *testing.T) {
	testCases := []struct {
		name     string
		expected enfstore.BusinessType
	}{
		{"Acme Widgets Ltd", enfstore.BusinessLimited},
		{"ACME WIDGETS LIMITED", enfstore.BusinessLimited},
		{"Thames Water Utilities PLC", enfstore.BusinessPLC},
		{"Smith & Jones", enfstore.BusinessPartnership},
		{"J Bloggs and Sons", enfstore.BusinessPartnership},
		{"Baker McKenzie LLP", enfstore.BusinessPartnership},
		{"John Smith", enfstore.BusinessIndividual},
		{"Mary O'Connor", enfstore.BusinessIndividual},
		{"ABC Scaffolding", enfstore.BusinessOther},
		{"Northern Haulage Services", enfstore.BusinessOther},
	}
	for _, test := range testCases {
		require.Equal(t, test.expected, ClassifyBusinessType(test.name), "name: %q", test.name)
	}
}

func TestResolveCreatesAndReuses(t *testing.T) {
	store := newTestStore(t)
	resolver := NewOffenderResolver(store, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	id, err := resolver.Resolve(ctx, "Acme Widgets Ltd", "Leeds", "")
	require.NoError(t, err)
	require.NotZero(t, id)

	// different spelling of the same company resolves to the same row
	again, err := resolver.Resolve(ctx, "ACME WIDGETS LIMITED", "Leeds", "")
	require.NoError(t, err)
	require.Equal(t, id, again)

	offender, err := store.GetOffender(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Acme Widgets Ltd", offender.Name)
	require.Equal(t, enfstore.BusinessLimited, offender.BusinessType)
	require.Equal(t, enfstore.MatchUnmatched, offender.MatchStatus)

	_, err = resolver.Resolve(ctx, "  ", "", "")
	require.Error(t, err)
}

func TestResolveIndividualSkipsRegistry(t *testing.T) {
	store := newTestStore(t)
	registry := &fakeRegistry{}
	resolver := NewOffenderResolver(store, registry, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	id, err := resolver.Resolve(ctx, "John Smith", "York", "")
	require.NoError(t, err)
	require.NotZero(t, id)
	require.Zero(t, registry.lookupCalls)
	require.Zero(t, registry.searchCalls)

	offender, err := store.GetOffender(ctx, id)
	require.NoError(t, err)
	require.Equal(t, enfstore.BusinessIndividual, offender.BusinessType)
	require.Equal(t, enfstore.MatchUnmatched, offender.MatchStatus)
}

func TestResolveRegistryMatch(t *testing.T) {
	store := newTestStore(t)
	registry := &fakeRegistry{
		searchHits: []companieshouse.Profile{
			{
				CompanyName:   "ACME WIDGETS LIMITED",
				CompanyNumber: "01234567",
				Type:          "ltd",
				RegisteredOffice: companieshouse.Address{
					AddressLine1: "1 Factory Lane",
					Locality:     "Leeds",
					PostalCode:   "LS1 1AA",
				},
			},
			// similar name but wrong legal form never auto-merges
			{CompanyName: "ACME WIDGETS LLP", CompanyNumber: "OC111111", Type: "llp"},
		},
	}
	resolver := NewOffenderResolver(store, registry, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	id, err := resolver.Resolve(ctx, "Acme Widgets Ltd", "Leeds", "")
	require.NoError(t, err)
	require.Equal(t, 1, registry.searchCalls)

	offender, err := store.GetOffender(ctx, id)
	require.NoError(t, err)
	require.Equal(t, enfstore.MatchMatched, offender.MatchStatus)
	require.Equal(t, "01234567", offender.RegistrationNumber)
	require.Equal(t, "1 Factory Lane", offender.AddressLine)
	require.Equal(t, "LS1 1AA", offender.Postcode)
}

func TestResolveAmbiguousGoesToReview(t *testing.T) {
	store := newTestStore(t)
	registry := &fakeRegistry{
		searchHits: []companieshouse.Profile{
			{CompanyName: "ACME WIDGETS LIMITED", CompanyNumber: "01234567", Type: "ltd"},
			{CompanyName: "ACME WIDGET LIMITED", CompanyNumber: "07654321", Type: "ltd"},
		},
	}
	resolver := NewOffenderResolver(store, registry, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	id, err := resolver.Resolve(ctx, "Acme Widgets Ltd", "Leeds", "")
	require.NoError(t, err)

	offender, err := store.GetOffender(ctx, id)
	require.NoError(t, err)
	require.Equal(t, enfstore.MatchReview, offender.MatchStatus)
	// no candidate was accepted, so no registry details were copied
	require.Empty(t, offender.RegistrationNumber)
}

func TestResolveBelowThresholdGoesToReview(t *testing.T) {
	store := newTestStore(t)
	registry := &fakeRegistry{
		searchHits: []companieshouse.Profile{
			{CompanyName: "COMPLETELY DIFFERENT TRADING LIMITED", CompanyNumber: "09999999", Type: "ltd"},
		},
	}
	resolver := NewOffenderResolver(store, registry, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	id, err := resolver.Resolve(ctx, "Acme Widgets Ltd", "Leeds", "")
	require.NoError(t, err)

	offender, err := store.GetOffender(ctx, id)
	require.NoError(t, err)
	require.Equal(t, enfstore.MatchReview, offender.MatchStatus)
}

func TestResolveByRegistrationNumber(t *testing.T) {
	store := newTestStore(t)
	registry := &fakeRegistry{
		profiles: map[string]companieshouse.Profile{
			"01234567": {
				CompanyName:   "ACME WIDGETS LIMITED",
				CompanyNumber: "01234567",
				Type:          "ltd",
				RegisteredOffice: companieshouse.Address{
					Locality: "Leeds", PostalCode: "LS1 1AA",
				},
			},
		},
	}
	resolver := NewOffenderResolver(store, registry, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	// the register printed the number without its leading zero
	id, err := resolver.Resolve(ctx, "Acme Widgets Ltd", "Leeds", "1234567")
	require.NoError(t, err)
	require.Equal(t, 1, registry.lookupCalls)
	require.Zero(t, registry.searchCalls)

	offender, err := store.GetOffender(ctx, id)
	require.NoError(t, err)
	require.Equal(t, enfstore.MatchMatched, offender.MatchStatus)
	require.Equal(t, "01234567", offender.RegistrationNumber)
}

func TestResolveRegistryUnavailable(t *testing.T) {
	store := newTestStore(t)
	registry := &fakeRegistry{err: errors.New("connect: connection refused")}
	resolver := NewOffenderResolver(store, registry, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	id, err := resolver.Resolve(ctx, "Acme Widgets Ltd", "Leeds", "")
	// the error is informational: the offender id is still usable
	require.ErrorIs(t, err, ErrRegistryUnavailable)
	require.NotZero(t, id)

	offender, err := store.GetOffender(ctx, id)
	require.NoError(t, err)
	require.Equal(t, enfstore.MatchUnmatched, offender.MatchStatus)
}
