package scrape

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"regwatch-backend/lib/enfstore"
	"regwatch-backend/lib/enfstore/db"
	"regwatch-backend/lib/telemetry"
	"regwatch-backend/services/scrape/dedupe"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestStore(t testing.TB) enfstore.Store {
	sqlite, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlite.Close() })

	_, err = sqlite.Exec(db.Schema)
	if err != nil {
		t.Fatal(err)
	}
	return enfstore.NewStore(sqlite)
}

type stubRecord struct {
	id string
}

func (r stubRecord) ExternalID() string { return r.id }

// stubStrategy pages through a fixed record table like the page-based
// register strategies do.
type stubStrategy struct {
	pages       [][]string
	fetchErrs   map[int]error
	processErrs map[string]bool
	fetchCalls  int
	// onFetch runs inside Fetch, for cancellation tests
	onFetch func(page int)
}

func (s *stubStrategy) Source() Source                   { return Source("stub") }
func (s *stubStrategy) EnforcementType() EnforcementType { return TypeCase }
func (s *stubStrategy) DisplayName() string              { return "stub register" }
func (s *stubStrategy) EarlyExitEligible() bool          { return true }

func (s *stubStrategy) ValidateParams(raw RawParams) (Params, error) {
	return validatePageParams(raw)
}

func (s *stubStrategy) Fetch(ctx context.Context, params Params, cursor Cursor) (Batch, error) {
	p := params.(pageParams)
	page := cursor.Page
	if page == 0 {
		page = p.StartPage
	}
	s.fetchCalls++
	if s.onFetch != nil {
		s.onFetch(page)
	}
	if err := s.fetchErrs[page]; err != nil {
		return Batch{}, err
	}

	var ids []string
	if page-1 < len(s.pages) {
		ids = s.pages[page-1]
	}

	batch := Batch{
		Next: Cursor{Page: page + 1, PagesDone: cursor.PagesDone + 1},
	}
	for _, id := range ids {
		batch.Records = append(batch.Records, stubRecord{id: id})
	}
	batch.Done = batch.Next.PagesDone >= p.MaxPages || len(ids) == 0
	return batch, nil
}

func (s *stubStrategy) ProcessRecord(ctx context.Context, raw RawRecord) (*ProcessedRecord, error) {
	rec := raw.(stubRecord)
	if s.processErrs[rec.id] {
		return nil, fmt.Errorf("detail page for %s is broken", rec.id)
	}
	return &ProcessedRecord{
		RegulatorID:     rec.id,
		Source:          Source("stub"),
		EnforcementType: TypeCase,
		OffenderName:    "Acme Widgets Ltd",
		Fine:            decimal.RequireFromString("1000"),
		Breaches:        []string{"Health and Safety at Work etc. Act 1974 / s.2(1)"},
		Provenance: Provenance{
			ScrapedAt: time.Now(),
		},
	}, nil
}

func (s *stubStrategy) SkipCursor(params Params, cursor Cursor) (Cursor, bool) {
	return pageSkip(params.(pageParams), cursor)
}

func (s *stubStrategy) Progress(sess enfstore.Session) float64 {
	return pageProgress(sess)
}

func (s *stubStrategy) Total(sess enfstore.Session) int64 {
	return pageTotal(sess)
}

func (s *stubStrategy) Describe(sess enfstore.Session) map[string]string {
	return map[string]string{"strategy": s.DisplayName()}
}

type coordinatorFixture struct {
	store enfstore.Store
	bus   *Bus
	coord *Coordinator
}

func newCoordinatorFixture(t testing.TB, opts CoordinatorOptions) coordinatorFixture {
	if opts.RequestsPerMinute == 0 {
		// keep the inter-fetch delay negligible in tests
		opts.RequestsPerMinute = 60000
	}
	store := newTestStore(t)
	bus := NewBus()
	coord := NewCoordinator(
		store,
		bus,
		dedupe.NewOffenderResolver(store, nil, 0),
		dedupe.NewLegislationResolver(store),
		opts,
	)
	return coordinatorFixture{store: store, bus: bus, coord: coord}
}

func createStubSession(t testing.TB, store enfstore.Store, id string, maxPages int) {
	params, err := json.Marshal(pageParams{StartPage: 1, MaxPages: maxPages})
	require.NoError(t, err)
	err = store.CreateSession(context.Background(), enfstore.Session{
		ID:              id,
		Source:          "stub",
		EnforcementType: "case",
		Params:          params,
		Status:          enfstore.StatusPending,
		CreatedAt:       time.Now(),
	})
	require.NoError(t, err)
}

func TestCoordinatorRunCompletes(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:scrape")
	defer cleanup()

	fixture := newCoordinatorFixture(t, CoordinatorOptions{})
	strategy := &stubStrategy{pages: [][]string{{"a1", "a2"}, {"b1", "b2"}}}
	createStubSession(t, fixture.store, "s1", 2)

	err := fixture.coord.Run(
		context.Background(), strategy,
		pageParams{StartPage: 1, MaxPages: 2}, "s1", RunOptions{},
	)
	require.NoError(t, err)
	require.Equal(t, 2, strategy.fetchCalls)

	sess, err := fixture.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, enfstore.StatusCompleted, sess.Status)
	require.Equal(t, int64(4), sess.RecordsFound)
	require.Equal(t, int64(4), sess.UnitsProcessed)
	require.Equal(t, int64(4), sess.RecordsCreated)
	require.Equal(t, int64(0), sess.RecordsExisting)
	require.Equal(t, int64(0), sess.ErrorCount)

	// records, offences and offender aggregates were all persisted
	record, err := fixture.store.GetCaseByRegulatorID(context.Background(), "stub", "a1")
	require.NoError(t, err)
	require.NotZero(t, record.OffenderID)
	require.Equal(t, "s1", record.SessionID)

	offences, err := fixture.store.GetOffencesByCase(context.Background(), record.ID)
	require.NoError(t, err)
	require.Len(t, offences, 1)

	offender, err := fixture.store.GetOffender(context.Background(), record.OffenderID)
	require.NoError(t, err)
	require.Equal(t, int64(4), offender.TotalCases)
	require.True(t, offender.TotalFines.Equal(decimal.RequireFromString("4000")))

	// a second run of the same data creates nothing new
	createStubSession(t, fixture.store, "s2", 2)
	rerun := &stubStrategy{pages: strategy.pages}
	err = fixture.coord.Run(
		context.Background(), rerun,
		pageParams{StartPage: 1, MaxPages: 2}, "s2", RunOptions{},
	)
	require.NoError(t, err)

	sess, err = fixture.store.GetSession(context.Background(), "s2")
	require.NoError(t, err)
	require.Equal(t, enfstore.StatusCompleted, sess.Status)
	require.Equal(t, int64(0), sess.RecordsCreated)
	require.Equal(t, int64(4), sess.RecordsExisting)

	offender, err = fixture.store.GetOffender(context.Background(), record.OffenderID)
	require.NoError(t, err)
	require.Equal(t, int64(4), offender.TotalCases)
}

func TestCoordinatorRequiresPendingSession(t *testing.T) {
	fixture := newCoordinatorFixture(t, CoordinatorOptions{})
	strategy := &stubStrategy{pages: [][]string{{"a1"}}}
	createStubSession(t, fixture.store, "s1", 1)

	err := fixture.store.UpdateSessionStatus(context.Background(), "s1", enfstore.StatusRunning)
	require.NoError(t, err)

	err = fixture.coord.Run(context.Background(), strategy, pageParams{StartPage: 1, MaxPages: 1}, "s1", RunOptions{})
	require.Error(t, err)
	require.Zero(t, strategy.fetchCalls)
}

func TestCoordinatorEarlyExit(t *testing.T) {
	fixture := newCoordinatorFixture(t, CoordinatorOptions{ExistingStreakLimit: 3})
	pages := [][]string{{"a1", "a2", "a3", "a4"}, {"b1", "b2"}}

	createStubSession(t, fixture.store, "s1", 2)
	err := fixture.coord.Run(
		context.Background(), &stubStrategy{pages: pages},
		pageParams{StartPage: 1, MaxPages: 2}, "s1", RunOptions{},
	)
	require.NoError(t, err)

	// everything already exists now: the rerun stops after the streak
	// limit without touching the second page
	createStubSession(t, fixture.store, "s2", 2)
	rerun := &stubStrategy{pages: pages}
	err = fixture.coord.Run(
		context.Background(), rerun,
		pageParams{StartPage: 1, MaxPages: 2}, "s2", RunOptions{},
	)
	require.NoError(t, err)
	require.Equal(t, 1, rerun.fetchCalls)

	sess, err := fixture.store.GetSession(context.Background(), "s2")
	require.NoError(t, err)
	require.Equal(t, enfstore.StatusCompleted, sess.Status)
	require.Equal(t, int64(3), sess.RecordsExisting)
}

func TestCoordinatorProcessAllDisablesEarlyExit(t *testing.T) {
	fixture := newCoordinatorFixture(t, CoordinatorOptions{ExistingStreakLimit: 3})
	pages := [][]string{{"a1", "a2", "a3", "a4"}, {"b1", "b2"}}

	createStubSession(t, fixture.store, "s1", 2)
	err := fixture.coord.Run(
		context.Background(), &stubStrategy{pages: pages},
		pageParams{StartPage: 1, MaxPages: 2}, "s1", RunOptions{},
	)
	require.NoError(t, err)

	createStubSession(t, fixture.store, "s2", 2)
	rerun := &stubStrategy{pages: pages}
	err = fixture.coord.Run(
		context.Background(), rerun,
		pageParams{StartPage: 1, MaxPages: 2}, "s2",
		RunOptions{ProcessAllRecords: true},
	)
	require.NoError(t, err)
	// every page is fetched and every record re-processed; the store's
	// uniqueness constraint reports them all as existing
	require.Equal(t, 2, rerun.fetchCalls)

	sess, err := fixture.store.GetSession(context.Background(), "s2")
	require.NoError(t, err)
	require.Equal(t, enfstore.StatusCompleted, sess.Status)
	require.Equal(t, int64(6), sess.RecordsExisting)
	require.Equal(t, int64(0), sess.RecordsCreated)
}

func TestCoordinatorFetchFailureSkipsWindow(t *testing.T) {
	fixture := newCoordinatorFixture(t, CoordinatorOptions{})
	strategy := &stubStrategy{
		pages:     [][]string{{"a1"}, {"b1"}},
		fetchErrs: map[int]error{1: errors.New("502 bad gateway")},
	}
	createStubSession(t, fixture.store, "s1", 2)

	err := fixture.coord.Run(
		context.Background(), strategy,
		pageParams{StartPage: 1, MaxPages: 2}, "s1", RunOptions{},
	)
	require.NoError(t, err)

	sess, err := fixture.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, enfstore.StatusCompleted, sess.Status)
	// the first page was skipped, the second still scraped
	require.Equal(t, int64(1), sess.RecordsCreated)
	require.Equal(t, int64(1), sess.ErrorCount)
	require.Len(t, sess.RecentErrors, 1)
	require.Contains(t, sess.RecentErrors[0], "fetch")

	_, err = fixture.store.GetCaseByRegulatorID(context.Background(), "stub", "b1")
	require.NoError(t, err)
}

func TestCoordinatorRepeatedFetchFailuresFail(t *testing.T) {
	fixture := newCoordinatorFixture(t, CoordinatorOptions{MaxFetchFailures: 3})
	strategy := &stubStrategy{
		pages: [][]string{{"a1"}, {"b1"}, {"c1"}, {"d1"}},
		fetchErrs: map[int]error{
			1: errors.New("timeout"),
			2: errors.New("timeout"),
			3: errors.New("timeout"),
		},
	}
	createStubSession(t, fixture.store, "s1", 4)

	err := fixture.coord.Run(
		context.Background(), strategy,
		pageParams{StartPage: 1, MaxPages: 4}, "s1", RunOptions{},
	)
	require.Error(t, err)

	sess, err := fixture.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, enfstore.StatusFailed, sess.Status)
	require.Equal(t, int64(3), sess.ErrorCount)
}

func TestCoordinatorProcessErrorSkipsRecord(t *testing.T) {
	fixture := newCoordinatorFixture(t, CoordinatorOptions{})
	strategy := &stubStrategy{
		pages:       [][]string{{"a1", "a2", "a3"}},
		processErrs: map[string]bool{"a2": true},
	}
	createStubSession(t, fixture.store, "s1", 1)

	err := fixture.coord.Run(
		context.Background(), strategy,
		pageParams{StartPage: 1, MaxPages: 1}, "s1", RunOptions{},
	)
	require.NoError(t, err)

	sess, err := fixture.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, enfstore.StatusCompleted, sess.Status)
	require.Equal(t, int64(2), sess.RecordsCreated)
	require.Equal(t, int64(1), sess.ErrorCount)

	_, err = fixture.store.GetCaseByRegulatorID(context.Background(), "stub", "a2")
	require.ErrorIs(t, err, enfstore.ErrNotFound)
}

func TestCoordinatorCancellation(t *testing.T) {
	fixture := newCoordinatorFixture(t, CoordinatorOptions{})
	ctx, cancel := context.WithCancel(context.Background())

	strategy := &stubStrategy{
		pages: [][]string{{"a1"}, {"b1"}, {"c1"}},
		onFetch: func(page int) {
			if page == 1 {
				cancel()
			}
		},
	}
	createStubSession(t, fixture.store, "s1", 3)

	err := fixture.coord.Run(ctx, strategy, pageParams{StartPage: 1, MaxPages: 3}, "s1", RunOptions{})
	require.NoError(t, err)
	// the in-flight page finished before the loop observed cancellation
	require.Equal(t, 1, strategy.fetchCalls)

	sess, err := fixture.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, enfstore.StatusStopped, sess.Status)
	require.Equal(t, int64(1), sess.RecordsCreated)

	_, err = fixture.store.GetCaseByRegulatorID(context.Background(), "stub", "a1")
	require.NoError(t, err)
}

func TestCoordinatorPublishesProgress(t *testing.T) {
	fixture := newCoordinatorFixture(t, CoordinatorOptions{})
	strategy := &stubStrategy{pages: [][]string{{"a1"}, {"b1"}}}
	createStubSession(t, fixture.store, "s1", 2)

	events, unsubscribe := fixture.bus.Subscribe("s1")
	defer unsubscribe()

	err := fixture.coord.Run(
		context.Background(), strategy,
		pageParams{StartPage: 1, MaxPages: 2}, "s1", RunOptions{},
	)
	require.NoError(t, err)

	var collected []Event
	for {
		select {
		case event := <-events:
			collected = append(collected, event)
		default:
			goto done
		}
	}
done:
	require.NotEmpty(t, collected)

	// progress never regresses and exactly the last event is terminal
	previous := -1.0
	for i, event := range collected {
		require.Equal(t, "s1", event.SessionID)
		require.GreaterOrEqual(t, event.Progress, previous)
		previous = event.Progress
		require.Equal(t, i == len(collected)-1, event.Terminal, "event %d", i)
		require.Equal(t, int64(2), event.Total, "event %d", i)
	}
	final := collected[len(collected)-1]
	require.Equal(t, PhaseCompleted, final.Phase)
	require.InDelta(t, 100.0, final.Progress, 0.001)
	require.Equal(t, int64(2), final.RecordsCreated)

	// fetching events report the persisted cursor, one page past the
	// window just processed
	var positions []string
	for _, event := range collected {
		if event.Phase == PhaseFetching {
			positions = append(positions, event.Position)
		}
	}
	require.Equal(t, []string{"page 2", "page 3"}, positions)
}

func TestCoordinatorSkipPublishesPersistedCursor(t *testing.T) {
	fixture := newCoordinatorFixture(t, CoordinatorOptions{})
	strategy := &stubStrategy{
		pages:     [][]string{{"a1"}, {"b1"}},
		fetchErrs: map[int]error{1: errors.New("502 bad gateway")},
	}
	createStubSession(t, fixture.store, "s1", 2)

	events, unsubscribe := fixture.bus.Subscribe("s1")
	defer unsubscribe()

	err := fixture.coord.Run(
		context.Background(), strategy,
		pageParams{StartPage: 1, MaxPages: 2}, "s1", RunOptions{},
	)
	require.NoError(t, err)

	var positions []string
	for {
		select {
		case event := <-events:
			if event.Phase == PhaseFetching {
				positions = append(positions, event.Position)
			}
		default:
			goto done
		}
	}
done:
	// the skipped window and the scraped one report the same convention
	require.Equal(t, []string{"page 2", "page 3"}, positions)
}
