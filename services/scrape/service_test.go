package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"regwatch-backend/lib/enfstore"
	"regwatch-backend/lib/scrapers/ea"
	"regwatch-backend/lib/scrapers/hse"
	"regwatch-backend/services/scrape/dedupe"

	"github.com/stretchr/testify/require"
)

func newTestService(t testing.TB, hseClient *hse.Client, eaClient *ea.Client) (*Service, enfstore.Store) {
	store := newTestStore(t)
	bus := NewBus()
	coord := NewCoordinator(
		store,
		bus,
		dedupe.NewOffenderResolver(store, nil, 0),
		dedupe.NewLegislationResolver(store),
		CoordinatorOptions{RequestsPerMinute: 60000},
	)
	return NewService(store, NewRegistry(hseClient, eaClient), bus, coord), store
}

func TestStartScrapeValidation(t *testing.T) {
	service, store := newTestService(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	_, err := service.StartScrape(ctx, StartRequest{
		Source:          "onr",
		EnforcementType: TypeCase,
	})
	require.ErrorIs(t, err, ErrNoStrategy)

	_, err = service.StartScrape(ctx, StartRequest{
		Source:          SourceHSE,
		EnforcementType: TypeCase,
		Params:          RawParams{"start_page": "zero"},
	})
	require.ErrorIs(t, err, ErrInvalidParams)

	// rejected requests leave no session row behind
	sessions, err := store.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestStopScrapeUnknownSession(t *testing.T) {
	service, store := newTestService(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	err := service.StopScrape(ctx, "missing")
	require.ErrorIs(t, err, enfstore.ErrNotFound)

	// a terminal session that is no longer tracked in-process conflicts
	err = store.CreateSession(ctx, enfstore.Session{
		ID: "done", Source: "hse", EnforcementType: "case",
		Status: enfstore.StatusPending, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, store.UpdateSessionStatus(ctx, "done", enfstore.StatusCompleted))

	err = service.StopScrape(ctx, "done")
	require.ErrorIs(t, err, enfstore.ErrSessionNotRunning)
}

const serviceCaseList = `<html><body>
<table class="inner-table">
<tr>
	<td><a href="/convictions-history/case/case_details.asp?SV=4500123">4500123</a></td>
	<td>Acme Widgets Ltd</td>
	<td>12/03/2024</td>
	<td>£12,000</td>
</tr>
</table>
</body></html>`

const serviceCaseDetail = `<html><body>
<span class="defendant-locality">Leeds</span>
<span class="defendant-activity">Construction</span>
<span class="case-costs">£500</span>
<table class="breach-table">
<tr><td class="breach-act">Health and Safety at Work etc. Act 1974 / s.2(1)</td></tr>
</table>
</body></html>`

func TestStartScrapeRunsToCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/convictions-history/case/case_list.asp":
			w.Write([]byte(serviceCaseList))
		case "/convictions-history/case/case_details.asp":
			w.Write([]byte(serviceCaseDetail))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	service, store := newTestService(t, hse.NewClient(hse.ClientOptions{BaseUrl: server.URL}), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	sessionID, err := service.StartScrape(ctx, StartRequest{
		Source:          SourceHSE,
		EnforcementType: TypeCase,
		Params:          RawParams{"max_pages": "1"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	var sess enfstore.Session
	require.Eventually(t, func() bool {
		sess, err = service.GetSession(ctx, sessionID)
		return err == nil && sess.Status.Terminal()
	}, time.Second*5, time.Millisecond*20)

	require.Equal(t, enfstore.StatusCompleted, sess.Status)
	require.Equal(t, int64(1), sess.RecordsCreated)
	require.InDelta(t, 100.0, service.Progress(sess), 0.001)
	require.Equal(t, "HSE prosecutions", service.Describe(sess)["strategy"])

	record, err := store.GetCaseByRegulatorID(ctx, "hse", "4500123")
	require.NoError(t, err)
	require.Equal(t, "Acme Widgets Ltd", record.OffenderName)
	require.Equal(t, "Leeds", record.Locality)

	offences, err := store.GetOffencesByCase(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, offences, 1)
	require.Equal(t, "Section 2(1)", offences[0].Section)
}

const serviceNoticeList = `<html><body>
<table class="inner-table">
<tr>
	<td><a href="/notices/notices/notice_details.asp?SV=305123">305123</a></td>
	<td>Acme Widgets Ltd</td>
	<td>Improvement</td>
	<td>05/02/2024</td>
</tr>
</table>
</body></html>`

const serviceNoticeDetail = `<html><body>
<span class="recipient-locality">Leeds</span>
<span class="recipient-activity">Construction</span>
<span class="compliance-date">30/04/2024</span>
<table class="breach-table">
<tr><td class="breach-act">Provision and Use of Work Equipment Regulations 1998 / reg 4</td></tr>
</table>
</body></html>`

func TestStartScrapeNoticePersistsDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/notices/notices/notice_list.asp":
			w.Write([]byte(serviceNoticeList))
		case "/notices/notices/notice_details.asp":
			w.Write([]byte(serviceNoticeDetail))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	service, store := newTestService(t, hse.NewClient(hse.ClientOptions{BaseUrl: server.URL}), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	sessionID, err := service.StartScrape(ctx, StartRequest{
		Source:          SourceHSE,
		EnforcementType: TypeNotice,
		Params:          RawParams{"max_pages": "1"},
	})
	require.NoError(t, err)

	var sess enfstore.Session
	require.Eventually(t, func() bool {
		sess, err = service.GetSession(ctx, sessionID)
		return err == nil && sess.Status.Terminal()
	}, time.Second*5, time.Millisecond*20)
	require.Equal(t, enfstore.StatusCompleted, sess.Status)

	// the notice's type and compliance deadline survive into the store
	record, err := store.GetCaseByRegulatorID(ctx, "hse", "305123")
	require.NoError(t, err)
	require.Equal(t, "notice", record.EnforcementType)
	require.Equal(t, "Improvement", record.NoticeType)
	require.NotNil(t, record.ComplianceDate)
	require.Equal(t,
		time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC).Unix(),
		record.ComplianceDate.Unix(),
	)

	offences, err := store.GetOffencesByCase(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, offences, 1)
	require.Equal(t, "Regulation 4", offences[0].Section)
}

func TestStopScrapeCancelsRunningSession(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/convictions-history/case/case_list.asp" {
			<-release
		}
		w.Write([]byte(serviceCaseList))
	}))
	defer server.Close()

	service, _ := newTestService(t, hse.NewClient(hse.ClientOptions{BaseUrl: server.URL}), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	sessionID, err := service.StartScrape(ctx, StartRequest{
		Source:          SourceHSE,
		EnforcementType: TypeCase,
		Params:          RawParams{"max_pages": "5"},
	})
	require.NoError(t, err)

	// wait for the session to actually start before stopping it
	require.Eventually(t, func() bool {
		sess, err := service.GetSession(ctx, sessionID)
		return err == nil && sess.Status == enfstore.StatusRunning
	}, time.Second*5, time.Millisecond*10)

	require.NoError(t, service.StopScrape(ctx, sessionID))
	close(release)

	var sess enfstore.Session
	require.Eventually(t, func() bool {
		sess, err = service.GetSession(ctx, sessionID)
		return err == nil && sess.Status.Terminal()
	}, time.Second*5, time.Millisecond*20)
	require.Equal(t, enfstore.StatusStopped, sess.Status)
}
