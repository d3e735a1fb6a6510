package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"regwatch-backend/lib/enfstore"
	"regwatch-backend/lib/scrapers/hse"
)

type pageParams struct {
	StartPage int `json:"start_page"`
	MaxPages  int `json:"max_pages"`
}

func (pageParams) isParams() {}

const defaultMaxPages = 10

// validatePageParams coerces form-shaped string inputs into typed page
// bounds. Out-of-range values are rejected with a descriptive error,
// never clamped.
func validatePageParams(raw RawParams) (pageParams, error) {
	params := pageParams{StartPage: 1, MaxPages: defaultMaxPages}

	if v, ok := raw["start_page"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return params, fmt.Errorf("%w: start_page %q is not a number", ErrInvalidParams, v)
		}
		params.StartPage = n
	}
	if v, ok := raw["max_pages"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return params, fmt.Errorf("%w: max_pages %q is not a number", ErrInvalidParams, v)
		}
		params.MaxPages = n
	}

	if params.StartPage < 1 {
		return params, fmt.Errorf("%w: start_page must be at least 1, got %d", ErrInvalidParams, params.StartPage)
	}
	if params.MaxPages < 1 {
		return params, fmt.Errorf("%w: max_pages must be at least 1, got %d", ErrInvalidParams, params.MaxPages)
	}
	return params, nil
}

func pageSkip(p pageParams, cursor Cursor) (Cursor, bool) {
	next := Cursor{
		Page:      cursor.Page + 1,
		PagesDone: cursor.PagesDone + 1,
	}
	if cursor.Page == 0 {
		next.Page = p.StartPage + 1
	}
	return next, next.PagesDone < p.MaxPages
}

func pageProgress(sess enfstore.Session) float64 {
	var params pageParams
	var cursor Cursor
	if err := json.Unmarshal(sess.Params, &params); err != nil || params.MaxPages < 1 {
		return 0
	}
	if err := json.Unmarshal(sess.Cursor, &cursor); err != nil {
		return 0
	}

	progress := float64(cursor.PagesDone) / float64(params.MaxPages) * 100
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

// pageTotal is the page-based total: the session's page bound. The
// register never reveals how many records it holds.
func pageTotal(sess enfstore.Session) int64 {
	var params pageParams
	if err := json.Unmarshal(sess.Params, &params); err != nil || params.MaxPages < 1 {
		return 0
	}
	return int64(params.MaxPages)
}

type hseCaseStrategy struct {
	client *hse.Client
}

type hseCaseRecord struct {
	row     hse.CaseRow
	scraped time.Time
	cursor  Cursor
}

func (r hseCaseRecord) ExternalID() string { return r.row.CaseNumber }

func (s *hseCaseStrategy) Source() Source                   { return SourceHSE }
func (s *hseCaseStrategy) EnforcementType() EnforcementType { return TypeCase }
func (s *hseCaseStrategy) DisplayName() string              { return "HSE prosecutions" }
func (s *hseCaseStrategy) EarlyExitEligible() bool          { return true }

func (s *hseCaseStrategy) ValidateParams(raw RawParams) (Params, error) {
	return validatePageParams(raw)
}

func (s *hseCaseStrategy) Fetch(ctx context.Context, params Params, cursor Cursor) (Batch, error) {
	p := params.(pageParams)
	page := cursor.Page
	if page == 0 {
		page = p.StartPage
	}

	rows, err := s.client.FetchCaseList(ctx, page)
	if err != nil {
		return Batch{}, err
	}

	batch := Batch{
		Next: Cursor{Page: page + 1, PagesDone: cursor.PagesDone + 1},
	}
	now := time.Now()
	for _, row := range rows {
		batch.Records = append(batch.Records, hseCaseRecord{
			row:     row,
			scraped: now,
			cursor:  Cursor{Page: page},
		})
	}
	// an empty page means the register ran out before the page bound
	batch.Done = batch.Next.PagesDone >= p.MaxPages || len(rows) == 0
	return batch, nil
}

func (s *hseCaseStrategy) ProcessRecord(ctx context.Context, raw RawRecord) (*ProcessedRecord, error) {
	rec, ok := raw.(hseCaseRecord)
	if !ok {
		return nil, fmt.Errorf("hse case strategy got record of type %T", raw)
	}
	if rec.row.CaseNumber == "" {
		return nil, fmt.Errorf("case row has no case number")
	}

	detail, err := s.client.FetchCaseDetail(ctx, rec.row.DetailURL)
	if err != nil {
		return nil, fmt.Errorf("enrich case %s: %w", rec.row.CaseNumber, err)
	}

	date := rec.row.HearingDate
	return &ProcessedRecord{
		RegulatorID:     rec.row.CaseNumber,
		Source:          SourceHSE,
		EnforcementType: TypeCase,
		OffenderName:    rec.row.OffenderName,
		Locality:        detail.Locality,
		Activity:        detail.Activity,
		Fine:            rec.row.Fine,
		Costs:           detail.Costs,
		Date:            date,
		Breaches:        detail.Breaches,
		Provenance: Provenance{
			SourceURL: rec.row.DetailURL,
			ScrapedAt: rec.scraped,
			Cursor:    rec.cursor,
		},
	}, nil
}

func (s *hseCaseStrategy) SkipCursor(params Params, cursor Cursor) (Cursor, bool) {
	return pageSkip(params.(pageParams), cursor)
}

func (s *hseCaseStrategy) Progress(sess enfstore.Session) float64 {
	return pageProgress(sess)
}

func (s *hseCaseStrategy) Total(sess enfstore.Session) int64 {
	return pageTotal(sess)
}

func (s *hseCaseStrategy) Describe(sess enfstore.Session) map[string]string {
	var cursor Cursor
	json.Unmarshal(sess.Cursor, &cursor)
	return map[string]string{
		"strategy":      s.DisplayName(),
		"current_page":  strconv.Itoa(cursor.Page),
		"pages_done":    strconv.Itoa(cursor.PagesDone),
		"records_found": strconv.FormatInt(sess.RecordsFound, 10),
	}
}

type hseNoticeStrategy struct {
	client *hse.Client
}

type hseNoticeRecord struct {
	row     hse.NoticeRow
	scraped time.Time
	cursor  Cursor
}

func (r hseNoticeRecord) ExternalID() string { return r.row.NoticeNumber }

func (s *hseNoticeStrategy) Source() Source                   { return SourceHSE }
func (s *hseNoticeStrategy) EnforcementType() EnforcementType { return TypeNotice }
func (s *hseNoticeStrategy) DisplayName() string              { return "HSE enforcement notices" }
func (s *hseNoticeStrategy) EarlyExitEligible() bool          { return true }

func (s *hseNoticeStrategy) ValidateParams(raw RawParams) (Params, error) {
	return validatePageParams(raw)
}

func (s *hseNoticeStrategy) Fetch(ctx context.Context, params Params, cursor Cursor) (Batch, error) {
	p := params.(pageParams)
	page := cursor.Page
	if page == 0 {
		page = p.StartPage
	}

	rows, err := s.client.FetchNoticeList(ctx, page)
	if err != nil {
		return Batch{}, err
	}

	batch := Batch{
		Next: Cursor{Page: page + 1, PagesDone: cursor.PagesDone + 1},
	}
	now := time.Now()
	for _, row := range rows {
		batch.Records = append(batch.Records, hseNoticeRecord{
			row:     row,
			scraped: now,
			cursor:  Cursor{Page: page},
		})
	}
	batch.Done = batch.Next.PagesDone >= p.MaxPages || len(rows) == 0
	return batch, nil
}

func (s *hseNoticeStrategy) ProcessRecord(ctx context.Context, raw RawRecord) (*ProcessedRecord, error) {
	rec, ok := raw.(hseNoticeRecord)
	if !ok {
		return nil, fmt.Errorf("hse notice strategy got record of type %T", raw)
	}
	if rec.row.NoticeNumber == "" {
		return nil, fmt.Errorf("notice row has no notice number")
	}

	detail, err := s.client.FetchNoticeDetail(ctx, rec.row.DetailURL)
	if err != nil {
		return nil, fmt.Errorf("enrich notice %s: %w", rec.row.NoticeNumber, err)
	}

	return &ProcessedRecord{
		RegulatorID:     rec.row.NoticeNumber,
		Source:          SourceHSE,
		EnforcementType: TypeNotice,
		OffenderName:    rec.row.OffenderName,
		Locality:        detail.Locality,
		Activity:        detail.Activity,
		NoticeType:      rec.row.NoticeType,
		Date:            rec.row.IssuedDate,
		ComplianceDate:  detail.ComplianceDate,
		Breaches:        detail.Breaches,
		Provenance: Provenance{
			SourceURL: rec.row.DetailURL,
			ScrapedAt: rec.scraped,
			Cursor:    rec.cursor,
		},
	}, nil
}

func (s *hseNoticeStrategy) SkipCursor(params Params, cursor Cursor) (Cursor, bool) {
	return pageSkip(params.(pageParams), cursor)
}

func (s *hseNoticeStrategy) Progress(sess enfstore.Session) float64 {
	return pageProgress(sess)
}

func (s *hseNoticeStrategy) Total(sess enfstore.Session) int64 {
	return pageTotal(sess)
}

func (s *hseNoticeStrategy) Describe(sess enfstore.Session) map[string]string {
	var cursor Cursor
	json.Unmarshal(sess.Cursor, &cursor)
	return map[string]string{
		"strategy":      s.DisplayName(),
		"current_page":  strconv.Itoa(cursor.Page),
		"pages_done":    strconv.Itoa(cursor.PagesDone),
		"records_found": strconv.FormatInt(sess.RecordsFound, 10),
	}
}
