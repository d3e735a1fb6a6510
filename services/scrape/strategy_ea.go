package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"regwatch-backend/lib/enfstore"
	"regwatch-backend/lib/scrapers/ea"
)

type dateRangeParams struct {
	DateFrom   string   `json:"date_from"`
	DateTo     string   `json:"date_to"`
	Categories []string `json:"categories"`
}

func (dateRangeParams) isParams() {}

const dateParamLayout = "2006-01-02"

func (p dateRangeParams) window() (time.Time, time.Time, error) {
	from, err := time.Parse(dateParamLayout, p.DateFrom)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := time.Parse(dateParamLayout, p.DateTo)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

var validCategories = map[string]bool{
	ea.CategoryCourtCase:         true,
	ea.CategoryCaution:           true,
	ea.CategoryEnforcementNotice: true,
}

// validateDateRangeParams coerces and bounds a [from,to] window. The
// window defaults to the last 30 days; a reversed range is swapped
// rather than rejected, and equal endpoints are a valid one-day window.
// fixedCategories, when non-nil, pins the category filter regardless of
// input (the enforcement-notice preset).
func validateDateRangeParams(raw RawParams, fixedCategories []string) (dateRangeParams, error) {
	now := time.Now()
	params := dateRangeParams{
		DateFrom: now.AddDate(0, 0, -30).Format(dateParamLayout),
		DateTo:   now.Format(dateParamLayout),
	}

	if v, ok := raw["date_from"]; ok && v != "" {
		if _, err := time.Parse(dateParamLayout, v); err != nil {
			return params, fmt.Errorf("%w: date_from %q is not a valid date (want YYYY-MM-DD)", ErrInvalidParams, v)
		}
		params.DateFrom = v
	}
	if v, ok := raw["date_to"]; ok && v != "" {
		if _, err := time.Parse(dateParamLayout, v); err != nil {
			return params, fmt.Errorf("%w: date_to %q is not a valid date (want YYYY-MM-DD)", ErrInvalidParams, v)
		}
		params.DateTo = v
	}

	from, to, err := params.window()
	if err != nil {
		return params, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if to.Before(from) {
		params.DateFrom, params.DateTo = params.DateTo, params.DateFrom
	}

	if fixedCategories != nil {
		params.Categories = fixedCategories
		return params, nil
	}

	if v, ok := raw["categories"]; ok && v != "" {
		for _, category := range strings.Split(v, ",") {
			category = strings.TrimSpace(category)
			if !validCategories[category] {
				return params, fmt.Errorf("%w: unknown category %q", ErrInvalidParams, category)
			}
			params.Categories = append(params.Categories, category)
		}
	} else {
		params.Categories = []string{ea.CategoryCourtCase, ea.CategoryCaution}
	}
	return params, nil
}

// recordProgress is the date-range progress model: records processed
// over records found. The total is unknown until the first fetch, so
// before that it reports 0, not an error.
func recordProgress(sess enfstore.Session) float64 {
	if sess.RecordsFound == 0 {
		return 0
	}
	progress := float64(sess.UnitsProcessed) / float64(sess.RecordsFound) * 100
	if progress > 100 {
		return 100
	}
	return progress
}

type eaActionRecord struct {
	row     ea.ActionRow
	etype   EnforcementType
	scraped time.Time
	cursor  Cursor
}

func (r eaActionRecord) ExternalID() string { return r.row.Reference }

func eaFetch(ctx context.Context, client *ea.Client, params Params, cursor Cursor, etype EnforcementType) (Batch, error) {
	p := params.(dateRangeParams)
	from, to, err := p.window()
	if err != nil {
		return Batch{}, err
	}

	page, err := client.FetchActions(ctx, from, to, p.Categories, cursor.Offset)
	if err != nil {
		return Batch{}, err
	}

	batch := Batch{
		Next:       Cursor{Offset: cursor.Offset + len(page.Actions)},
		TotalFound: page.Total,
	}
	now := time.Now()
	for _, row := range page.Actions {
		batch.Records = append(batch.Records, eaActionRecord{
			row:     row,
			etype:   etype,
			scraped: now,
			cursor:  Cursor{Offset: cursor.Offset},
		})
	}
	batch.Done = len(page.Actions) == 0 || batch.Next.Offset >= page.Total
	return batch, nil
}

func eaProcess(raw RawRecord) (*ProcessedRecord, error) {
	rec, ok := raw.(eaActionRecord)
	if !ok {
		return nil, fmt.Errorf("ea strategy got record of type %T", raw)
	}
	if rec.row.Reference == "" {
		return nil, fmt.Errorf("enforcement action has no reference")
	}

	return &ProcessedRecord{
		RegulatorID:     rec.row.Reference,
		Source:          SourceEA,
		EnforcementType: rec.etype,
		OffenderName:    rec.row.OffenderName,
		Locality:        rec.row.Locality,
		Fine:            rec.row.Fine,
		Date:            rec.row.ActionDate,
		Breaches:        rec.row.Breaches,
		Provenance: Provenance{
			SourceURL: rec.row.SourceURL,
			ScrapedAt: rec.scraped,
			Cursor:    rec.cursor,
		},
	}, nil
}

func eaDescribe(displayName string, sess enfstore.Session) map[string]string {
	var params dateRangeParams
	var cursor Cursor
	json.Unmarshal(sess.Params, &params)
	json.Unmarshal(sess.Cursor, &cursor)
	return map[string]string{
		"strategy":      displayName,
		"date_from":     params.DateFrom,
		"date_to":       params.DateTo,
		"categories":    strings.Join(params.Categories, ","),
		"offset":        strconv.Itoa(cursor.Offset),
		"records_found": strconv.FormatInt(sess.RecordsFound, 10),
	}
}

// eaSkip jumps the offset past one result window after a failed fetch.
// Without a fetched page the window size is unknown, so it assumes the
// register's fixed page size.
const eaWindowSize = 20

type eaCaseStrategy struct {
	client *ea.Client
}

func (s *eaCaseStrategy) Source() Source                   { return SourceEA }
func (s *eaCaseStrategy) EnforcementType() EnforcementType { return TypeCase }
func (s *eaCaseStrategy) DisplayName() string              { return "EA court cases and cautions" }
func (s *eaCaseStrategy) EarlyExitEligible() bool          { return false }

func (s *eaCaseStrategy) ValidateParams(raw RawParams) (Params, error) {
	return validateDateRangeParams(raw, nil)
}

func (s *eaCaseStrategy) Fetch(ctx context.Context, params Params, cursor Cursor) (Batch, error) {
	return eaFetch(ctx, s.client, params, cursor, TypeCase)
}

func (s *eaCaseStrategy) ProcessRecord(ctx context.Context, raw RawRecord) (*ProcessedRecord, error) {
	return eaProcess(raw)
}

func (s *eaCaseStrategy) SkipCursor(params Params, cursor Cursor) (Cursor, bool) {
	return Cursor{Offset: cursor.Offset + eaWindowSize}, true
}

func (s *eaCaseStrategy) Progress(sess enfstore.Session) float64 {
	return recordProgress(sess)
}

// the register reports the full matching count on every result page;
// it accumulates into records_found, zero until the first fetch
func (s *eaCaseStrategy) Total(sess enfstore.Session) int64 {
	return sess.RecordsFound
}

func (s *eaCaseStrategy) Describe(sess enfstore.Session) map[string]string {
	return eaDescribe(s.DisplayName(), sess)
}

// eaNoticeStrategy reuses the generic date-range fetch with the
// category filter pinned to enforcement notices. Enforcement-type
// differences are parameter presets, not separate fetch logic.
type eaNoticeStrategy struct {
	client *ea.Client
}

func (s *eaNoticeStrategy) Source() Source                   { return SourceEA }
func (s *eaNoticeStrategy) EnforcementType() EnforcementType { return TypeNotice }
func (s *eaNoticeStrategy) DisplayName() string              { return "EA enforcement notices" }
func (s *eaNoticeStrategy) EarlyExitEligible() bool          { return false }

func (s *eaNoticeStrategy) ValidateParams(raw RawParams) (Params, error) {
	return validateDateRangeParams(raw, []string{ea.CategoryEnforcementNotice})
}

func (s *eaNoticeStrategy) Fetch(ctx context.Context, params Params, cursor Cursor) (Batch, error) {
	return eaFetch(ctx, s.client, params, cursor, TypeNotice)
}

func (s *eaNoticeStrategy) ProcessRecord(ctx context.Context, raw RawRecord) (*ProcessedRecord, error) {
	return eaProcess(raw)
}

func (s *eaNoticeStrategy) SkipCursor(params Params, cursor Cursor) (Cursor, bool) {
	return Cursor{Offset: cursor.Offset + eaWindowSize}, true
}

func (s *eaNoticeStrategy) Progress(sess enfstore.Session) float64 {
	return recordProgress(sess)
}

func (s *eaNoticeStrategy) Total(sess enfstore.Session) int64 {
	return sess.RecordsFound
}

func (s *eaNoticeStrategy) Describe(sess enfstore.Session) map[string]string {
	return eaDescribe(s.DisplayName(), sess)
}
