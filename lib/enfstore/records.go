package enfstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Case is one persisted enforcement record, either a prosecution or a
// notice depending on EnforcementType. (Source, RegulatorID) is unique;
// the constraint is the final arbiter of deduplication. NoticeType and
// ComplianceDate are only set for notices.
type Case struct {
	ID              int64
	Source          string
	RegulatorID     string
	EnforcementType string
	OffenderID      int64
	OffenderName    string
	Locality        string
	Activity        string
	NoticeType      string
	Fine            decimal.Decimal
	Costs           decimal.Decimal
	HearingDate     *time.Time
	ComplianceDate  *time.Time
	SourceURL       string
	ScrapedAt       time.Time
	SessionID       string
}

func (s Store) CreateCase(ctx context.Context, c Case) (int64, error) {
	var hearing any
	if c.HearingDate != nil {
		hearing = c.HearingDate.Unix()
	}
	var compliance any
	if c.ComplianceDate != nil {
		compliance = c.ComplianceDate.Unix()
	}
	var offender any
	if c.OffenderID != 0 {
		offender = c.OffenderID
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO cases (
			source, regulator_id, enforcement_type, offender_id,
			offender_name, locality, activity, notice_type, fine, costs,
			hearing_date, compliance_date, source_url, scraped_at, session_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Source, c.RegulatorID, c.EnforcementType, offender,
		c.OffenderName, c.Locality, c.Activity, c.NoticeType,
		c.Fine.String(), c.Costs.String(),
		hearing, compliance, c.SourceURL, c.ScrapedAt.Unix(), c.SessionID,
	)
	if isUniqueViolation(err) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s Store) GetCaseByRegulatorID(ctx context.Context, source, regulatorID string) (Case, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, source, regulator_id, enforcement_type,
			COALESCE(offender_id, 0), offender_name,
			COALESCE(locality, ''), COALESCE(activity, ''),
			COALESCE(notice_type, ''),
			fine, costs, hearing_date, compliance_date,
			COALESCE(source_url, ''), scraped_at, COALESCE(session_id, '')
		FROM cases WHERE source = ? AND regulator_id = ?`,
		source, regulatorID,
	)

	var c Case
	var fine, costs string
	var hearing, compliance sql.NullInt64
	var scrapedAt int64
	err := row.Scan(
		&c.ID, &c.Source, &c.RegulatorID, &c.EnforcementType,
		&c.OffenderID, &c.OffenderName, &c.Locality, &c.Activity,
		&c.NoticeType, &fine, &costs, &hearing, &compliance,
		&c.SourceURL, &scrapedAt, &c.SessionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Case{}, ErrNotFound
	}
	if err != nil {
		return Case{}, err
	}

	c.Fine, err = decimal.NewFromString(fine)
	if err != nil {
		return Case{}, err
	}
	c.Costs, err = decimal.NewFromString(costs)
	if err != nil {
		return Case{}, err
	}
	if hearing.Valid {
		t := time.Unix(hearing.Int64, 0)
		c.HearingDate = &t
	}
	if compliance.Valid {
		t := time.Unix(compliance.Int64, 0)
		c.ComplianceDate = &t
	}
	c.ScrapedAt = time.Unix(scrapedAt, 0)
	return c, nil
}

// ExistsByExternalID performs the bulk pre-filter membership lookup:
// one query regardless of input size. An empty input returns an empty
// set without touching the database.
func (s Store) ExistsByExternalID(ctx context.Context, source string, ids []string) (map[string]bool, error) {
	existing := map[string]bool{}
	if len(ids) == 0 {
		return existing, nil
	}

	placeholders := strings.Repeat("?, ", len(ids))
	placeholders = placeholders[:len(placeholders)-2]
	args := make([]any, 0, len(ids)+1)
	args = append(args, source)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT regulator_id FROM cases
		WHERE source = ? AND regulator_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// Offence is one cited breach within a case, linked to the legislation
// it was brought under. Seq preserves citation order within the record.
type Offence struct {
	ID            int64
	CaseID        int64
	Seq           int64
	LegislationID int64
	Section       string
	Description   string
	FineShare     decimal.Decimal
	CostsShare    decimal.Decimal
}

func (s Store) CreateOffence(ctx context.Context, o Offence) (int64, error) {
	var legislation any
	if o.LegislationID != 0 {
		legislation = o.LegislationID
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO offences (
			case_id, seq, legislation_id, section, description,
			fine_share, costs_share
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.CaseID, o.Seq, legislation, o.Section, o.Description,
		o.FineShare.String(), o.CostsShare.String(),
	)
	if isUniqueViolation(err) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s Store) GetOffencesByCase(ctx context.Context, caseID int64) ([]Offence, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, case_id, seq, COALESCE(legislation_id, 0),
			COALESCE(section, ''), COALESCE(description, ''),
			fine_share, costs_share
		FROM offences WHERE case_id = ? ORDER BY seq`,
		caseID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Offence
	for rows.Next() {
		var o Offence
		var fine, costs string
		err := rows.Scan(
			&o.ID, &o.CaseID, &o.Seq, &o.LegislationID,
			&o.Section, &o.Description, &fine, &costs,
		)
		if err != nil {
			return nil, err
		}
		o.FineShare, err = decimal.NewFromString(fine)
		if err != nil {
			return nil, err
		}
		o.CostsShare, err = decimal.NewFromString(costs)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
