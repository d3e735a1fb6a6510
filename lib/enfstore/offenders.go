package enfstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type BusinessType string

const (
	BusinessIndividual  BusinessType = "individual"
	BusinessPartnership BusinessType = "partnership"
	BusinessLimited     BusinessType = "limited_company"
	BusinessPLC         BusinessType = "plc"
	BusinessOther       BusinessType = "other"
)

type MatchStatus string

const (
	// MatchMatched means the offender was auto-linked to a registry
	// profile at or above the similarity threshold.
	MatchMatched MatchStatus = "matched"
	// MatchUnmatched means no registry lookup succeeded (individuals,
	// registry unavailable, or no candidates at all).
	MatchUnmatched MatchStatus = "unmatched"
	// MatchReview means plausible candidates exist but none was
	// confident enough to auto-merge; queued for a human.
	MatchReview MatchStatus = "review"
)

type Offender struct {
	ID                 int64
	Name               string
	NormalizedName     string
	RegistrationNumber string
	AddressLine        string
	Locality           string
	Postcode           string
	BusinessType       BusinessType
	MatchStatus        MatchStatus
	TotalCases         int64
	TotalNotices       int64
	TotalFines         decimal.Decimal
	CreatedAt          time.Time
}

func (s Store) CreateOffender(ctx context.Context, o Offender) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO offenders (
			name, normalized_name, registration_number,
			address_line, locality, postcode,
			business_type, match_status, total_fines, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '0', ?)`,
		o.Name, o.NormalizedName, o.RegistrationNumber,
		o.AddressLine, o.Locality, o.Postcode,
		string(o.BusinessType), string(o.MatchStatus),
		time.Now().Unix(),
	)
	if isUniqueViolation(err) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s Store) FindOffenderByNormalizedName(ctx context.Context, normalized string) (Offender, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, normalized_name,
			COALESCE(registration_number, ''),
			COALESCE(address_line, ''), COALESCE(locality, ''),
			COALESCE(postcode, ''), business_type, match_status,
			total_cases, total_notices, total_fines, created_at
		FROM offenders WHERE normalized_name = ?`,
		normalized,
	)
	return scanOffender(row)
}

func (s Store) GetOffender(ctx context.Context, id int64) (Offender, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, normalized_name,
			COALESCE(registration_number, ''),
			COALESCE(address_line, ''), COALESCE(locality, ''),
			COALESCE(postcode, ''), business_type, match_status,
			total_cases, total_notices, total_fines, created_at
		FROM offenders WHERE id = ?`,
		id,
	)
	return scanOffender(row)
}

func scanOffender(row rowScanner) (Offender, error) {
	var o Offender
	var businessType, matchStatus, totalFines string
	var createdAt int64

	err := row.Scan(
		&o.ID, &o.Name, &o.NormalizedName, &o.RegistrationNumber,
		&o.AddressLine, &o.Locality, &o.Postcode,
		&businessType, &matchStatus,
		&o.TotalCases, &o.TotalNotices, &totalFines, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Offender{}, ErrNotFound
	}
	if err != nil {
		return Offender{}, err
	}

	o.BusinessType = BusinessType(businessType)
	o.MatchStatus = MatchStatus(matchStatus)
	o.TotalFines, err = decimal.NewFromString(totalFines)
	if err != nil {
		return Offender{}, err
	}
	o.CreatedAt = time.Unix(createdAt, 0)
	return o, nil
}

// SetOffenderRegistryMatch attaches the registry's canonical details to
// an offender after a confident match, or marks it for review.
func (s Store) SetOffenderRegistryMatch(ctx context.Context, id int64, status MatchStatus, number, addressLine, locality, postcode string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE offenders SET
			match_status = ?,
			registration_number = CASE WHEN ? != '' THEN ? ELSE registration_number END,
			address_line = CASE WHEN ? != '' THEN ? ELSE address_line END,
			locality = CASE WHEN ? != '' THEN ? ELSE locality END,
			postcode = CASE WHEN ? != '' THEN ? ELSE postcode END
		WHERE id = ?`,
		string(status),
		number, number,
		addressLine, addressLine,
		locality, locality,
		postcode, postcode,
		id,
	)
	return err
}

// AddOffenderTotals bumps the aggregate counters as a processed record
// is attached. The fine total is an exact decimal kept as text, so the
// read-modify-write runs inside a transaction.
func (s Store) AddOffenderTotals(ctx context.Context, id int64, enforcementType string, fine decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var totalFines string
	err = tx.QueryRowContext(
		ctx, `SELECT total_fines FROM offenders WHERE id = ?`, id,
	).Scan(&totalFines)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	total, err := decimal.NewFromString(totalFines)
	if err != nil {
		return err
	}
	total = total.Add(fine)

	caseDelta, noticeDelta := 1, 0
	if enforcementType == "notice" {
		caseDelta, noticeDelta = 0, 1
	}
	_, err = tx.ExecContext(
		ctx,
		`UPDATE offenders SET
			total_cases = total_cases + ?,
			total_notices = total_notices + ?,
			total_fines = ?
		WHERE id = ?`,
		caseDelta, noticeDelta, total.String(), id,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}
