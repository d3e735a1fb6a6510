package enfstore

import (
	"context"
	"database/sql"
	"errors"
)

type LegislationType string

const (
	LegislationAct        LegislationType = "act"
	LegislationRegulation LegislationType = "regulation"
	LegislationOrder      LegislationType = "order"
)

type Legislation struct {
	ID               int64
	Title            string
	NormalizedTitle  string
	Year             int64
	InstrumentNumber string
	Type             LegislationType
}

// FindOrCreateLegislation resolves a legislation entity by its
// (normalized title, year) dedup key, creating it on first sight.
// A concurrent create losing the race falls back to the winner's row.
func (s Store) FindOrCreateLegislation(ctx context.Context, l Legislation) (Legislation, error) {
	found, err := s.findLegislation(ctx, l.NormalizedTitle, l.Year)
	if err == nil {
		return found, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Legislation{}, err
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO legislation (
			title, normalized_title, year, instrument_number, type
		) VALUES (?, ?, ?, ?, ?)`,
		l.Title, l.NormalizedTitle, l.Year, l.InstrumentNumber, string(l.Type),
	)
	if isUniqueViolation(err) {
		return s.findLegislation(ctx, l.NormalizedTitle, l.Year)
	}
	if err != nil {
		return Legislation{}, err
	}
	l.ID, err = res.LastInsertId()
	if err != nil {
		return Legislation{}, err
	}
	return l, nil
}

func (s Store) findLegislation(ctx context.Context, normalizedTitle string, year int64) (Legislation, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, title, normalized_title, year,
			COALESCE(instrument_number, ''), type
		FROM legislation WHERE normalized_title = ? AND year = ?`,
		normalizedTitle, year,
	)

	var l Legislation
	var typ string
	err := row.Scan(
		&l.ID, &l.Title, &l.NormalizedTitle, &l.Year,
		&l.InstrumentNumber, &typ,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Legislation{}, ErrNotFound
	}
	if err != nil {
		return Legislation{}, err
	}
	l.Type = LegislationType(typ)
	return l, nil
}
