package scrape

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Source string

const (
	SourceHSE Source = "hse"
	SourceEA  Source = "ea"
)

type EnforcementType string

const (
	TypeCase   EnforcementType = "case"
	TypeNotice EnforcementType = "notice"
)

var (
	// ErrNoStrategy is returned by registry lookups for a (source,
	// enforcement type) pair nothing is registered for. Callers must
	// not substitute a default.
	ErrNoStrategy = errors.New("scrape: no strategy registered")
	// ErrInvalidParams wraps all start-parameter validation failures.
	// These fail before a session row is ever created.
	ErrInvalidParams = errors.New("scrape: invalid parameters")
)

// RawParams is the loosely-typed form parameters arrive in. Each
// strategy coerces and validates them into its own Params type.
type RawParams map[string]string

// Params is a marker for a strategy's validated parameter struct.
// Concrete types are pageParams and dateRangeParams.
type Params interface {
	isParams()
}

// Cursor is the position within a source's pagination scheme. Page
// strategies use Page/PagesDone, date-range strategies use Offset.
// The zero value means "not started".
type Cursor struct {
	Page      int `json:"page,omitempty"`
	PagesDone int `json:"pages_done,omitempty"`
	Offset    int `json:"offset,omitempty"`
}

// RawRecord is one source-shaped record from a fetch. Each strategy
// owns a concrete type; the only thing the coordinator needs before
// processing is the dedup key.
type RawRecord interface {
	ExternalID() string
}

// Batch is the result of one fetch step.
type Batch struct {
	Records []RawRecord
	Next    Cursor
	Done    bool
	// TotalFound is the source-reported total matching record count,
	// for sources that report one. Zero means unknown.
	TotalFound int
}

// Provenance records where and when a processed record was scraped.
type Provenance struct {
	SourceURL string
	ScrapedAt time.Time
	Cursor    Cursor
}

// ProcessedRecord is the canonical typed record ready for dedup and
// persistence. RegulatorID is the dedup key and must be non-empty.
// NoticeType and ComplianceDate only apply to notices; they stay zero
// for prosecutions.
type ProcessedRecord struct {
	RegulatorID        string
	Source             Source
	EnforcementType    EnforcementType
	OffenderName       string
	Locality           string
	RegistrationNumber string
	Activity           string
	NoticeType         string
	Fine               decimal.Decimal
	Costs              decimal.Decimal
	Date               time.Time
	ComplianceDate     time.Time
	Breaches           []string
	Provenance         Provenance
}
