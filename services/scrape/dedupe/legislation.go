package dedupe

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"regwatch-backend/lib/enfstore"

	"github.com/shopspring/decimal"
)

// ErrMalformedCitation marks a breach citation with no recognizable
// structure. Malformed citations are skipped; the rest of the record's
// citations still resolve.
var ErrMalformedCitation = errors.New("dedupe: malformed breach citation")

// abbreviations maps register shorthand to canonical instrument titles
// (without the year). Hand-maintained; covers the citations the
// registers actually emit.
var abbreviations = map[string]string{
	"HSWA":   "Health and Safety at Work etc. Act",
	"HASAWA": "Health and Safety at Work etc. Act",
	"PUWER":  "Provision and Use of Work Equipment Regulations",
	"LOLER":  "Lifting Operations and Lifting Equipment Regulations",
	"COSHH":  "Control of Substances Hazardous to Health Regulations",
	"RIDDOR": "Reporting of Injuries, Diseases and Dangerous Occurrences Regulations",
	"CDM":    "Construction (Design and Management) Regulations",
	"MHSWR":  "Management of Health and Safety at Work Regulations",
	"EPA":    "Environmental Protection Act",
	"WRA":    "Water Resources Act",
}

// defaultYears recovers the year for well-known instruments cited
// without one, keyed by normalized title.
var defaultYears = map[string]int64{
	"health and safety at work etc act":                                   1974,
	"health and safety at work act":                                       1974,
	"provision and use of work equipment regulations":                     1998,
	"lifting operations and lifting equipment regulations":                1998,
	"control of substances hazardous to health regulations":               2002,
	"reporting of injuries diseases and dangerous occurrences regulations": 2013,
	"construction design and management regulations":                      2015,
	"management of health and safety at work regulations":                 1999,
	"environmental protection act":                                        1990,
	"water resources act":                                                 1991,
}

// curatedInstruments resolves well-known instruments directly, with
// their canonical title, year, instrument number and type, before any
// find-or-create fallback.
var curatedInstruments = map[string]enfstore.Legislation{
	"health and safety at work etc act": {
		Title: "Health and Safety at Work etc. Act", NormalizedTitle: "health and safety at work etc act",
		Year: 1974, InstrumentNumber: "c. 37", Type: enfstore.LegislationAct,
	},
	// the register frequently drops the "etc."
	"health and safety at work act": {
		Title: "Health and Safety at Work etc. Act", NormalizedTitle: "health and safety at work etc act",
		Year: 1974, InstrumentNumber: "c. 37", Type: enfstore.LegislationAct,
	},
	"provision and use of work equipment regulations": {
		Title: "Provision and Use of Work Equipment Regulations", NormalizedTitle: "provision and use of work equipment regulations",
		Year: 1998, InstrumentNumber: "SI 1998/2306", Type: enfstore.LegislationRegulation,
	},
	"lifting operations and lifting equipment regulations": {
		Title: "Lifting Operations and Lifting Equipment Regulations", NormalizedTitle: "lifting operations and lifting equipment regulations",
		Year: 1998, InstrumentNumber: "SI 1998/2307", Type: enfstore.LegislationRegulation,
	},
	"control of substances hazardous to health regulations": {
		Title: "Control of Substances Hazardous to Health Regulations", NormalizedTitle: "control of substances hazardous to health regulations",
		Year: 2002, InstrumentNumber: "SI 2002/2677", Type: enfstore.LegislationRegulation,
	},
	"reporting of injuries diseases and dangerous occurrences regulations": {
		Title: "Reporting of Injuries, Diseases and Dangerous Occurrences Regulations", NormalizedTitle: "reporting of injuries diseases and dangerous occurrences regulations",
		Year: 2013, InstrumentNumber: "SI 2013/1471", Type: enfstore.LegislationRegulation,
	},
	"construction design and management regulations": {
		Title: "Construction (Design and Management) Regulations", NormalizedTitle: "construction design and management regulations",
		Year: 2015, InstrumentNumber: "SI 2015/51", Type: enfstore.LegislationRegulation,
	},
	"management of health and safety at work regulations": {
		Title: "Management of Health and Safety at Work Regulations", NormalizedTitle: "management of health and safety at work regulations",
		Year: 1999, InstrumentNumber: "SI 1999/3242", Type: enfstore.LegislationRegulation,
	},
	"environmental protection act": {
		Title: "Environmental Protection Act", NormalizedTitle: "environmental protection act",
		Year: 1990, InstrumentNumber: "c. 43", Type: enfstore.LegislationAct,
	},
	"environmental permitting england and wales regulations": {
		Title: "Environmental Permitting (England and Wales) Regulations", NormalizedTitle: "environmental permitting england and wales regulations",
		Year: 2016, InstrumentNumber: "SI 2016/1154", Type: enfstore.LegislationRegulation,
	},
	"water resources act": {
		Title: "Water Resources Act", NormalizedTitle: "water resources act",
		Year: 1991, InstrumentNumber: "c. 57", Type: enfstore.LegislationAct,
	},
}

var (
	yearRegex            = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	titlePunctuationRegex = regexp.MustCompile(`[^\p{L}\p{N} ]+`)
	titleWhitespaceRegex  = regexp.MustCompile(`\s+`)
	// the abbreviation must be followed by a number, otherwise words
	// that merely start with "s"/"reg" (Schedule, Regulations as part
	// of a longer phrase) would be rewritten into garbage
	regulationRefRegex = regexp.MustCompile(`(?i)^reg(?:ulation)?s?\.?\s*(\d.*)$`)
	sectionRefRegex    = regexp.MustCompile(`(?i)^s(?:ec(?:tion)?)?\.?\s*(\d.*)$`)
)

// NormalizeTitle reduces an instrument title to its dedup form:
// lowercase, punctuation stripped, whitespace collapsed. Differently
// capitalized or punctuated citations of one instrument collapse onto
// the same key.
func NormalizeTitle(title string) string {
	title = strings.ToLower(title)
	title = titlePunctuationRegex.ReplaceAllString(title, " ")
	title = titleWhitespaceRegex.ReplaceAllString(title, " ")
	return strings.TrimSpace(title)
}

// NormalizeSection rewrites a section/regulation reference to the
// consistent long form: "reg 4" -> "Regulation 4", "s.2(1)" ->
// "Section 2(1)". References in any other form (Schedules, articles)
// pass through with only the first letter capitalized.
func NormalizeSection(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}

	if groups := regulationRefRegex.FindStringSubmatch(ref); groups != nil {
		return "Regulation " + strings.TrimSpace(groups[1])
	}
	if groups := sectionRefRegex.FindStringSubmatch(ref); groups != nil {
		return "Section " + strings.TrimSpace(groups[1])
	}

	runes := []rune(ref)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// ParsedCitation is the structured form of one free-text breach
// citation.
type ParsedCitation struct {
	Title   string
	Year    int64
	Section string
	Type    enfstore.LegislationType
}

// ParseCitation splits a citation of the form
// "<title> <year> / <section-or-regulation>" on its last slash, expands
// known abbreviations, extracts the year (consulting the default-year
// recovery table when absent), and normalizes the section reference.
func ParseCitation(citation string) (ParsedCitation, error) {
	citation = strings.TrimSpace(citation)
	if citation == "" {
		return ParsedCitation{}, fmt.Errorf("%w: empty citation", ErrMalformedCitation)
	}

	instrument := citation
	section := ""
	if i := strings.LastIndex(citation, "/"); i >= 0 {
		instrument = strings.TrimSpace(citation[:i])
		section = strings.TrimSpace(citation[i+1:])
	}
	if instrument == "" {
		return ParsedCitation{}, fmt.Errorf("%w: no instrument before %q", ErrMalformedCitation, section)
	}

	var year int64
	if match := yearRegex.FindString(instrument); match != "" {
		year, _ = strconv.ParseInt(match, 10, 64)
		instrument = strings.Replace(instrument, match, "", 1)
	}
	instrument = strings.TrimSpace(instrument)

	abbrevKey := strings.ToUpper(strings.ReplaceAll(NormalizeTitle(instrument), " ", ""))
	if canonical, ok := abbreviations[abbrevKey]; ok {
		instrument = canonical
	}

	normalized := NormalizeTitle(instrument)
	if normalized == "" {
		return ParsedCitation{}, fmt.Errorf("%w: no instrument title in %q", ErrMalformedCitation, citation)
	}

	if year == 0 {
		recovered, ok := defaultYears[normalized]
		if !ok {
			return ParsedCitation{}, fmt.Errorf(
				"%w: no year in %q and instrument is not known", ErrMalformedCitation, citation,
			)
		}
		year = recovered
	}

	parsed := ParsedCitation{
		Title:   instrument,
		Year:    year,
		Section: NormalizeSection(section),
		Type:    enfstore.LegislationAct,
	}
	if strings.Contains(normalized, "regulation") {
		parsed.Type = enfstore.LegislationRegulation
	} else if strings.Contains(normalized, "order") {
		parsed.Type = enfstore.LegislationOrder
	}
	return parsed, nil
}

// Apportion splits a total evenly across n offence rows in exact
// decimals. The integer-division remainder lands on the last row so
// the shares always sum to the total. Even division is an assumption:
// the registers do not publish a per-breach breakdown, and a true
// breakdown should take precedence if one ever becomes available.
func Apportion(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []decimal.Decimal{total}
	}

	base := total.Div(decimal.NewFromInt(int64(n))).RoundDown(2)
	shares := make([]decimal.Decimal, n)
	sum := decimal.Zero
	for i := 0; i < n-1; i++ {
		shares[i] = base
		sum = sum.Add(base)
	}
	shares[n-1] = total.Sub(sum)
	return shares
}

// LegislationResolver resolves a record's breach citations to offence
// rows linked to deduplicated legislation entities.
type LegislationResolver struct {
	store enfstore.Store
}

func NewLegislationResolver(store enfstore.Store) LegislationResolver {
	return LegislationResolver{store: store}
}

// ResolveCitation resolves one parsed citation to a legislation
// entity: the curated table first, then find-or-create on the
// normalized (title, year) key.
func (r LegislationResolver) ResolveCitation(ctx context.Context, parsed ParsedCitation) (enfstore.Legislation, error) {
	normalized := NormalizeTitle(parsed.Title)
	if curated, ok := curatedInstruments[normalized]; ok {
		return r.store.FindOrCreateLegislation(ctx, curated)
	}
	return r.store.FindOrCreateLegislation(ctx, enfstore.Legislation{
		Title:           parsed.Title,
		NormalizedTitle: normalized,
		Year:            parsed.Year,
		Type:            parsed.Type,
	})
}

// ResolveBreaches turns a record's citation list into numbered offence
// rows with the record's fine and costs apportioned across them.
// Malformed citations are reported in the error slice and skipped; the
// valid citations in the same list still resolve.
func (r LegislationResolver) ResolveBreaches(
	ctx context.Context,
	caseID int64,
	citations []string,
	fine decimal.Decimal,
	costs decimal.Decimal,
) (int, []error) {
	type valid struct {
		original string
		parsed   ParsedCitation
	}

	var errs []error
	var parsed []valid
	for _, citation := range citations {
		p, err := ParseCitation(citation)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		parsed = append(parsed, valid{original: citation, parsed: p})
	}
	if len(parsed) == 0 {
		return 0, errs
	}

	fineShares := Apportion(fine, len(parsed))
	costShares := Apportion(costs, len(parsed))

	created := 0
	for i, v := range parsed {
		legislation, err := r.ResolveCitation(ctx, v.parsed)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve %q: %w", v.original, err))
			continue
		}

		_, err = r.store.CreateOffence(ctx, enfstore.Offence{
			CaseID:        caseID,
			Seq:           int64(i + 1),
			LegislationID: legislation.ID,
			Section:       v.parsed.Section,
			Description:   v.original,
			FineShare:     fineShares[i],
			CostsShare:    costShares[i],
		})
		if err != nil && !errors.Is(err, enfstore.ErrDuplicate) {
			errs = append(errs, fmt.Errorf("create offence for %q: %w", v.original, err))
			continue
		}
		created++
	}
	return created, errs
}
