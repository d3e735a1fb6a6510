package scrape

import (
	"context"
	"fmt"

	"regwatch-backend/lib/enfstore"
	"regwatch-backend/lib/scrapers/ea"
	"regwatch-backend/lib/scrapers/hse"
)

// Strategy hides one source/enforcement-type pair's fetch semantics
// behind a uniform contract. Fetch returns a batch of raw records and
// the next cursor; per-record enrichment belongs in ProcessRecord so a
// broken detail page costs one record, not the whole batch.
type Strategy interface {
	Source() Source
	EnforcementType() EnforcementType
	DisplayName() string

	ValidateParams(raw RawParams) (Params, error)
	Fetch(ctx context.Context, params Params, cursor Cursor) (Batch, error)
	ProcessRecord(ctx context.Context, raw RawRecord) (*ProcessedRecord, error)

	// SkipCursor advances past a window whose fetch failed after all
	// retries. The second return is false when nothing remains.
	SkipCursor(params Params, cursor Cursor) (Cursor, bool)

	// Progress reports completion in [0,100] from the session's
	// persisted cursor and counters.
	Progress(sess enfstore.Session) float64
	// Total reports the expected unit count for the session: the page
	// bound for page-ordered sources, the source-reported record total
	// for date-window sources. Zero means the total is unknown.
	Total(sess enfstore.Session) int64
	Describe(sess enfstore.Session) map[string]string

	// EarlyExitEligible reports whether the consecutive-existing
	// early-exit heuristic applies. Only page-ordered sources, where
	// newest records come first, can assume the rest of the register
	// is already known.
	EarlyExitEligible() bool
}

type registryKey struct {
	source Source
	etype  EnforcementType
}

// Registry is the static (source, enforcement type) -> strategy table.
type Registry struct {
	strategies map[registryKey]Strategy
}

func NewRegistry(hseClient *hse.Client, eaClient *ea.Client) *Registry {
	r := &Registry{strategies: map[registryKey]Strategy{}}
	r.register(&hseCaseStrategy{client: hseClient})
	r.register(&hseNoticeStrategy{client: hseClient})
	r.register(&eaCaseStrategy{client: eaClient})
	r.register(&eaNoticeStrategy{client: eaClient})
	return r
}

func (r *Registry) register(s Strategy) {
	r.strategies[registryKey{s.Source(), s.EnforcementType()}] = s
}

func (r *Registry) Lookup(source Source, etype EnforcementType) (Strategy, error) {
	s, ok := r.strategies[registryKey{source, etype}]
	if !ok {
		return nil, fmt.Errorf(
			"%w for source %q, enforcement type %q",
			ErrNoStrategy, source, etype,
		)
	}
	return s, nil
}

// Strategies lists every registered strategy, for display.
func (r *Registry) Strategies() []Strategy {
	out := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s)
	}
	return out
}
