package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"regwatch-backend/lib/enfstore"
	"regwatch-backend/services/scrape/dedupe"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/scrape")

type CoordinatorOptions struct {
	// RequestsPerMinute budgets the delay between fetch calls.
	RequestsPerMinute int
	// ExistingStreakLimit is the consecutive already-existing record
	// count that triggers the page-based early exit.
	ExistingStreakLimit int
	// ConservativePause is added on top of the budgeted delay when the
	// budget is very conservative (<= 5 requests/minute); sources at
	// that level tend to block aggressive clients outright.
	ConservativePause time.Duration
	// MaxFetchFailures is the number of consecutive failed fetch
	// windows tolerated before the session fails.
	MaxFetchFailures int
}

const (
	defaultRequestsPerMinute   = 30
	defaultExistingStreakLimit = 10
	defaultConservativePause   = time.Second * 2
	defaultMaxFetchFailures    = 3
	conservativeRPMCutoff      = 5
)

// Coordinator drives scrape sessions: fetch, pre-filter, process,
// resolve, persist, advance, publish, repeat. The loop is strictly
// sequential per session; concurrency across sessions is the caller's
// business and shares nothing but the store.
type Coordinator struct {
	store       enfstore.Store
	bus         *Bus
	offenders   dedupe.OffenderResolver
	legislation dedupe.LegislationResolver
	opts        CoordinatorOptions
}

func NewCoordinator(
	store enfstore.Store,
	bus *Bus,
	offenders dedupe.OffenderResolver,
	legislation dedupe.LegislationResolver,
	opts CoordinatorOptions,
) *Coordinator {
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = defaultRequestsPerMinute
	}
	if opts.ExistingStreakLimit <= 0 {
		opts.ExistingStreakLimit = defaultExistingStreakLimit
	}
	if opts.ConservativePause <= 0 {
		opts.ConservativePause = defaultConservativePause
	}
	if opts.MaxFetchFailures <= 0 {
		opts.MaxFetchFailures = defaultMaxFetchFailures
	}
	return &Coordinator{
		store:       store,
		bus:         bus,
		offenders:   offenders,
		legislation: legislation,
		opts:        opts,
	}
}

type RunOptions struct {
	// ProcessAllRecords skips the existing-id pre-filter entirely and
	// disables the early-exit heuristic.
	ProcessAllRecords bool
}

func (c *Coordinator) fetchDelay() time.Duration {
	delay := time.Minute / time.Duration(c.opts.RequestsPerMinute)
	if c.opts.RequestsPerMinute <= conservativeRPMCutoff {
		delay += c.opts.ConservativePause
	}
	return delay
}

// Run executes one session to a terminal state. The session must be
// pending. Cancellation is cooperative: it can interrupt the delay
// between iterations or an in-flight fetch, but a batch that has been
// fetched is always fully processed and persisted.
func (c *Coordinator) Run(ctx context.Context, strategy Strategy, params Params, sessionID string, runOpts RunOptions) error {
	runCtx, span := tracer.Start(ctx, "coordinator:Run")
	defer span.End()

	// stop requests cancel ctx, but the in-flight batch always
	// finishes: processing and persistence run on a context that
	// survives cancellation, and the loop checks ctx between iterations
	workCtx := context.WithoutCancel(runCtx)

	sess, err := c.store.GetSession(workCtx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != enfstore.StatusPending {
		return fmt.Errorf("session %s is %s, expected pending", sessionID, sess.Status)
	}

	err = c.store.UpdateSessionStatus(workCtx, sessionID, enfstore.StatusRunning)
	if err != nil {
		return err
	}
	c.publish(workCtx, strategy, sessionID, PhaseStarting, Cursor{}, false)

	var cursor Cursor
	if err := json.Unmarshal(sess.Cursor, &cursor); err != nil {
		cursor = Cursor{}
	}

	fetchFailures := 0
	existingStreak := 0
	first := true

	for {
		if ctx.Err() != nil {
			return c.finish(strategy, sessionID, enfstore.StatusStopped, nil)
		}

		if !first {
			select {
			case <-ctx.Done():
				return c.finish(strategy, sessionID, enfstore.StatusStopped, nil)
			case <-time.After(c.fetchDelay()):
			}
		}
		first = false

		batch, err := strategy.Fetch(runCtx, params, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return c.finish(strategy, sessionID, enfstore.StatusStopped, nil)
			}

			fetchFailures++
			c.recordError(workCtx, sessionID, fmt.Sprintf("fetch at %s: %v", describeCursor(cursor), err))
			if fetchFailures >= c.opts.MaxFetchFailures {
				span.SetStatus(codes.Error, "fetch failed repeatedly")
				return c.finish(strategy, sessionID, enfstore.StatusFailed, err)
			}

			// skip the broken window and carry on from the next one
			next, more := strategy.SkipCursor(params, cursor)
			advErr := c.advance(workCtx, sessionID, next, batchCounts{})
			if errors.Is(advErr, enfstore.ErrSessionNotRunning) {
				return c.finish(strategy, sessionID, enfstore.StatusStopped, nil)
			}
			if advErr != nil {
				return c.finish(strategy, sessionID, enfstore.StatusFailed, advErr)
			}
			c.publish(workCtx, strategy, sessionID, PhaseFetching, next, false)
			if !more {
				return c.finish(strategy, sessionID, enfstore.StatusCompleted, nil)
			}
			cursor = next
			continue
		}
		fetchFailures = 0

		existingSet := map[string]bool{}
		if !runOpts.ProcessAllRecords {
			ids := make([]string, len(batch.Records))
			for i, raw := range batch.Records {
				ids[i] = raw.ExternalID()
			}
			check, err := dedupe.CheckExisting(workCtx, c.store, string(strategy.Source()), ids)
			if err != nil {
				return c.finish(strategy, sessionID, enfstore.StatusFailed, err)
			}
			for _, id := range check.Existing {
				existingSet[id] = true
			}
		}

		counts, earlyExit := c.handleBatch(workCtx, strategy, sessionID, batch, existingSet, &existingStreak, runOpts)

		if batch.TotalFound > 0 {
			// date-window sources report the full matching count;
			// found tracks the source total, not the batch size
			fresh, err := c.store.GetSession(workCtx, sessionID)
			if err == nil && int64(batch.TotalFound) > fresh.RecordsFound {
				counts.found = int64(batch.TotalFound) - fresh.RecordsFound
			}
		} else {
			counts.found = int64(len(batch.Records))
		}

		err = c.advance(workCtx, sessionID, batch.Next, counts)
		if err != nil {
			if errors.Is(err, enfstore.ErrSessionNotRunning) {
				return c.finish(strategy, sessionID, enfstore.StatusStopped, nil)
			}
			return c.finish(strategy, sessionID, enfstore.StatusFailed, err)
		}
		// both paths report the persisted cursor, so subscribers see the
		// same position the session row carries
		c.publish(workCtx, strategy, sessionID, PhaseFetching, batch.Next, false)

		if batch.Done {
			return c.finish(strategy, sessionID, enfstore.StatusCompleted, nil)
		}
		if earlyExit {
			slog.InfoContext(
				workCtx, "stopping early, caught up with previously seen records",
				"session", sessionID,
				"streak", existingStreak,
			)
			return c.finish(strategy, sessionID, enfstore.StatusCompleted, nil)
		}
		cursor = batch.Next
	}
}

// batchCounts accumulates one iteration's counter deltas so they land
// in a single session update.
type batchCounts struct {
	units    int64
	found    int64
	created  int64
	existing int64
}

// handleBatch walks the batch in source order: pre-filtered records
// count as existing, survivors are processed, resolved and persisted.
// The consecutive-existing streak resets whenever a genuinely new
// record appears and never triggers under ProcessAllRecords.
func (c *Coordinator) handleBatch(
	ctx context.Context,
	strategy Strategy,
	sessionID string,
	batch Batch,
	existingSet map[string]bool,
	existingStreak *int,
	runOpts RunOptions,
) (batchCounts, bool) {
	counts := batchCounts{}
	earlyExitEligible := strategy.EarlyExitEligible() && !runOpts.ProcessAllRecords

	for _, raw := range batch.Records {
		counts.units++

		if existingSet[raw.ExternalID()] {
			counts.existing++
			*existingStreak++
			if earlyExitEligible && *existingStreak >= c.opts.ExistingStreakLimit {
				return counts, true
			}
			continue
		}

		rec, err := strategy.ProcessRecord(ctx, raw)
		if err != nil {
			c.recordError(ctx, sessionID, fmt.Sprintf("process %s: %v", raw.ExternalID(), err))
			continue
		}
		if rec.RegulatorID == "" {
			c.recordError(ctx, sessionID, fmt.Sprintf("record from %s has no regulator id", describeCursor(rec.Provenance.Cursor)))
			continue
		}

		created, err := c.persist(ctx, sessionID, rec)
		if err != nil {
			c.recordError(ctx, sessionID, fmt.Sprintf("persist %s: %v", rec.RegulatorID, err))
			continue
		}
		if created {
			counts.created++
			*existingStreak = 0
		} else {
			// the uniqueness constraint beat the pre-filter to it
			counts.existing++
			*existingStreak++
			if earlyExitEligible && *existingStreak >= c.opts.ExistingStreakLimit {
				return counts, true
			}
		}
	}
	return counts, false
}

// persist resolves offender identity and breach citations for one
// processed record and writes it. Returns false when the store already
// had the record.
func (c *Coordinator) persist(ctx context.Context, sessionID string, rec *ProcessedRecord) (bool, error) {
	offenderID, err := c.offenders.Resolve(ctx, rec.OffenderName, rec.Locality, rec.RegistrationNumber)
	if errors.Is(err, dedupe.ErrRegistryUnavailable) {
		// the offender stays unmatched; the record persists regardless
		c.recordError(ctx, sessionID, err.Error())
	} else if err != nil {
		c.recordError(ctx, sessionID, fmt.Sprintf("resolve offender %q: %v", rec.OffenderName, err))
		offenderID = 0
	}

	var hearing *time.Time
	if !rec.Date.IsZero() {
		hearing = &rec.Date
	}
	var compliance *time.Time
	if !rec.ComplianceDate.IsZero() {
		compliance = &rec.ComplianceDate
	}
	caseID, err := c.store.CreateCase(ctx, enfstore.Case{
		Source:          string(rec.Source),
		RegulatorID:     rec.RegulatorID,
		EnforcementType: string(rec.EnforcementType),
		OffenderID:      offenderID,
		OffenderName:    rec.OffenderName,
		Locality:        rec.Locality,
		Activity:        rec.Activity,
		NoticeType:      rec.NoticeType,
		Fine:            rec.Fine,
		Costs:           rec.Costs,
		HearingDate:     hearing,
		ComplianceDate:  compliance,
		SourceURL:       rec.Provenance.SourceURL,
		ScrapedAt:       rec.Provenance.ScrapedAt,
		SessionID:       sessionID,
	})
	if errors.Is(err, enfstore.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	_, breachErrs := c.legislation.ResolveBreaches(ctx, caseID, rec.Breaches, rec.Fine, rec.Costs)
	for _, berr := range breachErrs {
		c.recordError(ctx, sessionID, fmt.Sprintf("breach on %s: %v", rec.RegulatorID, berr))
	}

	if offenderID != 0 {
		err = c.store.AddOffenderTotals(ctx, offenderID, string(rec.EnforcementType), rec.Fine)
		if err != nil {
			c.recordError(ctx, sessionID, fmt.Sprintf("offender totals for %s: %v", rec.RegulatorID, err))
		}
	}
	return true, nil
}

func (c *Coordinator) advance(ctx context.Context, sessionID string, next Cursor, counts batchCounts) error {
	encoded, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return c.store.AdvanceSession(ctx, enfstore.SessionAdvance{
		ID:            sessionID,
		Cursor:        json.RawMessage(encoded),
		UnitsDelta:    counts.units,
		FoundDelta:    counts.found,
		CreatedDelta:  counts.created,
		ExistingDelta: counts.existing,
	})
}

func (c *Coordinator) recordError(ctx context.Context, sessionID, message string) {
	slog.WarnContext(ctx, "scrape error", "session", sessionID, "err", message)
	err := c.store.AppendSessionError(ctx, sessionID, message)
	// the session may have been stopped out-of-process mid-batch; its
	// terminal counters stay frozen and the warn log above suffices
	if err != nil && !errors.Is(err, enfstore.ErrSessionNotRunning) {
		slog.ErrorContext(ctx, "failed to record session error", "session", sessionID, "err", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, strategy Strategy, sessionID string, phase Phase, cursor Cursor, terminal bool) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load session for progress event", "session", sessionID, "err", err)
		return
	}

	c.bus.Publish(Event{
		SessionID:        sessionID,
		Phase:            phase,
		Position:         describeCursor(cursor),
		Total:            strategy.Total(sess),
		Progress:         strategy.Progress(sess),
		RecordsFound:     sess.RecordsFound,
		RecordsProcessed: sess.UnitsProcessed,
		RecordsCreated:   sess.RecordsCreated,
		RecordsExisting:  sess.RecordsExisting,
		ErrorCount:       sess.ErrorCount,
		Terminal:         terminal,
	})
}

func (c *Coordinator) finish(strategy Strategy, sessionID string, status enfstore.Status, cause error) error {
	// terminal bookkeeping must survive the run context being cancelled
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	err := c.store.UpdateSessionStatus(ctx, sessionID, status)
	if err != nil {
		slog.ErrorContext(ctx, "failed to finalize session", "session", sessionID, "status", status, "err", err)
	}

	phase := PhaseCompleted
	switch status {
	case enfstore.StatusFailed:
		phase = PhaseFailed
	case enfstore.StatusStopped:
		phase = PhaseStopped
	}
	c.publish(ctx, strategy, sessionID, phase, Cursor{}, true)

	if cause != nil {
		return fmt.Errorf("session %s failed: %w", sessionID, cause)
	}
	return nil
}

func describeCursor(cursor Cursor) string {
	if cursor.Page > 0 {
		return fmt.Sprintf("page %d", cursor.Page)
	}
	return fmt.Sprintf("offset %d", cursor.Offset)
}
