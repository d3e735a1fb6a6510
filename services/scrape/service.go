package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"regwatch-backend/lib/enfstore"

	"github.com/google/uuid"
)

// StartRequest is everything needed to start a scrape session.
type StartRequest struct {
	Source            Source          `json:"source"`
	EnforcementType   EnforcementType `json:"enforcement_type"`
	Params            RawParams       `json:"params"`
	ProcessAllRecords bool            `json:"process_all_records"`
}

// Service owns session lifecycle: validation, session rows, the
// background coordinator goroutine per session, and stop requests.
type Service struct {
	store    enfstore.Store
	registry *Registry
	bus      *Bus
	coord    *Coordinator

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewService(store enfstore.Store, registry *Registry, bus *Bus, coord *Coordinator) *Service {
	return &Service{
		store:    store,
		registry: registry,
		bus:      bus,
		coord:    coord,
		running:  map[string]context.CancelFunc{},
	}
}

// StartScrape validates the request, creates a pending session and
// starts the coordinator in the background. Validation failures return
// before any session row exists, so a rejected request leaves no trace.
func (s *Service) StartScrape(ctx context.Context, req StartRequest) (string, error) {
	strategy, err := s.registry.Lookup(req.Source, req.EnforcementType)
	if err != nil {
		return "", err
	}
	params, err := strategy.ValidateParams(req.Params)
	if err != nil {
		return "", err
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}

	sessionID := uuid.NewString()
	err = s.store.CreateSession(ctx, enfstore.Session{
		ID:              sessionID,
		Source:          string(req.Source),
		EnforcementType: string(req.EnforcementType),
		Params:          json.RawMessage(encoded),
		Status:          enfstore.StatusPending,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running[sessionID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, sessionID)
			s.mu.Unlock()
			cancel()
		}()

		slog.Info(
			"scrape session starting",
			"session", sessionID,
			"strategy", strategy.DisplayName(),
		)
		err := s.coord.Run(runCtx, strategy, params, sessionID, RunOptions{
			ProcessAllRecords: req.ProcessAllRecords,
		})
		if err != nil {
			slog.Error("scrape session failed", "session", sessionID, "err", err)
			return
		}
		slog.Info("scrape session finished", "session", sessionID)
	}()

	return sessionID, nil
}

// StopScrape requests cooperative cancellation of a running session.
// The coordinator finishes its in-flight batch before transitioning the
// session to stopped, so stopping is not instantaneous.
func (s *Service) StopScrape(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	cancel, ok := s.running[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("%w: session %s is already %s", enfstore.ErrSessionNotRunning, sessionID, sess.Status)
	}
	// not in this process and not terminal: mark it stopped directly so
	// an orphaned row (say, after a crash) can be cleared over the API
	return s.store.UpdateSessionStatus(ctx, sessionID, enfstore.StatusStopped)
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (enfstore.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

func (s *Service) ListSessions(ctx context.Context, limit int) ([]enfstore.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListSessions(ctx, limit)
}

// Progress reports a session's completion percentage using its
// strategy's own notion of progress.
func (s *Service) Progress(sess enfstore.Session) float64 {
	strategy, err := s.registry.Lookup(Source(sess.Source), EnforcementType(sess.EnforcementType))
	if err != nil {
		return 0
	}
	return strategy.Progress(sess)
}

// Total reports a session's expected unit count, zero when unknown.
func (s *Service) Total(sess enfstore.Session) int64 {
	strategy, err := s.registry.Lookup(Source(sess.Source), EnforcementType(sess.EnforcementType))
	if err != nil {
		return 0
	}
	return strategy.Total(sess)
}

// Describe renders strategy-specific position details for display.
func (s *Service) Describe(sess enfstore.Session) map[string]string {
	strategy, err := s.registry.Lookup(Source(sess.Source), EnforcementType(sess.EnforcementType))
	if err != nil {
		return map[string]string{}
	}
	return strategy.Describe(sess)
}

// Events subscribes to a session's progress stream.
func (s *Service) Events(sessionID string) (<-chan Event, func()) {
	return s.bus.Subscribe(sessionID)
}

// Strategies lists the registered strategies.
func (s *Service) Strategies() []Strategy {
	return s.registry.Strategies()
}
