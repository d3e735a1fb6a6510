package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"regwatch-backend/lib/enfstore"
	"regwatch-backend/services/scrape"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type api struct {
	service *scrape.Service
}

func newRouter(service *scrape.Service) chi.Router {
	a := &api{service: service}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api/scrapes", func(r chi.Router) {
		r.Post("/", a.startScrape)
		r.Get("/", a.listSessions)
		r.Get("/{id}", a.getSession)
		r.Delete("/{id}", a.stopScrape)
		r.Get("/{id}/events", a.streamEvents)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		slog.Error("failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// sessionView is the API rendering of a session row, with the
// strategy's progress and position details resolved in.
type sessionView struct {
	ID              string            `json:"id"`
	Source          string            `json:"source"`
	EnforcementType string            `json:"enforcement_type"`
	Status          string            `json:"status"`
	Progress        float64           `json:"progress"`
	Params          json.RawMessage   `json:"params"`
	Cursor          json.RawMessage   `json:"cursor"`
	UnitsProcessed  int64             `json:"units_processed"`
	RecordsFound    int64             `json:"records_found"`
	RecordsCreated  int64             `json:"records_created"`
	RecordsExisting int64             `json:"records_existing"`
	ErrorCount      int64             `json:"error_count"`
	RecentErrors    []string          `json:"recent_errors"`
	Detail          map[string]string `json:"detail"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (a *api) view(sess enfstore.Session) sessionView {
	return sessionView{
		ID:              sess.ID,
		Source:          sess.Source,
		EnforcementType: sess.EnforcementType,
		Status:          string(sess.Status),
		Progress:        a.service.Progress(sess),
		Params:          sess.Params,
		Cursor:          sess.Cursor,
		UnitsProcessed:  sess.UnitsProcessed,
		RecordsFound:    sess.RecordsFound,
		RecordsCreated:  sess.RecordsCreated,
		RecordsExisting: sess.RecordsExisting,
		ErrorCount:      sess.ErrorCount,
		RecentErrors:    sess.RecentErrors,
		Detail:          a.service.Describe(sess),
		CreatedAt:       sess.CreatedAt,
		UpdatedAt:       sess.UpdatedAt,
	}
}

func (a *api) startScrape(w http.ResponseWriter, r *http.Request) {
	var req scrape.StartRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	sessionID, err := a.service.StartScrape(r.Context(), req)
	if errors.Is(err, scrape.ErrNoStrategy) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if errors.Is(err, scrape.ErrInvalidParams) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID})
}

func (a *api) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.service.ListSessions(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]sessionView, len(sessions))
	for i, sess := range sessions {
		views[i] = a.view(sess)
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.service.GetSession(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, enfstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(sess))
}

func (a *api) stopScrape(w http.ResponseWriter, r *http.Request) {
	err := a.service.StopScrape(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, enfstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if errors.Is(err, enfstore.ErrSessionNotRunning) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamEvents serves a session's progress as server-sent events. The
// stream ends after the first terminal event, or when the client goes
// away. Events dropped by the bus under backpressure are not replayed;
// the next event carries cumulative counters.
func (a *api) streamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	sess, err := a.service.GetSession(r.Context(), sessionID)
	if errors.Is(err, enfstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	events, unsubscribe := a.service.Events(sessionID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if sess.Status.Terminal() {
		// nothing further will be published; synthesize the final state
		a.writeEvent(w, flusher, scrape.Event{
			SessionID:        sess.ID,
			Phase:            scrape.Phase(sess.Status),
			Total:            a.service.Total(sess),
			Progress:         a.service.Progress(sess),
			RecordsFound:     sess.RecordsFound,
			RecordsProcessed: sess.UnitsProcessed,
			RecordsCreated:   sess.RecordsCreated,
			RecordsExisting:  sess.RecordsExisting,
			ErrorCount:       sess.ErrorCount,
			Terminal:         true,
		})
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-events:
			a.writeEvent(w, flusher, event)
			if event.Terminal {
				return
			}
		}
	}
}

func (a *api) writeEvent(w http.ResponseWriter, flusher http.Flusher, event scrape.Event) {
	encoded, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to encode progress event", "err", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", encoded)
	flusher.Flush()
}
