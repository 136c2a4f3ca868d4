package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"pbots/internal/dispatcher"
	"pbots/internal/storage"
	logx "pbots/pkg/logx"
)

// Dispatcher is the trigger surface the API needs; satisfied by
// dispatcher.Service.
type Dispatcher interface {
	Trigger(ctx context.Context, sourceID int64) error
	ForceStop(ctx context.Context, sourceID int64) error
}

// Sender sends a newsletter directly; satisfied by mailer.Service.
type Sender interface {
	Send(ctx context.Context, recipients []string, title string, pubs []storage.Publication) error
}

type Handlers struct {
	store  storage.Store
	disp   Dispatcher
	sender Sender
	log    logx.Logger
}

func NewHandlers(store storage.Store, disp Dispatcher, sender Sender, log logx.Logger) *Handlers {
	return &Handlers{store: store, disp: disp, sender: sender, log: log}
}

type messageResponse struct {
	Message string `json:"message"`
}

type sourceStatus struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Command         string `json:"command"`
	Running         bool   `json:"running"`
	StartedAt       string `json:"started_at,omitempty"`
	FinishedAt      string `json:"finished_at,omitempty"`
	Executions      int64  `json:"executions"`
	LastExecutionOK bool   `json:"last_execution_ok"`
	LastNotifiedID  *int64 `json:"last_notified_id"`
	CSSClass        string `json:"css_class,omitempty"`
}

// Status returns every source's run-state for the dashboard, including a
// css_class display hint.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	sources, err := h.store.Sources(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading sources failed")
		h.log.Error("status query failed", logx.Err(err))
		return
	}

	now := time.Now()
	out := make([]sourceStatus, 0, len(sources))
	for _, src := range sources {
		st := sourceStatus{
			ID:              src.ID,
			Name:            src.Name,
			Command:         src.Command,
			Running:         src.Running,
			Executions:      src.Executions,
			LastExecutionOK: src.LastExecutionOK,
			LastNotifiedID:  src.LastNotifiedID,
			CSSClass:        cssClass(src, now),
		}
		if src.StartedAt != nil {
			st.StartedAt = src.StartedAt.Format("2006-01-02 15:04:05")
		}
		if src.FinishedAt != nil {
			st.FinishedAt = src.FinishedAt.Format("2006-01-02 15:04:05")
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

// cssClass mirrors the dashboard colour coding: red for a failed last run,
// amber for a run started over a week ago and never finished, blue for an
// in-flight run, green otherwise.
func cssClass(src storage.Source, now time.Time) string {
	if src.Executions == 0 {
		return ""
	}
	if !src.LastExecutionOK {
		return "table-danger"
	}
	if src.FinishedAt == nil && src.StartedAt != nil {
		if now.Sub(*src.StartedAt) >= 7*24*time.Hour {
			return "table-warning"
		}
		return "table-primary"
	}
	return "table-success"
}

// Run triggers a source's pipeline. The response only reports that the run
// was started (or refused); the outcome is visible through Status.
func (h *Handlers) Run(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(w, r)
	if !ok {
		return
	}

	err := h.disp.Trigger(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("Source %d started", id)})
	case errors.Is(err, dispatcher.ErrAlreadyRunning):
		writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("Source %d is already running", id)})
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("Source %d not found", id))
	default:
		h.log.Error("trigger failed", logx.Int64("source", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Source %d could not be started", id))
	}
}

// StopSource clears the run bookkeeping without touching the background
// process.
func (h *Handlers) StopSource(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(w, r)
	if !ok {
		return
	}

	err := h.disp.ForceStop(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("Source %d stopped", id)})
	case errors.Is(err, dispatcher.ErrNotRunning):
		writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("Source %d is not running", id)})
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("Source %d not found", id))
	default:
		h.log.Error("stop failed", logx.Int64("source", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Source %d could not be stopped", id))
	}
}

type testRequest struct {
	Email string `json:"email"`
}

// Test sends the fixed sample newsletter to the address in the request body,
// exercising the full compose/deliver path without touching any source.
func (h *Handlers) Test(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}

	if err := h.sender.Send(r.Context(), []string{req.Email}, "Test", testPublications()); err != nil {
		h.log.Error("test send failed", logx.String("email", req.Email), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "test email could not be sent")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("A test email has been sent to %s", req.Email)})
}

// testPublications is the fixed sample record used by the test endpoint.
func testPublications() []storage.Publication {
	return []storage.Publication{{
		ID:        421,
		URL:       "http://halleyweb.com/c11111/mc/mc_matri_gridev_dettaglio.php?x=1&id_pubbl=11111&interno=0",
		Number:    "948",
		Publisher: "Ufficio Stato Civile",
		Type:      "Pubblicazione di matrimonio",
		Subject:   "Pubblicazione di matrimonio di Rossi Mario e Verdi Maria",
		DateStart: "2018-12-04",
		DateEnd:   "2018-12-12",
		Attachments: []storage.Attachment{{
			Name: "Pubblicazione_di_matrimonio.PDF.p7m",
			URL:  "http://halleyweb.com/c111111/mc/mc_attachment.php?x=1&mc=1111",
		}},
	}}
}

func sourceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResponse{Message: msg})
}
