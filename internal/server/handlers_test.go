package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pbots/internal/config"
	"pbots/internal/dispatcher"
	"pbots/internal/storage"
	logx "pbots/pkg/logx"
)

type fakeStore struct {
	storage.Store

	sources []storage.Source
}

func (f *fakeStore) Sources(ctx context.Context) ([]storage.Source, error) {
	return f.sources, nil
}

type fakeDispatcher struct {
	triggerErr error
	stopErr    error
	triggered  []int64
}

func (f *fakeDispatcher) Trigger(ctx context.Context, id int64) error {
	f.triggered = append(f.triggered, id)
	return f.triggerErr
}

func (f *fakeDispatcher) ForceStop(ctx context.Context, id int64) error {
	return f.stopErr
}

type fakeSender struct {
	recipients []string
	err        error
}

func (f *fakeSender) Send(ctx context.Context, recipients []string, title string, pubs []storage.Publication) error {
	f.recipients = recipients
	return f.err
}

func newTestServer(t *testing.T, st *fakeStore, disp *fakeDispatcher, snd *fakeSender) http.Handler {
	t.Helper()
	h := NewHandlers(st, disp, snd, logx.Nop())
	srv, err := New(config.ServerConfig{}, h, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv.routes()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("response not JSON: %v (%s)", err, rec.Body.String())
		}
	}
	return rec, out
}

func TestStatusCSSClasses(t *testing.T) {
	t.Parallel()
	now := time.Now()
	recent := now.Add(-time.Hour)
	stale := now.Add(-8 * 24 * time.Hour)
	done := now.Add(-30 * time.Minute)

	st := &fakeStore{sources: []storage.Source{
		{ID: 1, Name: "fresh"},
		{ID: 2, Name: "failed", Executions: 3, LastExecutionOK: false, FinishedAt: &done},
		{ID: 3, Name: "running", Executions: 1, LastExecutionOK: true, Running: true, StartedAt: &recent},
		{ID: 4, Name: "stuck", Executions: 1, LastExecutionOK: true, Running: true, StartedAt: &stale},
		{ID: 5, Name: "ok", Executions: 2, LastExecutionOK: true, StartedAt: &recent, FinishedAt: &done},
	}}
	h := newTestServer(t, st, &fakeDispatcher{}, &fakeSender{})

	rec, out := doJSON(t, h, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	raw, ok := out["sources"].([]any)
	if !ok || len(raw) != 5 {
		t.Fatalf("unexpected payload: %v", out)
	}
	want := map[string]string{
		"fresh":   "",
		"failed":  "table-danger",
		"running": "table-primary",
		"stuck":   "table-warning",
		"ok":      "table-success",
	}
	for _, e := range raw {
		m := e.(map[string]any)
		name := m["name"].(string)
		css, _ := m["css_class"].(string)
		if css != want[name] {
			t.Fatalf("css_class for %s = %q, want %q", name, css, want[name])
		}
	}
}

func TestRunEndpoint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
		wantSub    string
	}{
		{name: "started", path: "/api/run/3", wantStatus: http.StatusOK, wantSub: "Source 3 started"},
		{name: "already running", path: "/api/run/3", err: dispatcher.ErrAlreadyRunning, wantStatus: http.StatusOK, wantSub: "already running"},
		{name: "not found", path: "/api/run/9", err: storage.ErrNotFound, wantStatus: http.StatusNotFound, wantSub: "not found"},
		{name: "internal", path: "/api/run/3", err: dispatcher.ErrQueueFull, wantStatus: http.StatusInternalServerError, wantSub: "could not be started"},
		{name: "bad id", path: "/api/run/zero", wantStatus: http.StatusBadRequest, wantSub: "invalid source id"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &fakeStore{}, &fakeDispatcher{triggerErr: tt.err}, &fakeSender{})
			rec, out := doJSON(t, h, http.MethodPost, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			msg, _ := out["message"].(string)
			if !strings.Contains(msg, tt.wantSub) {
				t.Fatalf("message = %q, want substring %q", msg, tt.wantSub)
			}
		})
	}
}

func TestStopEndpoint(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &fakeStore{}, &fakeDispatcher{stopErr: dispatcher.ErrNotRunning}, &fakeSender{})
	rec, out := doJSON(t, h, http.MethodPost, "/api/stop/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if msg, _ := out["message"].(string); !strings.Contains(msg, "not running") {
		t.Fatalf("message = %q", msg)
	}
}

func TestTestEndpoint(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	h := newTestServer(t, &fakeStore{}, &fakeDispatcher{}, snd)

	rec, out := doJSON(t, h, http.MethodPost, "/api/test", `{"email":"anna@example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%v)", rec.Code, out)
	}
	if len(snd.recipients) != 1 || snd.recipients[0] != "anna@example.com" {
		t.Fatalf("recipients = %v", snd.recipients)
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/api/test", `{"email":"nope"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status for bad email = %d", rec.Code)
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/api/test", `{`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status for bad body = %d", rec.Code)
	}
}
