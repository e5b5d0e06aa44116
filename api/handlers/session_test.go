package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nmea-ws-proxy/backend/internal/model"
	"github.com/nmea-ws-proxy/backend/internal/session"
)

type stubPeer struct {
	closed atomic.Bool
}

func (p *stubPeer) Send([]byte) error { return nil }
func (p *stubPeer) Close() error {
	p.closed.Store(true)
	return nil
}

type stubHistory struct {
	records []*model.UplinkRecord
	limit   int
	err     error
}

func (h *stubHistory) ListBySession(ctx context.Context, sessionID string) ([]*model.UplinkRecord, error) {
	var out []*model.UplinkRecord
	for _, r := range h.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, h.err
}

func (h *stubHistory) GetByID(ctx context.Context, id string) (*model.UplinkRecord, error) {
	for _, r := range h.records {
		if r.ID == id {
			return r, h.err
		}
	}
	return nil, model.ErrUplinkRecordNotFound
}

func (h *stubHistory) CountByOutcome(ctx context.Context) (map[model.UplinkOutcome]int, error) {
	counts := make(map[model.UplinkOutcome]int)
	for _, r := range h.records {
		counts[r.Outcome]++
	}
	return counts, h.err
}

func (h *stubHistory) ListRecent(ctx context.Context, limit int) ([]*model.UplinkRecord, error) {
	h.limit = limit
	return h.records, h.err
}

type stubFleet struct {
	infos []model.SessionInfo
	err   error
}

func (f *stubFleet) List(ctx context.Context) ([]model.SessionInfo, error) {
	return f.infos, f.err
}

func setupRouter(h *SessionHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r.Group("/api"))
	return r
}

func doRequest(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	return resp.Error
}

func TestSessionHandler_ListAndGet(t *testing.T) {
	reg := session.NewRegistry(nil)
	sess := session.New(context.Background(), &stubPeer{}, "10.0.0.7:4000", session.Config{})
	reg.Add(sess)

	r := setupRouter(NewSessionHandler(reg, nil, nil))

	w := doRequest(r, http.MethodGet, "/api/sessions")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list ListResponse[SessionResponse]
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if list.Total != 1 || list.Items[0].ID != sess.ID() || list.Items[0].RemoteAddr != "10.0.0.7:4000" {
		t.Errorf("unexpected list: %+v", list)
	}
	if list.Items[0].State != string(model.SessionStateIdle) {
		t.Errorf("unexpected state %q", list.Items[0].State)
	}

	w = doRequest(r, http.MethodGet, "/api/sessions/"+sess.ID())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doRequest(r, http.MethodGet, "/api/sessions/nope")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if detail := decodeError(t, w); detail.Code != "SESSION_NOT_FOUND" {
		t.Errorf("unexpected error code %q", detail.Code)
	}
}

func TestSessionHandler_Delete(t *testing.T) {
	reg := session.NewRegistry(nil)
	peer := &stubPeer{}
	sess := session.New(context.Background(), peer, "10.0.0.7:4000", session.Config{})
	reg.Add(sess)

	r := setupRouter(NewSessionHandler(reg, nil, nil))

	w := doRequest(r, http.MethodDelete, "/api/sessions/"+sess.ID())
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if !peer.closed.Load() {
		t.Error("delete should hang up the peer")
	}

	w = doRequest(r, http.MethodDelete, "/api/sessions/unknown")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSessionHandler_Stats(t *testing.T) {
	reg := session.NewRegistry(nil)
	reg.Add(session.New(context.Background(), &stubPeer{}, "a", session.Config{}))
	reg.Add(session.New(context.Background(), &stubPeer{}, "b", session.Config{}))

	r := setupRouter(NewSessionHandler(reg, nil, nil))
	w := doRequest(r, http.MethodGet, "/api/stats")

	var stats session.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if stats.Total != 2 || stats.Streaming != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestSessionHandler_History(t *testing.T) {
	now := time.Now()
	history := &stubHistory{records: []*model.UplinkRecord{
		{ID: "r1", SessionID: "s1", Host: "127.0.0.1", Port: 10110, Outcome: model.UplinkOutcomeConnected, OpenedAt: now},
		{ID: "r2", SessionID: "s2", Host: "127.0.0.1", Port: 10111, Outcome: model.UplinkOutcomeRefused, OpenedAt: now},
	}}
	r := setupRouter(NewSessionHandler(session.NewRegistry(nil), history, nil))

	t.Run("by session", func(t *testing.T) {
		w := doRequest(r, http.MethodGet, "/api/sessions/s1/uplinks")
		var list ListResponse[model.UplinkRecord]
		if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
			t.Fatalf("invalid body: %v", err)
		}
		if w.Code != http.StatusOK || list.Total != 1 || list.Items[0].ID != "r1" {
			t.Errorf("unexpected response %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("recent with limit", func(t *testing.T) {
		w := doRequest(r, http.MethodGet, "/api/uplinks?limit=5")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if history.limit != 5 {
			t.Errorf("expected limit 5, got %d", history.limit)
		}
	})

	t.Run("by id", func(t *testing.T) {
		w := doRequest(r, http.MethodGet, "/api/uplinks/r2")
		var rec model.UplinkRecord
		if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
			t.Fatalf("invalid body: %v", err)
		}
		if w.Code != http.StatusOK || rec.Outcome != model.UplinkOutcomeRefused {
			t.Errorf("unexpected response %d: %s", w.Code, w.Body.String())
		}

		w = doRequest(r, http.MethodGet, "/api/uplinks/missing")
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("outcomes", func(t *testing.T) {
		w := doRequest(r, http.MethodGet, "/api/uplinks/outcomes")
		var counts map[model.UplinkOutcome]int
		if err := json.Unmarshal(w.Body.Bytes(), &counts); err != nil {
			t.Fatalf("invalid body: %v", err)
		}
		if counts[model.UplinkOutcomeConnected] != 1 || counts[model.UplinkOutcomeRefused] != 1 {
			t.Errorf("unexpected counts %v", counts)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		for _, q := range []string{"0", "abc", "5000"} {
			w := doRequest(r, http.MethodGet, "/api/uplinks?limit="+q)
			if w.Code != http.StatusBadRequest {
				t.Errorf("limit=%s: expected 400, got %d", q, w.Code)
			}
		}
	})

	t.Run("store failure", func(t *testing.T) {
		history.err = errors.New("disk full")
		defer func() { history.err = nil }()
		w := doRequest(r, http.MethodGet, "/api/uplinks")
		if w.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", w.Code)
		}
	})
}

func TestSessionHandler_DisabledStores(t *testing.T) {
	r := setupRouter(NewSessionHandler(session.NewRegistry(nil), nil, nil))

	tests := []struct {
		path string
		code string
	}{
		{"/api/sessions/x/uplinks", "HISTORY_DISABLED"},
		{"/api/uplinks", "HISTORY_DISABLED"},
		{"/api/uplinks/outcomes", "HISTORY_DISABLED"},
		{"/api/uplinks/r1", "HISTORY_DISABLED"},
		{"/api/fleet/sessions", "MIRROR_DISABLED"},
	}

	for _, tt := range tests {
		w := doRequest(r, http.MethodGet, tt.path)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", tt.path, w.Code)
			continue
		}
		if detail := decodeError(t, w); detail.Code != tt.code {
			t.Errorf("%s: expected %s, got %s", tt.path, tt.code, detail.Code)
		}
	}
}

func TestSessionHandler_Fleet(t *testing.T) {
	fleet := &stubFleet{infos: []model.SessionInfo{
		{ID: "a", Instance: "proxy-1", State: model.SessionStateStreaming, CreatedAt: time.Now()},
	}}
	r := setupRouter(NewSessionHandler(session.NewRegistry(nil), nil, fleet))

	w := doRequest(r, http.MethodGet, "/api/fleet/sessions")
	var list ListResponse[SessionResponse]
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if list.Total != 1 || list.Items[0].Instance != "proxy-1" {
		t.Errorf("unexpected fleet list %+v", list)
	}

	fleet.err = errors.New("connection refused")
	w = doRequest(r, http.MethodGet, "/api/fleet/sessions")
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{1500 * time.Millisecond, "2s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 3*time.Second, "2h0m3s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%s) = %s, expected %s", tt.in, got, tt.want)
		}
	}
}
