// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/nmea-ws-proxy/backend/internal/model"
	"github.com/nmea-ws-proxy/backend/internal/session"
)

// HistoryStore reads uplink history. *repository.UplinkRepository satisfies it.
type HistoryStore interface {
	GetByID(ctx context.Context, id string) (*model.UplinkRecord, error)
	ListBySession(ctx context.Context, sessionID string) ([]*model.UplinkRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*model.UplinkRecord, error)
	CountByOutcome(ctx context.Context) (map[model.UplinkOutcome]int, error)
}

// FleetStore lists sessions mirrored by every proxy instance. *repository.RedisSessionMirror satisfies it.
type FleetStore interface {
	List(ctx context.Context) ([]model.SessionInfo, error)
}

// SessionHandler handles HTTP requests for session introspection.
type SessionHandler struct {
	registry *session.Registry
	history  HistoryStore
	fleet    FleetStore
}

// NewSessionHandler creates a new SessionHandler. history and fleet may be nil.
func NewSessionHandler(registry *session.Registry, history HistoryStore, fleet FleetStore) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		history:  history,
		fleet:    fleet,
	}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID         string `json:"id"`
	Instance   string `json:"instance,omitempty"`
	RemoteAddr string `json:"remoteAddr"`
	State      string `json:"state"`
	Target     string `json:"target,omitempty"`
	Duration   string `json:"duration"`
	CreatedAt  string `json:"createdAt"`
}

// ListResponse wraps a collection.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toSessionResponse converts a model.SessionInfo to SessionResponse.
func toSessionResponse(s model.SessionInfo) SessionResponse {
	return SessionResponse{
		ID:         s.ID,
		Instance:   s.Instance,
		RemoteAddr: s.RemoteAddr,
		State:      string(s.State),
		Target:     s.Target,
		Duration:   formatDuration(s.Duration()),
		CreatedAt:  s.CreatedAt.Format(time.RFC3339),
	}
}

func toSessionResponses(infos []model.SessionInfo) ListResponse[SessionResponse] {
	items := make([]SessionResponse, 0, len(infos))
	for _, info := range infos {
		items = append(items, toSessionResponse(info))
	}
	return ListResponse[SessionResponse]{Items: items, Total: len(items)}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return time.Duration(h*time.Hour + m*time.Minute + s*time.Second).String()
	}
	if m > 0 {
		return time.Duration(m*time.Minute + s*time.Second).String()
	}
	return time.Duration(s * time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// List handles GET /api/sessions - lists live sessions on this instance.
func (h *SessionHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, toSessionResponses(h.registry.Snapshot()))
}

// Get handles GET /api/sessions/:id - returns one live session.
func (h *SessionHandler) Get(c *gin.Context) {
	sess, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess.Info()))
}

// Delete handles DELETE /api/sessions/:id - hangs up the session's websocket.
func (h *SessionHandler) Delete(c *gin.Context) {
	sess, ok := h.lookup(c)
	if !ok {
		return
	}

	if err := sess.Hangup(); err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to close session: "+err.Error())
		return
	}
	log.Info().Str("session_id", sess.ID()).Msg("session closed via API")
	c.Status(http.StatusNoContent)
}

// Uplinks handles GET /api/sessions/:id/uplinks - returns the session's connect history.
// History outlives the session, so unknown ids yield an empty list.
func (h *SessionHandler) Uplinks(c *gin.Context) {
	if h.history == nil {
		sendError(c, http.StatusServiceUnavailable, "HISTORY_DISABLED", model.ErrHistoryDisabled.Error())
		return
	}

	records, err := h.history.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list uplinks: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, ListResponse[*model.UplinkRecord]{Items: records, Total: len(records)})
}

// RecentUplinks handles GET /api/uplinks?limit=N - returns the latest connect attempts.
func (h *SessionHandler) RecentUplinks(c *gin.Context) {
	if h.history == nil {
		sendError(c, http.StatusServiceUnavailable, "HISTORY_DISABLED", model.ErrHistoryDisabled.Error())
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	records, err := h.history.ListRecent(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list uplinks: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, ListResponse[*model.UplinkRecord]{Items: records, Total: len(records)})
}

// Uplink handles GET /api/uplinks/:id - returns one connect attempt.
func (h *SessionHandler) Uplink(c *gin.Context) {
	if h.history == nil {
		sendError(c, http.StatusServiceUnavailable, "HISTORY_DISABLED", model.ErrHistoryDisabled.Error())
		return
	}

	rec, err := h.history.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, model.ErrUplinkRecordNotFound) {
			sendError(c, http.StatusNotFound, "UPLINK_NOT_FOUND", "Uplink record "+c.Param("id")+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get uplink: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Outcomes handles GET /api/uplinks/outcomes - counts connect attempts per outcome.
func (h *SessionHandler) Outcomes(c *gin.Context) {
	if h.history == nil {
		sendError(c, http.StatusServiceUnavailable, "HISTORY_DISABLED", model.ErrHistoryDisabled.Error())
		return
	}

	counts, err := h.history.CountByOutcome(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to count uplinks: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, counts)
}

// Fleet handles GET /api/fleet/sessions - lists sessions mirrored by every instance.
func (h *SessionHandler) Fleet(c *gin.Context) {
	if h.fleet == nil {
		sendError(c, http.StatusServiceUnavailable, "MIRROR_DISABLED", model.ErrMirrorDisabled.Error())
		return
	}

	infos, err := h.fleet.List(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusBadGateway, "MIRROR_ERROR", "Failed to list fleet sessions: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, toSessionResponses(infos))
}

// Stats handles GET /api/stats - returns total and streaming session counts.
func (h *SessionHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Stats())
}

func (h *SessionHandler) lookup(c *gin.Context) (*session.Session, bool) {
	sessionID := c.Param("id")
	sess, err := h.registry.Get(sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return nil, false
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return nil, false
	}
	return sess, true
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions", h.List)
	rg.GET("/sessions/:id", h.Get)
	rg.DELETE("/sessions/:id", h.Delete)
	rg.GET("/sessions/:id/uplinks", h.Uplinks)
	rg.GET("/uplinks", h.RecentUplinks)
	rg.GET("/uplinks/outcomes", h.Outcomes)
	rg.GET("/uplinks/:id", h.Uplink)
	rg.GET("/fleet/sessions", h.Fleet)
	rg.GET("/stats", h.Stats)
}
