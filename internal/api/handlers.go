package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agent-dashboard/internal/health"
	"github.com/p-blackswan/agent-dashboard/internal/requestid"
	"github.com/p-blackswan/agent-dashboard/internal/state"
	"github.com/p-blackswan/agent-dashboard/internal/store"
)

// StateSource produces a fresh snapshot on demand.
type StateSource interface {
	Snapshot() state.Snapshot
}

// History reads archived sessions.
type History interface {
	ListSessions(ctx context.Context) ([]store.Session, error)
	GetSession(ctx context.Context, id int64) (*store.SessionDetail, error)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	states    StateSource
	history   History
	checker   *health.Checker
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(states StateSource, history History, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		states:    states,
		history:   history,
		checker:   checker,
		logger:    logger.With().Str("component", "api_handlers").Logger(),
		startTime: time.Now(),
	}
}

// State handles GET /api/state. It always reads fresh state rather than
// the last broadcast.
func (h *Handlers) State(c *fiber.Ctx) error {
	return c.JSON(h.states.Snapshot())
}

// ListHistory handles GET /api/history.
func (h *Handlers) ListHistory(c *fiber.Ctx) error {
	sessions, err := h.history.ListSessions(c.UserContext())
	if err != nil {
		h.logger.Error().Err(err).Str("request_id", requestid.FromContext(c.UserContext())).Msg("failed to list sessions")
		return problemResponse(c, fiber.StatusInternalServerError,
			"history_unavailable", "Internal Server Error",
			"Archived sessions could not be read")
	}
	return c.JSON(sessions)
}

// GetHistory handles GET /api/history/:id. Malformed and unknown ids are
// both reported as not found.
func (h *Handlers) GetHistory(c *fiber.Ctx) error {
	raw := c.Params("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return problemResponse(c, fiber.StatusNotFound,
			"session_not_found", "Not Found",
			"Session not found: "+raw)
	}

	detail, err := h.history.GetSession(c.UserContext(), id)
	if errors.Is(err, store.ErrSessionNotFound) {
		return problemResponse(c, fiber.StatusNotFound,
			"session_not_found", "Not Found",
			"Session not found: "+raw)
	}
	if err != nil {
		h.logger.Error().Err(err).Int64("session_id", id).Str("request_id", requestid.FromContext(c.UserContext())).Msg("failed to get session")
		return problemResponse(c, fiber.StatusInternalServerError,
			"history_unavailable", "Internal Server Error",
			"Archived session could not be read")
	}
	return c.JSON(detail)
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(LivenessResponse{
		Status: "ok",
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker == nil {
		return c.JSON(health.Report{Status: "ready", Checks: map[string]health.Status{}})
	}
	report := h.checker.Report(c.UserContext())
	if !report.Ready() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(report)
	}
	return c.JSON(report)
}
