package http

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/patterns"
)

func (s *Server) handleHealth(c echo.Context) error {
	if s.services.HealthCheck != nil {
		if err := s.services.HealthCheck(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
		}
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleRecordOutcome(c echo.Context) error {
	var ev patterns.OutcomeEvent
	if err := c.Bind(&ev); err != nil {
		s.logger.Debug("invalid outcome request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	ctx := logging.WithEventID(logging.WithUserID(c.Request().Context(), ev.UserID), ev.ID)
	if err := s.services.Recorder.RecordOutcome(ctx, &ev); err != nil {
		return s.engineError(c, "record outcome", err)
	}
	return c.JSON(http.StatusAccepted, RecordOutcomeResponse{ID: ev.ID, Status: "recorded"})
}

func (s *Server) handleListPatterns(c echo.Context) error {
	userID := c.Param("user")
	aggs, err := s.services.Store.List(c.Request().Context(), userID)
	if err != nil {
		return s.engineError(c, "list patterns", err)
	}

	if t := c.QueryParam("type"); t != "" {
		pt := patterns.PatternType(t)
		if !pt.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown pattern type "+t)
		}
		kept := aggs[:0]
		for _, a := range aggs {
			if a.Type == pt {
				kept = append(kept, a)
			}
		}
		aggs = kept
	}
	if aggs == nil {
		aggs = []patterns.Aggregate{}
	}
	return c.JSON(http.StatusOK, PatternsResponse{UserID: userID, Patterns: aggs})
}

func (s *Server) handleInsights(c echo.Context) error {
	userID := c.Param("user")
	insights, err := s.services.Insights.Synthesize(c.Request().Context(), userID)
	if err != nil {
		return s.engineError(c, "synthesize insights", err)
	}
	if insights == nil {
		insights = []patterns.Insight{}
	}
	return c.JSON(http.StatusOK, InsightsResponse{UserID: userID, Insights: insights})
}

func (s *Server) handleAssemble(c echo.Context) error {
	var req AssembleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.HistoryWindowDays < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "history_window_days cannot be negative")
	}

	window := req.HistoryWindowDays
	if window == 0 {
		window = s.config.HistoryWindowDays
	}

	userID := c.Param("user")
	lc, err := s.services.Assembler.Assemble(c.Request().Context(), userID, patterns.AssembleOptions{
		HistoryWindowDays: window,
		AuxiliaryContext:  req.AuxiliaryContext,
	})
	if err != nil {
		return s.engineError(c, "assemble context", err)
	}
	return c.JSON(http.StatusOK, lc)
}

func (s *Server) handleSetAvoid(c echo.Context) error {
	key := patterns.AggregateKey{
		UserID: c.Param("user"),
		Type:   patterns.PatternType(c.Param("type")),
		Key:    c.Param("key"),
	}
	if !key.Type.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown pattern type "+string(key.Type))
	}

	var req SetAvoidRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Avoid == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "avoid field is required")
	}

	ctx := logging.WithUserID(c.Request().Context(), key.UserID)
	agg, err := s.services.Store.SetAvoid(ctx, key, *req.Avoid, req.Reason)
	if err != nil {
		return s.engineError(c, "set avoid", err)
	}
	if s.services.Invalidator != nil {
		s.services.Invalidator.Invalidate(ctx, key.UserID)
	}

	s.logger.Info("pattern avoidance changed",
		zap.String("key", key.String()),
		zap.Bool("avoid", agg.ShouldAvoid))
	return c.JSON(http.StatusOK, agg)
}

// engineError maps engine sentinels to HTTP statuses.
func (s *Server) engineError(c echo.Context, op string, err error) error {
	switch {
	case errors.Is(err, patterns.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, patterns.ErrAggregateNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, patterns.ErrConcurrencyConflict):
		return echo.NewHTTPError(http.StatusConflict, "concurrent update, retry the request")
	}

	s.logger.Error(op+" failed",
		zap.String("request.id", c.Response().Header().Get(echo.HeaderXRequestID)),
		zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
