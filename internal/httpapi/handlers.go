package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/popguard/popguard/internal/decision"
	"github.com/popguard/popguard/internal/patterns"
)

// ObserveRequest is the request body for POST /api/v1/observations.
type ObserveRequest struct {
	Domain          string                   `json:"domain"`
	Tab             string                   `json:"tab"`
	Characteristics patterns.Characteristics `json:"characteristics"`
}

// ObserveResponse is the response body for POST /api/v1/observations.
// Suggestion is null when no stored pattern qualifies for automatic
// action.
type ObserveResponse struct {
	ID         string               `json:"id"`
	Suggestion *patterns.Suggestion `json:"suggestion"`
}

// ResolveRequest is the request body for POST
// /api/v1/observations/:id/decision.
type ResolveRequest struct {
	Decision patterns.Decision `json:"decision"`
}

// StatusResponse is the response body for resolution and cancellation.
type StatusResponse struct {
	Status string `json:"status"`
}

// SuggestRequest is the request body for POST /api/v1/suggest.
type SuggestRequest struct {
	Domain          string                   `json:"domain"`
	Characteristics patterns.Characteristics `json:"characteristics"`
}

// SuggestResponse is the response body for POST /api/v1/suggest.
type SuggestResponse struct {
	Suggestion *patterns.Suggestion `json:"suggestion"`
}

// PatternsResponse is the response body for GET /api/v1/patterns.
type PatternsResponse struct {
	Domain   string             `json:"domain"`
	Count    int                `json:"count"`
	Patterns []patterns.Pattern `json:"patterns"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleObserve registers a detected popup, opens its decision request
// and returns an automatic suggestion when one qualifies.
func (s *Server) handleObserve(c echo.Context) error {
	var req ObserveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	obs, err := patterns.NewObservation(req.Domain, req.Characteristics)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	suggestion := s.bank.Suggest(obs.Domain, obs.Characteristics)

	if err := s.coord.Open(obs, decision.TabRef(req.Tab)); err != nil {
		switch {
		case errors.Is(err, decision.ErrAlreadyPending):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, decision.ErrCoordinatorClosed):
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("opening decision request failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to open decision request")
		}
	}

	return c.JSON(http.StatusOK, ObserveResponse{ID: obs.ID, Suggestion: suggestion})
}

// handleResolve applies the user's decision to a pending observation.
func (s *Server) handleResolve(c echo.Context) error {
	popupID := c.Param("id")

	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.coord.Resolve(popupID, req.Decision); err != nil {
		switch {
		case errors.Is(err, decision.ErrInvalidDecision):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, decision.ErrUnknownPopup):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, decision.ErrCoordinatorClosed):
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("resolving decision failed",
				zap.String("popup_id", popupID),
				zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve decision")
		}
	}

	return c.JSON(http.StatusOK, StatusResponse{Status: string(decision.StatusResolved)})
}

// handleCancel withdraws a pending observation without learning.
func (s *Server) handleCancel(c echo.Context) error {
	popupID := c.Param("id")

	if err := s.coord.Cancel(popupID); err != nil {
		switch {
		case errors.Is(err, decision.ErrUnknownPopup):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, decision.ErrCoordinatorClosed):
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("canceling decision failed",
				zap.String("popup_id", popupID),
				zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to cancel decision")
		}
	}

	return c.JSON(http.StatusOK, StatusResponse{Status: string(decision.StatusCanceled)})
}

// handleSuggest answers a read-only suggestion query without opening a
// decision request.
func (s *Server) handleSuggest(c echo.Context) error {
	var req SuggestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "domain field is required")
	}

	suggestion := s.bank.Suggest(req.Domain, req.Characteristics)
	return c.JSON(http.StatusOK, SuggestResponse{Suggestion: suggestion})
}

// handlePatterns lists the learned patterns for one domain.
func (s *Server) handlePatterns(c echo.Context) error {
	domain := c.QueryParam("domain")
	if domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "domain query parameter is required")
	}

	pats := s.bank.PatternsForDomain(domain)
	return c.JSON(http.StatusOK, PatternsResponse{
		Domain:   domain,
		Count:    len(pats),
		Patterns: pats,
	})
}
