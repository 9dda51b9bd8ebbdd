package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/parley/internal/chat"
	"github.com/fyrsmithlabs/parley/internal/logging"
	"github.com/fyrsmithlabs/parley/internal/search"
)

// SendMessageRequest is the request body for POST /api/messages.
type SendMessageRequest struct {
	SenderID   string `json:"senderId" validate:"required"`
	ReceiverID string `json:"receiverId" validate:"required"`
	Message    string `json:"message" validate:"required"`
}

// HealthResponse is the response body for GET /health and GET /ready.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleReady(c echo.Context) error {
	if err := s.deps.Store.Ping(c.Request().Context()); err != nil {
		s.logger.Warn("readiness check failed",
			append(logging.ContextFields(c.Request().Context()), zap.Error(err))...)
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSendMessage(c echo.Context) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "senderId, receiverId and message are required")
	}

	msg, err := s.deps.Messages.Send(c.Request().Context(), "", req.SenderID, req.ReceiverID, req.Message)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, msg)
}

func (s *Server) handleHistory(c echo.Context) error {
	userID := strings.TrimSpace(c.QueryParam("userId"))
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}
	limit, err := intParam(c, "limit", s.config.HistoryLimit)
	if err != nil {
		return err
	}
	limit = min(limit, s.config.HistoryMax)

	msgs, err := s.deps.Messages.History(c.Request().Context(), userID, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleSearch(c echo.Context) error {
	userID := strings.TrimSpace(c.QueryParam("userId"))
	query := c.QueryParam("q")
	if userID == "" || strings.TrimSpace(query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId and q are required")
	}
	top, err := topParam(c)
	if err != nil {
		return err
	}

	results, err := s.deps.Search.Search(c.Request().Context(), userID, query, top)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, results)
}

func (s *Server) handleUsers(c echo.Context) error {
	users, err := s.deps.Users.ListUsers(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, users)
}

// intParam parses an optional positive integer query parameter.
func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a positive integer")
	}
	return n, nil
}

// topParam parses the optional top query parameter. Zero and negative
// values pass through so the search service applies its default.
func topParam(c echo.Context) (int, error) {
	raw := c.QueryParam("top")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "top must be an integer")
	}
	return n, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, search.ErrEmbedding), errors.Is(err, search.ErrSearch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler writes every error as {"error": "..."}. Echo errors keep
// their status; domain errors are mapped by statusFor. Server errors are
// logged and their detail is not sent to the client.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := statusFor(err)
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = http.StatusText(code)
			if s, ok := he.Message.(string); ok {
				msg = s
			}
		}

		if code >= http.StatusInternalServerError {
			logger.Error("request failed", append(logging.ContextFields(c.Request().Context()),
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", code),
				zap.Error(err))...)
			if he == nil && code == http.StatusInternalServerError {
				msg = "internal server error"
			}
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, ErrorResponse{Error: msg})
		}
		if werr != nil {
			logger.Warn("failed to write error response", zap.Error(werr))
		}
	}
}
