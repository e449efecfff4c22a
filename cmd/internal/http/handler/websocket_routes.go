package handler

import (
	"context"
	"io"
	"liverelay/cmd/internal/infrastructure/aws/websocket"
	"liverelay/cmd/internal/utils/apierror"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// MaxFrameSize matches the API Gateway WebSocket frame limit.
const MaxFrameSize = 128 * 1024

type WebSocketService interface {
	RegisterConnection(ctx context.Context, connID, token, conversations string) apierror.ErrorResponse
	RemoveConnection(ctx context.Context, connID string) apierror.ErrorResponse
	HandleMessage(ctx context.Context, connID string, body []byte) apierror.ErrorResponse
}

// DefaultWSRoute serves the HTTP integrations behind the gateway's $connect,
// $disconnect and $default routes.
type DefaultWSRoute struct {
	WSService WebSocketService
}

func NewWSDefault(wsService WebSocketService) *DefaultWSRoute {
	return &DefaultWSRoute{WSService: wsService}
}

func (h *DefaultWSRoute) HandleConnect(c echo.Context) error {
	connID := c.Request().Header.Get(websocket.HeaderConnectionID)
	if connID == "" {
		return c.JSON(http.StatusBadRequest, apierror.NewMissingParamError("connectionId"))
	}

	token := TokenFromRequest(c)
	conversations := c.QueryParam("conversations")

	if apierr := h.WSService.RegisterConnection(c.Request().Context(), connID, token, conversations); apierr != nil {
		return c.JSON(apierr.Code(), apierr)
	}
	return c.NoContent(http.StatusOK)
}

func (h *DefaultWSRoute) HandleDisconnect(c echo.Context) error {
	connID := c.Request().Header.Get(websocket.HeaderConnectionID)
	if connID == "" {
		return c.NoContent(http.StatusOK)
	}

	if apierr := h.WSService.RemoveConnection(c.Request().Context(), connID); apierr != nil {
		return c.JSON(apierr.Code(), apierr)
	}
	return c.NoContent(http.StatusOK)
}

func (h *DefaultWSRoute) HandleMessage(c echo.Context) error {
	connID := c.Request().Header.Get(websocket.HeaderConnectionID)
	if connID == "" {
		return c.JSON(http.StatusBadRequest, apierror.NewMissingParamError("connectionId"))
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, MaxFrameSize+1))
	if err != nil {
		log.Warnf("failed to read frame from %s: %v", connID, err)
		return c.JSON(http.StatusBadRequest, apierror.MalformedJSONError)
	}
	if len(body) > MaxFrameSize {
		return c.JSON(http.StatusRequestEntityTooLarge, apierror.NewSimple(http.StatusRequestEntityTooLarge, "Frame too large"))
	}

	if apierr := h.WSService.HandleMessage(c.Request().Context(), connID, body); apierr != nil {
		return c.JSON(apierr.Code(), apierr)
	}
	return c.NoContent(http.StatusOK)
}

// TokenFromRequest reads the "token" query parameter, falling back to a
// bearer Authorization header. Browsers can't set headers on a socket open.
func TokenFromRequest(c echo.Context) string {
	if token := c.QueryParam("token"); token != "" {
		return token
	}

	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}
