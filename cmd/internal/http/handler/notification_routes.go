package handler

import (
	"context"
	"liverelay/cmd/internal/contract"
	"liverelay/cmd/internal/utils/apierror"
	"net/http"

	"github.com/labstack/echo/v4"
)

type NotificationService interface {
	Notify(ctx context.Context, req *contract.NotificationRequest) (*contract.DeliveryReportResponse, apierror.ErrorResponse)
	PresenceOf(ctx context.Context, userID string) (*contract.PresenceResponse, apierror.ErrorResponse)
}

type DefaultNotificationRoute struct {
	NotificationService NotificationService
}

func NewNotificationDefault(notificationService NotificationService) *DefaultNotificationRoute {
	return &DefaultNotificationRoute{NotificationService: notificationService}
}

func (n *DefaultNotificationRoute) PostNotification(c echo.Context) error {
	var req contract.NotificationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, apierror.MalformedJSONError)
	}

	report, apierr := n.NotificationService.Notify(c.Request().Context(), &req)
	if apierr != nil {
		return c.JSON(apierr.Code(), apierr)
	}
	return c.JSON(http.StatusAccepted, report)
}

func (n *DefaultNotificationRoute) GetPresence(c echo.Context) error {
	presence, apierr := n.NotificationService.PresenceOf(c.Request().Context(), c.Param("userId"))
	if apierr != nil {
		return c.JSON(apierr.Code(), apierr)
	}
	return c.JSON(http.StatusOK, presence)
}

func HealthCheck(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}
