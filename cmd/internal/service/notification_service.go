package service

import (
	"context"
	"liverelay/cmd/internal/contract"
	"liverelay/cmd/internal/domain/events"
	"liverelay/cmd/internal/utils"
	"liverelay/cmd/internal/utils/apierror"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/gommon/log"
)

// NotificationService is the server-to-server side of the relay: other
// backends push notifications and ask about presence through it.
type NotificationService struct {
	WSService *WebSocketService
	Validate  *validator.Validate
}

func NewNotificationService(wsService *WebSocketService, validate *validator.Validate) *NotificationService {
	return &NotificationService{WSService: wsService, Validate: validate}
}

func (n *NotificationService) Notify(ctx context.Context, req *contract.NotificationRequest) (*contract.DeliveryReportResponse, apierror.ErrorResponse) {
	utils.Sanitize(req)
	if valerr := n.Validate.Struct(req); valerr != nil {
		return nil, apierror.FromValidationError(valerr)
	}

	target := ToAll()
	switch TargetKind(req.Target) {
	case TargetKindUser:
		target = ToUser(req.ID)
	case TargetKindConversation:
		target = ToConversation(req.ID)
	}

	report, err := n.WSService.Publish(ctx, target, &events.Notification{
		Title: req.Title,
		Body:  req.Body,
		Kind:  req.Kind,
		Data:  req.Data,
	}, "")
	if err != nil {
		log.Errorf("failed to resolve notification target %s %s: %v", req.Target, req.ID, err)
		return nil, apierror.InternalServerError
	}

	return &contract.DeliveryReportResponse{
		Attempted: report.Attempted,
		Delivered: report.Delivered,
		Pruned:    len(report.Pruned),
		Failed:    report.Failed,
	}, nil
}

func (n *NotificationService) PresenceOf(ctx context.Context, userID string) (*contract.PresenceResponse, apierror.ErrorResponse) {
	if userID == "" {
		return nil, apierror.NewMissingParamError("userId")
	}

	presence, err := n.WSService.Presence.Status(ctx, userID)
	if err != nil {
		log.Errorf("failed to read presence for %s: %v", userID, err)
		return nil, apierror.InternalServerError
	}

	resp := &contract.PresenceResponse{
		UserID:      presence.UserID,
		Online:      presence.Online,
		Connections: presence.Connections,
	}
	if presence.LastOnlineAt > 0 {
		formatted := utils.FormatEpoch(presence.LastOnlineAt)
		resp.LastOnlineAt = &formatted
	}
	return resp, nil
}
