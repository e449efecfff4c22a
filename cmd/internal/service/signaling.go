package service

import (
	"context"
	"liverelay/cmd/internal/contract"
	"liverelay/cmd/internal/domain/entity"
	"liverelay/cmd/internal/domain/events"
	"liverelay/cmd/internal/utils/apierror"

	"github.com/labstack/gommon/log"
)

// relayVideoSignal forwards one call negotiation step to every device of the
// other party. Call state is not checked here; clients own the state machine.
func (s *WebSocketService) relayVideoSignal(ctx context.Context, conn *entity.Connection, kind contract.VideoSignalKind, msg *contract.IncomingSocketMessage) apierror.ErrorResponse {
	req := contract.VideoSignalRequest{TargetUserID: msg.TargetUserID, SessionID: msg.SessionID}
	if err := s.Validate.Struct(&req); err != nil {
		s.invalid(ctx, conn.ConnectionID, err)
		return nil
	}

	signal := &events.VideoSignal{
		Kind:         kind,
		SessionID:    req.SessionID,
		FromUserID:   conn.UserID,
		FromUserName: msg.SenderName,
	}
	if signal.FromUserName == "" {
		signal.FromUserName = msg.UserName
	}
	if msg.AppointmentID != "" {
		appointmentID := msg.AppointmentID
		signal.AppointmentID = &appointmentID
	}

	report, err := s.Publish(ctx, ToUser(req.TargetUserID), &events.VideoCallSignal{Signal: signal}, conn.ConnectionID)
	if err != nil {
		log.Errorf("failed to resolve connections of user %s: %v", req.TargetUserID, err)
		return apierror.InternalServerError
	}

	log.Debugf("video %s for session %s: %d/%d delivered to %s",
		kind, req.SessionID, report.Delivered, report.Attempted, req.TargetUserID)
	return nil
}
