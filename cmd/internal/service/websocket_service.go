package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"liverelay/cmd/internal/contract"
	"liverelay/cmd/internal/domain/entity"
	"liverelay/cmd/internal/domain/events"
	"liverelay/cmd/internal/infrastructure/aws/websocket"
	"liverelay/cmd/internal/utils"
	"liverelay/cmd/internal/utils/apierror"
	"liverelay/cmd/internal/utils/uid"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/gommon/log"
)

type ConnectionRepository interface {
	Save(ctx context.Context, conn *entity.Connection) error
	FindByID(ctx context.Context, connID string) (*entity.Connection, error)
	Delete(ctx context.Context, connID string) (bool, error)
	FindByUserID(ctx context.Context, userID string) ([]*entity.Connection, error)
	FindByConversation(ctx context.Context, conversationID string) ([]*entity.Connection, error)
	FindAll(ctx context.Context) ([]*entity.Connection, error)
	CountByUserID(ctx context.Context, userID string) (int, error)
	JoinConversation(ctx context.Context, connID, conversationID string) (bool, error)
	UpdateHeartbeat(ctx context.Context, connID string, now int64) error
	FindStale(ctx context.Context, seenBefore, now int64) ([]*entity.Connection, error)
}

type UserRepository interface {
	FindByID(ctx context.Context, id string) (*entity.User, error)
	TouchLastOnline(ctx context.Context, id string, at int64) error
}

// WebSocketService implements the three gateway lifecycle events. Each call is
// a self-contained unit of work; all state lives in the registry.
type WebSocketService struct {
	ConnRepo    ConnectionRepository
	Broadcaster *Broadcaster
	Presence    *PresenceTracker
	Auth        utils.TokenVerifier
	Validate    *validator.Validate

	nextID func() string
	now    func() int64
}

func NewWebSocketService(
	connRepo ConnectionRepository,
	userRepo UserRepository,
	broadcaster *Broadcaster,
	auth utils.TokenVerifier,
	validate *validator.Validate,
) *WebSocketService {
	return &WebSocketService{
		ConnRepo:    connRepo,
		Broadcaster: broadcaster,
		Presence:    NewPresenceTracker(connRepo, userRepo),
		Auth:        auth,
		Validate:    validate,
		nextID:      uid.GenerateString,
		now:         utils.NowUTC,
	}
}

func (s *WebSocketService) Gateway() websocket.GatewayClient {
	return s.Broadcaster.Gateway
}

// RegisterConnection authenticates token and records the connection. Nothing
// is written when authentication fails.
func (s *WebSocketService) RegisterConnection(ctx context.Context, connID, token, conversations string) apierror.ErrorResponse {
	if connID == "" {
		return apierror.NewMissingParamError("connectionId")
	}

	data, err := s.Auth.Verify(ctx, token)
	switch {
	case errors.Is(err, utils.ErrMissingToken):
		return apierror.MissingAuthTokenError
	case errors.Is(err, utils.ErrInvalidToken):
		log.Debugf("rejected connection %s: %v", connID, err)
		return apierror.InvalidAuthTokenError
	case err != nil:
		log.Errorf("failed to verify token for connection %s: %v", connID, err)
		return apierror.UnavailableError
	}

	now := s.now()
	conn := &entity.Connection{
		ConnectionID:    connID,
		UserID:          data.Sub,
		ConversationIDs: s.conversationList(conversations),
		ExpiresAt:       data.Exp * 1000, // "exp" is stored in seconds, our app uses millis
		ConnectedAt:     now,
		LastSeenAt:      now,
	}

	if err := s.ConnRepo.Save(ctx, conn); err != nil {
		log.Errorf("failed to save connection %s: %v", connID, err)
		return apierror.InternalServerError
	}

	online, at, err := s.Presence.Connected(ctx, conn.UserID)
	if err != nil {
		log.Errorf("failed to update presence for user %s: %v", conn.UserID, err)
		if _, derr := s.ConnRepo.Delete(ctx, connID); derr != nil {
			log.Errorf("failed to roll back connection %s: %v", connID, derr)
		}
		return apierror.InternalServerError
	}

	log.Debugf("connection %s registered for user %s (%d conversations)", connID, conn.UserID, len(conn.ConversationIDs))
	if online {
		s.publishBestEffort(ctx, ToAll(), &events.OnlineStatus{
			UserID:       conn.UserID,
			IsOnline:     true,
			LastOnlineAt: utils.FormatEpoch(at),
		}, connID)
	}
	return nil
}

// RemoveConnection is idempotent: unknown ids are a no-op.
func (s *WebSocketService) RemoveConnection(ctx context.Context, connID string) apierror.ErrorResponse {
	conn, err := s.ConnRepo.FindByID(ctx, connID)
	if err != nil {
		log.Errorf("failed to look up connection %s: %v", connID, err)
		return apierror.InternalServerError
	}
	if conn == nil {
		return nil
	}

	removed, err := s.ConnRepo.Delete(ctx, connID)
	if err != nil {
		log.Errorf("failed to delete connection %s: %v", connID, err)
		return apierror.InternalServerError
	}
	if !removed {
		// someone else got there first and owns the presence update
		return nil
	}

	if err := s.settlePresence(ctx, []string{conn.UserID}); err != nil {
		log.Errorf("failed to update presence for user %s: %v", conn.UserID, err)
		return apierror.InternalServerError
	}
	return nil
}

// HandleMessage routes one inbound frame. Bad input is answered with an error
// signal; only store failures surface as an ErrorResponse.
func (s *WebSocketService) HandleMessage(ctx context.Context, connID string, body []byte) apierror.ErrorResponse {
	var msg contract.IncomingSocketMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Debugf("malformed frame from %s: %v", connID, err)
		s.reply(ctx, connID, events.NewError("Malformed message body"))
		return apierror.InternalServerError
	}

	conn, err := s.ConnRepo.FindByID(ctx, connID)
	if err != nil {
		log.Errorf("failed to look up connection %s: %v", connID, err)
		return apierror.InternalServerError
	}
	if conn == nil {
		s.reply(ctx, connID, events.NewError("Connection is not registered"))
		return nil
	}

	switch msg.Action {
	case contract.ActionJoin:
		return s.handleJoin(ctx, conn, &msg)
	case contract.ActionTyping:
		return s.handleTyping(ctx, conn, &msg)
	case contract.ActionSendMessage:
		return s.handleSendMessage(ctx, conn, &msg)
	case contract.ActionPing:
		return s.handlePing(ctx, conn)
	case "":
		s.reply(ctx, connID, events.NewError("Missing action"))
		return nil
	}

	if kind, ok := contract.VideoKindForAction(msg.Action); ok {
		return s.relayVideoSignal(ctx, conn, kind, &msg)
	}

	s.reply(ctx, connID, events.NewError(fmt.Sprintf("Unknown action: %s", msg.Action)))
	return nil
}

// Publish fans evt out and then settles presence for users whose last
// connection turned out to be gone.
func (s *WebSocketService) Publish(ctx context.Context, target Target, evt events.SocketEvent, excludeConnID string) (*DeliveryReport, error) {
	report, err := s.Broadcaster.Broadcast(ctx, target, evt, excludeConnID)
	if err != nil {
		return nil, err
	}

	if len(report.Pruned) > 0 {
		userIDs := make([]string, len(report.Pruned))
		for i, conn := range report.Pruned {
			userIDs[i] = conn.UserID
		}
		if err := s.settlePresence(ctx, userIDs); err != nil {
			log.Errorf("failed to settle presence after pruning: %v", err)
		}
	}
	return report, nil
}

func (s *WebSocketService) handleJoin(ctx context.Context, conn *entity.Connection, msg *contract.IncomingSocketMessage) apierror.ErrorResponse {
	req := contract.ConversationRequest{ConversationID: msg.ConversationID}
	if err := s.Validate.Struct(&req); err != nil {
		s.invalid(ctx, conn.ConnectionID, err)
		return nil
	}

	found, err := s.ConnRepo.JoinConversation(ctx, conn.ConnectionID, req.ConversationID)
	if err != nil {
		log.Errorf("failed to join %s on connection %s: %v", req.ConversationID, conn.ConnectionID, err)
		return apierror.InternalServerError
	}
	if !found {
		s.reply(ctx, conn.ConnectionID, events.NewError("Connection is not registered"))
		return nil
	}

	s.reply(ctx, conn.ConnectionID, &events.Joined{ConversationID: req.ConversationID})
	return nil
}

func (s *WebSocketService) handleTyping(ctx context.Context, conn *entity.Connection, msg *contract.IncomingSocketMessage) apierror.ErrorResponse {
	req := contract.ConversationRequest{ConversationID: msg.ConversationID}
	if err := s.Validate.Struct(&req); err != nil {
		s.invalid(ctx, conn.ConnectionID, err)
		return nil
	}

	isTyping := true
	if msg.IsTyping != nil {
		isTyping = *msg.IsTyping
	}

	_, err := s.Publish(ctx, ToConversation(req.ConversationID), &events.Typing{
		ConversationID: req.ConversationID,
		UserID:         conn.UserID,
		UserName:       msg.UserName,
		IsTyping:       isTyping,
	}, conn.ConnectionID)
	if err != nil {
		log.Errorf("failed to resolve conversation %s: %v", req.ConversationID, err)
		return apierror.InternalServerError
	}
	return nil
}

func (s *WebSocketService) handleSendMessage(ctx context.Context, conn *entity.Connection, msg *contract.IncomingSocketMessage) apierror.ErrorResponse {
	req := contract.ChatMessageRequest{ConversationID: msg.ConversationID, Message: msg.Message}
	if err := s.Validate.Struct(&req); err != nil {
		s.invalid(ctx, conn.ConnectionID, err)
		return nil
	}

	_, err := s.Publish(ctx, ToConversation(req.ConversationID), &events.NewMessage{
		ConversationID: req.ConversationID,
		SenderID:       conn.UserID,
		MessageID:      s.nextID(),
		Message:        req.Message,
	}, conn.ConnectionID)
	if err != nil {
		log.Errorf("failed to resolve conversation %s: %v", req.ConversationID, err)
		return apierror.InternalServerError
	}
	return nil
}

func (s *WebSocketService) handlePing(ctx context.Context, conn *entity.Connection) apierror.ErrorResponse {
	now := s.now()
	if err := s.ConnRepo.UpdateHeartbeat(ctx, conn.ConnectionID, now); err != nil {
		log.Errorf("failed to update heartbeat: %v", err)
		return apierror.InternalServerError
	}

	s.reply(ctx, conn.ConnectionID, &events.Pong{Timestamp: now})
	return nil
}

// settlePresence broadcasts offline status for every user in userIDs that no
// longer has a connection. Offline broadcasts may prune more connections, so
// it keeps going until nothing new goes offline.
func (s *WebSocketService) settlePresence(ctx context.Context, userIDs []string) error {
	queue := append([]string(nil), userIDs...)
	seen := make(map[string]struct{}, len(userIDs))

	for len(queue) > 0 {
		userID := queue[0]
		queue = queue[1:]
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}

		offline, at, err := s.Presence.Disconnected(ctx, userID)
		if err != nil {
			return err
		}
		if !offline {
			continue
		}

		report, err := s.Broadcaster.Broadcast(ctx, ToAll(), &events.OnlineStatus{
			UserID:       userID,
			IsOnline:     false,
			LastOnlineAt: utils.FormatEpoch(at),
		}, "")
		if err != nil {
			log.Errorf("failed to broadcast offline status for %s: %v", userID, err)
			continue
		}
		for _, conn := range report.Pruned {
			queue = append(queue, conn.UserID)
		}
	}
	return nil
}

func (s *WebSocketService) publishBestEffort(ctx context.Context, target Target, evt events.SocketEvent, excludeConnID string) {
	if _, err := s.Publish(ctx, target, evt, excludeConnID); err != nil {
		log.Errorf("failed to broadcast %s: %v", evt.GetType(), err)
	}
}

func (s *WebSocketService) reply(ctx context.Context, connID string, evt events.SocketEvent) {
	pruned, err := s.Broadcaster.SendTo(ctx, connID, evt)
	if err != nil && !errors.Is(err, websocket.ErrGone) {
		log.Warnf("failed to reply %s to connection %s: %v", evt.GetType(), connID, err)
	}
	if pruned == nil {
		return
	}
	if err := s.settlePresence(ctx, []string{pruned.UserID}); err != nil {
		log.Errorf("failed to update presence for user %s: %v", pruned.UserID, err)
	}
}

func (s *WebSocketService) invalid(ctx context.Context, connID string, err error) {
	s.reply(ctx, connID, events.NewError(apierror.DescribeValidation(err)))
}

func (s *WebSocketService) conversationList(raw string) []string {
	ids := utils.SplitList(raw)
	valid := ids[:0]
	for _, id := range ids {
		if err := s.Validate.Var(id, "max=128,identifier"); err != nil {
			log.Warnf("dropping invalid conversation id %q", id)
			continue
		}
		valid = append(valid, id)
	}
	return valid
}
