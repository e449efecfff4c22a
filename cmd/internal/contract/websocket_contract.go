package contract

import (
	"bytes"
	"encoding/json"
)

type EventType string

// Outgoing signal types. Clients must ignore types they don't know.
const (
	EventJoined          EventType = "joined"
	EventTyping          EventType = "typing"
	EventNewMessage      EventType = "newMessage"
	EventNotification    EventType = "notification"
	EventOnlineStatus    EventType = "onlineStatus"
	EventVideoCallSignal EventType = "videoCallSignal"
	EventPong            EventType = "pong"
	EventError           EventType = "error"
	EventSessionExpired  EventType = "sessionExpired"
)

type Action string

// Inbound actions.
const (
	ActionJoin         Action = "join"
	ActionTyping       Action = "typing"
	ActionSendMessage  Action = "sendMessage"
	ActionPing         Action = "ping"
	ActionVideoInvite  Action = "videoInvite"
	ActionVideoAccept  Action = "videoAccept"
	ActionVideoDecline Action = "videoDecline"
	ActionVideoJoin    Action = "videoJoin"
	ActionVideoEnd     Action = "videoEnd"
)

type VideoSignalKind string

const (
	VideoInvite  VideoSignalKind = "invite"
	VideoAccept  VideoSignalKind = "accept"
	VideoDecline VideoSignalKind = "decline"
	VideoJoin    VideoSignalKind = "join"
	VideoEnd     VideoSignalKind = "end"
)

// VideoKindForAction maps a video action to the signal kind it relays.
func VideoKindForAction(a Action) (VideoSignalKind, bool) {
	switch a {
	case ActionVideoInvite:
		return VideoInvite, true
	case ActionVideoAccept:
		return VideoAccept, true
	case ActionVideoDecline:
		return VideoDecline, true
	case ActionVideoJoin:
		return VideoJoin, true
	case ActionVideoEnd:
		return VideoEnd, true
	}
	return "", false
}

// IncomingSocketMessage is the body API Gateway forwards on the $default route.
// Only the fields relevant to Action are expected to be set.
type IncomingSocketMessage struct {
	Action         Action          `json:"action"`
	ConversationID string          `json:"conversationId,omitempty"`
	IsTyping       *bool           `json:"isTyping,omitempty"`
	UserName       string          `json:"userName,omitempty"`
	Message        json.RawMessage `json:"message,omitempty"`
	TargetUserID   string          `json:"targetUserId,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	SenderName     string          `json:"senderName,omitempty"`
	AppointmentID  string          `json:"appointmentId,omitempty"`
}

// ConversationRequest is validated for join, typing and sendMessage.
type ConversationRequest struct {
	ConversationID string `json:"conversationId" validate:"required,max=128,identifier"`
}

// ChatMessageRequest is validated for sendMessage.
type ChatMessageRequest struct {
	ConversationID string          `json:"conversationId" validate:"required,max=128,identifier"`
	Message        json.RawMessage `json:"message" validate:"jsonpayload"`
}

// VideoSignalRequest is validated for every video action.
type VideoSignalRequest struct {
	TargetUserID string `json:"targetUserId" validate:"required,max=128,identifier"`
	SessionID    string `json:"sessionId" validate:"required,max=128,identifier"`
}

// OutgoingSocketMessage is what we send to the client. Data fields are
// flattened next to "type" on the wire.
type OutgoingSocketMessage struct {
	Type EventType
	Data interface{}
}

func (m OutgoingSocketMessage) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if m.Data != nil {
		raw, err := json.Marshal(m.Data)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(raw, []byte("null")) {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, err
			}
		}
	}

	typ, err := json.Marshal(m.Type)
	if err != nil {
		return nil, err
	}
	fields["type"] = typ
	return json.Marshal(fields)
}

// NotificationRequest is the body external collaborators post to push a
// generic notification.
type NotificationRequest struct {
	Target string          `json:"target" validate:"required,oneof=user conversation all"`
	ID     string          `json:"id" validate:"required_unless=Target all,max=128"`
	Title  string          `json:"title" validate:"required,max=200"`
	Body   string          `json:"body" validate:"max=2000"`
	Kind   string          `json:"kind,omitempty" validate:"max=64"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type DeliveryReportResponse struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Pruned    int `json:"pruned"`
	Failed    int `json:"failed"`
}

type PresenceResponse struct {
	UserID       string  `json:"userId"`
	Online       bool    `json:"online"`
	Connections  int     `json:"connections"`
	LastOnlineAt *string `json:"lastOnlineAt,omitempty"`
}
