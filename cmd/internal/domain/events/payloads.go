package events

import "liverelay/cmd/internal/contract"

// VideoCallSignal wraps one step of a call negotiation. SessionID ties the
// steps together on the client.
type VideoCallSignal struct {
	Signal *VideoSignal `json:"signal"`
}

type VideoSignal struct {
	Kind          contract.VideoSignalKind `json:"kind"`
	SessionID     string                   `json:"sessionId"`
	FromUserID    string                   `json:"fromUserId"`
	FromUserName  string                   `json:"fromUserName"`
	AppointmentID *string                  `json:"appointmentId,omitempty"`
}

func (*VideoCallSignal) GetType() contract.EventType {
	return contract.EventVideoCallSignal
}
