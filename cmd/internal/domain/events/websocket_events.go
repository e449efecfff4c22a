package events

import "liverelay/cmd/internal/contract"

// Wrap builds the envelope that goes on the wire for evt.
func Wrap(evt SocketEvent) *contract.OutgoingSocketMessage {
	return &contract.OutgoingSocketMessage{
		Type: evt.GetType(),
		Data: evt,
	}
}

// NewError is a shorthand for an error signal.
func NewError(msg string) *Error {
	return &Error{Message: msg}
}
