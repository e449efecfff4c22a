package contract

type CallState string

const (
	CallNone     CallState = ""
	CallInvited  CallState = "invited"
	CallAccepted CallState = "accepted"
	CallJoined   CallState = "joined"
	CallDeclined CallState = "declined"
	CallEnded    CallState = "ended"
)

// callTransitions is the client-side call lifecycle. The relay forwards
// signals without consulting it.
var callTransitions = map[CallState]map[VideoSignalKind]CallState{
	CallNone: {
		VideoInvite: CallInvited,
	},
	CallInvited: {
		VideoAccept:  CallAccepted,
		VideoDecline: CallDeclined,
		VideoEnd:     CallEnded,
	},
	CallAccepted: {
		VideoJoin: CallJoined,
		VideoEnd:  CallEnded,
	},
	CallJoined: {
		// the other party joins after us
		VideoJoin: CallJoined,
		VideoEnd:  CallEnded,
	},
	CallDeclined: {},
	CallEnded:    {},
}

// NextCallState applies kind to current. ok is false when the signal is not
// valid in that state; clients should ignore such signals.
func NextCallState(current CallState, kind VideoSignalKind) (next CallState, ok bool) {
	next, ok = callTransitions[current][kind]
	if !ok {
		return current, false
	}
	return next, true
}

func (s CallState) Terminal() bool {
	return s == CallDeclined || s == CallEnded
}
