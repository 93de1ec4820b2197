package transfer

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of an upload session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateNegotiating
	StateStreaming
	StateCompleting
	StateCompleted
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateCompleting:
		return "completing"
	case StateCompleted:
		return "completed"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// EventKind is an input to the session state machine.
type EventKind int

const (
	// EventBegin is the explicit start request.
	EventBegin EventKind = iota
	// EventConnected means the channel is established and start was sent.
	EventConnected
	// EventResumed carries a peer resume offset. It also resynchronises a
	// streaming or completing session after a gap or incomplete end.
	EventResumed
	// EventChunkAcked is one completed send/ack cycle.
	EventChunkAcked
	// EventAllSent means the local offset reached the file size.
	EventAllSent
	// EventFinalized is the peer's complete acknowledgement.
	EventFinalized
	// EventChannelError is a transport failure, ack timeout or unexpected close.
	EventChannelError
	// EventRetry fires when the retry delay elapses.
	EventRetry
	// EventRetriesExhausted ends a session whose retry budget is spent.
	EventRetriesExhausted
	// EventPeerError is a definitive rejection by the peer.
	EventPeerError
	EventAbort
)

func (e EventKind) String() string {
	switch e {
	case EventBegin:
		return "begin"
	case EventConnected:
		return "connected"
	case EventResumed:
		return "resumed"
	case EventChunkAcked:
		return "chunk_acked"
	case EventAllSent:
		return "all_sent"
	case EventFinalized:
		return "finalized"
	case EventChannelError:
		return "channel_error"
	case EventRetry:
		return "retry"
	case EventRetriesExhausted:
		return "retries_exhausted"
	case EventPeerError:
		return "peer_error"
	case EventAbort:
		return "abort"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ErrInvalidTransition is returned by Transition for an event the current
// state does not accept.
var ErrInvalidTransition = errors.New("invalid session transition")

// Transition returns the state that follows from on event ev. It has no side
// effects; the session driver performs the I/O each state implies.
func Transition(from State, ev EventKind) (State, error) {
	if from.Terminal() {
		return from, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev, from)
	}

	switch ev {
	case EventPeerError, EventAbort:
		return StateFailed, nil
	case EventChannelError:
		switch from {
		case StateConnecting, StateNegotiating, StateStreaming, StateCompleting:
			return StateRetrying, nil
		}
	case EventBegin:
		if from == StateIdle {
			return StateConnecting, nil
		}
	case EventConnected:
		if from == StateConnecting {
			return StateNegotiating, nil
		}
	case EventResumed:
		switch from {
		case StateNegotiating, StateStreaming, StateCompleting:
			return StateStreaming, nil
		}
	case EventChunkAcked:
		if from == StateStreaming {
			return StateStreaming, nil
		}
	case EventAllSent:
		if from == StateStreaming {
			return StateCompleting, nil
		}
	case EventFinalized:
		if from == StateCompleting {
			return StateCompleted, nil
		}
	case EventRetry:
		if from == StateRetrying {
			return StateConnecting, nil
		}
	case EventRetriesExhausted:
		if from == StateRetrying {
			return StateFailed, nil
		}
	}
	return from, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev, from)
}
