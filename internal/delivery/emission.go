package delivery

import (
	"sync/atomic"
	"time"

	"chat-relay/internal/chat"
)

// State is where a (message, recipient) pair is in its delivery.
type State int32

const (
	Pending State = iota
	TransportAcked
	TransportTimeout
	ApplicationAcked
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case TransportAcked:
		return "TRANSPORT_ACKED"
	case TransportTimeout:
		return "TRANSPORT_TIMEOUT"
	case ApplicationAcked:
		return "APPLICATION_ACKED"
	}
	return "UNKNOWN"
}

type pairKey struct {
	messageID string
	userID    string
}

// emission is one message sent to one connection. Exactly one of the ack
// and timeout paths wins settle and runs its side effect.
type emission struct {
	connID  string
	userID  string
	msg     chat.Message
	settled atomic.Bool
	state   atomic.Int32
	timer   *time.Timer
}

func (e *emission) key() pairKey {
	return pairKey{messageID: e.msg.ID, userID: e.userID}
}

// settle flips the gate. Only the first caller gets true.
func (e *emission) settle(to State) bool {
	if !e.settled.CompareAndSwap(false, true) {
		return false
	}
	e.state.Store(int32(to))
	return true
}

// stop disarms the timeout. Only call it from code ordered after emit
// armed the timer.
func (e *emission) stop() {
	if e.timer != nil {
		e.timer.Stop()
	}
}

func (e *emission) State() State {
	return State(e.state.Load())
}
