package registration

import (
	"github.com/sirupsen/logrus"
)

// State is a step of the registration exchange, shared by both roles.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateSendingRequest  // client
	StateAwaitingRequest // server
	StateExchangingCertificates
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSendingRequest:
		return "sending-request"
	case StateAwaitingRequest:
		return "awaiting-request"
	case StateExchangingCertificates:
		return "exchanging-certificates"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type tracker struct {
	role  string
	peer  string
	state State
}

func newTracker(role, peer string) *tracker {
	t := &tracker{role: role, peer: peer, state: StateConnecting}
	logrus.Debugf("%s %s: %s", t.role, t.peer, t.state)
	return t
}

func (t *tracker) enter(next State) {
	logrus.Debugf("%s %s: %s -> %s", t.role, t.peer, t.state, next)
	t.state = next
}

// fail moves to StateFailed and hands err back unchanged.
func (t *tracker) fail(err error) error {
	logrus.Debugf("%s %s: %s failed: %v", t.role, t.peer, t.state, err)
	t.state = StateFailed
	return err
}
