package core

import (
	"errors"
	"net"

	"github.com/sirupsen/logrus"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/messages"
)

// Action tells a transfer loop what to do after an error.
type Action int

const (
	Continue Action = iota
	Abort
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Abort:
		return "abort"
	default:
		return "undefined"
	}
}

// Decide maps an error to the action the loops take. Only startup failures
// and a closed socket stop a transfer; everything else is tolerated.
func Decide(err error) Action {
	if err == nil {
		return Continue
	}
	var startup *StartupError
	if errors.As(err, &startup) || errors.Is(err, net.ErrClosed) {
		return Abort
	}
	return Continue
}

// Handle logs err at the level of its kind and returns Decide(err).
func Handle(err error, fields logrus.Fields) Action {
	if err == nil {
		return Continue
	}
	action := Decide(err)
	entry := Logger.WithFields(fields).WithError(err)

	var (
		malformed  *messages.MalformedFrameError
		exhausted  *RetryExhaustedError
		incomplete *IncompleteTransferError
	)
	switch {
	case action == Abort:
		entry.Error("aborting")
	case errors.As(err, &malformed):
		entry.Warn("dropping malformed datagram")
	case errors.As(err, &exhausted):
		entry.Warn("giving up on chunks")
	case errors.As(err, &incomplete):
		entry.Error("transfer incomplete")
	default:
		entry.Warn("ignoring error")
	}
	return action
}
