package signalling

import (
	"errors"

	"github.com/livekit/livekit-session/pkg/rtc/types"
)

var (
	ErrInvalidMessageType  = errors.New("invalid message type")
	ErrSignalNotConnected  = errors.New("signal connection is not established")
	ErrUnexpectedJoinReply = errors.New("did not receive join response")

	errSuperseded = types.NewConnectionError(types.ConnectionErrorCancelled, "signal connection superseded", nil)
)
