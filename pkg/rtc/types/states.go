package types

import "fmt"

// ConnectionState is the session-visible connection state.
type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "DISCONNECTED"
	case ConnectionStateConnecting:
		return "CONNECTING"
	case ConnectionStateConnected:
		return "CONNECTED"
	case ConnectionStateReconnecting:
		return "RECONNECTING"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// SignalConnectionState is owned by the signal client.
type SignalConnectionState int

const (
	SignalConnectionStateDisconnected SignalConnectionState = iota
	SignalConnectionStateConnecting
	SignalConnectionStateConnected
	SignalConnectionStateReconnecting
	SignalConnectionStateDisconnecting
)

func (s SignalConnectionState) String() string {
	switch s {
	case SignalConnectionStateDisconnected:
		return "DISCONNECTED"
	case SignalConnectionStateConnecting:
		return "CONNECTING"
	case SignalConnectionStateConnected:
		return "CONNECTED"
	case SignalConnectionStateReconnecting:
		return "RECONNECTING"
	case SignalConnectionStateDisconnecting:
		return "DISCONNECTING"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// PCTransportState is the state of a single transport or the aggregate of a pair.
type PCTransportState int

const (
	PCTransportStateNew PCTransportState = iota
	PCTransportStateConnecting
	PCTransportStateConnected
	PCTransportStateFailed
	PCTransportStateClosing
	PCTransportStateClosed
)

func (s PCTransportState) String() string {
	switch s {
	case PCTransportStateNew:
		return "NEW"
	case PCTransportStateConnecting:
		return "CONNECTING"
	case PCTransportStateConnected:
		return "CONNECTED"
	case PCTransportStateFailed:
		return "FAILED"
	case PCTransportStateClosing:
		return "CLOSING"
	case PCTransportStateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// IsSevered is true when the aggregate can no longer carry media without recovery.
func (s PCTransportState) IsSevered() bool {
	return s == PCTransportStateFailed || s == PCTransportStateClosing || s == PCTransportStateClosed
}

// ConnectionInputs are the sub-states the session connection state is derived from.
type ConnectionInputs struct {
	Closed         bool
	Reconnecting   bool
	EverConnected  bool
	Signal         SignalConnectionState
	PeerConnection PCTransportState
}

// DeriveConnectionState computes the session state from its sub-states. It holds no
// state of its own; callers recompute it on every sub-state transition.
func DeriveConnectionState(in ConnectionInputs) ConnectionState {
	switch {
	case in.Closed:
		return ConnectionStateDisconnected
	case in.Reconnecting:
		return ConnectionStateReconnecting
	case in.Signal == SignalConnectionStateConnected && in.PeerConnection == PCTransportStateConnected:
		return ConnectionStateConnected
	case !in.EverConnected:
		if in.Signal == SignalConnectionStateDisconnected && in.PeerConnection == PCTransportStateNew {
			return ConnectionStateDisconnected
		}
		return ConnectionStateConnecting
	default:
		// was connected and one of the halves degraded, recovery is about to be scheduled
		return ConnectionStateReconnecting
	}
}
