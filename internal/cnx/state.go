package cnx

import "fmt"

// State is a Cnx's position in the connection lifecycle: a fresh Cnx
// starts Pending, becomes TcpConnected once the socket is up, Ready once
// the CONNECT/CONNECTED handshake completes, and Disconnected (terminal)
// once closed or failed.
type State int32

const (
	StatePending State = iota
	StateTcpConnected
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateTcpConnected:
		return "TcpConnected"
	case StateReady:
		return "Ready"
	case StateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTerminal reports whether no further state transition can occur.
func (s State) IsTerminal() bool {
	return s == StateDisconnected
}
