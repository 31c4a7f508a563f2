package qmp

import "fmt"

// Runstate is the state of a QMP connection.
type Runstate int

const (
	// RunstateIdle means there is no connection, either because none was
	// ever made or because it has been fully torn down.
	RunstateIdle Runstate = iota
	// RunstateConnecting covers dialing and capability negotiation.
	RunstateConnecting
	// RunstateRunning means the session is established and accepts
	// requests.
	RunstateRunning
	// RunstateDisconnecting covers the teardown of a connection.
	RunstateDisconnecting
)

func (rs Runstate) String() string {
	switch rs {
	case RunstateIdle:
		return "idle"
	case RunstateConnecting:
		return "connecting"
	case RunstateRunning:
		return "running"
	case RunstateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int(rs))
	}
}
