// Package source owns the per-source connection lifecycle: bounded
// connect-with-retry, single bounded frame pulls, and guaranteed handle
// release on every transition out of the connected state.
package source

import "fmt"

// Source identifies one camera stream: a URI plus a display name. Immutable
// after creation and owned exclusively by one Connection for its lifetime.
type Source struct {
	Name string
	URI  string
}

func (s Source) String() string {
	return fmt.Sprintf("%s (%s)", s.Name, s.URI)
}

// State is the connection lifecycle state.
type State int

const (
	// Disconnected is the initial state, and the state after any failure.
	Disconnected State = iota
	// Connecting means a connect attempt is in flight.
	Connecting
	// Connected means a live backend handle is held.
	Connected
	// Closed is terminal; the handle is released and the connection is done.
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
