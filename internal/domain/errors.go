package domain

import "fmt"

// ConnectionError means the room channel could not be established or
// was rejected. It is the only error class escalated to the caller as
// a hard failure.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("room connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MediaAccessError means the local capture device was denied or is
// unavailable. Never fatal: connections degrade to receive-only.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("local media access failed: %v", e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// PeerConnectionError is a negotiation or transport failure scoped to
// one peer. It closes that connection only.
type PeerConnectionError struct {
	PeerID UserID
	Err    error
}

func (e *PeerConnectionError) Error() string {
	return fmt.Sprintf("peer connection with %s failed: %v", e.PeerID, e.Err)
}

func (e *PeerConnectionError) Unwrap() error { return e.Err }
