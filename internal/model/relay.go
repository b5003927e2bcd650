// Package model defines shared types for the relay.
package model

import (
	"errors"
	"fmt"
	"net/http"
)

// RelayRequest is the inbound request observed on the relay route.
type RelayRequest struct {
	Method string
	Path   string
}

// Mode is the cross-origin policy of an upstream attempt.
type Mode string

const (
	// ModeCORS is the primary attempt: status, headers and body are readable.
	ModeCORS Mode = "cors"
	// ModeOpaque is the fallback attempt: only the complete body is usable.
	ModeOpaque Mode = "opaque"
)

// UpstreamTarget is the single upstream origin. It is built once at startup
// and never mutated; use WithMode to derive the fallback variant.
type UpstreamTarget struct {
	URL    string
	Header http.Header
	Mode   Mode
}

// WithMode returns a copy of the target using the given mode.
func (t UpstreamTarget) WithMode(m Mode) UpstreamTarget {
	t.Header = t.Header.Clone()
	t.Mode = m
	return t
}

// StreamHandle yields the upstream body one chunk at a time.
//
// Next returns the next chunk, or io.EOF once the upstream is exhausted.
// The returned slice is only valid until the following call to Next.
type StreamHandle interface {
	Next() ([]byte, error)
	Close() error
}

// SessionState is the lifecycle state of one relay operation.
type SessionState int

const (
	StateInit SessionState = iota
	StateStreaming
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// ErrInvalidTransition is returned when a session is moved to a state that
// is not reachable from its current one.
var ErrInvalidTransition = errors.New("invalid session state transition")

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to SessionState) bool {
	switch from {
	case StateInit:
		return to == StateStreaming || to == StateFailed
	case StateStreaming:
		return to == StateClosed || to == StateFailed
	}
	return false
}

// BodyKind tells which of the three outcome paths populated an envelope.
type BodyKind int

const (
	BodyStream BodyKind = iota
	BodyBuffered
	BodyError
)

func (k BodyKind) String() string {
	switch k {
	case BodyStream:
		return "stream"
	case BodyBuffered:
		return "fallback"
	case BodyError:
		return "error"
	}
	return "unknown"
}

// ResponseEnvelope is the response the relay hands back to the transport.
// Exactly one of Stream, Payload or ErrorText is set, as indicated by Kind.
type ResponseEnvelope struct {
	Status    int
	Header    http.Header
	Kind      BodyKind
	Stream    StreamHandle
	Payload   []byte
	ErrorText string
}
