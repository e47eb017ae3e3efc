package main

import "fmt"

// ConfigurationError reports an unusable configuration value. It is the only
// error class that is allowed to stop the whole process, and only at load
// time, before any watcher starts.
type ConfigurationError struct {
	Mailbox string
	Msg     string
}

func (e *ConfigurationError) Error() string {
	if e.Mailbox == "" {
		return fmt.Sprintf("configuration: %s", e.Msg)
	}
	return fmt.Sprintf("configuration: %s: %s", e.Mailbox, e.Msg)
}

// ConnectionError is a transient network-level failure. The watcher reacts
// with a backed-off reconnect.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection: %s: %s", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TLSFailure names the reason a TLS attempt was rejected, for diagnostics.
type TLSFailure int

const (
	TLSFailureHandshake TLSFailure = iota
	TLSFailureChain
	TLSFailureExpired
	TLSFailureHostname
)

func (f TLSFailure) String() string {
	switch f {
	case TLSFailureHandshake:
		return "handshake failure"
	case TLSFailureChain:
		return "certificate chain invalid"
	case TLSFailureExpired:
		return "certificate expired"
	case TLSFailureHostname:
		return "hostname mismatch"
	}
	return "unknown"
}

// TLSError is a failed TLS negotiation or a certificate policy violation.
// It is recoverable like any other connection failure: network conditions
// or a renewed certificate may resolve it on a later attempt.
type TLSError struct {
	Cause TLSFailure
	Err   error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("tls: %s: %s", e.Cause, e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// AuthenticationError is a rejected login. Retried a bounded number of
// times, because misconfigured credentials never heal on their own.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication: %s", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ProtocolError is an unexpected or malformed server response.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// FatalError marks one mailbox session as permanently failed. The watcher
// stops retrying that mailbox; sibling sessions are unaffected.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
