// Package rpc implements the framed request/response protocol spoken over
// the host<->guest stream channel: a uint32 big-endian length prefix
// followed by a CBOR-encoded payload, one call in flight per stream.
package rpc

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when a call's context deadline elapses before a
// response frame is read.
var ErrTimeout = errors.New("rpc: call timed out")

// ErrProtocol is returned when a frame violates the wire format (bad
// length prefix, truncated payload, undecodable CBOR).
var ErrProtocol = errors.New("rpc: protocol error")

// ErrRemoteCrash is returned when the underlying stream is closed or reset
// mid-call, distinct from a clean error response.
var ErrRemoteCrash = errors.New("rpc: remote crashed")

// MaxFrameSize bounds a single frame's payload to guard against a
// malformed length prefix causing an unbounded read.
const MaxFrameSize = 64 << 20 // 64 MiB

// InstallFunctionRef is the reserved function reference the provisioning
// pipeline uses to send dependency lists over the ordinary call path,
// rather than inventing a side-channel protocol.
const InstallFunctionRef = "__firebreak__:install"

// Request is a single call dispatched to the in-guest executor.
type Request struct {
	CallID      uint64            `cbor:"call_id"`
	FunctionRef string            `cbor:"function_ref"`
	Args        []byte            `cbor:"args"`
	Kwargs      []byte            `cbor:"kwargs"`
	TimeoutMS   int64             `cbor:"timeout_ms"`
	Extra       map[string]any    `cbor:"extra,omitempty"`
}

// Response is what the in-guest executor returns for a Request with the
// same CallID.
type Response struct {
	CallID  uint64          `cbor:"call_id"`
	Success bool            `cbor:"success"`
	Result  []byte          `cbor:"result,omitempty"`
	Error   *RemoteError    `cbor:"error,omitempty"`
}

// RemoteError is the wire form of a failure raised inside the guest,
// serialized as data rather than allowed to cross the process boundary as
// a native exception. The host reconstructs it into a typed error once
// it is safely back on this side of the vsock.
type RemoteError struct {
	Kind      string `cbor:"kind"`
	Message   string `cbor:"message"`
	Traceback string `cbor:"traceback,omitempty"`
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}
