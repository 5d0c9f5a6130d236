package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// Stream is the host<->guest channel a Client speaks over: the mock
// backend hands it a net.Pipe() half, the Firecracker backend hands it a
// vsock connection dialed via fcvsock.DialContext.
type Stream interface {
	io.Reader
	io.Writer
}

// Client dispatches Requests over a single Stream, one call in flight at
// a time, matching the guest executor's single-connection accept loop.
type Client struct {
	codec  Codec
	nextID atomic.Uint64
}

// NewClient constructs a Client using the given codec.
func NewClient(codec Codec) *Client {
	return &Client{codec: codec}
}

// Call writes a framed Request and blocks for its Response. ctx governs
// both the write and the read: if ctx is cancelled or its deadline
// expires, Call returns ErrTimeout and the caller must treat the stream
// (and the VM it belongs to) as tainted, since there is no way to abort a
// write already in flight or discard an unread response.
func (c *Client) Call(ctx context.Context, stream Stream, req Request) (Response, error) {
	req.CallID = c.nextID.Add(1)

	if conn, ok := stream.(net.Conn); ok {
		if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
			if err := conn.SetDeadline(deadline); err != nil {
				return Response{}, fmt.Errorf("%w: set deadline: %v", ErrProtocol, err)
			}
			defer conn.SetDeadline(time.Time{})
		}
	}

	payload, err := c.codec.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: marshal request: %v", ErrProtocol, err)
	}

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)

	go func() {
		if err := WriteFrame(stream, payload); err != nil {
			done <- result{err: err}
			return
		}
		raw, err := ReadFrame(stream)
		if err != nil {
			done <- result{err: err}
			return
		}
		var resp Response
		if err := c.codec.Unmarshal(raw, &resp); err != nil {
			done <- result{err: fmt.Errorf("%w: unmarshal response: %v", ErrProtocol, err)}
			return
		}
		done <- result{resp: resp}
	}()

	select {
	case <-ctx.Done():
		return Response{}, errors.Join(ErrTimeout, ctx.Err())
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				return Response{}, errors.Join(ErrTimeout, ctx.Err())
			}
			return Response{}, r.err
		}
		if r.resp.CallID != req.CallID {
			return Response{}, fmt.Errorf("%w: response call_id %d does not match request %d", ErrProtocol, r.resp.CallID, req.CallID)
		}
		return r.resp, nil
	}
}
