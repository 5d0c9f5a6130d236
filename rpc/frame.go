package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WriteFrame writes a uint32 big-endian length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("%w: write header: %v", ErrRemoteCrash, err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("%w: write payload: %v", ErrRemoteCrash, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. An EOF on the header read
// (no bytes consumed) is reported as ErrRemoteCrash: the peer closed the
// stream instead of answering.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header: %v", ErrProtocol, err)
		}
		return nil, fmt.Errorf("%w: read header: %v", ErrRemoteCrash, err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds max %d", ErrProtocol, length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated payload: %v", ErrProtocol, err)
		}
		return nil, fmt.Errorf("%w: read payload: %v", ErrRemoteCrash, err)
	}
	return payload, nil
}
