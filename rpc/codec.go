package rpc

import "github.com/fxamacker/cbor/v2"

// Codec serializes RPC payloads. The default is CBOR; the interface leaves
// room for a second, host-trusted codec that this repository does not
// ship (see DESIGN.md Open Questions).
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// CBORCodec is the default wire codec: self-describing, binary, and able
// to represent every value in the permitted argument/result space
// (integers, floats, bools, strings, byte strings, sequences, maps, and
// tagged nulls) without a schema.
type CBORCodec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewCBORCodec constructs a CBORCodec using canonical encoding options so
// that two encoders never disagree on map key order.
func NewCBORCodec() (*CBORCodec, error) {
	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	decMode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBORCodec{encMode: encMode, decMode: decMode}, nil
}

func (c *CBORCodec) Marshal(v any) ([]byte, error) {
	return c.encMode.Marshal(v)
}

func (c *CBORCodec) Unmarshal(data []byte, v any) error {
	return c.decMode.Unmarshal(data, v)
}
