package profile

import (
	"encoding/binary"
)

// Canonicalize produces a self-delimiting, length-prefixed encoding of a
// profile. It is deterministic across field-order and dependency-order
// permutations because it always encodes the Normalize()d form. It is not
// meant to be human-readable or to round-trip back into a
// CapabilityProfile; it exists solely as stable input to Hash.
func Canonicalize(p CapabilityProfile) []byte {
	norm := p.Normalize()

	var buf []byte

	buf = appendUint32(buf, uint32(len(norm.FS)))
	for _, m := range norm.FS {
		buf = appendString(buf, m.Path)
		buf = append(buf, byte(m.Mode))
	}

	buf = append(buf, byte(norm.Net))

	buf = appendUint32(buf, uint32(norm.CPUMillis))
	buf = appendUint32(buf, uint32(norm.MemoryMB))

	buf = appendUint32(buf, uint32(len(norm.Dependencies)))
	for _, d := range norm.Dependencies {
		buf = appendString(buf, string(d))
	}

	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
