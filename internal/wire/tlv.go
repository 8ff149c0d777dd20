package wire

import (
	"encoding/binary"
	"fmt"
)

// Service sub-packets use a stable tagged-field encoding: each field is
// tag(1) + length(2, big-endian) + value. Unknown tags are skipped so the
// wire format can grow without breaking older peers.

type tlvField struct {
	tag   byte
	value []byte
}

type tlvEncoder struct {
	fields []tlvField
}

func (e *tlvEncoder) put(tag byte, value []byte) {
	e.fields = append(e.fields, tlvField{tag: tag, value: value})
}

func (e *tlvEncoder) putString(tag byte, s string) { e.put(tag, []byte(s)) }

func (e *tlvEncoder) putUint16(tag byte, v uint16) {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	e.put(tag, buf)
}

func (e *tlvEncoder) putBytes(tag byte, b []byte) { e.put(tag, b) }

func (e *tlvEncoder) bytes() []byte {
	var out []byte
	for _, f := range e.fields {
		hdr := make([]byte, 3)
		hdr[0] = f.tag
		binary.BigEndian.PutUint16(hdr[1:3], uint16(len(f.value)))
		out = append(out, hdr...)
		out = append(out, f.value...)
	}
	return out
}

func decodeTLV(buf []byte) (map[byte][]byte, error) {
	fields := make(map[byte][]byte)
	for len(buf) > 0 {
		if len(buf) < 3 {
			return nil, fmt.Errorf("wire: truncated tlv field header")
		}
		tag := buf[0]
		n := int(binary.BigEndian.Uint16(buf[1:3]))
		buf = buf[3:]
		if len(buf) < n {
			return nil, fmt.Errorf("wire: truncated tlv field value for tag %d", tag)
		}
		fields[tag] = buf[:n]
		buf = buf[n:]
	}
	return fields, nil
}
