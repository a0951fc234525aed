// Package waproto implements the key material, wire message shapes, and
// manual protobuf codec used by the Noise handshake and pairing flow.
//
// The codec here generalizes the teacher's internal/core/protobuf.go
// varint/tag encoder instead of depending on google.golang.org/protobuf's
// reflection-based runtime, since that runtime expects protoc-generated
// descriptors this module cannot produce without invoking a toolchain.
package waproto

import "errors"

const (
	wireVarint = 0
	wireBytes  = 2
)

// ErrMalformedMessage is returned when wire bytes cannot be parsed.
var ErrMalformedMessage = errors.New("waproto: malformed message")

func encodeVarint(n uint64) []byte {
	if n == 0 {
		return []byte{0}
	}
	var buf []byte
	for n > 0 {
		b := byte(n & 0x7f)
		n >>= 7
		if n > 0 {
			b |= 0x80
		}
		buf = append(buf, b)
	}
	return buf
}

func decodeVarint(data []byte) (uint64, int) {
	var n uint64
	var shift uint
	for i, b := range data {
		if shift >= 64 {
			return 0, 0
		}
		n |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return n, i + 1
		}
		shift += 7
	}
	return 0, 0
}

func encodeTag(fieldNum int, wireType int) []byte {
	return encodeVarint(uint64(fieldNum<<3 | wireType))
}

func appendBytesField(dst []byte, fieldNum int, data []byte) []byte {
	dst = append(dst, encodeTag(fieldNum, wireBytes)...)
	dst = append(dst, encodeVarint(uint64(len(data)))...)
	dst = append(dst, data...)
	return dst
}

func appendVarintField(dst []byte, fieldNum int, value uint64) []byte {
	dst = append(dst, encodeTag(fieldNum, wireVarint)...)
	dst = append(dst, encodeVarint(value)...)
	return dst
}

func appendBoolField(dst []byte, fieldNum int, value bool) []byte {
	if !value {
		return dst
	}
	return appendVarintField(dst, fieldNum, 1)
}

// rawMessage is a decoded flat view of a wire message: each field number
// maps to every value observed for it, in the wire type it was read as.
// It does not attempt nested-message typing; callers re-parse embedded
// bytes fields with the appropriate decode function.
type rawMessage struct {
	bytesFields  map[int][][]byte
	varintFields map[int][]uint64
}

func decodeRaw(data []byte) (*rawMessage, error) {
	msg := &rawMessage{
		bytesFields:  make(map[int][][]byte),
		varintFields: make(map[int][]uint64),
	}

	pos := 0
	for pos < len(data) {
		tag, n := decodeVarint(data[pos:])
		if n == 0 {
			return nil, ErrMalformedMessage
		}
		pos += n

		fieldNum := int(tag >> 3)
		wireType := int(tag & 0x7)

		switch wireType {
		case wireVarint:
			v, n := decodeVarint(data[pos:])
			if n == 0 {
				return nil, ErrMalformedMessage
			}
			pos += n
			msg.varintFields[fieldNum] = append(msg.varintFields[fieldNum], v)
		case wireBytes:
			length, n := decodeVarint(data[pos:])
			if n == 0 {
				return nil, ErrMalformedMessage
			}
			pos += n
			if length > uint64(len(data)-pos) {
				return nil, ErrMalformedMessage
			}
			msg.bytesFields[fieldNum] = append(msg.bytesFields[fieldNum], data[pos:pos+int(length)])
			pos += int(length)
		case 1: // fixed64
			if pos+8 > len(data) {
				return nil, ErrMalformedMessage
			}
			pos += 8
		case 5: // fixed32
			if pos+4 > len(data) {
				return nil, ErrMalformedMessage
			}
			pos += 4
		default:
			return nil, ErrMalformedMessage
		}
	}

	return msg, nil
}

func (m *rawMessage) bytesField(fieldNum int) []byte {
	vals := m.bytesFields[fieldNum]
	if len(vals) == 0 {
		return nil
	}
	return vals[len(vals)-1]
}

func (m *rawMessage) varintField(fieldNum int) (uint64, bool) {
	vals := m.varintFields[fieldNum]
	if len(vals) == 0 {
		return 0, false
	}
	return vals[len(vals)-1], true
}
