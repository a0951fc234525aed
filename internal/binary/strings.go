package binary

import (
	"bytes"
	"fmt"
)

// readString reads one tokenized string element: a single-byte
// dictionary token, a double-byte dictionary token, a packed
// nibble/hex string, a JID variant, or a raw length-prefixed string.
// Grounded on binary_node.rs's read_string dispatch over WaTag.
func readString(r *reader) (string, error) {
	tag, err := r.readByte()
	if err != nil {
		return "", err
	}
	return readStringForTag(r, tag)
}

func readStringForTag(r *reader, tag byte) (string, error) {
	switch {
	case tag == TagListEmpty:
		return "", nil
	case int(tag) >= 1 && int(tag) < len(SingleByteTokens):
		return SingleByteTokens[tag], nil
	}

	switch tag {
	case TagDictionary0, TagDictionary1, TagDictionary2, TagDictionary3:
		dict := int(tag) - TagDictionary0
		idx, err := r.readByte()
		if err != nil {
			return "", err
		}
		if int(idx) >= len(DoubleByteTokens[dict]) {
			return "", fmt.Errorf("%w: dictionary %d index %d out of range", ErrMalformed, dict, idx)
		}
		return DoubleByteTokens[dict][idx], nil
	case TagBinary8, TagBinary20, TagBinary32:
		b, err := readBytesForTag(r, tag)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case TagJidPair:
		jid, err := readJidPair(r)
		if err != nil {
			return "", err
		}
		return jid.String(), nil
	case TagAdJid:
		jid, err := readAdJid(r)
		if err != nil {
			return "", err
		}
		return jid.String(), nil
	case TagFbJid:
		jid, err := readFbJid(r)
		if err != nil {
			return "", err
		}
		return jid.String(), nil
	case TagInteropJid:
		jid, err := readInteropJid(r)
		if err != nil {
			return "", err
		}
		return jid, nil
	case TagHex8:
		return readPacked8(r, hexNibbleToChar)
	case TagNibble8:
		return readPacked8(r, nibbleToChar)
	default:
		return "", fmt.Errorf("%w: unsupported string tag %d", ErrMalformed, tag)
	}
}

// readBytesOrString reads the trailing content element of a node when it
// is not a nested node list: either a packed/dictionary string or a raw
// byte blob, returned as []byte.
func readBytesOrString(r *reader) ([]byte, error) {
	tag, err := r.readByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagBinary8, TagBinary20, TagBinary32:
		return readBytesForTag(r, tag)
	default:
		s, err := readStringForTag(r, tag)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
}

func readBytesForTag(r *reader, tag byte) ([]byte, error) {
	switch tag {
	case TagBinary8:
		n, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return r.readN(int(n))
	case TagBinary20:
		b, err := r.readN(3)
		if err != nil {
			return nil, err
		}
		n := (int(b[0]&0x0F) << 16) | (int(b[1]) << 8) | int(b[2])
		return r.readN(n)
	case TagBinary32:
		n, err := r.readUint32BE()
		if err != nil {
			return nil, err
		}
		return r.readN(int(n))
	default:
		return nil, fmt.Errorf("%w: not a binary tag %d", ErrMalformed, tag)
	}
}

// writeString chooses the most compact wire representation for s,
// mirroring binary_node.rs's write_string dispatch order: dictionary
// match, then packed nibble, then packed hex, then JID, then raw.
func writeString(buf *bytes.Buffer, s string) {
	if s == "" {
		writeBytesRaw(buf, nil)
		return
	}

	if idx, ok := singleByteIndex[s]; ok {
		buf.WriteByte(byte(idx))
		return
	}

	for d := 0; d < 4; d++ {
		if idx, ok := doubleByteIndex[d][s]; ok {
			buf.WriteByte(byte(TagDictionary0 + d))
			buf.WriteByte(byte(idx))
			return
		}
	}

	if isNibbleString(s) {
		writePacked8(buf, TagNibble8, s, charToNibble)
		return
	}
	if isHexString(s) {
		writePacked8(buf, TagHex8, s, charToHexNibble)
		return
	}

	if jid, ok := jidDecode(s); ok {
		writeJID(buf, jid)
		return
	}

	writeBytesRaw(buf, []byte(s))
}

func writeBytesRaw(buf *bytes.Buffer, data []byte) {
	n := len(data)
	switch {
	case n < 256:
		buf.WriteByte(TagBinary8)
		buf.WriteByte(byte(n))
	case n < 1<<20:
		buf.WriteByte(TagBinary20)
		buf.WriteByte(byte((n >> 16) & 0x0F))
		buf.WriteByte(byte((n >> 8) & 0xFF))
		buf.WriteByte(byte(n & 0xFF))
	default:
		buf.WriteByte(TagBinary32)
		buf.WriteByte(byte(n >> 24))
		buf.WriteByte(byte(n >> 16))
		buf.WriteByte(byte(n >> 8))
		buf.WriteByte(byte(n))
	}
	buf.Write(data)
}

// --- JID wire variants ---

func writeJID(buf *bytes.Buffer, jid JID) {
	if jid.Device != 0 || jid.Agent != 0 || jid.Server == "lid" || jid.Server == "hosted" || jid.Server == "hosted.lid" {
		buf.WriteByte(TagAdJid)
		buf.WriteByte(jid.Agent)
		buf.WriteByte(byte(jid.Device >> 8))
		buf.WriteByte(byte(jid.Device))
		buf.WriteByte(domainTypeForServer(jid.Server))
		writeString(buf, jid.User)
		return
	}

	buf.WriteByte(TagJidPair)
	writeString(buf, jid.User)
	writeString(buf, jid.Server)
}

func readJidPair(r *reader) (JID, error) {
	user, err := readString(r)
	if err != nil {
		return JID{}, err
	}
	server, err := readString(r)
	if err != nil {
		return JID{}, err
	}
	return JID{User: user, Server: server}, nil
}

func readAdJid(r *reader) (JID, error) {
	agent, err := r.readByte()
	if err != nil {
		return JID{}, err
	}
	device, err := r.readUint16BE()
	if err != nil {
		return JID{}, err
	}
	domainType, err := r.readByte()
	if err != nil {
		return JID{}, err
	}
	user, err := readString(r)
	if err != nil {
		return JID{}, err
	}
	return JID{User: user, Agent: agent, Device: device, Server: serverForDomainType(domainType)}, nil
}

func readFbJid(r *reader) (JID, error) {
	device, err := r.readUint16BE()
	if err != nil {
		return JID{}, err
	}
	user, err := readString(r)
	if err != nil {
		return JID{}, err
	}
	return JID{User: user, Device: device, Server: "s.whatsapp.net"}, nil
}

// readInteropJid reads "integrator-user:device@server", falling back to
// server "interop" if the trailing server element cannot be read, per
// binary_node.rs's documented InteropJid fallback.
func readInteropJid(r *reader) (string, error) {
	integrator, err := readString(r)
	if err != nil {
		return "", err
	}
	user, err := readString(r)
	if err != nil {
		return "", err
	}
	device, err := r.readByte()
	if err != nil {
		return "", err
	}

	server, err := readString(r)
	if err != nil {
		server = "interop"
	}

	combinedUser := integrator + "-" + user
	jid := JID{User: combinedUser, Device: uint16(device), Server: server}
	return jid.String(), nil
}

// --- packed nibble/hex strings ---

const nibblePad = 0x0F

func charToNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c == '-':
		return 10, true
	case c == '.':
		return 11, true
	default:
		return 0, false
	}
}

func nibbleToChar(n byte) (byte, bool) {
	switch {
	case n <= 9:
		return '0' + n, true
	case n == 10:
		return '-', true
	case n == 11:
		return '.', true
	default:
		return 0, false
	}
}

func charToHexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

func hexNibbleToChar(n byte) (byte, bool) {
	if n <= 9 {
		return '0' + n, true
	}
	if n <= 15 {
		return 'A' + (n - 10), true
	}
	return 0, false
}

func isNibbleString(s string) bool {
	if len(s) == 0 || len(s) > 127 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if _, ok := charToNibble(s[i]); !ok {
			return false
		}
	}
	return true
}

func isHexString(s string) bool {
	if len(s) == 0 || len(s) > 127 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if _, ok := charToHexNibble(s[i]); !ok {
			return false
		}
	}
	return true
}

func writePacked8(buf *bytes.Buffer, tag byte, s string, toNibble func(byte) (byte, bool)) {
	nibbles := make([]byte, 0, len(s)+1)
	for i := 0; i < len(s); i++ {
		n, _ := toNibble(s[i])
		nibbles = append(nibbles, n)
	}

	pad := len(nibbles)%2 != 0
	count := len(nibbles)
	if pad {
		nibbles = append(nibbles, nibblePad)
	}

	lengthByte := byte(count) & 0x7F
	if pad {
		lengthByte |= 0x80
	}

	buf.WriteByte(tag)
	buf.WriteByte(lengthByte)
	for i := 0; i < len(nibbles); i += 2 {
		buf.WriteByte(nibbles[i]<<4 | nibbles[i+1])
	}
}

func readPacked8(r *reader, toChar func(byte) (byte, bool)) (string, error) {
	lengthByte, err := r.readByte()
	if err != nil {
		return "", err
	}
	pad := lengthByte&0x80 != 0
	count := int(lengthByte & 0x7F)

	totalNibbles := count
	if pad {
		totalNibbles++
	}
	byteCount := totalNibbles / 2

	raw, err := r.readN(byteCount)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, count)
	for i := 0; i < byteCount; i++ {
		hi := raw[i] >> 4
		lo := raw[i] & 0x0F
		for _, n := range [2]byte{hi, lo} {
			if len(out) == count {
				break
			}
			c, ok := toChar(n)
			if !ok {
				return "", fmt.Errorf("%w: invalid packed nibble %d", ErrMalformed, n)
			}
			out = append(out, c)
		}
	}

	return string(out), nil
}
