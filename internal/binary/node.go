package binary

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Node is a WABinary stanza: a tag, a set of string attributes, and
// either nested child nodes or raw byte content. Grounded on
// binary_node.rs's BinaryNode{tag, attrs, content}.
type Node struct {
	Tag     string
	Attrs   map[string]string
	Content any // nil, []Node, or []byte
}

// Children returns the node's child nodes, or nil if its content is not
// a node list.
func (n Node) Children() []Node {
	if nodes, ok := n.Content.([]Node); ok {
		return nodes
	}
	return nil
}

// GetChildByTag returns the first direct child with the given tag.
func (n Node) GetChildByTag(tag string) *Node {
	for _, child := range n.Children() {
		if child.Tag == tag {
			return &child
		}
	}
	return nil
}

// Bytes returns the node's content as raw bytes, converting a string
// content into bytes if necessary.
func (n Node) Bytes() []byte {
	switch c := n.Content.(type) {
	case []byte:
		return c
	case string:
		return []byte(c)
	default:
		return nil
	}
}

var (
	// ErrTruncated is returned when the buffer ends before a complete
	// element could be read.
	ErrTruncated = errors.New("binary: truncated node")
	// ErrMalformed is returned when a tag/length byte combination does
	// not correspond to anything the codec understands.
	ErrMalformed = errors.New("binary: malformed node")
)

// Encode serializes a node into the real (non-synthetic) WABinary wire
// format: a leading 0x00 flag byte (no compression) followed by the
// tokenized node, per binary_node.rs's encode_real/RealEncoder.
func Encode(node Node) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0x00)
	encodeNode(&buf, node)
	return buf.Bytes()
}

// Decode parses the real WABinary wire format: a leading flag byte (bit
// 0x02 set means the remainder is zlib-compressed), followed by the
// tokenized node, per binary_node.rs's decode_real/decompress_if_required.
func Decode(data []byte) (Node, error) {
	if len(data) == 0 {
		return Node{}, ErrTruncated
	}

	flag := data[0]
	rest := data[1:]

	if flag&0x02 != 0 {
		zr, err := zlib.NewReader(bytes.NewReader(rest))
		if err != nil {
			return Node{}, fmt.Errorf("binary: zlib init: %w", err)
		}
		defer zr.Close()
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return Node{}, fmt.Errorf("binary: zlib read: %w", err)
		}
		rest = decompressed
	}

	r := &reader{buf: rest}
	node, err := decodeNode(r)
	if err != nil {
		return Node{}, err
	}
	return node, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrTruncated
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readN(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, ErrTruncated
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) readUint16BE() (uint16, error) {
	b, err := r.readN(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func (r *reader) readUint32BE() (uint32, error) {
	b, err := r.readN(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// --- list framing ---

func writeListStart(buf *bytes.Buffer, size int) {
	switch {
	case size == 0:
		buf.WriteByte(TagListEmpty)
	case size < 256:
		buf.WriteByte(TagList8)
		buf.WriteByte(byte(size))
	default:
		buf.WriteByte(TagList16)
		buf.WriteByte(byte(size >> 8))
		buf.WriteByte(byte(size))
	}
}

func readListSize(r *reader) (int, error) {
	tag, err := r.readByte()
	if err != nil {
		return 0, err
	}
	switch tag {
	case TagListEmpty:
		return 0, nil
	case TagList8:
		n, err := r.readByte()
		return int(n), err
	case TagList16:
		n, err := r.readUint16BE()
		return int(n), err
	default:
		return 0, fmt.Errorf("%w: unexpected list tag %d", ErrMalformed, tag)
	}
}

// --- node encode/decode ---

func encodeNode(buf *bytes.Buffer, node Node) {
	attrKeys := make([]string, 0, len(node.Attrs))
	for k := range node.Attrs {
		attrKeys = append(attrKeys, k)
	}
	sort.Strings(attrKeys)

	hasContent := node.Content != nil
	listSize := 1 + 2*len(attrKeys)
	if hasContent {
		listSize++
	}

	writeListStart(buf, listSize)
	writeString(buf, node.Tag)
	for _, k := range attrKeys {
		writeString(buf, k)
		writeString(buf, node.Attrs[k])
	}

	if !hasContent {
		return
	}

	switch content := node.Content.(type) {
	case []Node:
		writeListStart(buf, len(content))
		for _, child := range content {
			encodeNode(buf, child)
		}
	case []byte:
		writeBytesRaw(buf, content)
	case string:
		writeString(buf, content)
	}
}

func decodeNode(r *reader) (Node, error) {
	listSize, err := readListSize(r)
	if err != nil {
		return Node{}, err
	}
	if listSize == 0 {
		return Node{}, fmt.Errorf("%w: empty node", ErrMalformed)
	}

	tag, err := readString(r)
	if err != nil {
		return Node{}, err
	}

	attrsLen := (listSize - 1) / 2
	attrs := make(map[string]string, attrsLen)
	for i := 0; i < attrsLen; i++ {
		key, err := readString(r)
		if err != nil {
			return Node{}, err
		}
		val, err := readString(r)
		if err != nil {
			return Node{}, err
		}
		attrs[key] = val
	}

	node := Node{Tag: tag, Attrs: attrs}

	if listSize%2 == 0 {
		content, err := readNodeContent(r)
		if err != nil {
			return Node{}, err
		}
		node.Content = content
	}

	return node, nil
}

// readNodeContent reads the trailing list element of a node: it is
// either a nested node list (TagListEmpty/TagList8/TagList16 followed by
// that many nodes) or a bytes/string payload.
func readNodeContent(r *reader) (any, error) {
	if r.pos >= len(r.buf) {
		return nil, ErrTruncated
	}
	peek := r.buf[r.pos]

	if peek == TagListEmpty || peek == TagList8 || peek == TagList16 {
		size, err := readListSize(r)
		if err != nil {
			return nil, err
		}
		nodes := make([]Node, 0, size)
		for i := 0; i < size; i++ {
			child, err := decodeNode(r)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, child)
		}
		return nodes, nil
	}

	return readBytesOrString(r)
}
