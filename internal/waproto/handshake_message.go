package waproto

// HandshakeMessage is the top-level envelope exchanged during the Noise
// handshake: exactly one of ClientHello, ServerHello, or ClientFinish is
// set at a time. Field numbers follow the teacher's
// internal/core/protobuf.go (fieldClientHello=2, fieldServerHello=3,
// fieldClientFinish=4), generalized with the field shapes used by
// process_server_hello in original_source/src/wa/noise_md.rs.
const (
	fieldHandshakeClientHello  = 2
	fieldHandshakeServerHello  = 3
	fieldHandshakeClientFinish = 4
)

const (
	fieldClientHelloEphemeral = 1

	fieldServerHelloEphemeral      = 1
	fieldServerHelloStatic         = 2
	fieldServerHelloPayload        = 3
	fieldServerHelloExtendedStatic = 4

	fieldClientFinishStatic  = 1
	fieldClientFinishPayload = 2
)

// ClientHello carries the client's ephemeral public key.
type ClientHello struct {
	Ephemeral []byte
}

// ServerHello carries the server's ephemeral public key plus the
// encrypted static key and certificate payload. Static and
// ExtendedStatic are mutually exclusive on the wire; ExtendedStatic is
// used by servers offering extended certificate chains.
type ServerHello struct {
	Ephemeral      []byte
	Static         []byte
	ExtendedStatic []byte
	Payload        []byte
}

// ClientFinish carries the client's encrypted static key and the
// encrypted login payload (ClientPayload).
type ClientFinish struct {
	Static  []byte
	Payload []byte
}

// EncodeClientHello wraps a ClientHello into a HandshakeMessage.
func EncodeClientHello(ephemeral []byte) []byte {
	inner := appendBytesField(nil, fieldClientHelloEphemeral, ephemeral)
	return appendBytesField(nil, fieldHandshakeClientHello, inner)
}

// EncodeClientFinish wraps a ClientFinish into a HandshakeMessage.
func EncodeClientFinish(static, payload []byte) []byte {
	var inner []byte
	inner = appendBytesField(inner, fieldClientFinishStatic, static)
	if len(payload) > 0 {
		inner = appendBytesField(inner, fieldClientFinishPayload, payload)
	}
	return appendBytesField(nil, fieldHandshakeClientFinish, inner)
}

// DecodeServerHello extracts a ServerHello from a raw HandshakeMessage. If
// the HandshakeMessage wrapper is absent, data is parsed as a bare
// ServerHello.
func DecodeServerHello(data []byte) (*ServerHello, error) {
	outer, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}

	innerBytes := outer.bytesField(fieldHandshakeServerHello)
	if innerBytes == nil {
		innerBytes = data
	}

	inner, err := decodeRaw(innerBytes)
	if err != nil {
		return nil, err
	}

	return &ServerHello{
		Ephemeral:      inner.bytesField(fieldServerHelloEphemeral),
		Static:         inner.bytesField(fieldServerHelloStatic),
		ExtendedStatic: inner.bytesField(fieldServerHelloExtendedStatic),
		Payload:        inner.bytesField(fieldServerHelloPayload),
	}, nil
}
