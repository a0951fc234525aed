package waproto

// CertChain, NoiseCertificate, and NoiseCertificateDetails mirror the
// proto shapes referenced in original_source/src/wa/noise_md.rs
// (cert_chain::{NoiseCertificate, noise_certificate::Details}).

const (
	fieldCertChainLeaf         = 1
	fieldCertChainIntermediate = 2

	fieldNoiseCertDetails   = 1
	fieldNoiseCertSignature = 2

	fieldCertDetailsSerial       = 1
	fieldCertDetailsIssuerSerial = 2
	fieldCertDetailsKey          = 3
)

// NoiseCertificate is a signed certificate: a details blob plus a
// signature over it.
type NoiseCertificate struct {
	Details   []byte
	Signature []byte
}

// CertDetails is the decoded content of a NoiseCertificate's Details
// field.
type CertDetails struct {
	Serial       uint32
	IssuerSerial uint32
	Key          []byte
}

// CertChain is the two-tier certificate chain decrypted from
// ServerHello.Payload.
type CertChain struct {
	Leaf         *NoiseCertificate
	Intermediate *NoiseCertificate
}

func encodeNoiseCertificate(cert *NoiseCertificate) []byte {
	var out []byte
	out = appendBytesField(out, fieldNoiseCertDetails, cert.Details)
	out = appendBytesField(out, fieldNoiseCertSignature, cert.Signature)
	return out
}

func decodeNoiseCertificate(data []byte) (*NoiseCertificate, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}
	return &NoiseCertificate{
		Details:   raw.bytesField(fieldNoiseCertDetails),
		Signature: raw.bytesField(fieldNoiseCertSignature),
	}, nil
}

// EncodeCertChain serializes a CertChain.
func EncodeCertChain(chain *CertChain) []byte {
	var out []byte
	if chain.Leaf != nil {
		out = appendBytesField(out, fieldCertChainLeaf, encodeNoiseCertificate(chain.Leaf))
	}
	if chain.Intermediate != nil {
		out = appendBytesField(out, fieldCertChainIntermediate, encodeNoiseCertificate(chain.Intermediate))
	}
	return out
}

// DecodeCertChain parses a CertChain.
func DecodeCertChain(data []byte) (*CertChain, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}

	chain := &CertChain{}
	if b := raw.bytesField(fieldCertChainLeaf); b != nil {
		cert, err := decodeNoiseCertificate(b)
		if err != nil {
			return nil, err
		}
		chain.Leaf = cert
	}
	if b := raw.bytesField(fieldCertChainIntermediate); b != nil {
		cert, err := decodeNoiseCertificate(b)
		if err != nil {
			return nil, err
		}
		chain.Intermediate = cert
	}
	return chain, nil
}

// EncodeCertDetails serializes CertDetails.
func EncodeCertDetails(details *CertDetails) []byte {
	var out []byte
	out = appendVarintField(out, fieldCertDetailsSerial, uint64(details.Serial))
	out = appendVarintField(out, fieldCertDetailsIssuerSerial, uint64(details.IssuerSerial))
	out = appendBytesField(out, fieldCertDetailsKey, details.Key)
	return out
}

// DecodeCertDetails parses CertDetails.
func DecodeCertDetails(data []byte) (*CertDetails, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}

	serial, _ := raw.varintField(fieldCertDetailsSerial)
	issuerSerial, _ := raw.varintField(fieldCertDetailsIssuerSerial)

	return &CertDetails{
		Serial:       uint32(serial),
		IssuerSerial: uint32(issuerSerial),
		Key:          raw.bytesField(fieldCertDetailsKey),
	}, nil
}
