package waproto

// AdvSignedDeviceIdentityHMAC and AdvSignedDeviceIdentity/AdvDeviceIdentity
// are the nested ADV ("Account Device Verification") messages carried in
// a pair-success stanza's device-identity content. Grounded on the
// ADVSignedDeviceIdentityHMAC/ADVSignedDeviceIdentity/ADVDeviceIdentity
// shapes referenced by other_examples' whatsmeow pair.go.

const (
	fieldHMACDetails = 1
	fieldHMACValue   = 2
	fieldHMACAccount = 3 // account_type, int32 enum; 1 == HOSTED

	fieldSignedIdentityDetails       = 1
	fieldSignedIdentityAccountSigKey = 2
	fieldSignedIdentityAccountSig    = 3
	fieldSignedIdentityDeviceSig     = 4

	fieldDeviceIdentityKeyIndex = 2
)

// AdvAccountTypeHosted marks a Hosted-account device identity, which
// selects the {6,5}/{6,6} domain-separation prefixes instead of the
// default {6,0}/{6,1} ones.
const AdvAccountTypeHosted = 1

// AdvSignedDeviceIdentityHMAC is the outer envelope verified with
// adv_secret_key before the nested signed identity is even parsed.
type AdvSignedDeviceIdentityHMAC struct {
	Details     []byte
	HMAC        []byte
	AccountType int32
	HasAccount  bool
}

// EncodeAdvSignedDeviceIdentityHMAC serializes the outer HMAC envelope.
func EncodeAdvSignedDeviceIdentityHMAC(envelope *AdvSignedDeviceIdentityHMAC) []byte {
	var out []byte
	out = appendBytesField(out, fieldHMACDetails, envelope.Details)
	out = appendBytesField(out, fieldHMACValue, envelope.HMAC)
	if envelope.HasAccount {
		out = appendVarintField(out, fieldHMACAccount, uint64(envelope.AccountType))
	}
	return out
}

// DecodeAdvSignedDeviceIdentityHMAC parses the outer HMAC envelope.
func DecodeAdvSignedDeviceIdentityHMAC(data []byte) (*AdvSignedDeviceIdentityHMAC, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}
	out := &AdvSignedDeviceIdentityHMAC{
		Details: raw.bytesField(fieldHMACDetails),
		HMAC:    raw.bytesField(fieldHMACValue),
	}
	if v, ok := raw.varintField(fieldHMACAccount); ok {
		out.AccountType = int32(v)
		out.HasAccount = true
	}
	return out, nil
}

// AdvSignedDeviceIdentity is the HMAC-protected payload: the device
// identity details, the account's signature over them (and the key that
// produced it), and the device signature this module generates in turn.
type AdvSignedDeviceIdentity struct {
	Details             []byte
	AccountSignatureKey []byte
	AccountSignature    []byte
	DeviceSignature     []byte
}

// DecodeAdvSignedDeviceIdentity parses the signed identity envelope.
func DecodeAdvSignedDeviceIdentity(data []byte) (*AdvSignedDeviceIdentity, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}
	return &AdvSignedDeviceIdentity{
		Details:             raw.bytesField(fieldSignedIdentityDetails),
		AccountSignatureKey: raw.bytesField(fieldSignedIdentityAccountSigKey),
		AccountSignature:    raw.bytesField(fieldSignedIdentityAccountSig),
		DeviceSignature:     raw.bytesField(fieldSignedIdentityDeviceSig),
	}, nil
}

// EncodeAdvSignedDeviceIdentity re-serializes the signed identity, used
// to build the self-signed reply after the device signature has been
// attached and the account signature key stripped.
func EncodeAdvSignedDeviceIdentity(identity *AdvSignedDeviceIdentity) []byte {
	var out []byte
	out = appendBytesField(out, fieldSignedIdentityDetails, identity.Details)
	if len(identity.AccountSignatureKey) > 0 {
		out = appendBytesField(out, fieldSignedIdentityAccountSigKey, identity.AccountSignatureKey)
	}
	if len(identity.AccountSignature) > 0 {
		out = appendBytesField(out, fieldSignedIdentityAccountSig, identity.AccountSignature)
	}
	if len(identity.DeviceSignature) > 0 {
		out = appendBytesField(out, fieldSignedIdentityDeviceSig, identity.DeviceSignature)
	}
	return out
}

// AdvDeviceIdentity is the innermost device identity details blob
// embedded in AdvSignedDeviceIdentity.Details.
type AdvDeviceIdentity struct {
	KeyIndex int32
}

// EncodeAdvDeviceIdentity serializes the innermost details blob.
func EncodeAdvDeviceIdentity(identity *AdvDeviceIdentity) []byte {
	var out []byte
	out = appendVarintField(out, fieldDeviceIdentityKeyIndex, uint64(identity.KeyIndex))
	return out
}

// DecodeAdvDeviceIdentity parses the innermost details blob, used only
// to recover the key_index the reply stanza must echo.
func DecodeAdvDeviceIdentity(data []byte) (*AdvDeviceIdentity, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}
	keyIndex, _ := raw.varintField(fieldDeviceIdentityKeyIndex)
	return &AdvDeviceIdentity{KeyIndex: int32(keyIndex)}, nil
}
