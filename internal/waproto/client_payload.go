package waproto

// ClientPayload is the encrypted login payload sent as ClientFinish.Payload,
// per spec.md §4.5.2: a protobuf carrying user_agent, web_info,
// push_name, connect_type/connect_reason, and either pairing data (no
// persisted `me`) or a resume identity (`me` known).

// ConnectType/ConnectReason enumerate the same values WhatsApp Web
// clients use to describe why the socket connected.
const (
	ConnectTypeWifiUnknown int32 = 0
	ConnectReasonUserActivated int32 = 0
)

const (
	fieldPayloadUsername           = 1
	fieldPayloadPassive             = 2
	fieldPayloadUserAgent           = 3
	fieldPayloadWebInfo             = 4
	fieldPayloadPushName            = 5
	fieldPayloadDevicePairingData   = 6
	fieldPayloadPull                = 7
	fieldPayloadDevice              = 8
	fieldPayloadConnectType         = 9
	fieldPayloadConnectReason       = 10

	fieldUserAgentPlatform       = 1
	fieldUserAgentAppVersion     = 2
	fieldUserAgentOSVersion      = 3
	fieldUserAgentManufacturer   = 4
	fieldUserAgentDevice         = 5
	fieldUserAgentLocaleLanguage = 6
	fieldUserAgentLocaleCountry  = 7

	fieldWebInfoSubPlatform = 1

	fieldPairingERegID       = 1
	fieldPairingEKeyType     = 2
	fieldPairingEIdent       = 3
	fieldPairingESKeyID      = 4
	fieldPairingESKeyVal     = 5
	fieldPairingESKeySig     = 6
	fieldPairingBuildHash    = 7
	fieldPairingDeviceProps  = 8
)

// UserAgent describes the Web platform, locale, OS/browser/device.
type UserAgent struct {
	Platform       int32
	AppVersion     string
	OSVersion      string
	Manufacturer   string
	Device         string
	LocaleLanguage string
	LocaleCountry  string
}

// WebInfo carries the web sub-platform identifier.
type WebInfo struct {
	WebSubPlatform int32
}

// DevicePairingData is sent when no `me` identity is persisted yet: it
// advertises the identity and signed pre-key the server should register
// for this device.
type DevicePairingData struct {
	ERegID      [4]byte
	EKeyType    byte
	EIdent      []byte
	ESKeyID     [3]byte
	ESKeyVal    []byte
	ESKeySig    []byte
	BuildHash   []byte
	DeviceProps []byte
}

// ClientPayload is the full login payload.
type ClientPayload struct {
	UserAgent     UserAgent
	WebInfo       WebInfo
	PushName      string
	ConnectType   int32
	ConnectReason int32

	// Pairing form (me == nil).
	DevicePairingData *DevicePairingData

	// Resume form (me known).
	Username uint64
	Device   uint32
	Passive  bool
	Pull     bool
}

func encodeUserAgent(ua UserAgent) []byte {
	var out []byte
	out = appendVarintField(out, fieldUserAgentPlatform, uint64(uint32(ua.Platform)))
	out = appendBytesField(out, fieldUserAgentAppVersion, []byte(ua.AppVersion))
	out = appendBytesField(out, fieldUserAgentOSVersion, []byte(ua.OSVersion))
	out = appendBytesField(out, fieldUserAgentManufacturer, []byte(ua.Manufacturer))
	out = appendBytesField(out, fieldUserAgentDevice, []byte(ua.Device))
	out = appendBytesField(out, fieldUserAgentLocaleLanguage, []byte(ua.LocaleLanguage))
	out = appendBytesField(out, fieldUserAgentLocaleCountry, []byte(ua.LocaleCountry))
	return out
}

func encodeWebInfo(wi WebInfo) []byte {
	return appendVarintField(nil, fieldWebInfoSubPlatform, uint64(uint32(wi.WebSubPlatform)))
}

func encodeDevicePairingData(d *DevicePairingData) []byte {
	var out []byte
	out = appendBytesField(out, fieldPairingERegID, d.ERegID[:])
	out = appendBytesField(out, fieldPairingEKeyType, []byte{d.EKeyType})
	out = appendBytesField(out, fieldPairingEIdent, d.EIdent)
	out = appendBytesField(out, fieldPairingESKeyID, d.ESKeyID[:])
	out = appendBytesField(out, fieldPairingESKeyVal, d.ESKeyVal)
	out = appendBytesField(out, fieldPairingESKeySig, d.ESKeySig)
	out = appendBytesField(out, fieldPairingBuildHash, d.BuildHash)
	out = appendBytesField(out, fieldPairingDeviceProps, d.DeviceProps)
	return out
}

// EncodeClientPayload serializes a ClientPayload.
func EncodeClientPayload(payload *ClientPayload) []byte {
	var out []byte
	out = appendBytesField(out, fieldPayloadUserAgent, encodeUserAgent(payload.UserAgent))
	out = appendBytesField(out, fieldPayloadWebInfo, encodeWebInfo(payload.WebInfo))
	if payload.PushName != "" {
		out = appendBytesField(out, fieldPayloadPushName, []byte(payload.PushName))
	}
	out = appendVarintField(out, fieldPayloadConnectType, uint64(uint32(payload.ConnectType)))
	out = appendVarintField(out, fieldPayloadConnectReason, uint64(uint32(payload.ConnectReason)))

	if payload.DevicePairingData != nil {
		out = appendBytesField(out, fieldPayloadDevicePairingData, encodeDevicePairingData(payload.DevicePairingData))
		return out
	}

	out = appendVarintField(out, fieldPayloadUsername, payload.Username)
	out = appendVarintField(out, fieldPayloadDevice, uint64(payload.Device))
	out = appendBoolField(out, fieldPayloadPassive, payload.Passive)
	out = appendBoolField(out, fieldPayloadPull, payload.Pull)
	return out
}

// DecodeClientPayload parses a ClientPayload (mainly used by tests to
// round-trip what the driver builds).
func DecodeClientPayload(data []byte) (*ClientPayload, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}

	payload := &ClientPayload{}

	if b := raw.bytesField(fieldPayloadUserAgent); b != nil {
		uaRaw, err := decodeRaw(b)
		if err != nil {
			return nil, err
		}
		platform, _ := uaRaw.varintField(fieldUserAgentPlatform)
		payload.UserAgent = UserAgent{
			Platform:       int32(platform),
			AppVersion:     string(uaRaw.bytesField(fieldUserAgentAppVersion)),
			OSVersion:      string(uaRaw.bytesField(fieldUserAgentOSVersion)),
			Manufacturer:   string(uaRaw.bytesField(fieldUserAgentManufacturer)),
			Device:         string(uaRaw.bytesField(fieldUserAgentDevice)),
			LocaleLanguage: string(uaRaw.bytesField(fieldUserAgentLocaleLanguage)),
			LocaleCountry:  string(uaRaw.bytesField(fieldUserAgentLocaleCountry)),
		}
	}

	if b := raw.bytesField(fieldPayloadWebInfo); b != nil {
		wiRaw, err := decodeRaw(b)
		if err != nil {
			return nil, err
		}
		sub, _ := wiRaw.varintField(fieldWebInfoSubPlatform)
		payload.WebInfo = WebInfo{WebSubPlatform: int32(sub)}
	}

	payload.PushName = string(raw.bytesField(fieldPayloadPushName))

	if v, ok := raw.varintField(fieldPayloadConnectType); ok {
		payload.ConnectType = int32(v)
	}
	if v, ok := raw.varintField(fieldPayloadConnectReason); ok {
		payload.ConnectReason = int32(v)
	}

	if b := raw.bytesField(fieldPayloadDevicePairingData); b != nil {
		pRaw, err := decodeRaw(b)
		if err != nil {
			return nil, err
		}
		d := &DevicePairingData{
			EIdent:      pRaw.bytesField(fieldPairingEIdent),
			ESKeyVal:    pRaw.bytesField(fieldPairingESKeyVal),
			ESKeySig:    pRaw.bytesField(fieldPairingESKeySig),
			BuildHash:   pRaw.bytesField(fieldPairingBuildHash),
			DeviceProps: pRaw.bytesField(fieldPairingDeviceProps),
		}
		copy(d.ERegID[:], pRaw.bytesField(fieldPairingERegID))
		if kt := pRaw.bytesField(fieldPairingEKeyType); len(kt) == 1 {
			d.EKeyType = kt[0]
		}
		copy(d.ESKeyID[:], pRaw.bytesField(fieldPairingESKeyID))
		payload.DevicePairingData = d
		return payload, nil
	}

	username, _ := raw.varintField(fieldPayloadUsername)
	device, _ := raw.varintField(fieldPayloadDevice)
	_, passive := raw.varintField(fieldPayloadPassive)
	_, pull := raw.varintField(fieldPayloadPull)
	payload.Username = username
	payload.Device = uint32(device)
	payload.Passive = passive
	payload.Pull = pull

	return payload, nil
}
