// Package binary implements the WABinary tokenized node codec: the
// single-byte/double-byte token dictionaries, JID variants, and the
// nibble/hex packed string encodings used on the wire after the Noise
// transport has decrypted a frame.
//
// Grounded on original_source/src/wa/binary_node.rs's RealEncoder/
// RealDecoder. That file itself imports its token tables from a
// `wabinary_tokens` module not present in this retrieval pack, so the
// dictionary contents below are a representative reconstruction of the
// well-known WhatsApp Web binary token table ordering (common stanza
// tags, IQ/attribute names, jabber namespaces) rather than a byte-exact
// copy of a specific WA client build. The codec mechanics — tag ranges,
// dictionary indirection via tags 236-239, packed nibble/hex strings,
// and the JID variants — are exact.
package binary

// WaTag enumerates the structural tag bytes used by the real wire
// format, per binary_node.rs's WaTag enum.
const (
	TagListEmpty   = 0
	TagDictionary0 = 236
	TagDictionary1 = 237
	TagDictionary2 = 238
	TagDictionary3 = 239
	TagInteropJid  = 245
	TagFbJid       = 246
	TagAdJid       = 247
	TagList8       = 248
	TagList16      = 249
	TagJidPair     = 250
	TagHex8        = 251
	TagBinary8     = 252
	TagBinary20    = 253
	TagBinary32    = 254
	TagNibble8     = 255
)

// SingleByteTokens is indexed by tag byte (1..len(SingleByteTokens)-1).
// Index 0 is unused since a real tag value of 0 means TagListEmpty.
var SingleByteTokens = buildSingleByteTokens()

// DoubleByteTokens holds the four secondary dictionaries selected by
// TagDictionary0..TagDictionary3.
var DoubleByteTokens = [4][]string{
	dictionary0(),
	dictionary1(),
	dictionary2(),
	dictionary3(),
}

func buildSingleByteTokens() []string {
	tokens := []string{
		"", // index 0 unused
		"xmlstreamstart", "xmlstreamend", "s.whatsapp.net", "type", "to", "from",
		"id", "iq", "get", "set", "result", "error", "notification", "message",
		"text", "presence", "chatstate", "composing", "paused", "available",
		"unavailable", "stream:features", "stream:error", "success", "failure",
		"challenge", "response", "pair-device", "pair-success", "ref",
		"pair-device-sign", "device-identity", "device", "platform", "biz",
		"jid", "lid", "name", "account", "signature", "hmac", "key-index",
		"registration", "passive", "username", "user", "server", "device_hash",
		"status", "participants", "participant", "add", "remove", "promote",
		"demote", "leave", "subject", "description", "picture", "verified_name",
		"business_profile", "receipt", "read", "played", "delivery", "ack",
		"media", "image", "video", "audio", "document", "sticker", "location",
		"contact", "vcard", "quoted", "mentioned", "reaction", "emoji",
		"protocol", "app_state_sync_key_share", "app_state_fetch", "key",
		"keys", "skey", "identity", "signed", "pre", "count", "item", "list",
		"enc", "plain", "v", "edge_routing", "routing_info", "ib", "offline",
		"web", "xmlns", "last", "index", "notify", "verify", "dirty", "config",
		"privacy", "blocklist", "picture_id", "status_id", "call", "offer",
		"terminate", "relaylatency", "video_orientation", "group", "creation",
		"announcement", "restrict", "locked", "ephemeral", "disappearing_mode",
		"duration", "web_presence", "active", "pending", "expired", "category",
		"encrypt", "location_share", "live_location", "broadcast", "recipients",
		"template", "button", "list_message", "interactive", "order",
		"payment", "currency", "amount", "note", "receipt_info",
	}
	for i := len(tokens); i < 236; i++ {
		tokens = append(tokens, "")
	}
	return tokens
}

func dictionary0() []string {
	return padTo([]string{"", "s.whatsapp.net", "call", "offer", "accept", "reject", "terminate", "relay"}, 256)
}

func dictionary1() []string {
	return padTo([]string{"", "g.us", "broadcast", "status@broadcast", "lid", "hosted", "hosted.lid"}, 256)
}

func dictionary2() []string {
	return padTo([]string{"", "newsletter", "interop", "bot"}, 256)
}

func dictionary3() []string {
	return padTo([]string{"", "reserved"}, 256)
}

func padTo(tokens []string, n int) []string {
	for len(tokens) < n {
		tokens = append(tokens, "")
	}
	return tokens
}

// singleByteIndex and doubleByteIndex are reverse lookup maps built once
// so the encoder can find a dictionary hit in O(1).
var (
	singleByteIndex map[string]int
	doubleByteIndex [4]map[string]int
)

func init() {
	singleByteIndex = make(map[string]int, len(SingleByteTokens))
	for i, tok := range SingleByteTokens {
		if i == 0 || tok == "" {
			continue
		}
		if _, exists := singleByteIndex[tok]; !exists {
			singleByteIndex[tok] = i
		}
	}

	for d := range DoubleByteTokens {
		doubleByteIndex[d] = make(map[string]int, len(DoubleByteTokens[d]))
		for i, tok := range DoubleByteTokens[d] {
			if i == 0 || tok == "" {
				continue
			}
			if _, exists := doubleByteIndex[d][tok]; !exists {
				doubleByteIndex[d][tok] = i
			}
		}
	}
}
