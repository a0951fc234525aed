package binary

import (
	"fmt"
	"strconv"
	"strings"
)

// JID is a parsed WhatsApp identifier: user[:device]@server, optionally
// carrying an agent byte for the AdJid wire variant. Grounded on the
// jid_decode/jid_encode helpers described in binary_node.rs.
type JID struct {
	User   string
	Agent  uint8
	Device uint16
	Server string
}

// domain type bytes used by the AdJid wire variant, per binary_node.rs:
// lid=1, hosted=128, hosted.lid=129, else (s.whatsapp.net) = 0.
const (
	domainTypeDefault   = 0
	domainTypeLID       = 1
	domainTypeHosted     = 128
	domainTypeHostedLID = 129
)

func domainTypeForServer(server string) byte {
	switch server {
	case "lid":
		return domainTypeLID
	case "hosted":
		return domainTypeHosted
	case "hosted.lid":
		return domainTypeHostedLID
	default:
		return domainTypeDefault
	}
}

func serverForDomainType(dt byte) string {
	switch dt {
	case domainTypeLID:
		return "lid"
	case domainTypeHosted:
		return "hosted"
	case domainTypeHostedLID:
		return "hosted.lid"
	default:
		return "s.whatsapp.net"
	}
}

// String renders the JID back to its textual form.
func (j JID) String() string {
	user := j.User
	if j.Agent != 0 {
		user = fmt.Sprintf("%s_%d", user, j.Agent)
	}
	if j.Device != 0 {
		user = fmt.Sprintf("%s:%d", user, j.Device)
	}
	if user == "" {
		return "@" + j.Server
	}
	return user + "@" + j.Server
}

// jidDecode parses "user[_agent][:device]@server" into a JID. Returns
// ok=false if s does not look like a JID at all.
func jidDecode(s string) (JID, bool) {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return JID{}, false
	}
	user := s[:at]
	server := s[at+1:]
	if server == "" {
		return JID{}, false
	}

	var device uint16
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		d, err := strconv.ParseUint(user[colon+1:], 10, 16)
		if err != nil {
			return JID{}, false
		}
		device = uint16(d)
		user = user[:colon]
	}

	var agent uint8
	if underscore := strings.LastIndexByte(user, '_'); underscore >= 0 {
		a, err := strconv.ParseUint(user[underscore+1:], 10, 8)
		if err == nil {
			agent = uint8(a)
			user = user[:underscore]
		}
	}

	return JID{User: user, Agent: agent, Device: device, Server: server}, true
}
