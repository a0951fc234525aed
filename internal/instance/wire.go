package instance

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"

	"github.com/chatwarp/waconnect-go/internal/handshake"
	"github.com/chatwarp/waconnect-go/internal/transport"
)

// backoffTable is the capped exponential reconnect schedule named in
// spec.md §4.7.
var backoffTable = [...]int{1, 2, 4, 8, 16, 30}

// backoffSeconds returns the reconnect delay for the given (zero-based)
// attempt count, clamped to the last table entry.
func backoffSeconds(attempt int) int {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(backoffTable) {
		attempt = len(backoffTable) - 1
	}
	return backoffTable[attempt]
}

// buildQRPayload renders the QR code data for reference ref, per
// spec.md §4.5: "R,base64(noise_public),base64(identity.public),adv_secret_key".
func buildQRPayload(ref string, noisePublic, identityPublic [32]byte, advSecretKey string) string {
	noise := base64.StdEncoding.EncodeToString(noisePublic[:])
	identity := base64.StdEncoding.EncodeToString(identityPublic[:])
	return fmt.Sprintf("%s,%s,%s,%s", ref, noise, identity, advSecretKey)
}

// buildWSURL appends an ED=base64url(routingInfo) query parameter to
// base when routingInfo is known, per spec.md §6.
func buildWSURL(base string, routingInfo []byte) string {
	if len(routingInfo) == 0 {
		return base
	}

	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("ED", base64.RawURLEncoding.EncodeToString(routingInfo))
	u.RawQuery = q.Encode()
	return u.String()
}

// shouldRetryWithFreshVersion applies spec.md §4.7's retry
// classification: the failure must carry close code 1011 and occur
// during HttpUpgrade, ClientHello, or ServerHello.
func shouldRetryWithFreshVersion(err error) bool {
	var phaseErr *handshake.PhaseError
	if !errors.As(err, &phaseErr) {
		return false
	}
	switch phaseErr.Phase {
	case handshake.PhaseHTTPUpgrade, handshake.PhaseClientHello, handshake.PhaseServerHello:
	default:
		return false
	}

	var closedErr *transport.ClosedWithCodeError
	if !errors.As(err, &closedErr) {
		return false
	}
	return closedErr.Code == 1011
}
