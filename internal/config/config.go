// Package config loads runtime configuration from the environment (and
// an optional .env file), the out-of-scope "env-var configuration
// loading" collaborator named in spec.md §6.
package config

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full set of environment-driven knobs this service reads.
type Config struct {
	ListenAddr     string
	APIKey         string
	WAWebSocketURL string
	AuthBackend    string // memory|postgres|redis
	PostgresDSN    string
	RedisAddr      string

	LoginTimeout        time.Duration
	ReconnectMaxBackoff time.Duration
	VersionCacheTTL     time.Duration

	QRCodeLimit int

	// CertIssuerKeys overrides the Noise cert-chain's default trusted
	// issuer keys when WA_NOISE_CERT_ISSUER_KEYS (comma-separated
	// 32-byte hex strings) is set.
	CertIssuerKeys [][]byte

	// ProtocolMode is the operational auto|realmd|synthetic toggle of
	// spec.md §6; only "auto"/"realmd" are meaningful here, "synthetic"
	// selects a test-only path this module does not implement.
	ProtocolMode string
}

// Load reads a .env file if present (ignored if missing) and then
// populates Config from the environment, applying the defaults named in
// spec.md §6 and original_source/src/instance/mod.rs/version.rs.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":3200"),
		APIKey:         os.Getenv("API_KEY"),
		WAWebSocketURL: getEnv("WA_WEBSOCKET_URL", "wss://web.whatsapp.com/ws/chat"),
		AuthBackend:    getEnv("AUTH_BACKEND", "memory"),
		PostgresDSN:    os.Getenv("POSTGRES_DSN"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),

		LoginTimeout:        time.Duration(getEnvInt("LOGIN_TIMEOUT_SECONDS", 60)) * time.Second,
		ReconnectMaxBackoff: time.Duration(getEnvInt("RECONNECT_MAX_BACKOFF_SECONDS", 30)) * time.Second,
		VersionCacheTTL:     time.Duration(getEnvInt("VERSION_CACHE_TTL_HOURS", 6)) * time.Hour,

		QRCodeLimit: getEnvInt("QRCODE_LIMIT", 30),

		CertIssuerKeys: parseCertIssuerKeys(os.Getenv("WA_NOISE_CERT_ISSUER_KEYS")),
		ProtocolMode:   getEnv("WA_PROTOCOL_MODE", "auto"),
	}
}

// parseCertIssuerKeys decodes a comma-separated list of 32-byte hex
// keys, silently skipping any entry that doesn't decode to exactly 32
// bytes so a malformed entry can't make the whole list disappear.
func parseCertIssuerKeys(raw string) [][]byte {
	if raw == "" {
		return nil
	}

	var keys [][]byte
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, err := hex.DecodeString(part)
		if err != nil || len(key) != 32 {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
