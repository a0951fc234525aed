// Package waversion discovers and caches the WA Web client version
// string used in ClientPayload.user_agent.app_version, grounded on
// original_source/src/wa/version.rs's WaVersionManager.
package waversion

import (
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Version is the {major, minor, patch} triple WA Web advertises.
type Version struct {
	Major, Minor, Patch int
}

// Fallback is the hardcoded version used when discovery fails entirely,
// a snapshot aligned with the bundled reference client.
func Fallback() Version {
	return Version{Major: 2, Minor: 3000, Patch: 1033846690}
}

const defaultCacheTTL = 6 * time.Hour

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

var (
	clientRevisionRe = regexp.MustCompile(`client_revision\\?"?\s*:\s*(\d+)`)
	semverRe         = regexp.MustCompile(`\b(\d+)\.(\d+)\.(\d{6,})\b`)
)

type cached struct {
	version Version
	at      time.Time
}

// Manager fetches and caches the WA Web version, falling back to sw.js
// and finally to a hardcoded constant when both lookups fail.
type Manager struct {
	client   *http.Client
	cacheTTL time.Duration

	mu     sync.Mutex
	cached *cached
}

// NewManager builds a Manager with the given cache TTL (see
// config.VersionCacheTTL).
func NewManager(cacheTTL time.Duration) *Manager {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Manager{
		client:   &http.Client{Timeout: 10 * time.Second},
		cacheTTL: cacheTTL,
	}
}

// GetVersion returns the cached version if still fresh, otherwise
// fetches a new one, falling back to Fallback() on any error.
func (m *Manager) GetVersion(ctx context.Context) Version {
	m.mu.Lock()
	if m.cached != nil && time.Since(m.cached.at) < m.cacheTTL {
		v := m.cached.version
		m.mu.Unlock()
		return v
	}
	m.mu.Unlock()

	resolved, err := m.fetchLatest(ctx)
	if err != nil {
		resolved = Fallback()
	}

	m.mu.Lock()
	m.cached = &cached{version: resolved, at: time.Now()}
	m.mu.Unlock()

	return resolved
}

// Invalidate drops the cached version, forcing the next GetVersion call
// to re-fetch.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

func (m *Manager) fetchLatest(ctx context.Context) (Version, error) {
	html, err := m.get(ctx, "https://web.whatsapp.com")
	if err != nil {
		return Version{}, err
	}
	if v, ok := ExtractFromHTML(html); ok {
		return v, nil
	}

	swJS, err := m.get(ctx, "https://web.whatsapp.com/sw.js")
	if err != nil {
		return Version{}, err
	}
	if v, ok := ExtractFromSWJS(swJS); ok {
		return v, nil
	}

	return Version{}, errNoRevisionFound
}

func (m *Manager) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("sec-fetch-site", "none")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

var errNoRevisionFound = errors.New("waversion: client_revision not found")

// ExtractFromHTML parses a client_revision patch number out of the WA
// Web landing page, falling back to a bare x.y.z version string.
func ExtractFromHTML(html string) (Version, bool) {
	if m := clientRevisionRe.FindStringSubmatch(html); m != nil {
		patch, err := strconv.Atoi(m[1])
		if err == nil {
			return Version{Major: 2, Minor: 3000, Patch: patch}, true
		}
	}

	if m := semverRe.FindStringSubmatch(html); m != nil {
		major, errMajor := strconv.Atoi(m[1])
		minor, errMinor := strconv.Atoi(m[2])
		patch, errPatch := strconv.Atoi(m[3])
		if errMajor == nil && errMinor == nil && errPatch == nil {
			return Version{Major: major, Minor: minor, Patch: patch}, true
		}
	}

	return Version{}, false
}

// ExtractFromSWJS parses a client_revision patch number out of the WA
// Web service worker bundle.
func ExtractFromSWJS(swJS string) (Version, bool) {
	m := clientRevisionRe.FindStringSubmatch(swJS)
	if m == nil {
		return Version{}, false
	}
	patch, err := strconv.Atoi(m[1])
	if err != nil {
		return Version{}, false
	}
	return Version{Major: 2, Minor: 3000, Patch: patch}, true
}
