package waversion

import (
	"context"
	"testing"
	"time"
)

func TestExtractFromHTMLClientRevision(t *testing.T) {
	html := `<html><body>{\"client_revision\":1033846690}</body></html>`
	v, ok := ExtractFromHTML(html)
	if !ok {
		t.Fatal("expected a version to be extracted")
	}
	if v != (Version{Major: 2, Minor: 3000, Patch: 1033846690}) {
		t.Fatalf("unexpected version: %+v", v)
	}
}

func TestExtractFromHTMLSemverFallback(t *testing.T) {
	html := `<script>window.__WA_VERSION__='2.3000.1031111111';</script>`
	v, ok := ExtractFromHTML(html)
	if !ok {
		t.Fatal("expected a version to be extracted")
	}
	if v != (Version{Major: 2, Minor: 3000, Patch: 1031111111}) {
		t.Fatalf("unexpected version: %+v", v)
	}
}

func TestExtractFromHTMLNoMatch(t *testing.T) {
	if _, ok := ExtractFromHTML("<html>nothing here</html>"); ok {
		t.Fatal("expected no version to be extracted")
	}
}

func TestExtractFromSWJS(t *testing.T) {
	swJS := `self.__WB_MANIFEST=[];var a={\"client_revision\":1032222222};`
	v, ok := ExtractFromSWJS(swJS)
	if !ok {
		t.Fatal("expected a version to be extracted")
	}
	if v != (Version{Major: 2, Minor: 3000, Patch: 1032222222}) {
		t.Fatalf("unexpected version: %+v", v)
	}
}

func TestManagerCachesVersion(t *testing.T) {
	m := NewManager(0)
	m.cached = &cached{version: Version{Major: 2, Minor: 3000, Patch: 42}, at: time.Now()}
	v := m.GetVersion(context.Background())
	if v.Patch != 42 {
		t.Fatalf("expected cached version to be returned without a fetch, got %+v", v)
	}
}

func TestManagerInvalidateClearsCache(t *testing.T) {
	m := NewManager(0)
	m.cached = &cached{version: Version{Major: 2, Minor: 3000, Patch: 42}}
	m.Invalidate()
	if m.cached != nil {
		t.Fatal("expected Invalidate to clear the cache")
	}
}
