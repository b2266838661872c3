package webcache

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	c, err := Open(dbPath, ttl)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFetchCacheSetGet(t *testing.T) {
	c := openTestCache(t, 24*time.Hour)

	if _, ok := c.GetFetch("https://example.com"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.SetFetch("https://example.com", "page content")

	got, ok := c.GetFetch("https://example.com")
	if !ok {
		t.Fatal("expected hit")
	}
	if got != "page content" {
		t.Errorf("got %q, want %q", got, "page content")
	}
}

func TestFetchCacheExpiry(t *testing.T) {
	c := openTestCache(t, time.Second)
	c.SetFetch("https://example.com", "content")

	if _, err := c.db.Exec("UPDATE fetch_cache SET created = ? WHERE url = ?",
		time.Now().Add(-2*time.Second).Unix(), "https://example.com"); err != nil {
		t.Fatalf("backdate entry: %v", err)
	}

	if _, ok := c.GetFetch("https://example.com"); ok {
		t.Fatal("expected stale miss")
	}
}

func TestSearchCacheIsCaseAndWhitespaceNormalized(t *testing.T) {
	c := openTestCache(t, 24*time.Hour)
	c.SetSearch("  Go Concurrency Patterns  ", "result text")

	got, ok := c.GetSearch("go concurrency patterns")
	if !ok {
		t.Fatal("expected hit on a normalized query")
	}
	if got != "result text" {
		t.Errorf("got %q, want %q", got, "result text")
	}
}

func TestSearchCachedContentRequiresStrongOverlap(t *testing.T) {
	c := openTestCache(t, 24*time.Hour)
	c.SetSearch("unrelated query", "Kubernetes pods schedule onto nodes via the kube-scheduler component.")

	// Two keywords only, below the 3-hit threshold — must miss even though
	// both appear in the cached result.
	if _, ok := c.SearchCachedContent("kubernetes scheduler"); ok {
		t.Fatal("expected miss: too few overlapping keywords for the 3-hit threshold")
	}

	// Enough overlapping keywords to clear both the 75% and 3-hit bars.
	got, ok := c.SearchCachedContent("kubernetes pods schedule nodes scheduler")
	if !ok {
		t.Fatal("expected a content-overlap hit")
	}
	if got == "" {
		t.Error("expected non-empty cached content")
	}
}

func TestSearchCachedContentMissesOnShortQuery(t *testing.T) {
	c := openTestCache(t, 24*time.Hour)
	c.SetSearch("q", "some content about go")

	if _, ok := c.SearchCachedContent("go"); ok {
		t.Fatal("a single-keyword query should never match (requires >= 2 keywords)")
	}
}

func TestNilCacheIsSafeNoOp(t *testing.T) {
	var c *Cache
	if _, ok := c.GetFetch("https://example.com"); ok {
		t.Fatal("nil cache GetFetch should always miss")
	}
	c.SetFetch("https://example.com", "x") // must not panic
	if _, ok := c.GetSearch("x"); ok {
		t.Fatal("nil cache GetSearch should always miss")
	}
	c.SetSearch("x", "y") // must not panic
	if err := c.Close(); err != nil {
		t.Errorf("nil cache Close should be a no-op, got: %v", err)
	}
}
