package blob

import (
	"bytes"
	"strings"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	data := []byte("fake png bytes")
	link, err := store.Put("PLEDGE-2026-1", "UPI Screenshot.PNG", data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(link, "blob://PLEDGE-2026-1/") {
		t.Fatalf("link = %q", link)
	}
	if !strings.HasSuffix(link, "upi_screenshot.png") {
		t.Fatalf("filename not sanitised: %q", link)
	}
	got, err := store.Get(link)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round-trip mismatch")
	}
}

func TestPutIsIdempotent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	first, err := store.Put("PLEDGE-2026-1", "a.png", []byte("same"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := store.Put("PLEDGE-2026-1", "a.png", []byte("same"))
	if err != nil {
		t.Fatalf("put again: %v", err)
	}
	if first != second {
		t.Fatalf("links differ: %q vs %q", first, second)
	}
}

func TestGetRejectsTraversal(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Get("blob://../etc/passwd"); err == nil {
		t.Fatal("expected traversal rejection")
	}
	if _, err := store.Get("/etc/passwd"); err == nil {
		t.Fatal("expected scheme rejection")
	}
}
