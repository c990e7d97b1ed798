package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "run/2025-01-01_2025-01-31/page-1.html", "text/html", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://run/2025-01-01_2025-01-31/page-1.html" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, contentType, ok := store.Object("run/2025-01-01_2025-01-31/page-1.html")
	if !ok || string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	if contentType != "text/html" {
		t.Fatalf("unexpected content type %q", contentType)
	}
	if _, _, ok := store.Object("missing"); ok {
		t.Fatal("expected missing object")
	}
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b", "a", "c"} {
		if _, err := store.PutObject(context.Background(), p, "text/html", bytes.NewReader([]byte(p))); err != nil {
			t.Fatal(err)
		}
	}
	got := store.Paths()
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected paths %v", got)
	}
}
