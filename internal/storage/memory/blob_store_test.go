package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"id":111}`)
	uri, err := store.PutObject(context.Background(), "entities/111/r1.json", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://entities/111/r1.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = '['
	stored, contentType, ok := store.Object("entities/111/r1.json")
	if !ok || string(stored) != `{"id":111}` {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	if contentType != "application/json" {
		t.Fatalf("unexpected content type %q", contentType)
	}
	if paths := store.Paths(); len(paths) != 1 {
		t.Fatalf("expected one path, got %v", paths)
	}
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	if _, err := store.PutObject(context.Background(), " ", "", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error for empty path")
	}
}
