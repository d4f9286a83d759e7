package archive

import (
	"context"
	"testing"
)

func TestDiffKey(t *testing.T) {
	got := DiffKey("acme", "widgets", 7, "abc123")
	if got != "acme/widgets/pr-7/abc123.diff" {
		t.Fatalf("key = %s", got)
	}
}

func TestObjectNameAppliesPrefix(t *testing.T) {
	m := &MinIOStore{prefix: "diffs"}
	if got := m.objectName("acme/widgets/pr-7/abc.diff"); got != "diffs/acme/widgets/pr-7/abc.diff" {
		t.Fatalf("name = %s", got)
	}
	bare := &MinIOStore{}
	if got := bare.objectName("x.diff"); got != "x.diff" {
		t.Fatalf("unprefixed name = %s", got)
	}
}

func TestNewMinIOStoreRequiresEndpointAndBucket(t *testing.T) {
	if _, err := NewMinIOStore(context.Background(), MinIOOptions{}); err == nil {
		t.Fatalf("expected configuration error")
	}
	if _, err := NewMinIOStore(context.Background(), MinIOOptions{Endpoint: "minio:9000"}); err == nil {
		t.Fatalf("expected missing-bucket error")
	}
}

func TestNullStoreDiscards(t *testing.T) {
	if err := (NullStore{}).Put(context.Background(), "k", []byte("d"), ""); err != nil {
		t.Fatalf("null store: %v", err)
	}
}
