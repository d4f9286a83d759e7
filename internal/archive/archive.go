// Package archive stores raw pull-request diffs in object storage so a
// review's input can be inspected after the fact.
package archive

import (
	"context"
	"fmt"
)

// Store persists raw diff text for a reviewed revision.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// NullStore discards archives; used when no object store is configured.
type NullStore struct{}

func (NullStore) Put(_ context.Context, _ string, _ []byte, _ string) error { return nil }

// DiffKey names an archived diff by its pull request and head revision.
func DiffKey(owner, repo string, pullNumber int, headSHA string) string {
	return fmt.Sprintf("%s/%s/pr-%d/%s.diff", owner, repo, pullNumber, headSHA)
}
