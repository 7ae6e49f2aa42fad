// Package storage names archived page bodies and holds the blob store fallbacks.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ObjectKey builds the archive path of a crawled page body:
// <prefix>/<competitor>/<yyyy>/<mm>/<dd>/<hhmmss>-<hash>.html
func ObjectKey(prefix, competitorID, hash string, at time.Time) string {
	at = at.UTC()
	name := fmt.Sprintf("%s-%s.html", at.Format("150405"), shortHash(hash))
	parts := []string{competitorID, at.Format("2006"), at.Format("01"), at.Format("02"), name}
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append([]string{p}, parts...)
	}
	return path.Join(parts...)
}

func shortHash(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	if hash == "" {
		return "nohash"
	}
	return hash
}

// Discard is a blob store that drops everything. It is used when archiving is disabled.
type Discard struct{}

// PutObject drains the reader and returns an empty URI.
func (Discard) PutObject(_ context.Context, _ string, _ string, data io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, data); err != nil {
		return "", fmt.Errorf("drain object: %w", err)
	}
	return "", nil
}
