// Package storage mirrors finished outputs to object storage so they can be
// served from somewhere other than the instance that produced them.
package storage

import (
	"context"
	"io"
	"time"
)

const pngContentType = "image/png"

// Object is a stored output and the URL it can be fetched from.
type Object struct {
	Name string
	URL  string
	// ExpiresAt is zero when URL does not expire.
	ExpiresAt time.Time
}

// Uploader stores content under name.
type Uploader interface {
	Upload(ctx context.Context, name, contentType string, content io.Reader) (Object, error)
}
