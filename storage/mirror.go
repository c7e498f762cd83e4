package storage

import (
	"context"
	"fmt"
	"os"
	"path"
)

// Mirror publishes local output files through an Uploader.
type Mirror struct {
	uploader Uploader
	prefix   string
}

// NewMirror returns a Mirror storing objects under prefix.
func NewMirror(uploader Uploader, prefix string) *Mirror {
	return &Mirror{uploader: uploader, prefix: prefix}
}

// Publish uploads the PNG at localPath and returns its URL.
func (m *Mirror) Publish(ctx context.Context, name, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("storage: failed to open %q: %w", localPath, err)
	}
	defer f.Close()

	obj, err := m.uploader.Upload(ctx, path.Join(m.prefix, name), pngContentType, f)
	if err != nil {
		return "", err
	}
	return obj.URL, nil
}
