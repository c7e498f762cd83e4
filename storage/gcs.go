package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const defaultSignedURLTTL = time.Hour

type GCSConfig struct {
	Bucket string

	// SignURLs returns V4 signed URLs instead of public object URLs.
	SignURLs bool
	// SignedURLTTL defaults to an hour.
	SignedURLTTL time.Duration

	// SignerEmail and SignerKey (PEM) sign URLs locally. When empty the
	// client's credentials are used.
	SignerEmail string
	SignerKey   []byte
}

// GCSUploader uploads objects to a Google Cloud Storage bucket.
type GCSUploader struct {
	client *storage.Client
	cfg    GCSConfig
	now    func() time.Time
}

// NewGCSUploader creates a GCSUploader for cfg.Bucket. opts are passed through
// to the GCS client.
func NewGCSUploader(ctx context.Context, cfg GCSConfig, opts ...option.ClientOption) (*GCSUploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: bucket is required")
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = defaultSignedURLTTL
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to create GCS client: %w", err)
	}
	return &GCSUploader{client: client, cfg: cfg, now: time.Now}, nil
}

func (u *GCSUploader) Upload(ctx context.Context, name, contentType string, content io.Reader) (Object, error) {
	bucket := u.client.Bucket(u.cfg.Bucket)

	w := bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, content); err != nil {
		_ = w.Close()
		return Object{}, fmt.Errorf("storage: upload of %q failed: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return Object{}, fmt.Errorf("storage: upload of %q failed: %w", name, err)
	}

	if !u.cfg.SignURLs {
		return Object{Name: name, URL: publicURL(u.cfg.Bucket, name)}, nil
	}

	expiresAt := u.now().Add(u.cfg.SignedURLTTL)
	signed, err := bucket.SignedURL(name, &storage.SignedURLOptions{
		GoogleAccessID: u.cfg.SignerEmail,
		PrivateKey:     u.cfg.SignerKey,
		Method:         http.MethodGet,
		Expires:        expiresAt,
		Scheme:         storage.SigningSchemeV4,
	})
	if err != nil {
		return Object{}, fmt.Errorf("storage: failed to sign URL for %q: %w", name, err)
	}
	return Object{Name: name, URL: signed, ExpiresAt: expiresAt}, nil
}

func (u *GCSUploader) Close() error {
	return u.client.Close()
}

func publicURL(bucket, name string) string {
	return (&url.URL{
		Scheme: "https",
		Host:   "storage.googleapis.com",
		Path:   "/" + bucket + "/" + name,
	}).String()
}
