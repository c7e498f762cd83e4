package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const (
	SkipEmptyFilename = "empty filename"
	SkipUnsupported   = "unsupported file type"
)

// UploadedFile is one submitted image. Filename is untrusted client input.
type UploadedFile struct {
	Filename    string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// BytesFile wraps in-memory data as an UploadedFile.
func BytesFile(filename string, data []byte) UploadedFile {
	return UploadedFile{
		Filename: filename,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// PathFile wraps a file on disk as an UploadedFile named after its base name.
func PathFile(path string) UploadedFile {
	return UploadedFile{
		Filename: filepath.Base(path),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

// Result is the outcome for one file of a batch. Exactly one of Processed,
// Error or Skipped is set.
type Result struct {
	Original  string `json:"original"`
	Processed string `json:"processed,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Mirror    string `json:"mirror,omitempty"`
	Error     string `json:"error,omitempty"`
	Skipped   string `json:"skipped,omitempty"`
}

func (r Result) OK() bool {
	return r.Processed != ""
}

// Publisher copies a finished output somewhere else and returns where.
type Publisher interface {
	Publish(ctx context.Context, objectName, localPath string) (string, error)
}

type CoordinatorOptions struct {
	// BaseURL prefixes download links: BaseURL + "/outputs/" + filename.
	BaseURL string
	// UniqueNames must match the Intake setting. Without it, files sharing a
	// sanitized name are processed one at a time across the whole service.
	UniqueNames bool
	// ReportSkipped emits an entry for files rejected by the gate instead of
	// leaving them out.
	ReportSkipped bool
	// Publisher is optional.
	Publisher Publisher
}

// Coordinator runs a batch of uploads through gate, intake and invoker. One
// failing file never affects its siblings.
type Coordinator struct {
	gate    *Gate
	intake  *Intake
	invoker *Invoker
	opts    CoordinatorOptions
	locks   *keyedMutex
	logger  *zap.Logger
}

func NewCoordinator(gate *Gate, intake *Intake, invoker *Invoker, opts CoordinatorOptions, logger *zap.Logger) *Coordinator {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Coordinator{
		gate:    gate,
		intake:  intake,
		invoker: invoker,
		opts:    opts,
		locks:   newKeyedMutex(),
		logger:  logger,
	}
}

// HandleBatch processes files in order and returns one Result per accepted
// file. A nil files means the request had no file field at all and yields
// ErrNoImages before anything touches the disk. Per-file failures are
// returned as data, never as an error.
func (c *Coordinator) HandleBatch(ctx context.Context, files []UploadedFile) ([]Result, error) {
	if files == nil {
		return nil, ErrNoImages
	}

	results := make([]Result, 0, len(files))
	for _, file := range files {
		if reason := c.rejectReason(file); reason != "" {
			c.logger.Debug("skipping file", zap.String("filename", file.Filename), zap.String("reason", reason))
			if c.opts.ReportSkipped {
				results = append(results, Result{Original: file.Filename, Skipped: reason})
			}
			continue
		}

		res := c.handleFile(ctx, file)
		if res.Error != "" {
			c.logger.Warn("failed to process file", zap.String("filename", file.Filename), zap.String("error", res.Error))
		} else {
			c.logger.Info("processed file", zap.String("filename", file.Filename), zap.String("output", res.Filename))
		}
		results = append(results, res)
	}
	return results, nil
}

func (c *Coordinator) rejectReason(file UploadedFile) string {
	switch {
	case file.Filename == "":
		return SkipEmptyFilename
	case !c.gate.IsAllowed(file.Filename):
		return SkipUnsupported
	default:
		return ""
	}
}

func (c *Coordinator) handleFile(ctx context.Context, file UploadedFile) Result {
	if !c.opts.UniqueNames {
		unlock := c.locks.Lock(SecureFilename(file.Filename))
		defer unlock()
	}

	outPath, err := c.stageAndProcess(ctx, file)
	if err != nil {
		return Result{Original: file.Filename, Error: err.Error()}
	}

	name := filepath.Base(outPath)
	res := Result{
		Original:  file.Filename,
		Processed: c.downloadURL(name),
		Filename:  name,
	}

	if c.opts.Publisher != nil {
		mirror, err := c.opts.Publisher.Publish(ctx, name, outPath)
		if err != nil {
			c.logger.Warn("failed to publish output", zap.String("output", name), zap.Error(err))
		} else {
			res.Mirror = mirror
		}
	}
	return res
}

func (c *Coordinator) stageAndProcess(ctx context.Context, file UploadedFile) (string, error) {
	if file.Open == nil {
		return "", errors.New("file has no content")
	}
	rc, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}

	path, err := c.intake.Stage(rc, file.Filename)
	_ = rc.Close()
	if err != nil {
		if path != "" {
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				c.logger.Warn("failed to remove partial intake file", zap.String("path", path), zap.Error(rmErr))
			}
		}
		return "", err
	}

	return c.invoker.Process(ctx, path)
}

func (c *Coordinator) downloadURL(name string) string {
	u, err := url.JoinPath(c.opts.BaseURL, "outputs", name)
	if err != nil {
		return c.opts.BaseURL + "/outputs/" + name
	}
	return u
}
