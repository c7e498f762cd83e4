package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chaos-io/nobg/rembg"
)

const OutputSuffix = "_nobg"

// OutputName derives the output file name from an intake file name: the
// extension is replaced by "_nobg.png".
func OutputName(intakeName string) string {
	return stem(filepath.Base(intakeName)) + OutputSuffix + ".png"
}

// stem strips the last extension. Leading dots are part of the name, so
// ".png" has no extension.
func stem(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || strings.Trim(name[:i], ".") == "" {
		return name
	}
	return name[:i]
}

// Invoker runs the remover on staged files and owns their deletion.
type Invoker struct {
	remover   rembg.Remover
	outputDir string
	pool      *Pool
	timeout   time.Duration
	logger    *zap.Logger
}

// NewInvoker returns an Invoker writing into outputDir. Remover calls are
// bounded by pool and, when timeout > 0, by a per-call deadline.
func NewInvoker(remover rembg.Remover, outputDir string, pool *Pool, timeout time.Duration, logger *zap.Logger) *Invoker {
	return &Invoker{
		remover:   remover,
		outputDir: outputDir,
		pool:      pool,
		timeout:   timeout,
		logger:    logger,
	}
}

func (v *Invoker) OutputDir() string {
	return v.outputDir
}

// Process removes the background of the file at intakePath and returns the
// absolute path of the result. The intake file is deleted whatever the
// outcome; a failed call leaves no output file behind.
func (v *Invoker) Process(ctx context.Context, intakePath string) (outPath string, err error) {
	start := time.Now()
	defer func() {
		if rmErr := os.Remove(intakePath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			v.logger.Warn("failed to remove intake file", zap.String("path", intakePath), zap.Error(rmErr))
		}
		if err != nil {
			err = fmt.Errorf("remove background: %w", err)
		}
	}()

	data, err := os.ReadFile(intakePath)
	if err != nil {
		return "", fmt.Errorf("read intake file: %w", err)
	}

	var out []byte
	err = v.pool.Do(ctx, func(ctx context.Context) error {
		if v.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, v.timeout)
			defer cancel()
		}
		var rerr error
		out, rerr = v.remover.Remove(ctx, data)
		return rerr
	})
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", ErrEmptyOutput
	}

	outPath = filepath.Join(v.outputDir, OutputName(intakePath))
	if err := writeFileAtomic(outPath, out); err != nil {
		return "", err
	}

	abs, err := filepath.Abs(outPath)
	if err != nil {
		return "", fmt.Errorf("resolve output path: %w", err)
	}

	v.logger.Debug("background removed",
		zap.String("intake", filepath.Base(intakePath)),
		zap.String("output", filepath.Base(abs)),
		zap.Int("in_bytes", len(data)),
		zap.Int("out_bytes", len(out)),
		zap.Duration("took", time.Since(start)))
	return abs, nil
}

// writeFileAtomic writes data next to path and renames it into place, so
// readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write output file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close output file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod output file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename output file: %w", err)
	}
	return nil
}
