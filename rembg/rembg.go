// Package rembg adapts background-removal models to a single byte-level
// interface. The model is opaque to the rest of the service: image bytes go in,
// PNG bytes with a transparent background come out.
package rembg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	nhttp "github.com/chaos-io/nobg/util/http"
)

const (
	BackendServer   = "rembg"
	BackendBiRefNet = "comfyui"
	BackendColorKey = "colorkey"
)

// ErrRemoverStatus marks failures where the model server answered with a
// non-2xx status, as opposed to being unreachable.
var ErrRemoverStatus = errors.New("model server error status")

type Remover interface {
	Remove(ctx context.Context, data []byte) ([]byte, error)
}

// DeviceReporter is implemented by removers that know which compute device the
// model runs on.
type DeviceReporter interface {
	Device(ctx context.Context) (DeviceInfo, error)
}

type DeviceInfo struct {
	Available bool   `json:"available"`
	Name      string `json:"name"`
	Memory    string `json:"memory"`
}

// CPUDevice is reported when no accelerator is known.
func CPUDevice() DeviceInfo {
	return DeviceInfo{Available: false, Name: "CPU", Memory: "N/A"}
}

type Options struct {
	Backend string
	URL     string
	Model   string

	// MaxEdge shrinks inputs whose longest edge exceeds it. Zero disables.
	MaxEdge int
	// SkipTransparent returns inputs that already carry transparency without
	// calling the model.
	SkipTransparent bool

	// Timeout bounds each HTTP exchange with the model server.
	Timeout time.Duration
	Logger  *zap.Logger
}

// New builds the remover selected by opts.Backend, wrapped in a Preprocessor
// when resizing or transparency skipping is enabled.
func New(opts Options) (Remover, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cli := nhttp.NewHTTPClientWithTimeout(opts.Timeout)

	var r Remover
	switch opts.Backend {
	case BackendServer, "":
		r = NewServerRemBG(opts.URL, opts.Model, cli)
	case BackendBiRefNet:
		r = NewBiRefNetRemBG(opts.URL, cli, logger)
	case BackendColorKey:
		r = NewColorKeyRemBG(DefaultColorKeyTolerance)
	default:
		return nil, fmt.Errorf("unknown rembg backend %q", opts.Backend)
	}

	if opts.MaxEdge > 0 || opts.SkipTransparent {
		r = NewPreprocessor(r, opts.MaxEdge, opts.SkipTransparent)
	}
	return r, nil
}

// ReportDevice asks r for its device, falling back to CPUDevice.
func ReportDevice(ctx context.Context, r Remover) DeviceInfo {
	dr, ok := r.(DeviceReporter)
	if !ok {
		return CPUDevice()
	}
	info, err := dr.Device(ctx)
	if err != nil {
		return CPUDevice()
	}
	return info
}

// classify tags model server status failures with ErrRemoverStatus.
func classify(err error) error {
	var statusErr *nhttp.StatusError
	if errors.As(err, &statusErr) {
		return fmt.Errorf("%w: %w", ErrRemoverStatus, err)
	}
	return err
}
