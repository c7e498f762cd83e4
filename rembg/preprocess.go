package rembg

import (
	"context"
	"fmt"

	"github.com/chaos-io/nobg/util"
)

// Preprocessor normalises inputs before they reach the model:
//
//	longest edge ≤ maxEdge (Lanczos3), re-encoded as PNG
//	inputs that already have transparency skip the model entirely
type Preprocessor struct {
	next            Remover
	maxEdge         int
	skipTransparent bool
}

func NewPreprocessor(next Remover, maxEdge int, skipTransparent bool) *Preprocessor {
	return &Preprocessor{
		next:            next,
		maxEdge:         maxEdge,
		skipTransparent: skipTransparent,
	}
}

func (p *Preprocessor) Remove(ctx context.Context, data []byte) ([]byte, error) {
	img, _, err := util.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	src := util.ToNRGBA(img)

	if p.skipTransparent && util.HasUsefulAlpha(src) {
		return util.EncodePNG(src)
	}

	if p.maxEdge > 0 {
		b := src.Bounds()
		if max(b.Dx(), b.Dy()) > p.maxEdge {
			resized, err := util.EncodePNG(util.ResizeWithinMax(src, p.maxEdge))
			if err != nil {
				return nil, fmt.Errorf("encode resized image: %w", err)
			}
			data = resized
		}
	}

	return p.next.Remove(ctx, data)
}

func (p *Preprocessor) Device(ctx context.Context) (DeviceInfo, error) {
	if dr, ok := p.next.(DeviceReporter); ok {
		return dr.Device(ctx)
	}
	return CPUDevice(), nil
}
