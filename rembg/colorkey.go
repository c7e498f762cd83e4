package rembg

import (
	"context"
	"fmt"
	"image"

	"github.com/chaos-io/nobg/util"
)

// DefaultColorKeyTolerance is the RGB distance under which a pixel counts as
// background.
const DefaultColorKeyTolerance = 32

// ColorKeyRemBG is a model-free fallback: it estimates the background colour
// from the image border and clears every pixel close to it. Good enough for
// product shots on a flat backdrop and for running the service without a
// model server.
type ColorKeyRemBG struct {
	tolerance int
}

func NewColorKeyRemBG(tolerance int) *ColorKeyRemBG {
	return &ColorKeyRemBG{tolerance: tolerance}
}

func (c *ColorKeyRemBG) Remove(ctx context.Context, data []byte) ([]byte, error) {
	img, _, err := util.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := util.ToNRGBA(img)

	r, g, b := borderColor(out)
	limit := c.tolerance * c.tolerance
	for i := 0; i < len(out.Pix); i += 4 {
		dr := int(out.Pix[i]) - r
		dg := int(out.Pix[i+1]) - g
		db := int(out.Pix[i+2]) - b
		if dr*dr+dg*dg+db*db <= limit {
			out.Pix[i+3] = 0
		}
	}

	return util.EncodePNG(out)
}

// borderColor averages the outermost ring of pixels.
func borderColor(img *image.NRGBA) (int, int, int) {
	b := img.Bounds()
	var sr, sg, sb, n int
	add := func(x, y int) {
		i := img.PixOffset(x, y)
		sr += int(img.Pix[i])
		sg += int(img.Pix[i+1])
		sb += int(img.Pix[i+2])
		n++
	}
	for x := b.Min.X; x < b.Max.X; x++ {
		add(x, b.Min.Y)
		if b.Max.Y-1 > b.Min.Y {
			add(x, b.Max.Y-1)
		}
	}
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		add(b.Min.X, y)
		if b.Max.X-1 > b.Min.X {
			add(b.Max.X-1, y)
		}
	}
	if n == 0 {
		return 0, 0, 0
	}
	return sr / n, sg / n, sb / n
}
