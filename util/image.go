package util

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"os"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	nhttp "github.com/chaos-io/nobg/util/http"
)

// DownloadImage fetches the raw bytes behind url through cli, so the
// client's timeout applies. The body is bounded by maxBytes when maxBytes > 0.
func DownloadImage(ctx context.Context, cli nhttp.IClient, url string, maxBytes int64) ([]byte, error) {
	var data []byte
	reqParam := &nhttp.RequestParam{
		RequestURI:   url,
		Method:       http.MethodGet,
		Response:     &data,
		MaxBodyBytes: maxBytes,
	}
	if err := cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("download image: empty body from %s", url)
	}
	return data, nil
}

// DecodeImage decodes png, jpeg, gif, webp and bmp data.
func DecodeImage(data []byte) (image.Image, string, error) {
	return image.Decode(bytes.NewReader(data))
}

// OpenImage decodes the image stored at path.
func OpenImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()

	img, _, err := image.Decode(file)
	return img, err
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HasUsefulAlpha reports whether any pixel is not fully opaque, i.e. the
// image already carries a cut-out.
func HasUsefulAlpha(img *image.NRGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 255 {
			return true
		}
	}
	return false
}

// ResizeWithinMax scales img down so its longest edge is at most maxSize.
// Images already within bounds are returned unchanged.
func ResizeWithinMax(img *image.NRGBA, maxSize int) *image.NRGBA {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	longest := max(w, h)

	if maxSize <= 0 || longest <= maxSize {
		return img
	}

	scale := float64(maxSize) / float64(longest)
	newW := max(1, int(float64(w)*scale))
	newH := max(1, int(float64(h)*scale))

	resized := resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3)
	return ToNRGBA(resized)
}

func ToNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok {
		return nrgba
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
