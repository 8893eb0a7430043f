// Package imaging sniffs uploaded images and renders previews.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

const (
	// DefaultPreviewWidth is the preview width when none is configured.
	DefaultPreviewWidth = 128
	// DefaultMaxPixels caps the decoded size of a source image.
	DefaultMaxPixels = 40_000_000
)

// ErrUnsupported is returned for content that is not a decodable image.
var ErrUnsupported = errors.New("unsupported image type")

var decoders = map[string]func([]byte) (image.Image, error){
	"image/png":  func(b []byte) (image.Image, error) { return png.Decode(bytes.NewReader(b)) },
	"image/jpeg": func(b []byte) (image.Image, error) { return jpeg.Decode(bytes.NewReader(b)) },
	"image/gif":  func(b []byte) (image.Image, error) { return gif.Decode(bytes.NewReader(b)) },
	"image/webp": func(b []byte) (image.Image, error) { return webp.Decode(bytes.NewReader(b)) },
}

var configDecoders = map[string]func([]byte) (image.Config, error){
	"image/png":  func(b []byte) (image.Config, error) { return png.DecodeConfig(bytes.NewReader(b)) },
	"image/jpeg": func(b []byte) (image.Config, error) { return jpeg.DecodeConfig(bytes.NewReader(b)) },
	"image/gif":  func(b []byte) (image.Config, error) { return gif.DecodeConfig(bytes.NewReader(b)) },
	"image/webp": func(b []byte) (image.Config, error) { return webp.DecodeConfig(bytes.NewReader(b)) },
}

// Detect returns the sniffed MIME type of data, without parameters.
func Detect(data []byte) string {
	return mimetype.Detect(data).String()
}

// IsImage reports whether data sniffs as an image type we can preview.
func IsImage(data []byte) bool {
	_, ok := decoders[Detect(data)]
	return ok
}

// Previewer renders fixed-width, aspect-preserving previews.
type Previewer struct {
	Width int
	// MaxPixels is the largest width*height accepted for decoding.
	MaxPixels int64
}

// NewPreviewer creates a previewer; width <= 0 selects DefaultPreviewWidth and
// maxPixels <= 0 selects DefaultMaxPixels.
func NewPreviewer(width int, maxPixels int64) *Previewer {
	if width <= 0 {
		width = DefaultPreviewWidth
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Previewer{Width: width, MaxPixels: maxPixels}
}

// Preview decodes data and returns a resized copy. PNG and GIF sources are
// encoded as PNG to keep transparency; everything else becomes JPEG.
// Images narrower than the target are not upscaled.
func (p *Previewer) Preview(data []byte) ([]byte, error) {
	mime := Detect(data)
	decode, ok := decoders[mime]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, mime)
	}
	// Only the header is read here; the pixel buffer is sized from it.
	cfg, err := configDecoders[mime](data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s header: %w", mime, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > p.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUnsupported, cfg.Width, cfg.Height, p.MaxPixels)
	}
	src, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", mime, err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnsupported)
	}
	tw, th := w, h
	if w > p.Width {
		tw = p.Width
		th = h * p.Width / w
		if th < 1 {
			th = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	switch mime {
	case "image/png", "image/gif":
		err = png.Encode(&buf, dst)
	default:
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}
	return buf.Bytes(), nil
}
