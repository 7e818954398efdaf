package assets

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
)

const (
	// maxDimension caps the longest side of an optimised image.
	maxDimension = 2048
	// targetBytes is the size optimisation aims for before giving up on
	// further quality reduction.
	targetBytes = 512 * 1024
)

var jpegQualitySteps = []int{85, 70, 55}

// Optimize re-encodes an inline image before storage. Only PNG and JPEG are
// re-encoded: GIFs pass through untouched to preserve animation, and formats
// without a registered decoder (webp, heic) are stored as received. PNGs that
// carry transparency stay PNG; the rest becomes JPEG with stepped quality
// until the result fits targetBytes or the steps run out. The returned mime
// reflects the stored encoding.
func Optimize(data []byte, mime string) ([]byte, string, error) {
	if mime != "image/png" && mime != "image/jpeg" {
		return data, mime, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	if b.Dx() > maxDimension || b.Dy() > maxDimension {
		img = imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	}

	if mime == "image/png" && hasAlpha(img) {
		var buf bytes.Buffer
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
		if buf.Len() < len(data) {
			return buf.Bytes(), "image/png", nil
		}
		return data, "image/png", nil
	}

	var out []byte
	for _, q := range jpegQualitySteps {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
		out = buf.Bytes()
		if len(out) <= targetBytes {
			break
		}
	}
	return out, "image/jpeg", nil
}

// hasAlpha reports whether any pixel is not fully opaque. Sampled on a grid
// so large images stay cheap to classify.
func hasAlpha(img image.Image) bool {
	b := img.Bounds()
	stepX := b.Dx()/64 + 1
	stepY := b.Dy()/64 + 1
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			if _, _, _, a := img.At(x, y).RGBA(); a < 0xffff {
				return true
			}
		}
	}
	return false
}
