// Package imaging handles decoding, size validation and re-encoding of job
// payloads. WebP output is produced by the media host; locally it is carried
// as lossless PNG.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	_ "image/gif"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"server/internal/domain"
)

// Pixel ceilings per job kind. Face models tolerate larger inputs because
// they downscale internally, so their ceiling is looser.
const (
	MaxPixelsUpscale = 5 * 1024 * 1024
	MaxPixelsFace    = 25 * 1024 * 1024
)

// Face jobs above this dimension are downsized before processing instead of
// rejected; above SkipFaceDetectDim face detection is skipped entirely.
const (
	MaxFaceDimension  = 4096
	SkipFaceDetectDim = 2048
)

// Info describes a decoded payload without holding pixel data.
type Info struct {
	Width  int
	Height int
	Format string
}

// Probe decodes only the image header.
func Probe(data []byte) (*Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidImage, err)
	}
	return &Info{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// Decode fully decodes the payload.
func Decode(data []byte) (image.Image, *Info, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrInvalidImage, err)
	}
	b := img.Bounds()
	return img, &Info{Width: b.Dx(), Height: b.Dy(), Format: format}, nil
}

// MaxPixels returns the pixel ceiling for the job kind.
func MaxPixels(kind domain.JobKind) int64 {
	if kind == domain.JobKindFaceEnhance {
		return MaxPixelsFace
	}
	return MaxPixelsUpscale
}

// CheckPixelCeiling verifies the pixel budget for the job kind. The error
// message names the megapixel limit so clients see the actual constraint.
func CheckPixelCeiling(info *Info, kind domain.JobKind) error {
	limit := MaxPixels(kind)
	if int64(info.Width)*int64(info.Height) > limit {
		return fmt.Errorf("%w: maximum %d megapixels allowed", domain.ErrImageTooLarge, limit/(1024*1024))
	}
	return nil
}

// Downsize scales the image so its longest side is at most maxDim, keeping
// aspect ratio. Images already within bounds are returned unchanged.
func Downsize(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxDim {
		return img
	}
	ratio := float64(maxDim) / float64(longest)
	nw := int(float64(w) * ratio)
	nh := int(float64(h) * ratio)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

// Encode serializes the image for upload. JPEG output is encoded directly;
// PNG and WebP are encoded as PNG, with WebP conversion delegated to the
// media host. It returns the bytes and the MIME subtype of the encoding.
func Encode(img image.Image, format string) ([]byte, string, error) {
	var buf bytes.Buffer
	switch format {
	case domain.FormatJPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
		return buf.Bytes(), domain.FormatJPEG, nil
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
		return buf.Bytes(), domain.FormatPNG, nil
	}
}
