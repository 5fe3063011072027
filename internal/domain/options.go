package domain

import "strings"

// Output formats accepted by the processing tasks.
const (
	FormatWebP = "webp"
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

const (
	DefaultFormat  = FormatWebP
	DefaultQuality = "auto"
)

// Options is the per-job options record. It is built once at submission time
// and immutable afterwards; unrecognized request keys are never carried over
// and missing keys fall back to defaults.
type Options struct {
	Format         string `json:"format"`
	Quality        string `json:"quality"`
	OnlyCenterFace bool   `json:"onlyCenterFace,omitempty"`
}

// NormalizeFormat maps a requested output format onto the supported set,
// treating "jpg" as jpeg and anything unknown as empty.
func NormalizeFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpg", FormatJPEG:
		return FormatJPEG
	case FormatPNG:
		return FormatPNG
	case FormatWebP:
		return FormatWebP
	case "":
		return DefaultFormat
	default:
		return ""
	}
}

// NewOptions builds an options record from request-level values, applying
// defaults for anything missing. An unknown format degrades to the default.
func NewOptions(format, quality string, onlyCenterFace bool) Options {
	f := NormalizeFormat(format)
	if f == "" {
		f = DefaultFormat
	}
	q := strings.TrimSpace(quality)
	if q == "" {
		q = DefaultQuality
	}
	return Options{Format: f, Quality: q, OnlyCenterFace: onlyCenterFace}
}
