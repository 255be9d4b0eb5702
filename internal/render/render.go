// Package render turns PDF pages into images for the vision models.
package render

import "strings"

// Format is the encoded image format sent to a model.
type Format string

// Supported image formats.
const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

// DefaultDPI is used when Options.DPI is unset.
const DefaultDPI = 200

// ParseFormat maps a configured format name to a Format. Anything that is
// not jpg/jpeg renders as PNG.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpg", "jpeg", "":
		return FormatJPEG
	default:
		return FormatPNG
	}
}

// MIMEType returns the content type for the format.
func (f Format) MIMEType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// Size is a page size in PDF points (1/72 inch).
type Size struct {
	Width  float64
	Height float64
}

// Rect is a region of a page in points, origin top-left.
type Rect struct {
	X0, Y0, X1, Y1 float64
}

// Clip is a labelled page region.
type Clip struct {
	Label string
	Rect  Rect
}

// Options control one render call.
type Options struct {
	DPI    int
	Format Format
	Clip   *Rect
}

func (o Options) withDefaults() Options {
	if o.DPI <= 0 {
		o.DPI = DefaultDPI
	}
	if o.Format == "" {
		o.Format = FormatJPEG
	}
	return o
}

// Quadrants splits a page into four equal zoom regions.
func Quadrants(s Size) []Clip {
	mx, my := s.Width/2, s.Height/2
	return []Clip{
		{Label: "top_left", Rect: Rect{0, 0, mx, my}},
		{Label: "top_right", Rect: Rect{mx, 0, s.Width, my}},
		{Label: "bottom_left", Rect: Rect{0, my, mx, s.Height}},
		{Label: "bottom_right", Rect: Rect{mx, my, s.Width, s.Height}},
	}
}
