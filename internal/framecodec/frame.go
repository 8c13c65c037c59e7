package framecodec

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"
)

// Format names the image encoding carried in a Frame.
type Format uint8

const (
	FormatJPEG Format = 1
	FormatPNG  Format = 2
)

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatPNG:
		return "png"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// MIME returns the content type for the encoded payload.
func (f Format) MIME() string {
	switch f {
	case FormatPNG:
		return "image/png"
	default:
		return "image/jpeg"
	}
}

// ParseFormat maps a config string onto a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

var (
	// ErrUnsupportedFormat is returned for unknown image formats.
	ErrUnsupportedFormat = errors.New("unsupported frame format")
	// ErrEmptyImage is returned when asked to encode a zero-sized image.
	ErrEmptyImage = errors.New("empty image")
	// ErrMalformedFrame is returned when a binary frame cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is an encoded image plus its sequence number. Frames are ephemeral and
// immutable once published; consumers must not modify Data.
type Frame struct {
	Seq        uint64
	Format     Format
	Width      int
	Height     int
	Data       []byte
	CapturedAt time.Time
}

// PixelLayout describes the byte order of a RawImage.
type PixelLayout uint8

const (
	// LayoutBGRA is the native layout of most simulator camera sensors.
	LayoutBGRA PixelLayout = iota
	LayoutRGBA
)

// RawImage is an uncompressed 4-byte-per-pixel buffer as delivered by an
// engine camera. It implements image.Image so it can be handed to any encoder,
// but Codec.Encode converts it to *image.RGBA first to hit the encoders' fast
// paths.
type RawImage struct {
	Width  int
	Height int
	Stride int
	Layout PixelLayout
	Pix    []byte
}

// NewRawImage allocates a zeroed w×h buffer in the given layout.
func NewRawImage(w, h int, layout PixelLayout) *RawImage {
	return &RawImage{
		Width:  w,
		Height: h,
		Stride: 4 * w,
		Layout: layout,
		Pix:    make([]byte, 4*w*h),
	}
}

// ColorModel implements image.Image.
func (r *RawImage) ColorModel() color.Model { return color.RGBAModel }

// Bounds implements image.Image.
func (r *RawImage) Bounds() image.Rectangle { return image.Rect(0, 0, r.Width, r.Height) }

// At implements image.Image.
func (r *RawImage) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return color.RGBA{}
	}
	i := y*r.Stride + 4*x
	p := r.Pix[i : i+4 : i+4]
	if r.Layout == LayoutBGRA {
		return color.RGBA{R: p[2], G: p[1], B: p[0], A: p[3]}
	}
	return color.RGBA{R: p[0], G: p[1], B: p[2], A: p[3]}
}

// Set writes an RGBA pixel into the buffer honouring the layout.
func (r *RawImage) Set(x, y int, c color.RGBA) {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return
	}
	i := y*r.Stride + 4*x
	p := r.Pix[i : i+4 : i+4]
	if r.Layout == LayoutBGRA {
		p[0], p[1], p[2], p[3] = c.B, c.G, c.R, c.A
		return
	}
	p[0], p[1], p[2], p[3] = c.R, c.G, c.B, c.A
}

// validate checks the buffer is large enough for the declared geometry.
func (r *RawImage) validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return ErrEmptyImage
	}
	if r.Stride < 4*r.Width {
		return fmt.Errorf("%w: stride %d < %d", ErrMalformedFrame, r.Stride, 4*r.Width)
	}
	if need := r.Stride*(r.Height-1) + 4*r.Width; len(r.Pix) < need {
		return fmt.Errorf("%w: buffer %d bytes, need %d", ErrMalformedFrame, len(r.Pix), need)
	}
	return nil
}

// toRGBA converts the buffer into a tightly packed *image.RGBA.
func (r *RawImage) toRGBA() *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	for y := 0; y < r.Height; y++ {
		src := r.Pix[y*r.Stride : y*r.Stride+4*r.Width]
		row := dst.Pix[y*dst.Stride : y*dst.Stride+4*r.Width]
		if r.Layout == LayoutRGBA {
			copy(row, src)
			continue
		}
		for i := 0; i < len(src); i += 4 {
			row[i] = src[i+2]
			row[i+1] = src[i+1]
			row[i+2] = src[i]
			row[i+3] = src[i+3]
		}
	}
	return dst
}
