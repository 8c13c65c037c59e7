package framecodec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"sync"
	"time"
)

// DefaultJPEGQuality balances bandwidth against legibility of HUD text.
const DefaultJPEGQuality = 75

// Codec encodes engine images into Frames.
type Codec struct {
	format  Format
	quality int
	png     png.Encoder
	bufs    sync.Pool
}

// NewCodec constructs a codec for the given format. quality only applies to
// JPEG and is clamped to [1,100]; zero selects DefaultJPEGQuality.
func NewCodec(format Format, quality int) (*Codec, error) {
	switch format {
	case FormatJPEG, FormatPNG:
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, format)
	}
	if quality == 0 {
		quality = DefaultJPEGQuality
	}
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	c := &Codec{
		format:  format,
		quality: quality,
		png:     png.Encoder{CompressionLevel: png.BestSpeed},
	}
	c.bufs.New = func() any { return new(bytes.Buffer) }
	return c, nil
}

// Format reports the codec's output format.
func (c *Codec) Format() Format { return c.format }

// Encode compresses img and stamps it with seq. The returned Frame owns its
// Data slice.
func (c *Codec) Encode(seq uint64, img image.Image) (*Frame, error) {
	if img == nil {
		return nil, ErrEmptyImage
	}
	if raw, ok := img.(*RawImage); ok {
		if err := raw.validate(); err != nil {
			return nil, err
		}
		img = raw.toRGBA()
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, ErrEmptyImage
	}

	buf := c.bufs.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufs.Put(buf)

	var err error
	switch c.format {
	case FormatPNG:
		err = c.png.Encode(buf, img)
	default:
		err = jpeg.Encode(buf, img, &jpeg.Options{Quality: c.quality})
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", c.format, err)
	}

	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())

	return &Frame{
		Seq:        seq,
		Format:     c.format,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Data:       data,
		CapturedAt: time.Now(),
	}, nil
}

// Decode reverses Encode for tests and debugging clients.
func Decode(f *Frame) (image.Image, error) {
	if f == nil || len(f.Data) == 0 {
		return nil, ErrEmptyImage
	}
	r := bytes.NewReader(f.Data)
	switch f.Format {
	case FormatJPEG:
		return jpeg.Decode(r)
	case FormatPNG:
		return png.Decode(r)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, f.Format)
	}
}
