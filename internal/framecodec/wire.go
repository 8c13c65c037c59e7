package framecodec

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// Binary header layout (big endian):
//
//	0..1   magic "SF"
//	2      version
//	3      format
//	4..11  sequence number
//	12..13 width
//	14..15 height
const (
	HeaderSize  = 16
	wireVersion = 1
	magic0      = 'S'
	magic1      = 'F'
)

// Encoding selects how frames are written to a viewer.
type Encoding string

const (
	EncodingBinary Encoding = "binary"
	EncodingJSON   Encoding = "json"
)

// ParseEncoding maps a query or config value onto an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", string(EncodingBinary):
		return EncodingBinary, nil
	case string(EncodingJSON), "base64":
		return EncodingJSON, nil
	default:
		return "", fmt.Errorf("unknown frame encoding %q", s)
	}
}

// MarshalBinary renders f as header + payload.
func MarshalBinary(f *Frame) ([]byte, error) {
	if f == nil || len(f.Data) == 0 {
		return nil, ErrEmptyImage
	}
	if f.Width > 0xFFFF || f.Height > 0xFFFF || f.Width < 0 || f.Height < 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrMalformedFrame, f.Width, f.Height)
	}
	out := make([]byte, HeaderSize+len(f.Data))
	out[0], out[1] = magic0, magic1
	out[2] = wireVersion
	out[3] = byte(f.Format)
	binary.BigEndian.PutUint64(out[4:12], f.Seq)
	binary.BigEndian.PutUint16(out[12:14], uint16(f.Width))
	binary.BigEndian.PutUint16(out[14:16], uint16(f.Height))
	copy(out[HeaderSize:], f.Data)
	return out, nil
}

// UnmarshalBinary parses a frame produced by MarshalBinary. The returned Frame
// aliases b.
func UnmarshalBinary(b []byte) (*Frame, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(b))
	}
	if b[0] != magic0 || b[1] != magic1 {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedFrame)
	}
	if b[2] != wireVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedFrame, b[2])
	}
	format := Format(b[3])
	if format != FormatJPEG && format != FormatPNG {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, format)
	}
	return &Frame{
		Seq:    binary.BigEndian.Uint64(b[4:12]),
		Format: format,
		Width:  int(binary.BigEndian.Uint16(b[12:14])),
		Height: int(binary.BigEndian.Uint16(b[14:16])),
		Data:   b[HeaderSize:],
	}, nil
}

// FrameEnvelope is the text encoding of a frame. Type is always "frame" so
// clients can tell it apart from status messages on the same channel.
type FrameEnvelope struct {
	Type       string    `json:"type"`
	Seq        uint64    `json:"seq"`
	Format     string    `json:"format"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Data       string    `json:"data"`
	CapturedAt time.Time `json:"captured_at"`
}

// MessageTypeFrame is the discriminant used by FrameEnvelope.
const MessageTypeFrame = "frame"

// MarshalJSONEnvelope renders f as a FrameEnvelope.
func MarshalJSONEnvelope(f *Frame) ([]byte, error) {
	if f == nil || len(f.Data) == 0 {
		return nil, ErrEmptyImage
	}
	return json.Marshal(FrameEnvelope{
		Type:       MessageTypeFrame,
		Seq:        f.Seq,
		Format:     f.Format.String(),
		Width:      f.Width,
		Height:     f.Height,
		Data:       base64.StdEncoding.EncodeToString(f.Data),
		CapturedAt: f.CapturedAt,
	})
}

// UnmarshalJSONEnvelope parses a FrameEnvelope back into a Frame.
func UnmarshalJSONEnvelope(b []byte) (*Frame, error) {
	var env FrameEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type != MessageTypeFrame {
		return nil, fmt.Errorf("%w: type %q", ErrMalformedFrame, env.Type)
	}
	format, err := ParseFormat(env.Format)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &Frame{
		Seq:        env.Seq,
		Format:     format,
		Width:      env.Width,
		Height:     env.Height,
		Data:       data,
		CapturedAt: env.CapturedAt,
	}, nil
}
