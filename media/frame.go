// Package media defines the frame and pixel-format types that flow through
// the framepipe engine, from the codec backend through conversion to the
// caller or the shared-memory segment.
package media

import "fmt"

// ColorDepth is the byte width of one pixel in the RGB working format.
// Frame geometry negotiated at open time fixes the payload size to
// width * height * ColorDepth for the life of the session.
const ColorDepth = 3

// Mode selects the direction a session moves frames in.
type Mode int

const (
	ModeDecode Mode = iota
	ModeEncode
)

func (m Mode) String() string {
	switch m {
	case ModeDecode:
		return "decode"
	case ModeEncode:
		return "encode"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// PixelFormat identifies the in-memory layout of a frame's pixel payload.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatRGB24               // packed RGB, 3 bytes per pixel
	PixelFormatYUV420P             // planar YUV 4:2:0 (Y + U + V)
	PixelFormatNV12                // semi-planar YUV 4:2:0 (Y + interleaved UV)
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatRGB24:
		return "rgb24"
	case PixelFormatYUV420P:
		return "yuv420p"
	case PixelFormatNV12:
		return "nv12"
	default:
		return "unknown"
	}
}

// ByteSize returns the payload size in bytes for a width x height frame in
// this format, or 0 for formats the engine cannot size.
func (p PixelFormat) ByteSize(width, height int) int {
	switch p {
	case PixelFormatRGB24:
		return width * height * ColorDepth
	case PixelFormatYUV420P, PixelFormatNV12:
		return width * height * 3 / 2
	default:
		return 0
	}
}

// ParsePixelFormat maps a codec-parameter pixel format name to a PixelFormat.
func ParsePixelFormat(name string) PixelFormat {
	switch name {
	case "rgb24":
		return PixelFormatRGB24
	case "yuv420p":
		return PixelFormatYUV420P
	case "nv12":
		return PixelFormatNV12
	default:
		return PixelFormatUnknown
	}
}

// FrameType tags the three possible outcomes of a decode call.
type FrameType int

const (
	FrameTypePixels FrameType = iota // pixel payload present
	FrameTypeEOF                     // stream exhausted, not a fault
	FrameTypeError                   // decode failed, Err carries the kind
)

func (t FrameType) String() string {
	switch t {
	case FrameTypePixels:
		return "pixels"
	case FrameTypeEOF:
		return "eof"
	case FrameTypeError:
		return "error"
	default:
		return fmt.Sprintf("frametype(%d)", int(t))
	}
}

// Frame is the unit returned from decode. The pixel payload is owned by the
// producing session's internal buffer: it stays valid until the next decode
// call on that session and must not be retained across calls.
type Frame struct {
	Type     FrameType
	Err      error  // failure kind for FrameTypeError, stream-end sentinel for FrameTypeEOF
	Width    int
	Height   int
	Metadata []byte // SEI payload attached to this frame, nil when absent
	Pixels   []byte // RGB24, Width*Height*ColorDepth bytes
}

// OK reports whether the frame carries pixel data.
func (f *Frame) OK() bool {
	return f != nil && f.Type == FrameTypePixels
}
