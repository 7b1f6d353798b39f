// Package backend declares the narrow boundary between the framepipe engine
// and the container/codec implementation behind it. The engine drives a
// Stream one packet or frame at a time and never looks inside the codec:
// demuxing, codec negotiation, and bitstream decoding all live behind these
// interfaces.
//
// The call shape follows the send/receive model used by FFmpeg-style codecs:
// feeding input and collecting output are separate calls, and ErrAgain tells
// the engine to feed more input before output becomes available.
package backend

import (
	"errors"

	"github.com/framepipe/framepipe/media"
)

// ErrAgain is returned by ReceiveFrame and ReceivePacket when the codec
// needs more input before it can produce output. It is flow control, not a
// failure.
var ErrAgain = errors.New("backend: need more input")

// OpenParams is the configuration snapshot handed to Open. Fields the
// backend does not understand are ignored; zero geometry in decode mode
// means "take it from the stream".
type OpenParams struct {
	Width       int
	Height      int
	FPS         int
	Bitrate     int
	MaxBitrate  int
	GOP         int
	BFrames     int
	Codec       string
	Profile     string
	Preset      string
	Tune        string
	Flags       string
	Flags2      string
	PixelFormat media.PixelFormat
	Format      string // container format identifier
	AnnexB      bool   // NAL framing convention for emitted access units
}

// StreamInfo is the geometry and rate the backend negotiated at open time.
type StreamInfo struct {
	Width       int
	Height      int
	FPS         float64
	PixelFormat media.PixelFormat
}

// Packet is one compressed access unit moving between the container and the
// codec. Data layout (Annex B start codes vs length-prefixed NAL units)
// follows the convention negotiated at open.
type Packet struct {
	Data     []byte
	PTS      int64
	DTS      int64
	Keyframe bool
}

// Frame is a codec-native picture. Device reports whether the pixel payload
// currently lives in accelerator memory; host code must not touch Data while
// Device is true.
type Frame struct {
	Width       int
	Height      int
	PixelFormat media.PixelFormat
	PTS         int64
	Data        []byte
	Device      bool
}

// Backend opens streams. One Open call produces one exclusively owned
// Stream; the caller closes it exactly once.
type Backend interface {
	Open(target string, mode media.Mode, params OpenParams) (Stream, error)
}

// Stream is an opened target plus its negotiated codec context.
//
// Decode-mode calls: ReadPacket pulls the next compressed packet from the
// container (io.EOF at end of stream), SendPacket feeds the decoder (a nil
// packet flushes it), ReceiveFrame collects a decoded picture or ErrAgain.
//
// Encode-mode calls: SendFrame feeds the encoder, ReceivePacket collects an
// encoded packet or ErrAgain, WritePacket hands a finished access unit to
// the container.
type Stream interface {
	Info() StreamInfo

	ReadPacket() (*Packet, error)
	SendPacket(*Packet) error
	ReceiveFrame(*Frame) error

	SendFrame(*Frame) error
	ReceivePacket(*Packet) error
	WritePacket(*Packet) error

	Close() error
}
