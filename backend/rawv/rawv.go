// Package rawv is a pure-Go reference backend for the framepipe engine. It
// stores uncompressed video in a minimal "RAWV" container: a fixed binary
// header followed by length-prefixed access units whose NAL units carry raw
// RGB24 pixel payloads. It exists so the engine, its tests, and the CLI can
// run the full open/decode/encode/close surface without a real codec; SEI
// units attached by the session pass through it untouched.
package rawv

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/framepipe/framepipe/backend"
	"github.com/framepipe/framepipe/internal/sei"
	"github.com/framepipe/framepipe/media"
)

const (
	headerSize  = 17
	version     = 1
	flagAnnexB  = 0x01
	pixFmtRGB24 = 1

	// sliceHeader is the NAL header byte for pixel payloads:
	// nal_ref_idc 3, type 1 (non-IDR slice).
	sliceHeader = 0x61
)

var magic = [4]byte{'R', 'A', 'W', 'V'}

// ErrFormat reports a malformed RAWV container.
var ErrFormat = errors.New("rawv: malformed container")

// Backend opens RAWV files. The target is a filesystem path; decode mode
// reads an existing file, encode mode creates one.
type Backend struct{}

var _ backend.Backend = Backend{}

// Open opens the target path in the given mode. Encode mode requires
// positive geometry and frame rate and an RGB24 pixel format; decode mode
// takes geometry from the container header.
func (Backend) Open(target string, mode media.Mode, params backend.OpenParams) (backend.Stream, error) {
	switch mode {
	case media.ModeDecode:
		return openDecode(target)
	case media.ModeEncode:
		return openEncode(target, params)
	default:
		return nil, fmt.Errorf("rawv: unknown mode %v", mode)
	}
}

func openDecode(target string) (backend.Stream, error) {
	f, err := os.Open(target)
	if err != nil {
		return nil, fmt.Errorf("rawv: open %s: %w", target, err)
	}

	r := bufio.NewReader(f)
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}
	if [4]byte(hdr[:4]) != magic || hdr[4] != version {
		f.Close()
		return nil, fmt.Errorf("%w: bad magic or version", ErrFormat)
	}
	width := int(binary.BigEndian.Uint32(hdr[5:9]))
	height := int(binary.BigEndian.Uint32(hdr[9:13]))
	fps := int(binary.BigEndian.Uint16(hdr[13:15]))
	if hdr[15] != pixFmtRGB24 || width <= 0 || height <= 0 || fps <= 0 {
		f.Close()
		return nil, fmt.Errorf("%w: header %dx%d@%d fmt=%d", ErrFormat, width, height, fps, hdr[15])
	}

	return &stream{
		mode:   media.ModeDecode,
		file:   f,
		reader: r,
		annexB: hdr[16]&flagAnnexB != 0,
		info: backend.StreamInfo{
			Width:       width,
			Height:      height,
			FPS:         float64(fps),
			PixelFormat: media.PixelFormatRGB24,
		},
	}, nil
}

func openEncode(target string, params backend.OpenParams) (backend.Stream, error) {
	if params.Width <= 0 || params.Height <= 0 || params.FPS <= 0 {
		return nil, fmt.Errorf("rawv: invalid encode geometry %dx%d@%d", params.Width, params.Height, params.FPS)
	}
	if params.PixelFormat != media.PixelFormatRGB24 && params.PixelFormat != media.PixelFormatUnknown {
		return nil, fmt.Errorf("rawv: unsupported pixel format %v", params.PixelFormat)
	}

	f, err := os.Create(target)
	if err != nil {
		return nil, fmt.Errorf("rawv: create %s: %w", target, err)
	}
	w := bufio.NewWriter(f)

	hdr := make([]byte, headerSize)
	copy(hdr, magic[:])
	hdr[4] = version
	binary.BigEndian.PutUint32(hdr[5:9], uint32(params.Width))
	binary.BigEndian.PutUint32(hdr[9:13], uint32(params.Height))
	binary.BigEndian.PutUint16(hdr[13:15], uint16(params.FPS))
	hdr[15] = pixFmtRGB24
	if params.AnnexB {
		hdr[16] = flagAnnexB
	}
	if _, err := w.Write(hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("rawv: write header: %w", err)
	}

	return &stream{
		mode:   media.ModeEncode,
		file:   f,
		writer: w,
		annexB: params.AnnexB,
		info: backend.StreamInfo{
			Width:       params.Width,
			Height:      params.Height,
			FPS:         float64(params.FPS),
			PixelFormat: media.PixelFormatRGB24,
		},
	}, nil
}

type stream struct {
	mode   media.Mode
	file   *os.File
	reader *bufio.Reader
	writer *bufio.Writer
	annexB bool
	info   backend.StreamInfo
	closed bool

	lenBuf [4]byte

	// pendingFrame holds a decoded picture between SendPacket and
	// ReceiveFrame; pendingPixels holds a submitted picture between
	// SendFrame and ReceivePacket.
	pendingFrame  *backend.Frame
	pendingPixels []byte
	pendingPTS    int64
}

func (s *stream) Info() backend.StreamInfo {
	return s.info
}

func (s *stream) ReadPacket() (*backend.Packet, error) {
	if err := s.require(media.ModeDecode); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(s.reader, s.lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated access unit length: %v", ErrFormat, err)
	}
	size := int(binary.BigEndian.Uint32(s.lenBuf[:]))
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-length access unit", ErrFormat)
	}
	var ptsBuf [8]byte
	if _, err := io.ReadFull(s.reader, ptsBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated timestamp: %v", ErrFormat, err)
	}
	pts := int64(binary.BigEndian.Uint64(ptsBuf[:]))
	data := make([]byte, size)
	if _, err := io.ReadFull(s.reader, data); err != nil {
		return nil, fmt.Errorf("%w: truncated access unit: %v", ErrFormat, err)
	}
	return &backend.Packet{Data: data, PTS: pts, DTS: pts, Keyframe: true}, nil
}

func (s *stream) SendPacket(p *backend.Packet) error {
	if err := s.require(media.ModeDecode); err != nil {
		return err
	}
	if p == nil {
		// Flush. The rawv codec holds no delayed pictures.
		return nil
	}

	for _, nal := range sei.SplitAccessUnit(p.Data, s.annexB) {
		if sei.NALType(nal) != sei.NALTypeSlice {
			continue
		}
		pixels := sei.NALPayload(nal)
		want := s.info.PixelFormat.ByteSize(s.info.Width, s.info.Height)
		if len(pixels) != want {
			return fmt.Errorf("%w: slice payload %d bytes, want %d", ErrFormat, len(pixels), want)
		}
		s.pendingFrame = &backend.Frame{
			Width:       s.info.Width,
			Height:      s.info.Height,
			PixelFormat: media.PixelFormatRGB24,
			PTS:         p.PTS,
			Data:        pixels,
		}
		return nil
	}
	return fmt.Errorf("%w: access unit without slice NAL", ErrFormat)
}

func (s *stream) ReceiveFrame(f *backend.Frame) error {
	if err := s.require(media.ModeDecode); err != nil {
		return err
	}
	if s.pendingFrame == nil {
		return backend.ErrAgain
	}
	*f = *s.pendingFrame
	s.pendingFrame = nil
	return nil
}

func (s *stream) SendFrame(f *backend.Frame) error {
	if err := s.require(media.ModeEncode); err != nil {
		return err
	}
	want := s.info.PixelFormat.ByteSize(s.info.Width, s.info.Height)
	if f == nil || len(f.Data) != want {
		return fmt.Errorf("rawv: frame payload must be %d bytes", want)
	}
	if f.Device {
		return errors.New("rawv: cannot encode a device-resident frame")
	}
	s.pendingPixels = f.Data
	s.pendingPTS = f.PTS
	return nil
}

func (s *stream) ReceivePacket(p *backend.Packet) error {
	if err := s.require(media.ModeEncode); err != nil {
		return err
	}
	if s.pendingPixels == nil {
		return backend.ErrAgain
	}
	p.Data = sei.FrameNAL(sei.BuildNAL(sliceHeader, s.pendingPixels), s.annexB)
	p.PTS = s.pendingPTS
	p.DTS = s.pendingPTS
	p.Keyframe = true
	s.pendingPixels = nil
	return nil
}

func (s *stream) WritePacket(p *backend.Packet) error {
	if err := s.require(media.ModeEncode); err != nil {
		return err
	}
	var rec [12]byte
	binary.BigEndian.PutUint32(rec[:4], uint32(len(p.Data)))
	binary.BigEndian.PutUint64(rec[4:], uint64(p.PTS))
	if _, err := s.writer.Write(rec[:]); err != nil {
		return fmt.Errorf("rawv: write access unit header: %w", err)
	}
	if _, err := s.writer.Write(p.Data); err != nil {
		return fmt.Errorf("rawv: write access unit: %w", err)
	}
	return nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.writer != nil {
		err = s.writer.Flush()
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *stream) require(mode media.Mode) error {
	if s.closed {
		return errors.New("rawv: stream closed")
	}
	if s.mode != mode {
		return fmt.Errorf("rawv: operation requires %v mode, stream is %v", mode, s.mode)
	}
	return nil
}
