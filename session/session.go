// Package session implements the per-stream codec session: the lifecycle
// state machine, the decode and encode frame contracts, timestamp policy,
// the hardware/software conversion path, shared-memory hand-off, and SEI
// metadata carriage. One session owns one opened stream and all of its
// frame buffers; it is single-threaded by contract and every call blocks
// until the backend produces or consumes a full frame.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/framepipe/framepipe/backend"
	"github.com/framepipe/framepipe/hwaccel"
	"github.com/framepipe/framepipe/internal/pts"
	"github.com/framepipe/framepipe/internal/sei"
	"github.com/framepipe/framepipe/internal/shm"
	"github.com/framepipe/framepipe/media"
)

// State is the session lifecycle position. It gates which operations are
// legal at any moment.
type State int

const (
	StateInit    State = iota // allocated, nothing configured
	StateReady                // opened, buffers allocated, no frames yet
	StateRunning              // steady-state decode/encode
	StateEnd                  // backend reported end of stream (decode)
	StateClosed               // resources released, terminal
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateEnd:
		return "end"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SharedMemoryConfig enables the shared-memory frame hand-off. Size is the
// total segment size in bytes; BaseOffset is added to every per-call offset.
type SharedMemoryConfig struct {
	Name       string
	Size       int
	BaseOffset int
}

// Config carries everything Open needs. Backend is required; Converter
// defaults to the passthrough host converter; Device is required only when
// HWAccel is set.
type Config struct {
	Mode   media.Mode
	Target string
	Params CodecParams

	Backend backend.Backend

	HWAccel           bool
	HWPixelConversion bool
	HWDevice          string
	Device            hwaccel.Device
	Converter         hwaccel.HostConverter

	SharedMemory *SharedMemoryConfig

	Logger *slog.Logger
}

// Session drives one opened stream. Not safe for concurrent use: one
// session, one logical thread of control.
type Session struct {
	log    *slog.Logger
	mode   media.Mode
	state  State
	target string
	params CodecParams

	stream     backend.Stream
	sel        *hwaccel.Selector
	strategist *pts.Strategist
	seg        *shm.Segment
	shmBase    int

	width     int
	height    int
	frameSize int
	framerate float64
	nativeFmt media.PixelFormat
	frameSeq  int64

	// rawFrame is the session-owned working buffer; the Pixels slice of
	// every returned frame aliases it and stays valid until the next
	// decode call.
	rawFrame []byte
	frame    media.Frame

	// lastAU is the most recent access unit fed to the decoder, kept for
	// SEI extraction once the matching picture surfaces.
	lastAU  []byte
	flushed bool

	// pendingSEI holds metadata for pictures the encoder has accepted but
	// not yet emitted, keyed by the timestamp stamped at submission. An
	// encoder with reordering delay emits those access units on later
	// calls; the metadata must ride in the unit for its own picture.
	pendingSEI map[int64][]byte
}

// Open opens a stream and returns a READY session. On any failure every
// partially acquired resource is released before the error is returned; no
// partial-open state is observable.
func Open(cfg Config) (*Session, error) {
	if cfg.Backend == nil {
		return nil, errors.New("session: nil backend")
	}
	if cfg.Target == "" {
		return nil, fmt.Errorf("%w: empty target", ErrTarget)
	}
	if err := cfg.Params.validate(cfg.Mode); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "session", "mode", cfg.Mode.String(), "target", cfg.Target)

	s := &Session{
		log:    log,
		mode:   cfg.Mode,
		state:  StateInit,
		target: cfg.Target,
		params: cfg.Params,
	}

	if cfg.Mode == media.ModeEncode {
		trick := pts.Resolve(pts.Trick(cfg.Params.PTSTrick), cfg.Target)
		strategist, err := pts.New(trick, cfg.Params.FPS, cfg.Params.GapTolerance, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		s.strategist = strategist
	}

	stream, err := cfg.Backend.Open(cfg.Target, cfg.Mode, cfg.Params.openParams())
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrContainer, cfg.Target, err)
	}
	s.stream = stream

	info := stream.Info()
	if info.Width <= 0 || info.Height <= 0 {
		s.teardown()
		return nil, fmt.Errorf("%w: backend negotiated %dx%d", ErrCodec, info.Width, info.Height)
	}
	s.width = info.Width
	s.height = info.Height
	s.framerate = info.FPS
	s.nativeFmt = info.PixelFormat
	s.frameSize = media.PixelFormatRGB24.ByteSize(info.Width, info.Height)
	if s.frameSize <= 0 {
		s.teardown()
		return nil, fmt.Errorf("%w: working frame for %dx%d", ErrFrameAllocation, info.Width, info.Height)
	}
	s.rawFrame = make([]byte, s.frameSize)

	conv := cfg.Converter
	if conv == nil {
		conv = hwaccel.Passthrough{}
	}
	var dev hwaccel.DeviceContext
	if cfg.HWAccel {
		if cfg.Device == nil {
			s.teardown()
			return nil, fmt.Errorf("%w: no device capability", ErrHardwareAcceleration)
		}
		dev, err = cfg.Device.Acquire(cfg.HWDevice)
		if err != nil {
			s.teardown()
			return nil, fmt.Errorf("%w: acquire %q: %w", ErrHardwareAcceleration, cfg.HWDevice, err)
		}
	}
	s.sel, err = hwaccel.NewSelector(conv, dev, cfg.HWAccel && cfg.HWPixelConversion)
	if err != nil {
		if dev != nil {
			dev.Release()
		}
		s.teardown()
		return nil, err
	}

	if cfg.SharedMemory != nil {
		sm := cfg.SharedMemory
		// Geometry and segment size are fixed here, so the base range is
		// validated once at open rather than on every call.
		if sm.BaseOffset < 0 || sm.BaseOffset+s.frameSize > sm.Size {
			s.teardown()
			return nil, fmt.Errorf("%w: frame of %d bytes at base %d exceeds segment size %d",
				ErrSharedMemory, s.frameSize, sm.BaseOffset, sm.Size)
		}
		s.seg, err = shm.Open(sm.Name, sm.Size)
		if err != nil {
			s.teardown()
			return nil, fmt.Errorf("%w: %w", ErrSharedMemory, err)
		}
		s.shmBase = sm.BaseOffset
	}

	s.state = StateReady
	log.Info("session opened",
		"width", s.width,
		"height", s.height,
		"fps", s.framerate,
		"hw", cfg.HWAccel,
		"shm", cfg.SharedMemory != nil,
	)
	return s, nil
}

// Width returns the negotiated image width.
func (s *Session) Width() int { return s.width }

// Height returns the negotiated image height.
func (s *Session) Height() int { return s.height }

// FrameSize returns the RGB working-frame size in bytes.
func (s *Session) FrameSize() int { return s.frameSize }

// FrameRate returns the negotiated frame rate.
func (s *Session) FrameRate() float64 { return s.framerate }

// FrameSeq returns the strictly increasing sequence number of frames moved
// through this session.
func (s *Session) FrameSeq() int64 { return s.frameSeq }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Mode returns the session direction.
func (s *Session) Mode() media.Mode { return s.mode }

// SetPTSAnchor sets the timestamp anchor. Required before every encode call
// under TrickDirect; the other policies ignore it.
func (s *Session) SetPTSAnchor(v int64) {
	if s.strategist != nil {
		s.strategist.SetAnchor(v)
	}
}

// PTSAnchor returns the current timestamp anchor.
func (s *Session) PTSAnchor() int64 {
	if s.strategist == nil {
		return 0
	}
	return s.strategist.Anchor()
}

// DecodeOneFrame pulls compressed packets and drives the decoder until one
// full picture is available, the stream ends, or a failure occurs. The
// result is tagged pixel-data, end-of-stream, or error; on pixel-data the
// payload aliases the session buffer and stays valid until the next decode
// call. filter optionally narrows SEI extraction to payloads containing the
// given text.
func (s *Session) DecodeOneFrame(filter string) *media.Frame {
	return s.decode(filter, false, 0)
}

// DecodeOneFrameToShm behaves like DecodeOneFrame and additionally copies
// the pixel payload into the shared-memory segment at base+offset.
func (s *Session) DecodeOneFrameToShm(offset int, filter string) *media.Frame {
	return s.decode(filter, true, offset)
}

func (s *Session) decode(filter string, toShm bool, offset int) *media.Frame {
	if err := s.usable(); err != nil {
		return s.errorFrame(err)
	}
	if s.mode != media.ModeDecode {
		return s.errorFrame(fmt.Errorf("%w: decode on %v session", ErrSessionUnavailable, s.mode))
	}
	if toShm && s.seg == nil {
		return s.errorFrame(fmt.Errorf("%w: shared memory not enabled", ErrSharedMemory))
	}
	if s.state == StateEnd {
		// Terminal state is idempotent: re-signal end of stream.
		return s.eofFrame()
	}
	s.state = StateRunning

	var native backend.Frame
	for {
		err := s.stream.ReceiveFrame(&native)
		if err == nil {
			break
		}
		if !errors.Is(err, backend.ErrAgain) {
			return s.errorFrame(fmt.Errorf("%w: %w", ErrBackendReceive, err))
		}
		if s.flushed {
			s.state = StateEnd
			s.log.Debug("stream exhausted", "frames", s.frameSeq)
			return s.eofFrame()
		}

		pkt, err := s.stream.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if err := s.stream.SendPacket(nil); err != nil {
					return s.errorFrame(fmt.Errorf("%w: flush: %w", ErrBackendSend, err))
				}
				s.flushed = true
				continue
			}
			return s.errorFrame(fmt.Errorf("%w: read %s: %w", ErrTarget, s.target, err))
		}
		s.lastAU = pkt.Data
		if err := s.stream.SendPacket(pkt); err != nil {
			return s.errorFrame(fmt.Errorf("%w: %w", ErrBackendSend, err))
		}
	}

	rgb, err := s.sel.DecodeConvert(&native, media.PixelFormatRGB24)
	if err != nil {
		return s.errorFrame(err)
	}
	if len(rgb.Data) != s.frameSize {
		return s.errorFrame(fmt.Errorf("%w: converted frame is %d bytes, want %d",
			ErrPixelConversion, len(rgb.Data), s.frameSize))
	}
	copy(s.rawFrame, rgb.Data)

	var meta []byte
	if s.lastAU != nil {
		meta = sei.Extract(s.lastAU, s.params.AnnexB, s.params.SEIUUID, filter)
	}

	if toShm {
		if err := s.seg.WriteAt(s.rawFrame, s.shmBase+offset); err != nil {
			return s.errorFrame(fmt.Errorf("%w: %w", ErrSharedMemory, err))
		}
	}

	s.frameSeq++
	s.frame = media.Frame{
		Type:     media.FrameTypePixels,
		Width:    s.width,
		Height:   s.height,
		Metadata: meta,
		Pixels:   s.rawFrame,
	}
	return &s.frame
}

// EncodeOneFrame stamps the pixel buffer with the policy timestamp, routes
// it through the conversion path, submits it, and drains whatever packets
// the encoder is ready to emit. metadata, when non-nil, is packaged as an
// SEI unit in the access unit of this picture; if the encoder holds the
// picture back, the metadata is attached on the call that drains it.
func (s *Session) EncodeOneFrame(pixels, metadata []byte) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.requireEncode(); err != nil {
		return err
	}
	return s.encode(pixels, metadata)
}

// EncodeOneFrameFromShm reads the source pixel buffer from the shared
// segment at base+offset instead of taking it from the caller.
func (s *Session) EncodeOneFrameFromShm(offset int, metadata []byte) error {
	if err := s.usable(); err != nil {
		return err
	}
	// rawFrame backs the last decoded picture on a decode session, so the
	// mode check must come before the segment copy overwrites it.
	if err := s.requireEncode(); err != nil {
		return err
	}
	if s.seg == nil {
		return fmt.Errorf("%w: shared memory not enabled", ErrSharedMemory)
	}
	if err := s.seg.ReadAt(s.rawFrame, s.shmBase+offset); err != nil {
		return fmt.Errorf("%w: %w", ErrSharedMemory, err)
	}
	return s.encode(s.rawFrame, metadata)
}

func (s *Session) requireEncode() error {
	if s.mode != media.ModeEncode {
		return fmt.Errorf("%w: encode on %v session", ErrSessionUnavailable, s.mode)
	}
	return nil
}

func (s *Session) encode(pixels, metadata []byte) error {
	if len(pixels) != s.frameSize {
		return fmt.Errorf("%w: pixel buffer is %d bytes, want %d", ErrInvalidParams, len(pixels), s.frameSize)
	}
	s.state = StateRunning

	working := backend.Frame{
		Width:       s.width,
		Height:      s.height,
		PixelFormat: media.PixelFormatRGB24,
		PTS:         s.strategist.Next(),
		Data:        pixels,
	}

	native, err := s.sel.EncodeConvert(&working, s.nativeFmt)
	if err != nil {
		return err
	}
	if err := s.stream.SendFrame(native); err != nil {
		return fmt.Errorf("%w: %w", ErrBackendSend, err)
	}
	s.frameSeq++
	if metadata != nil {
		if s.pendingSEI == nil {
			s.pendingSEI = make(map[int64][]byte)
		}
		s.pendingSEI[working.PTS] = append([]byte(nil), metadata...)
	}

	for {
		var pkt backend.Packet
		err := s.stream.ReceivePacket(&pkt)
		if errors.Is(err, backend.ErrAgain) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBackendReceive, err)
		}
		if meta, ok := s.pendingSEI[pkt.PTS]; ok {
			unit := sei.Build(s.params.SEIUUID, meta, s.params.AnnexB)
			pkt.Data = append(unit, pkt.Data...)
			delete(s.pendingSEI, pkt.PTS)
		}
		if err := s.stream.WritePacket(&pkt); err != nil {
			return fmt.Errorf("%w: write %s: %w", ErrTarget, s.target, err)
		}
	}
	return nil
}

// Close releases all owned buffers, contexts, and the shared-memory mapping
// if held. It is legal from any state and idempotent: closing a closed
// session is a no-op that returns nil.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	err := s.teardown()
	s.state = StateClosed
	s.log.Info("session closed", "frames", s.frameSeq)
	return err
}

// teardown releases whatever subset of resources has been acquired. Used
// both by Close and by partial-open failure paths.
func (s *Session) teardown() error {
	var errs []error
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			errs = append(errs, err)
		}
		s.stream = nil
	}
	if s.sel != nil {
		if err := s.sel.Release(); err != nil {
			errs = append(errs, err)
		}
		s.sel = nil
	}
	if s.seg != nil {
		if err := s.seg.Close(); err != nil {
			errs = append(errs, err)
		}
		s.seg = nil
	}
	return errors.Join(errs...)
}

func (s *Session) usable() error {
	switch s.state {
	case StateReady, StateRunning, StateEnd:
		return nil
	default:
		return fmt.Errorf("%w: state %v", ErrSessionUnavailable, s.state)
	}
}

func (s *Session) errorFrame(err error) *media.Frame {
	if !errors.Is(err, ErrSessionUnavailable) {
		s.log.Error("decode failed", "error", err)
	}
	s.frame = media.Frame{
		Type:   media.FrameTypeError,
		Err:    err,
		Width:  s.width,
		Height: s.height,
	}
	return &s.frame
}

func (s *Session) eofFrame() *media.Frame {
	s.frame = media.Frame{
		Type:   media.FrameTypeEOF,
		Err:    ErrStreamEnd,
		Width:  s.width,
		Height: s.height,
	}
	return &s.frame
}
