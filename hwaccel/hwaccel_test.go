package hwaccel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framepipe/framepipe/backend"
	"github.com/framepipe/framepipe/media"
)

// fakeDevice records the call sequence and can fail any step.
type fakeDevice struct {
	calls []string

	failTransferTo   error
	failTransferFrom error
	failConvert      error
	releaseErr       error
	released         int
}

func (d *fakeDevice) TransferToDevice(f *backend.Frame) error {
	d.calls = append(d.calls, "to-device")
	if d.failTransferTo != nil {
		return d.failTransferTo
	}
	f.Device = true
	return nil
}

func (d *fakeDevice) TransferFromDevice(f *backend.Frame) error {
	d.calls = append(d.calls, "from-device")
	if d.failTransferFrom != nil {
		return d.failTransferFrom
	}
	f.Device = false
	return nil
}

func (d *fakeDevice) Convert(src *backend.Frame, dst media.PixelFormat) (*backend.Frame, error) {
	d.calls = append(d.calls, "convert")
	if d.failConvert != nil {
		return nil, d.failConvert
	}
	out := *src
	out.PixelFormat = dst
	return &out, nil
}

func (d *fakeDevice) Release() error {
	d.released++
	return d.releaseErr
}

// fakeHost converts by relabeling the format.
type fakeHost struct {
	calls int
	fail  error
}

func (h *fakeHost) Convert(src *backend.Frame, dst media.PixelFormat) (*backend.Frame, error) {
	h.calls++
	if h.fail != nil {
		return nil, h.fail
	}
	out := *src
	out.PixelFormat = dst
	return &out, nil
}

func nativeFrame(onDevice bool) *backend.Frame {
	return &backend.Frame{
		Width:       4,
		Height:      2,
		PixelFormat: media.PixelFormatYUV420P,
		Data:        make([]byte, 12),
		Device:      onDevice,
	}
}

func TestNewSelectorValidation(t *testing.T) {
	t.Parallel()
	_, err := NewSelector(nil, nil, true)
	assert.ErrorIs(t, err, ErrHardware)

	_, err = NewSelector(nil, nil, false)
	assert.ErrorIs(t, err, ErrConversion)

	s, err := NewSelector(&fakeHost{}, nil, false)
	require.NoError(t, err)
	assert.False(t, s.HardwareEnabled())
}

func TestDecodeSoftwarePath(t *testing.T) {
	t.Parallel()
	host := &fakeHost{}
	s, err := NewSelector(host, nil, false)
	require.NoError(t, err)

	out, err := s.DecodeConvert(nativeFrame(false), media.PixelFormatRGB24)
	require.NoError(t, err)
	assert.Equal(t, media.PixelFormatRGB24, out.PixelFormat)
	assert.Equal(t, 1, host.calls)
}

func TestDecodeHardwareHostConvert(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{}
	host := &fakeHost{}
	s, err := NewSelector(host, dev, false)
	require.NoError(t, err)

	out, err := s.DecodeConvert(nativeFrame(true), media.PixelFormatRGB24)
	require.NoError(t, err)
	assert.Equal(t, []string{"from-device"}, dev.calls)
	assert.Equal(t, 1, host.calls)
	assert.False(t, out.Device)
}

func TestDecodeConvertOnDevice(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{}
	s, err := NewSelector(nil, dev, true)
	require.NoError(t, err)

	out, err := s.DecodeConvert(nativeFrame(true), media.PixelFormatRGB24)
	require.NoError(t, err)
	// Convert while still on device, then transfer the RGB result off.
	assert.Equal(t, []string{"convert", "from-device"}, dev.calls)
	assert.Equal(t, media.PixelFormatRGB24, out.PixelFormat)
	assert.False(t, out.Device)
}

func TestEncodeMirrorPaths(t *testing.T) {
	t.Parallel()

	t.Run("software", func(t *testing.T) {
		host := &fakeHost{}
		s, err := NewSelector(host, nil, false)
		require.NoError(t, err)
		out, err := s.EncodeConvert(nativeFrame(false), media.PixelFormatYUV420P)
		require.NoError(t, err)
		assert.Equal(t, media.PixelFormatYUV420P, out.PixelFormat)
	})

	t.Run("hardware host convert", func(t *testing.T) {
		dev := &fakeDevice{}
		host := &fakeHost{}
		s, err := NewSelector(host, dev, false)
		require.NoError(t, err)
		out, err := s.EncodeConvert(nativeFrame(false), media.PixelFormatNV12)
		require.NoError(t, err)
		// Host conversion first, then transfer onto the device.
		assert.Equal(t, []string{"to-device"}, dev.calls)
		assert.True(t, out.Device)
	})

	t.Run("convert on device", func(t *testing.T) {
		dev := &fakeDevice{}
		s, err := NewSelector(nil, dev, true)
		require.NoError(t, err)
		out, err := s.EncodeConvert(nativeFrame(false), media.PixelFormatNV12)
		require.NoError(t, err)
		assert.Equal(t, []string{"to-device", "convert"}, dev.calls)
		assert.Equal(t, media.PixelFormatNV12, out.PixelFormat)
	})
}

func TestErrorKindsDistinct(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")

	t.Run("transfer failure is hardware", func(t *testing.T) {
		dev := &fakeDevice{failTransferFrom: boom}
		s, err := NewSelector(&fakeHost{}, dev, false)
		require.NoError(t, err)
		_, err = s.DecodeConvert(nativeFrame(true), media.PixelFormatRGB24)
		assert.ErrorIs(t, err, ErrHardware)
		assert.NotErrorIs(t, err, ErrConversion)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("host convert failure is conversion", func(t *testing.T) {
		s, err := NewSelector(&fakeHost{fail: boom}, nil, false)
		require.NoError(t, err)
		_, err = s.DecodeConvert(nativeFrame(false), media.PixelFormatRGB24)
		assert.ErrorIs(t, err, ErrConversion)
		assert.NotErrorIs(t, err, ErrHardware)
	})

	t.Run("device convert failure is conversion", func(t *testing.T) {
		dev := &fakeDevice{failConvert: boom}
		s, err := NewSelector(nil, dev, true)
		require.NoError(t, err)
		_, err = s.DecodeConvert(nativeFrame(true), media.PixelFormatRGB24)
		assert.ErrorIs(t, err, ErrConversion)
	})
}

func TestReleaseIdempotent(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{}
	s, err := NewSelector(&fakeHost{}, dev, false)
	require.NoError(t, err)

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())
	assert.Equal(t, 1, dev.released)

	soft, err := NewSelector(&fakeHost{}, nil, false)
	require.NoError(t, err)
	assert.NoError(t, soft.Release())
}

func TestPassthrough(t *testing.T) {
	t.Parallel()
	f := nativeFrame(false)
	f.PixelFormat = media.PixelFormatRGB24

	out, err := Passthrough{}.Convert(f, media.PixelFormatRGB24)
	require.NoError(t, err)
	assert.Same(t, f, out)

	_, err = Passthrough{}.Convert(f, media.PixelFormatNV12)
	assert.Error(t, err)
}
