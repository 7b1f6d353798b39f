package pts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced wall clock for deterministic policy tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func TestResolve(t *testing.T) {
	t.Parallel()
	assert.Equal(t, TrickEven, Resolve(TrickAuto, "rtmp://host/live/key"))
	assert.Equal(t, TrickEven, Resolve(TrickAuto, "rtsp://cam.local/stream"))
	assert.Equal(t, TrickEven, Resolve(TrickAuto, "srt://host:6000"))
	assert.Equal(t, TrickIncrease, Resolve(TrickAuto, "/tmp/out.rawv"))
	assert.Equal(t, TrickIncrease, Resolve(TrickAuto, "file.mp4"))
	assert.Equal(t, TrickDirect, Resolve(TrickDirect, "rtmp://host/live"))
	assert.Equal(t, TrickRelative, Resolve(TrickRelative, "out.mp4"))
}

func TestNewRejectsInvalid(t *testing.T) {
	t.Parallel()
	_, err := New(TrickAuto, 25, 0, nil)
	require.Error(t, err, "auto must be resolved before construction")
	_, err = New(TrickEven, 0, 0, nil)
	require.Error(t, err)
}

func TestIncreaseSpacingExact(t *testing.T) {
	t.Parallel()
	for _, fps := range []int{24, 25, 30, 60, 7} {
		s, err := New(TrickIncrease, fps, 0, nil)
		require.NoError(t, err)

		want := roundDiv(TimeBase, int64(fps))
		prev := s.Next()
		assert.Equal(t, int64(0), prev)
		for n := 1; n < 500; n++ {
			got := s.Next()
			assert.Equal(t, want, got-prev, "fps=%d n=%d", fps, n)
			prev = got
		}
	}
}

func TestIncreaseIgnoresWallClock(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s, err := New(TrickIncrease, 25, 0, clk.now)
	require.NoError(t, err)

	first := s.Next()
	clk.advance(10 * time.Second) // a stall must not disturb spacing
	second := s.Next()
	assert.Equal(t, int64(40), second-first)
}

func TestEvenSteadyState(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s, err := New(TrickEven, 25, 0, clk.now)
	require.NoError(t, err)

	anchor := s.Next()
	// Frames arriving on schedule project from the anchor at exact spacing.
	for n := int64(1); n <= 100; n++ {
		clk.advance(40 * time.Millisecond)
		got := s.Next()
		assert.Equal(t, anchor+roundDiv(n*TimeBase, 25), got)
	}
}

func TestEvenResyncsAfterGap(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s, err := New(TrickEven, 25, 6, clk.now)
	require.NoError(t, err)

	s.Next()
	clk.advance(40 * time.Millisecond)
	s.Next()

	// 6 frames' tolerance at 25 fps is 240 ms; a 400 ms stall must resync
	// the anchor to the current wall clock.
	clk.advance(400 * time.Millisecond)
	got := s.Next()
	assert.Equal(t, clk.now().UnixMilli(), got)

	// Steady spacing resumes from the new anchor.
	clk.advance(40 * time.Millisecond)
	assert.Equal(t, got+40, s.Next())
}

func TestEvenGapAtToleranceDoesNotResync(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s, err := New(TrickEven, 25, 6, clk.now)
	require.NoError(t, err)

	anchor := s.Next()
	clk.advance(240 * time.Millisecond) // exactly the tolerance, not beyond
	got := s.Next()
	assert.Equal(t, anchor+40, got)
}

func TestRelativeSnapsToFrameBoundary(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s, err := New(TrickRelative, 25, 0, clk.now)
	require.NoError(t, err)

	require.Equal(t, int64(0), s.Next())

	// 3 ms of scheduling jitter on a 40 ms cadence snaps to the nearest
	// frame boundary instead of leaking into the timestamp.
	clk.advance(43 * time.Millisecond)
	assert.Equal(t, int64(40), s.Next())

	clk.advance(37 * time.Millisecond) // elapsed 80 ms
	assert.Equal(t, int64(80), s.Next())

	clk.advance(100 * time.Millisecond) // elapsed 180 ms, frame 4.5 rounds to 5
	assert.Equal(t, int64(200), s.Next())
}

func TestDirectReadsAnchor(t *testing.T) {
	t.Parallel()
	s, err := New(TrickDirect, 30, 0, nil)
	require.NoError(t, err)

	s.SetAnchor(12345)
	assert.Equal(t, int64(12345), s.Next())
	s.SetAnchor(99999)
	assert.Equal(t, int64(99999), s.Next())
	assert.Equal(t, int64(99999), s.Anchor())
}

func TestRoundDiv(t *testing.T) {
	t.Parallel()
	cases := []struct {
		num, den, want int64
	}{
		{1000, 25, 40},
		{1000, 30, 33},  // 33.33 rounds down
		{1000, 24, 42},  // 41.67 rounds up
		{1, 2, 1},       // tie rounds away from zero
		{-1, 2, -1},     // negative tie rounds away from zero
		{-1000, 30, -33},
		{3, 2, 2},
		{-3, 2, -2},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, roundDiv(tc.num, tc.den), "roundDiv(%d,%d)", tc.num, tc.den)
	}
}
