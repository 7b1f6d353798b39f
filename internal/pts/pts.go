// Package pts computes presentation timestamps for encode sessions. All
// arithmetic happens at a fixed 1/1000 s time base in integers; conversions
// round to nearest with ties away from zero, so long-running streams never
// accumulate floating-point drift.
package pts

import (
	"fmt"
	"strings"
	"time"
)

// TimeBase is the number of timestamp ticks per second.
const TimeBase = 1000

// DefaultGapTolerance is the Even-policy resync threshold, expressed in
// frames' worth of wall-clock time. The correct value is stream dependent;
// sessions may override it per open.
const DefaultGapTolerance = 6

// Trick selects the timestamp policy for an encode session.
type Trick int

const (
	// TrickAuto resolves to Even for live targets and Increase otherwise.
	TrickAuto Trick = iota - 1

	// TrickEven projects timestamps from an anchor at exact frame spacing,
	// resynchronizing the anchor to the wall clock when upstream jitter
	// opens a gap larger than the configured tolerance.
	TrickEven

	// TrickIncrease spaces timestamps uniformly from the previous one,
	// ignoring the wall clock entirely.
	TrickIncrease

	// TrickRelative derives timestamps from wall-clock time elapsed since
	// the first frame, snapped to the nearest frame boundary.
	TrickRelative

	// TrickDirect performs no computation; the caller sets the anchor
	// before every encode call.
	TrickDirect
)

func (t Trick) String() string {
	switch t {
	case TrickAuto:
		return "auto"
	case TrickEven:
		return "even"
	case TrickIncrease:
		return "increase"
	case TrickRelative:
		return "relative"
	case TrickDirect:
		return "direct"
	default:
		return fmt.Sprintf("trick(%d)", int(t))
	}
}

// Resolve maps TrickAuto to a concrete policy based on the target address:
// live-streaming schemes get Even, everything else gets Increase. Concrete
// tricks pass through unchanged.
func Resolve(t Trick, target string) Trick {
	if t != TrickAuto {
		return t
	}
	for _, scheme := range []string{"rtmp://", "rtsp://", "srt://"} {
		if strings.HasPrefix(target, scheme) {
			return TrickEven
		}
	}
	return TrickIncrease
}

// Strategist issues one timestamp per encode call under a fixed policy.
// It is not safe for concurrent use; a session drives it from its single
// thread of control.
type Strategist struct {
	trick     Trick
	fps       int64
	tolerance int64 // resync threshold in ticks (Even)
	now       func() time.Time

	started   bool
	anchor    int64 // Even projection base / Direct caller-set value, ticks
	anchorSeq int64 // frames issued since the current anchor (Even)
	prev      int64 // last issued timestamp (Increase)
	startWall int64 // wall clock at first frame (Relative), ticks
	lastWall  int64 // wall clock at previous call (Even), ticks
}

// New builds a Strategist. gapTolerance is in frames; zero or negative means
// DefaultGapTolerance. nowFn is the wall-clock source, nil means time.Now.
func New(trick Trick, fps int, gapTolerance int, nowFn func() time.Time) (*Strategist, error) {
	switch trick {
	case TrickEven, TrickIncrease, TrickRelative, TrickDirect:
	default:
		return nil, fmt.Errorf("pts: unresolved trick %v", trick)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("pts: invalid fps %d", fps)
	}
	if gapTolerance <= 0 {
		gapTolerance = DefaultGapTolerance
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	interval := roundDiv(TimeBase, int64(fps))
	return &Strategist{
		trick:     trick,
		fps:       int64(fps),
		tolerance: int64(gapTolerance) * interval,
		now:       nowFn,
	}, nil
}

// Interval returns the nominal tick spacing between frames.
func (s *Strategist) Interval() int64 {
	return roundDiv(TimeBase, s.fps)
}

// SetAnchor sets the anchor value. Required before every encode call under
// TrickDirect; TrickIncrease starts its spacing from the anchor held at the
// first frame; Even and Relative manage their own state and ignore it.
func (s *Strategist) SetAnchor(v int64) {
	s.anchor = v
}

// Anchor returns the current anchor value.
func (s *Strategist) Anchor() int64 {
	return s.anchor
}

// Next computes the timestamp for the next frame and advances the policy
// state.
func (s *Strategist) Next() int64 {
	switch s.trick {
	case TrickEven:
		return s.nextEven()
	case TrickIncrease:
		return s.nextIncrease()
	case TrickRelative:
		return s.nextRelative()
	default:
		return s.anchor
	}
}

func (s *Strategist) nextEven() int64 {
	wall := s.wallTicks()
	defer func() { s.lastWall = wall }()

	if !s.started {
		s.started = true
		s.anchor = wall
		s.anchorSeq = 0
		return s.anchor
	}
	if wall-s.lastWall > s.tolerance {
		// Upstream stalled longer than the tolerance: projecting from the
		// old anchor would lag the live edge, so resync to the wall clock.
		s.anchor = wall
		s.anchorSeq = 0
		return s.anchor
	}
	s.anchorSeq++
	return s.anchor + roundDiv(s.anchorSeq*TimeBase, s.fps)
}

func (s *Strategist) nextIncrease() int64 {
	if !s.started {
		s.started = true
		s.prev = s.anchor
		return s.prev
	}
	s.prev += roundDiv(TimeBase, s.fps)
	return s.prev
}

func (s *Strategist) nextRelative() int64 {
	wall := s.wallTicks()
	if !s.started {
		s.started = true
		s.startWall = wall
		return 0
	}
	// Snap the elapsed wall time to the nearest frame boundary to absorb
	// caller-side scheduling jitter.
	elapsed := wall - s.startWall
	frame := roundDiv(elapsed*s.fps, TimeBase)
	return roundDiv(frame*TimeBase, s.fps)
}

func (s *Strategist) wallTicks() int64 {
	return s.now().UnixMilli() * TimeBase / 1000
}

// roundDiv divides num by den rounding to nearest, ties away from zero.
// den must be positive.
func roundDiv(num, den int64) int64 {
	if num >= 0 {
		return (num + den/2) / den
	}
	return -((-num + den/2) / den)
}
