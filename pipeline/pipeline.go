// Package pipeline orchestrates the decode-to-encode data flow between two
// sessions, forwarding pictures and their attached metadata from the source
// to the sink while collecting telemetry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/framepipe/framepipe/media"
	"github.com/framepipe/framepipe/session"
)

// defaultDepth bounds the decoded-frame queue. Frames are full pictures, so
// the queue is kept short to cap memory.
const defaultDepth = 8

// MetadataFunc rewrites the metadata attached to one picture before it is
// re-encoded. seq is the source frame sequence number; meta is the extracted
// payload, nil when the picture carried none. Returning nil drops metadata.
type MetadataFunc func(seq int64, meta []byte) []byte

// Config pairs a decode session with an encode session. Both sessions must
// be open and of matching frame geometry; the pipeline takes over driving
// them and closes neither.
type Config struct {
	Source *session.Session
	Sink   *session.Session

	// Filter narrows metadata extraction on the source to payloads
	// containing the given text.
	Filter string

	// Rewrite, when set, transforms per-picture metadata in flight.
	Rewrite MetadataFunc

	// Depth is the decoded-frame queue bound; zero means defaultDepth.
	Depth int

	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of pipeline progress.
type Stats struct {
	Decoded   int64 `json:"decoded"`
	Encoded   int64 `json:"encoded"`
	InFlight  int64 `json:"in_flight"`
	LastSeq   int64 `json:"last_seq"`
	UptimeMs  int64 `json:"uptime_ms"`
	QueueSize int   `json:"queue_size"`
}

// Pipeline bridges one decode session and one encode session. It drains
// pictures from the source on one goroutine and feeds the sink on another,
// decoupled by a bounded queue so a slow sink backpressures the source
// instead of ballooning memory.
type Pipeline struct {
	log     *slog.Logger
	src     *session.Session
	sink    *session.Session
	filter  string
	rewrite MetadataFunc
	depth   int
	started time.Time

	decoded atomic.Int64
	encoded atomic.Int64
	lastSeq atomic.Int64
}

type picture struct {
	seq    int64
	pixels []byte
	meta   []byte
}

// New validates the session pairing and returns a Pipeline ready to Run.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil || cfg.Sink == nil {
		return nil, errors.New("pipeline: source and sink sessions required")
	}
	if cfg.Source.Mode() != media.ModeDecode {
		return nil, fmt.Errorf("pipeline: source session is %v, want decode", cfg.Source.Mode())
	}
	if cfg.Sink.Mode() != media.ModeEncode {
		return nil, fmt.Errorf("pipeline: sink session is %v, want encode", cfg.Sink.Mode())
	}
	if cfg.Source.FrameSize() != cfg.Sink.FrameSize() {
		return nil, fmt.Errorf("pipeline: frame size mismatch, source %d sink %d",
			cfg.Source.FrameSize(), cfg.Sink.FrameSize())
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	depth := cfg.Depth
	if depth <= 0 {
		depth = defaultDepth
	}
	return &Pipeline{
		log:     log.With("component", "pipeline"),
		src:     cfg.Source,
		sink:    cfg.Sink,
		filter:  cfg.Filter,
		rewrite: cfg.Rewrite,
		depth:   depth,
		started: time.Now(),
	}, nil
}

// Snapshot returns current progress counters.
func (p *Pipeline) Snapshot() Stats {
	decoded := p.decoded.Load()
	encoded := p.encoded.Load()
	return Stats{
		Decoded:   decoded,
		Encoded:   encoded,
		InFlight:  decoded - encoded,
		LastSeq:   p.lastSeq.Load(),
		UptimeMs:  time.Since(p.started).Milliseconds(),
		QueueSize: p.depth,
	}
}

// Run moves pictures from source to sink until the source reports end of
// stream, either side fails, or the context is cancelled. It returns nil on
// a clean end of stream.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	queue := make(chan *picture, p.depth)

	g.Go(func() error {
		defer close(queue)
		for {
			f := p.src.DecodeOneFrame(p.filter)
			switch f.Type {
			case media.FrameTypeEOF:
				p.log.Info("source exhausted", "decoded", p.decoded.Load())
				return nil
			case media.FrameTypeError:
				return fmt.Errorf("pipeline: decode: %w", f.Err)
			}
			// The session reuses its pixel buffer, so the queue gets a copy.
			pic := &picture{
				seq:    p.src.FrameSeq(),
				pixels: append([]byte(nil), f.Pixels...),
				meta:   f.Metadata,
			}
			p.decoded.Add(1)
			select {
			case queue <- pic:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case pic, ok := <-queue:
				if !ok {
					p.log.Info("sink finished", "encoded", p.encoded.Load())
					return nil
				}
				meta := pic.meta
				if p.rewrite != nil {
					meta = p.rewrite(pic.seq, meta)
				}
				if err := p.sink.EncodeOneFrame(pic.pixels, meta); err != nil {
					return fmt.Errorf("pipeline: encode frame %d: %w", pic.seq, err)
				}
				p.encoded.Add(1)
				p.lastSeq.Store(pic.seq)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	return g.Wait()
}
