package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	"github.com/framepipe/framepipe/backend/rawv"
	"github.com/framepipe/framepipe/media"
	"github.com/framepipe/framepipe/pipeline"
	"github.com/framepipe/framepipe/session"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var (
		in     = flag.String("in", "", "input rawv file (decode source)")
		out    = flag.String("out", "", "output rawv file (encode sink)")
		gen    = flag.Int("gen", 0, "generate a synthetic clip of N frames into -out instead of transcoding")
		width  = flag.Int("width", 320, "frame width for -gen")
		height = flag.Int("height", 180, "frame height for -gen")
		fps    = flag.Int("fps", 25, "frame rate for -gen and transcode output")
		seiTag = flag.String("sei-uuid", "dc45e9bd-e6d9-48b7-962c-d820d923eeef", "UUID tagging attached metadata")
		annexB = flag.Bool("annexb", true, "use start-code NAL framing")
		label  = flag.String("label", "", "replace per-frame metadata with this text during transcode")
		filter = flag.String("filter", "", "only extract metadata containing this text")
		trick  = flag.Int("trick", int(session.TrickAuto), "pts policy: -1 auto, 0 even, 1 increase, 2 relative, 3 direct")
	)
	flag.Parse()

	depth, _ := strconv.Atoi(envOr("QUEUE_DEPTH", "8"))

	tag, err := uuid.Parse(*seiTag)
	if err != nil {
		slog.Error("invalid sei uuid", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("framepipe starting", "version", version)

	switch {
	case *gen > 0:
		if *out == "" {
			slog.Error("-gen requires -out")
			os.Exit(1)
		}
		if err := generate(*out, *gen, *width, *height, *fps, tag, *annexB); err != nil {
			slog.Error("generate failed", "error", err)
			os.Exit(1)
		}
		slog.Info("clip generated", "path", *out, "frames", *gen)

	case *in != "" && *out != "":
		if err := transcode(ctx, *in, *out, *fps, tag, *annexB, *label, *filter, session.PTSTrick(*trick), depth); err != nil {
			slog.Error("transcode failed", "error", err)
			os.Exit(1)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

// generate writes a synthetic gradient clip, one metadata label per frame.
func generate(path string, frames, width, height, fps int, tag uuid.UUID, annexB bool) error {
	enc, err := session.Open(session.Config{
		Mode:    media.ModeEncode,
		Target:  path,
		Backend: rawv.Backend{},
		Params: session.CodecParams{
			Width:    width,
			Height:   height,
			FPS:      fps,
			PTSTrick: session.TrickIncrease,
			SEIUUID:  tag,
			AnnexB:   annexB,
		},
	})
	if err != nil {
		return err
	}
	defer enc.Close()

	pixels := make([]byte, enc.FrameSize())
	for i := 0; i < frames; i++ {
		for j := range pixels {
			pixels[j] = byte(i + j/media.ColorDepth)
		}
		meta := []byte(fmt.Sprintf("frame=%d", i))
		if err := enc.EncodeOneFrame(pixels, meta); err != nil {
			return err
		}
	}
	return enc.Close()
}

func transcode(ctx context.Context, in, out string, fps int, tag uuid.UUID, annexB bool, label, filter string, trick session.PTSTrick, depth int) error {
	source, err := session.Open(session.Config{
		Mode:    media.ModeDecode,
		Target:  in,
		Backend: rawv.Backend{},
		Params:  session.CodecParams{SEIUUID: tag, AnnexB: annexB},
	})
	if err != nil {
		return err
	}
	defer source.Close()

	if fps <= 0 {
		fps = int(source.FrameRate())
	}
	sink, err := session.Open(session.Config{
		Mode:    media.ModeEncode,
		Target:  out,
		Backend: rawv.Backend{},
		Params: session.CodecParams{
			Width:    source.Width(),
			Height:   source.Height(),
			FPS:      fps,
			PTSTrick: trick,
			SEIUUID:  tag,
			AnnexB:   annexB,
		},
	})
	if err != nil {
		return err
	}
	defer sink.Close()

	cfg := pipeline.Config{
		Source: source,
		Sink:   sink,
		Filter: filter,
		Depth:  depth,
	}
	if label != "" {
		cfg.Rewrite = func(seq int64, _ []byte) []byte {
			return []byte(fmt.Sprintf("%s seq=%d", label, seq))
		}
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		return err
	}
	if err := p.Run(ctx); err != nil {
		return err
	}
	if err := sink.Close(); err != nil {
		return err
	}

	stats := p.Snapshot()
	slog.Info("transcode complete",
		"in", in,
		"out", out,
		"decoded", stats.Decoded,
		"encoded", stats.Encoded,
		"uptime_ms", stats.UptimeMs,
	)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
