// Package media adapts ffmpeg child processes to the pipeline's frame
// source and sink interfaces.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sync"
	"time"

	"github.com/andresmejia3/muzzle/internal/pipeline"
	"github.com/andresmejia3/muzzle/internal/utils"
)

// RawSource reads tightly packed RGBA frames from a stream.
type RawSource struct {
	r      io.Reader
	width  int
	height int
	fps    float64
	index  int
	ended  bool
}

// NewRawSource reads width x height RGBA frames at fps from r.
func NewRawSource(r io.Reader, width, height int, fps float64) *RawSource {
	if fps <= 0 {
		fps = 30
	}
	return &RawSource{r: r, width: width, height: height, fps: fps}
}

func (s *RawSource) Size() (int, int) { return s.width, s.height }

// FPS returns the nominal frame rate.
func (s *RawSource) FPS() float64 { return s.fps }

// Poll reads the next frame. A trailing partial frame is treated as the end
// of the stream.
func (s *RawSource) Poll(ctx context.Context) (pipeline.Frame, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Frame{}, err
	}
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	if _, err := io.ReadFull(s.r, img.Pix); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		s.ended = errors.Is(err, io.EOF)
		return pipeline.Frame{}, err
	}
	f := pipeline.Frame{
		Index:       s.index,
		TimestampMs: int64(math.Round(float64(s.index) * 1000 / s.fps)),
		Image:       img,
	}
	s.index++
	return f, nil
}

// ErrDecoderFailed is returned by Close when the decoder exited with an error
// after its output was read to the end.
var ErrDecoderFailed = errors.New("decoder process failed")

// FFmpegSource decodes a video file through an ffmpeg child process,
// scaled to the processing size.
type FFmpegSource struct {
	*RawSource
	cmd  *utils.SafeCommand
	out  io.ReadCloser
	once sync.Once
}

// OpenFFmpegSource starts the decoder. width and height are the processing
// size, fps the source rate used for timestamps.
func OpenFFmpegSource(ctx context.Context, path string, width, height int, fps float64) (*FFmpegSource, error) {
	cmd := utils.NewFFmpegRawDecoder(ctx, path, width, height)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}
	return &FFmpegSource{
		RawSource: NewRawSource(out, width, height, fps),
		cmd:       cmd,
		out:       out,
	}, nil
}

// Cmd exposes the child process for error reporting.
func (s *FFmpegSource) Cmd() *utils.SafeCommand { return s.cmd }

// Close stops the decoder. Exit errors after an early stop are expected and
// only reported when the stream was read to the end.
func (s *FFmpegSource) Close() error {
	var err error
	s.once.Do(func() {
		s.out.Close()
		if werr := s.cmd.Wait(); werr != nil && s.ended {
			err = fmt.Errorf("%w: %w", ErrDecoderFailed, werr)
		}
	})
	return err
}

// Playback paces a source against the wall clock the way a playing video
// element does: Poll returns whichever frame is current now, repeating a
// frame when called faster than the frame rate and skipping frames when
// called slower.
type Playback struct {
	src     pipeline.FrameSource
	frameMs int64
	now     func() time.Time

	start    time.Time
	started  bool
	cur      pipeline.Frame
	next     pipeline.Frame
	haveNext bool
	eof      bool

	// Skipped counts frames that were never current at any Poll.
	Skipped int
}

// NewPlayback paces src at fps.
func NewPlayback(src pipeline.FrameSource, fps float64) *Playback {
	if fps <= 0 {
		fps = 30
	}
	return &Playback{
		src:     src,
		frameMs: int64(math.Round(1000 / fps)),
		now:     time.Now,
	}
}

func (p *Playback) Size() (int, int) { return p.src.Size() }

func (p *Playback) Poll(ctx context.Context) (pipeline.Frame, error) {
	if !p.started {
		f, err := p.src.Poll(ctx)
		if err != nil {
			return pipeline.Frame{}, err
		}
		p.cur, p.started, p.start = f, true, p.now()
		return p.cur, nil
	}

	elapsed := p.now().Sub(p.start).Milliseconds()
	advanced := false
	for {
		if !p.haveNext {
			if p.eof {
				if elapsed >= p.cur.TimestampMs+p.frameMs {
					return pipeline.Frame{}, io.EOF
				}
				return p.cur, nil
			}
			f, err := p.src.Poll(ctx)
			if errors.Is(err, io.EOF) {
				p.eof = true
				continue
			}
			if err != nil {
				return pipeline.Frame{}, err
			}
			p.next, p.haveNext = f, true
		}
		if p.next.TimestampMs > elapsed {
			return p.cur, nil
		}
		if advanced {
			p.Skipped++
		}
		p.cur, p.haveNext, advanced = p.next, false, true
	}
}
