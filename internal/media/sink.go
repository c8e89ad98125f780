package media

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/andresmejia3/muzzle/internal/utils"
)

// RawSink writes frames as tightly packed RGBA rows.
type RawSink struct {
	w      io.Writer
	width  int
	height int
}

// NewRawSink writes width x height frames to w.
func NewRawSink(w io.Writer, width, height int) *RawSink {
	return &RawSink{w: w, width: width, height: height}
}

// WriteFrame writes img, which must match the sink size.
func (s *RawSink) WriteFrame(img *image.RGBA) error {
	b := img.Rect
	if b.Dx() != s.width || b.Dy() != s.height {
		return fmt.Errorf("frame is %dx%d, sink expects %dx%d", b.Dx(), b.Dy(), s.width, s.height)
	}
	row := s.width * 4
	if img.Stride == row {
		_, err := s.w.Write(img.Pix[:row*s.height])
		return err
	}
	for y := 0; y < s.height; y++ {
		off := y * img.Stride
		if _, err := s.w.Write(img.Pix[off : off+row]); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the owner of the writer closes it.
func (s *RawSink) Close() error { return nil }

// FFmpegSink encodes frames into a video file through ffmpeg.
type FFmpegSink struct {
	*RawSink
	cmd  *utils.SafeCommand
	in   io.WriteCloser
	once sync.Once
	err  error
}

// OpenFFmpegSink starts the encoder writing outputPath.
func OpenFFmpegSink(ctx context.Context, outputPath string, fps float64, width, height int) (*FFmpegSink, error) {
	cmd := utils.NewFFmpegEncoder(ctx, outputPath, fps, width, height)
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}
	return &FFmpegSink{
		RawSink: NewRawSink(in, width, height),
		cmd:     cmd,
		in:      in,
	}, nil
}

// Cmd exposes the child process for error reporting.
func (s *FFmpegSink) Cmd() *utils.SafeCommand { return s.cmd }

// Close ends the stream and waits for ffmpeg to finish the container.
func (s *FFmpegSink) Close() error {
	s.once.Do(func() {
		s.in.Close()
		if err := s.cmd.Wait(); err != nil {
			s.err = fmt.Errorf("encoder process failed: %w", err)
		}
	})
	return s.err
}
