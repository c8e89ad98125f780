package pipeline

import (
	"context"
	"image"
	"time"

	"github.com/andresmejia3/muzzle/internal/texture"
	"github.com/andresmejia3/muzzle/internal/types"
)

// Detector finds facial landmarks. Landmark sets are returned in detection
// order, which also decides slot assignment and draw order.
type Detector interface {
	Initialize(ctx context.Context, cfg types.DetectorConfig) error
	Detect(img *image.RGBA) ([]types.LandmarkSet, error)
	DetectForFrame(img *image.RGBA, timestampMs int64) ([]types.LandmarkSet, error)
	Close() error
}

// Surface is the destination raster a session composites onto.
type Surface interface {
	texture.Surface
	Width() int
	Height() int
	Clear()
	DrawSource(src image.Image)
	Image() *image.RGBA
	Snapshot() *image.RGBA
}

// SurfaceFactory creates a cleared surface of the given size.
type SurfaceFactory func(width, height int) Surface

// Frame is one decoded input frame already at processing size.
type Frame struct {
	Index       int
	TimestampMs int64
	Image       *image.RGBA
}

// FrameSource yields frames until io.EOF.
type FrameSource interface {
	// Size is the processing size every frame is delivered at.
	Size() (width, height int)
	// Poll returns the frame that is current now. Realtime sources may return
	// the same frame on consecutive calls.
	Poll(ctx context.Context) (Frame, error)
}

// FrameSink receives composited frames in order.
type FrameSink interface {
	WriteFrame(img *image.RGBA) error
	Close() error
}

// Clock paces render cycles.
type Clock interface {
	C() <-chan time.Time
	Stop()
}

type tickerClock struct {
	t *time.Ticker
}

// NewTickerClock ticks at hz cycles per second.
func NewTickerClock(hz float64) Clock {
	if hz <= 0 {
		hz = DefaultRefreshRate
	}
	return &tickerClock{t: time.NewTicker(time.Duration(float64(time.Second) / hz))}
}

func (c *tickerClock) C() <-chan time.Time { return c.t.C }
func (c *tickerClock) Stop()               { c.t.Stop() }

type immediateClock struct {
	c chan time.Time
}

// NewImmediateClock is always ready, so cycles run back to back.
func NewImmediateClock() Clock {
	c := make(chan time.Time)
	close(c)
	return immediateClock{c: c}
}

func (c immediateClock) C() <-chan time.Time { return c.c }
func (immediateClock) Stop()                 {}
