// Package pipeline runs the per-frame overlay cycle: detect landmarks, smooth
// them per face slot, build and project the control grid, and map the
// texture onto the destination surface.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/muzzle/internal/canvas"
	"github.com/andresmejia3/muzzle/internal/mesh"
	"github.com/andresmejia3/muzzle/internal/projection"
	"github.com/andresmejia3/muzzle/internal/smoother"
	"github.com/andresmejia3/muzzle/internal/texture"
	"github.com/andresmejia3/muzzle/internal/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRefreshRate   = 60
	DefaultEncoderBuffer = 32
	DefaultMinConfidence = 0.3
)

var (
	// ErrSessionFailed is returned by every call on a session whose detector
	// could not be initialized.
	ErrSessionFailed = errors.New("session failed")
	// ErrDetectorInit wraps the detector's initialization error.
	ErrDetectorInit = errors.New("detector initialization failed")
	// ErrNotInitialized is returned when rendering before Initialize.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrBusy is returned when a render is already in progress.
	ErrBusy = errors.New("session is already rendering")
	// ErrSessionReset is returned by a render interrupted by Reset.
	ErrSessionReset = errors.New("session reset")
)

// State is the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateRendering
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateRendering:
		return "rendering"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds the tunables of one session.
type Config struct {
	Smoothing              float64
	MaxFaces               int
	MinDetectionConfidence float64
	FocalLength            float64
	ZScale                 float64
	MeshScale              float64
	DetectorMode           types.Mode
	RefreshRate            float64 // cycles per second when Realtime
	Realtime               bool
	EncoderBuffer          int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Smoothing:              smoother.DefaultAlpha,
		MaxFaces:               smoother.DefaultCapacity,
		MinDetectionConfidence: DefaultMinConfidence,
		FocalLength:            projection.DefaultFocalLength,
		ZScale:                 projection.DefaultZScale,
		MeshScale:              mesh.DefaultScaleMultiplier,
		DetectorMode:           types.ModeVideo,
		RefreshRate:            DefaultRefreshRate,
		EncoderBuffer:          DefaultEncoderBuffer,
	}
}

// Timing holds per-cycle performance information.
type Timing struct {
	Detection time.Duration
	Mesh      time.Duration // smoothing, grid and projection
	Draw      time.Duration
	Total     time.Duration
}

// Result summarizes one render.
type Result struct {
	SessionID        string
	Mode             types.Mode
	Width            int
	Height           int
	FramesRendered   int
	FramesSkipped    int // cycles without new input
	FacesDrawn       int
	FacesDropped     int // detections beyond slot capacity
	TrianglesDrawn   int
	TrianglesSkipped int
	EncoderDropped   int
	FramesRepeated   int // output slots filled with the previous frame
	Paused           bool
	Elapsed          time.Duration
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Session) { s.log = log }
}

// WithSurfaceFactory replaces the default canvas-backed surface.
func WithSurfaceFactory(f SurfaceFactory) Option {
	return func(s *Session) { s.newSurface = f }
}

// WithClock replaces the clock chosen from Config.Realtime.
func WithClock(f func() Clock) Option {
	return func(s *Session) { s.newClock = f }
}

// Session owns one detector, the smoothing slots and the render state.
// Renders are serialized; Reset and Pause may be called from any goroutine.
type Session struct {
	id       string
	cfg      Config
	detector Detector
	texture  *texture.Asset
	log      logrus.FieldLogger

	newSurface SurfaceFactory
	newClock   func() Clock

	smoother  *smoother.Smoother
	builder   *mesh.Builder
	projector projection.Projector

	mu          sync.Mutex
	state       State
	initialized bool
	cancel      context.CancelFunc
	done        chan struct{}
	paused      atomic.Bool
	resetting   atomic.Bool
	lastTs      int64
	haveTs      bool
	lastTiming  Timing
}

// NewSession creates an idle session. tex may be nil or empty, in which case
// frames are rendered without an overlay.
func NewSession(det Detector, tex *texture.Asset, cfg Config, opts ...Option) *Session {
	if cfg.MaxFaces < 1 {
		cfg.MaxFaces = smoother.DefaultCapacity
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = smoother.DefaultAlpha
	}
	if cfg.DetectorMode == "" {
		cfg.DetectorMode = types.ModeVideo
	}

	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		detector:  det,
		texture:   tex,
		log:       logrus.StandardLogger(),
		smoother:  smoother.New(cfg.Smoothing, cfg.MaxFaces),
		builder:   mesh.NewBuilder(cfg.MeshScale),
		projector: projection.New(cfg.FocalLength, cfg.ZScale),
		newSurface: func(w, h int) Surface {
			return canvas.New(w, h)
		},
	}
	s.newClock = func() Clock {
		if s.cfg.Realtime {
			return NewTickerClock(s.cfg.RefreshRate)
		}
		return NewImmediateClock()
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("session", s.id)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastTiming returns the timing of the most recent cycle.
func (s *Session) LastTiming() Timing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTiming
}

// Initialize configures the detector once. A failure is terminal for the
// session: every later call returns ErrSessionFailed.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateFailed {
		s.mu.Unlock()
		return ErrSessionFailed
	}
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.state = StateLoading
	s.mu.Unlock()

	err := s.detector.Initialize(ctx, types.DetectorConfig{
		MaxFaces:               s.cfg.MaxFaces,
		MinDetectionConfidence: s.cfg.MinDetectionConfidence,
		OutputTransform:        true,
		Mode:                   s.cfg.DetectorMode,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateFailed
		s.log.WithError(err).Error("detector initialization failed")
		return fmt.Errorf("%w: %w", ErrDetectorInit, err)
	}
	s.initialized = true
	s.state = StateIdle
	s.log.WithFields(logrus.Fields{
		"alpha": s.smoother.Alpha(),
		"slots": s.smoother.Capacity(),
	}).Info("detector ready")
	return nil
}

// HasNewInput reports whether a frame stamped ts differs from the last
// rendered one.
func (s *Session) HasNewInput(ts int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.haveTs || ts != s.lastTs
}

func (s *Session) markRendered(ts int64) {
	s.mu.Lock()
	s.lastTs, s.haveTs = ts, true
	s.mu.Unlock()
}

// Pause stops a running video render after the current cycle. The output is
// finalized and the render returns without error. It reports whether a
// render was running.
func (s *Session) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.paused.Store(true)
	s.cancel()
	return true
}

// Reset cancels any render in progress, waits for it to unwind, clears all
// smoothing slots and returns the session to Idle. A failed session stays
// failed.
func (s *Session) Reset() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	if cancel != nil {
		s.resetting.Store(true)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.smoother.Reset()
	s.haveTs = false
	s.resetting.Store(false)
	if s.state != StateFailed {
		s.state = StateIdle
	}
}

func (s *Session) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateFailed:
		return nil, ErrSessionFailed
	case s.cancel != nil:
		return nil, ErrBusy
	case !s.initialized:
		return nil, ErrNotInitialized
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.paused.Store(false)
	s.haveTs = false
	s.state = StateLoading
	return runCtx, nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) end(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	s.cancel = nil
	s.state = st
	close(s.done)
}

// RenderImage composites every detected face onto a still image. Faces are
// not smoothed and all of them are drawn.
func (s *Session) RenderImage(ctx context.Context, img image.Image) (*image.RGBA, Result, error) {
	runCtx, err := s.begin(ctx)
	if err != nil {
		return nil, Result{}, err
	}
	start := time.Now()
	b := img.Bounds()
	res := Result{SessionID: s.id, Mode: types.ModeImage, Width: b.Dx(), Height: b.Dy()}

	if b.Empty() {
		s.end(StateIdle)
		return nil, res, errors.New("image has no pixels")
	}

	surf := s.newSurface(b.Dx(), b.Dy())
	mapper := texture.NewMapper(surf)
	s.setState(StateRendering)

	surf.Clear()
	surf.DrawSource(img)

	if err := runCtx.Err(); err != nil {
		s.end(StateIdle)
		return nil, res, s.interrupted(err)
	}

	var timing Timing
	t0 := time.Now()
	faces, err := s.detector.Detect(toRGBA(img))
	timing.Detection = time.Since(t0)
	if err != nil {
		s.end(StateIdle)
		return nil, res, fmt.Errorf("landmark detection failed: %w", err)
	}

	s.drawFaces(mapper, faces, surf.Width(), surf.Height(), false, &res, &timing)
	timing.Total = time.Since(t0)
	s.logCycle(0, len(faces), timing)
	res.FramesRendered = 1
	res.Elapsed = time.Since(start)

	s.mu.Lock()
	s.lastTiming = timing
	s.mu.Unlock()
	s.end(StateDone)

	s.log.WithFields(logrus.Fields{
		"faces":     res.FacesDrawn,
		"triangles": res.TrianglesDrawn,
		"took":      res.Elapsed,
	}).Info("image rendered")
	return surf.Image(), res, nil
}

// RenderVideo runs render cycles until the source is exhausted, the context
// is cancelled, or the session is paused or reset. Every composited frame is
// handed to sink, which is closed exactly once before returning.
func (s *Session) RenderVideo(ctx context.Context, src FrameSource, sink FrameSink) (Result, error) {
	runCtx, err := s.begin(ctx)
	if err != nil {
		return Result{}, err
	}
	start := time.Now()
	w, h := src.Size()
	res := Result{SessionID: s.id, Mode: types.ModeVideo, Width: w, Height: h}

	if w <= 0 || h <= 0 {
		sink.Close()
		s.end(StateIdle)
		return res, fmt.Errorf("invalid frame size %dx%d", w, h)
	}

	surf := s.newSurface(w, h)
	mapper := texture.NewMapper(surf)
	out := newAsyncSink(sink, s.cfg.EncoderBuffer, !s.cfg.Realtime, s.log)
	clock := s.newClock()
	defer clock.Stop()
	s.setState(StateRendering)

	loopErr := s.videoLoop(runCtx, clock, src, surf, mapper, out, &res)

	closeErr := out.Close()
	res.Paused = s.paused.Load()
	res.EncoderDropped = int(out.dropped.Load())
	res.FramesRepeated = int(out.repeated.Load())
	res.Elapsed = time.Since(start)

	fields := logrus.Fields{
		"rendered": res.FramesRendered,
		"skipped":  res.FramesSkipped,
		"dropped":  res.EncoderDropped,
		"repeated": res.FramesRepeated,
		"took":     res.Elapsed,
	}

	switch {
	case loopErr == nil && closeErr != nil:
		loopErr = fmt.Errorf("encoder failed: %w", closeErr)
	case loopErr != nil && closeErr != nil:
		s.log.WithError(closeErr).Warn("encoder failed while unwinding")
	}

	if loopErr != nil {
		s.end(StateIdle)
		s.log.WithFields(fields).WithError(loopErr).Warn("video render stopped")
		return res, loopErr
	}
	s.end(StateDone)
	s.log.WithFields(fields).Info("video rendered")
	return res, nil
}

func (s *Session) videoLoop(ctx context.Context, clock Clock, src FrameSource, surf Surface, mapper *texture.Mapper, out *asyncSink, res *Result) error {
	lastIndex := -1
	for {
		select {
		case <-ctx.Done():
			return s.interrupted(ctx.Err())
		case <-clock.C():
		}

		frame, err := src.Poll(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return s.interrupted(ctx.Err())
			}
			return fmt.Errorf("frame source failed: %w", err)
		}

		if !s.HasNewInput(frame.TimestampMs) {
			res.FramesSkipped++
			continue
		}

		var timing Timing
		t0 := time.Now()
		faces, err := s.detector.DetectForFrame(frame.Image, frame.TimestampMs)
		timing.Detection = time.Since(t0)
		if err != nil {
			return fmt.Errorf("landmark detection failed at frame %d: %w", frame.Index, err)
		}

		surf.Clear()
		surf.DrawSource(frame.Image)

		if over := len(faces) - s.smoother.Capacity(); over > 0 {
			res.FacesDropped += over
			s.log.WithFields(logrus.Fields{
				"frame":    frame.Index,
				"detected": len(faces),
				"capacity": s.smoother.Capacity(),
			}).Debug("dropping faces beyond slot capacity")
			faces = faces[:s.smoother.Capacity()]
		}
		s.drawFaces(mapper, faces, surf.Width(), surf.Height(), true, res, &timing)
		timing.Total = time.Since(t0)
		s.logCycle(frame.Index, len(faces), timing)

		s.markRendered(frame.TimestampMs)
		s.mu.Lock()
		s.lastTiming = timing
		s.mu.Unlock()
		res.FramesRendered++

		// Realtime sources skip indices when rendering lags.
		gap := 0
		if s.cfg.Realtime {
			gap = frame.Index - lastIndex - 1
		}
		lastIndex = frame.Index

		if err := out.Submit(ctx, surf.Snapshot(), gap); err != nil {
			if ctx.Err() != nil {
				return s.interrupted(ctx.Err())
			}
			return fmt.Errorf("encoder failed: %w", err)
		}
	}
}

// interrupted maps a cancelled run onto the caller-visible outcome.
func (s *Session) interrupted(err error) error {
	switch {
	case s.resetting.Load():
		return ErrSessionReset
	case s.paused.Load():
		return nil
	default:
		return err
	}
}

func (s *Session) logCycle(index, faces int, t Timing) {
	s.log.WithFields(logrus.Fields{
		"frame":  index,
		"faces":  faces,
		"detect": t.Detection,
		"mesh":   t.Mesh,
		"draw":   t.Draw,
		"total":  t.Total,
	}).Debug("cycle")
}

func (s *Session) drawFaces(mapper *texture.Mapper, faces []types.LandmarkSet, w, h int, smooth bool, res *Result, timing *Timing) {
	var tris texture.Stats
	for i, set := range faces {
		t0 := time.Now()
		if smooth {
			set = s.smoother.Smooth(set, i)
		}
		grid := s.projector.Project(s.builder.Build(set), w, h)
		t1 := time.Now()

		st := mapper.Draw(grid, s.texture)
		timing.Mesh += t1.Sub(t0)
		timing.Draw += time.Since(t1)

		res.FacesDrawn++
		tris.Add(st)
	}
	res.TrianglesDrawn += tris.Drawn
	res.TrianglesSkipped += tris.Skipped
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)
	return rgba
}
