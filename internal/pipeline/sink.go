package pipeline

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// asyncSink moves encoding off the render goroutine. In realtime mode a full
// buffer drops the frame; otherwise Submit waits for room.
//
// The encoder runs at a constant frame rate, so every output slot gets a
// frame: slots left empty by skipped or dropped frames are filled with the
// last frame written.
type asyncSink struct {
	sink   FrameSink
	frames chan sinkItem
	block  bool
	log    logrus.FieldLogger

	// owed counts empty slots not yet queued. Only the submitting goroutine
	// touches it.
	owed int

	written  atomic.Int64
	repeated atomic.Int64
	dropped  atomic.Int64

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	done      chan struct{}
}

func newAsyncSink(sink FrameSink, buffer int, block bool, log logrus.FieldLogger) *asyncSink {
	if buffer < 1 {
		buffer = 1
	}
	a := &asyncSink{
		sink:   sink,
		frames: make(chan sinkItem, buffer),
		block:  block,
		log:    log,
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// sinkItem is a frame preceded by lead repeats of the previous one. A nil img
// only flushes the repeats.
type sinkItem struct {
	img  *image.RGBA
	lead int
}

func (a *asyncSink) run() {
	defer close(a.done)
	var last *image.RGBA
	for it := range a.frames {
		if a.Err() != nil {
			continue // drain so Submit never wedges
		}
		fill := last
		if fill == nil {
			fill = it.img
		}
		for i := 0; fill != nil && i < it.lead; i++ {
			if !a.write(fill) {
				break
			}
			a.repeated.Add(1)
		}
		if it.img == nil || a.Err() != nil {
			continue
		}
		if a.write(it.img) {
			a.written.Add(1)
			last = it.img
		}
	}
}

func (a *asyncSink) write(img *image.RGBA) bool {
	if err := a.sink.WriteFrame(img); err != nil {
		a.setErr(err)
		a.log.WithError(err).Error("encoder write failed")
		return false
	}
	return true
}

// Submit queues img after gap empty slots. It returns the first write error
// seen so far.
func (a *asyncSink) Submit(ctx context.Context, img *image.RGBA, gap int) error {
	if err := a.Err(); err != nil {
		return err
	}
	it := sinkItem{img: img, lead: max(gap, 0) + a.owed}
	if a.block {
		select {
		case a.frames <- it:
			a.owed = 0
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case a.frames <- it:
		a.owed = 0
	default:
		a.dropped.Add(1)
		a.owed = it.lead + 1
	}
	return nil
}

// Close flushes queued frames and finalizes the sink once.
func (a *asyncSink) Close() error {
	a.closeOnce.Do(func() {
		if a.owed > 0 && a.Err() == nil {
			a.frames <- sinkItem{lead: a.owed}
			a.owed = 0
		}
		close(a.frames)
		<-a.done
		if err := a.sink.Close(); err != nil {
			a.setErr(err)
		}
	})
	return a.Err()
}

func (a *asyncSink) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *asyncSink) setErr(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.mu.Unlock()
}
