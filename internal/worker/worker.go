package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"time"

	"github.com/andresmejia3/muzzle/internal/mesh"
	"github.com/andresmejia3/muzzle/internal/types"
	"github.com/andresmejia3/muzzle/internal/utils" // Using the SafeCommand wrapper
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

// Request kinds understood by the detector process.
const (
	KindInit  byte = 'I'
	KindImage byte = 'D'
	KindVideo byte = 'V'
)

// Response status bytes.
const (
	StatusOK    byte = 0
	StatusError byte = 1
)

const frameHeaderLen = 1 + 8 + 4 + 4

// Upper bounds on a landmark response.
const (
	MaxWireFaces  = 64
	MaxWirePoints = 4096
)

// ErrTimeout is returned when the detector does not answer within ReadTimeout.
var ErrTimeout = errors.New("detector timed out")

// Config describes how to launch the detector process.
type Config struct {
	Command     []string      // argv, e.g. python3 -u python/landmarker.py
	ReadTimeout time.Duration // per-response; 0 waits forever
}

// LandmarkWorker drives a landmark detector child process.
//
// Requests go to the child's stdin and responses come back on a dedicated
// pipe (FD 3), keeping the data channel clean of library log output.
type LandmarkWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	log logrus.FieldLogger
	buf bytes.Buffer
}

// NewLandmarkWorker starts the detector process. It does not send the
// configuration; call Initialize before detecting.
func NewLandmarkWorker(ctx context.Context, id int, cfg Config, log logrus.FieldLogger) (*LandmarkWorker, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("detector command is empty")
	}
	proc := utils.NewSafeCommand(ctx, cfg.Command[0], cfg.Command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("detector %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LandmarkWorker{
		ID:          id,
		Cmd:         proc,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
		log:         log.WithField("detector", id),
	}, nil
}

// Initialize sends the one-time detector configuration and waits for the
// child to acknowledge it.
func (w *LandmarkWorker) Initialize(ctx context.Context, cfg types.DetectorConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := jsoniter.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode detector config: %w", err)
	}

	start := time.Now()
	resp, err := w.Communicate(append([]byte{KindInit}, payload...))
	if err != nil {
		return err
	}
	if _, err := decodeLandmarks(resp); err != nil {
		return err
	}
	w.logger().WithFields(logrus.Fields{
		"mode":      cfg.Mode,
		"max_faces": cfg.MaxFaces,
		"took":      time.Since(start),
	}).Debug("detector initialized")
	return nil
}

// Detect runs still-image detection on img.
func (w *LandmarkWorker) Detect(img *image.RGBA) ([]types.LandmarkSet, error) {
	return w.detect(KindImage, img, 0)
}

// DetectForFrame runs video detection on img at timestampMs.
func (w *LandmarkWorker) DetectForFrame(img *image.RGBA, timestampMs int64) ([]types.LandmarkSet, error) {
	return w.detect(KindVideo, img, timestampMs)
}

func (w *LandmarkWorker) detect(kind byte, img *image.RGBA, ts int64) ([]types.LandmarkSet, error) {
	w.buf.Reset()
	encodeFrame(&w.buf, kind, img, ts)
	resp, err := w.Communicate(w.buf.Bytes())
	if err != nil {
		return nil, err
	}
	return decodeLandmarks(resp)
}

// Communicate sends one length-prefixed request and reads one
// length-prefixed response.
func (w *LandmarkWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.ReadTimeout > 0 {
		if err := d.SetReadDeadline(time.Now().Add(w.ReadTimeout)); err == nil {
			defer d.SetReadDeadline(time.Time{})
		}
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, w.readErr(err) // a crashed child shows up here
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, w.readErr(err)
	}
	return respBody, nil
}

func (w *LandmarkWorker) readErr(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, w.ReadTimeout)
	}
	return err
}

// Close shuts the pipes and reaps the child.
func (w *LandmarkWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	if err := w.Cmd.Wait(); err != nil {
		w.logger().WithError(err).Debug("detector exited")
		return err
	}
	return nil
}

func (w *LandmarkWorker) logger() logrus.FieldLogger {
	if w.log == nil {
		return logrus.StandardLogger()
	}
	return w.log
}

// encodeFrame writes [kind][i64 ts][u32 w][u32 h][RGBA rows] into buf.
func encodeFrame(buf *bytes.Buffer, kind byte, img *image.RGBA, ts int64) {
	b := img.Rect
	w, h := b.Dx(), b.Dy()
	buf.Grow(frameHeaderLen + w*h*4)

	var hdr [frameHeaderLen]byte
	hdr[0] = kind
	binary.BigEndian.PutUint64(hdr[1:9], uint64(ts))
	binary.BigEndian.PutUint32(hdr[9:13], uint32(w))
	binary.BigEndian.PutUint32(hdr[13:17], uint32(h))
	buf.Write(hdr[:])

	if img.Stride == w*4 {
		buf.Write(img.Pix[:w*h*4])
		return
	}
	for y := 0; y < h; y++ {
		off := y * img.Stride
		buf.Write(img.Pix[off : off+w*4])
	}
}

// decodeLandmarks parses a detector response body.
//
//	ok:    [0][u32 faces][u32 points] faces*points*[x y z visibility float32]
//	error: [1][u32 msgLen][msg]
//
// A bare [0] acknowledges a request with no result (initialization).
func decodeLandmarks(body []byte) ([]types.LandmarkSet, error) {
	if len(body) == 0 {
		return nil, errors.New("empty detector response")
	}
	r := bytes.NewReader(body[1:])

	switch body[0] {
	case StatusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("failed to read error length: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("failed to read error message: %w", err)
		}
		return nil, fmt.Errorf("detector error: %s", msg)
	case StatusOK:
	default:
		return nil, fmt.Errorf("unknown detector status %d", body[0])
	}

	if r.Len() == 0 {
		return nil, nil
	}

	var counts [2]uint32
	if err := binary.Read(r, binary.BigEndian, &counts); err != nil {
		return nil, fmt.Errorf("failed to read landmark counts: %w", err)
	}
	if counts[0] > MaxWireFaces || counts[1] > MaxWirePoints {
		return nil, fmt.Errorf("detector reported %d faces of %d points, limit is %d of %d",
			counts[0], counts[1], MaxWireFaces, MaxWirePoints)
	}
	faces, points := int(counts[0]), int(counts[1])
	if faces == 0 {
		return []types.LandmarkSet{}, nil
	}
	if points < mesh.MinLandmarks {
		return nil, fmt.Errorf("detector returned %d points per face, need at least %d", points, mesh.MinLandmarks)
	}
	if want := faces * points * 16; r.Len() != want {
		return nil, fmt.Errorf("landmark payload is %d bytes, want %d", r.Len(), want)
	}

	raw := body[len(body)-r.Len():]
	out := make([]types.LandmarkSet, faces)
	for f := range out {
		set := make(types.LandmarkSet, points)
		for i := range set {
			off := (f*points + i) * 16
			set[i] = types.Landmark{
				X:          f32(raw[off:]),
				Y:          f32(raw[off+4:]),
				Z:          f32(raw[off+8:]),
				Visibility: f32(raw[off+12:]),
			}
		}
		out[f] = set
	}
	return out, nil
}

func f32(b []byte) float64 {
	return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
}
