package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/muzzle/internal/mesh"
	"github.com/andresmejia3/muzzle/internal/types"
	jsoniter "github.com/json-iterator/go"
)

// MockCloser lets a bytes.Buffer stand in for the stdin and fd 3 pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func newMockWorker(responses ...[]byte) (*LandmarkWorker, *MockCloser) {
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	data := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, r := range responses {
		binary.Write(data, binary.BigEndian, uint32(len(r)))
		data.Write(r)
	}
	return &LandmarkWorker{ID: 1, Stdin: stdin, DataPipe: data}, stdin
}

// landmarkResponse builds an ok body where point i of face f is (f+i/1000, i/1000, -i/1000, 1).
func landmarkResponse(faces, points int) []byte {
	var b bytes.Buffer
	b.WriteByte(StatusOK)
	binary.Write(&b, binary.BigEndian, [2]uint32{uint32(faces), uint32(points)})
	for f := 0; f < faces; f++ {
		for i := 0; i < points; i++ {
			v := float32(i) / 1000
			binary.Write(&b, binary.BigEndian, [4]float32{float32(f) + v, v, -v, 1})
		}
	}
	return b.Bytes()
}

// countsOnly is an ok header announcing faces x points with no payload.
func countsOnly(faces, points uint32) []byte {
	var b bytes.Buffer
	b.WriteByte(StatusOK)
	binary.Write(&b, binary.BigEndian, [2]uint32{faces, points})
	return b.Bytes()
}

func errorResponse(msg string) []byte {
	var b bytes.Buffer
	b.WriteByte(StatusError)
	binary.Write(&b, binary.BigEndian, uint32(len(msg)))
	b.WriteString(msg)
	return b.Bytes()
}

// sentRequest strips the length prefix from the single request written to stdin.
func sentRequest(t *testing.T, stdin *MockCloser) []byte {
	t.Helper()
	raw := stdin.Bytes()
	if len(raw) < 4 {
		t.Fatalf("request too short: %d bytes", len(raw))
	}
	n := binary.BigEndian.Uint32(raw[:4])
	if int(n) != len(raw)-4 {
		t.Fatalf("length prefix %d, body %d", n, len(raw)-4)
	}
	return raw[4:]
}

func TestDetect(t *testing.T) {
	w, stdin := newMockWorker(landmarkResponse(2, mesh.MinLandmarks))

	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	for i := range img.Pix {
		img.Pix[i] = byte(i)
	}
	faces, err := w.Detect(img)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	req := sentRequest(t, stdin)
	if req[0] != KindImage {
		t.Errorf("kind = %q, want %q", req[0], KindImage)
	}
	if ts := binary.BigEndian.Uint64(req[1:9]); ts != 0 {
		t.Errorf("timestamp = %d, want 0", ts)
	}
	if gw, gh := binary.BigEndian.Uint32(req[9:13]), binary.BigEndian.Uint32(req[13:17]); gw != 3 || gh != 2 {
		t.Errorf("size = %dx%d, want 3x2", gw, gh)
	}
	if !bytes.Equal(req[frameHeaderLen:], img.Pix) {
		t.Error("pixel payload does not match image")
	}

	if len(faces) != 2 {
		t.Fatalf("faces = %d, want 2", len(faces))
	}
	got := faces[1][mesh.RightCheek]
	v := float64(float32(mesh.RightCheek) / 1000)
	if math.Abs(got.X-(1+v)) > 1e-6 || math.Abs(got.Y-v) > 1e-6 || math.Abs(got.Z+v) > 1e-6 || got.Visibility != 1 {
		t.Errorf("face 1 right cheek = %+v", got)
	}
}

func TestDetectForFrameSendsTimestamp(t *testing.T) {
	w, stdin := newMockWorker(landmarkResponse(0, 0))

	faces, err := w.DetectForFrame(image.NewRGBA(image.Rect(0, 0, 1, 1)), 1234)
	if err != nil {
		t.Fatalf("DetectForFrame failed: %v", err)
	}
	if faces == nil || len(faces) != 0 {
		t.Errorf("faces = %v, want empty non-nil", faces)
	}

	req := sentRequest(t, stdin)
	if req[0] != KindVideo {
		t.Errorf("kind = %q, want %q", req[0], KindVideo)
	}
	if ts := binary.BigEndian.Uint64(req[1:9]); ts != 1234 {
		t.Errorf("timestamp = %d, want 1234", ts)
	}
}

func TestDetectSubImageCompactsRows(t *testing.T) {
	w, stdin := newMockWorker(landmarkResponse(0, 0))

	full := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range full.Pix {
		full.Pix[i] = byte(i)
	}
	sub := full.SubImage(image.Rect(1, 1, 3, 3)).(*image.RGBA)

	if _, err := w.Detect(sub); err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	req := sentRequest(t, stdin)
	want := append(append([]byte{}, full.Pix[20:28]...), full.Pix[36:44]...)
	if !bytes.Equal(req[frameHeaderLen:], want) {
		t.Errorf("pixels = %v, want %v", req[frameHeaderLen:], want)
	}
}

func TestInitialize(t *testing.T) {
	w, stdin := newMockWorker([]byte{StatusOK})
	cfg := types.DetectorConfig{MaxFaces: 2, MinDetectionConfidence: 0.3, Mode: types.ModeVideo}

	if err := w.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	req := sentRequest(t, stdin)
	if req[0] != KindInit {
		t.Fatalf("kind = %q, want %q", req[0], KindInit)
	}
	var got types.DetectorConfig
	if err := jsoniter.Unmarshal(req[1:], &got); err != nil {
		t.Fatalf("config is not JSON: %v", err)
	}
	if got != cfg {
		t.Errorf("config = %+v, want %+v", got, cfg)
	}
}

func TestInitializeCanceled(t *testing.T) {
	w, stdin := newMockWorker([]byte{StatusOK})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Initialize(ctx, types.DetectorConfig{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if stdin.Len() != 0 {
		t.Error("request sent after cancel")
	}
}

func TestDetectErrors(t *testing.T) {
	short := landmarkResponse(1, mesh.MinLandmarks)
	tests := []struct {
		name string
		resp []byte
		want string
	}{
		{name: "detector error", resp: errorResponse("model not found"), want: "detector error: model not found"},
		{name: "empty body", resp: []byte{}, want: "empty detector response"},
		{name: "unknown status", resp: []byte{7}, want: "unknown detector status 7"},
		{name: "too few points", resp: landmarkResponse(1, 10), want: "need at least"},
		{name: "truncated payload", resp: short[:len(short)-3], want: "landmark payload"},
		{name: "absurd counts", resp: countsOnly(1<<31, 1<<31), want: "limit is"},
		{name: "too many faces", resp: countsOnly(MaxWireFaces+1, mesh.MinLandmarks), want: "limit is"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := newMockWorker(tt.resp)
			_, err := w.Detect(image.NewRGBA(image.Rect(0, 0, 1, 1)))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestCommunicateTimeout(t *testing.T) {
	r, wp, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer wp.Close()

	w := &LandmarkWorker{
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    r,
		ReadTimeout: 20 * time.Millisecond,
	}
	defer w.Close()

	_, err = w.Detect(image.NewRGBA(image.Rect(0, 0, 1, 1)))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestNewLandmarkWorkerEmptyCommand(t *testing.T) {
	if _, err := NewLandmarkWorker(context.Background(), 0, Config{}, nil); err == nil {
		t.Error("expected error for empty command")
	}
}
