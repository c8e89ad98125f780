package utils

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/muzzle/internal/types"
)

func TestProcessingSize(t *testing.T) {
	tests := []struct {
		name         string
		w, h, maxW   int
		wantW, wantH int
	}{
		{"under the cap", 640, 480, 1280, 640, 480},
		{"1080p capped", 1920, 1080, 1280, 1280, 720},
		{"portrait capped", 2160, 3840, 1280, 1280, 2274},
		{"odd sides rounded even", 641, 481, 1280, 640, 480},
		{"no cap", 3000, 2000, 0, 3000, 2000},
		{"invalid", 0, 10, 1280, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := ProcessingSize(tt.w, tt.h, tt.maxW)
			if w != tt.wantW || h != tt.wantH {
				t.Errorf("ProcessingSize(%d,%d,%d) = %dx%d, want %dx%d", tt.w, tt.h, tt.maxW, w, h, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"30/1", 30, false},
		{"30000/1001", 30000.0 / 1001.0, false},
		{"25", 25, false},
		{"0/0", 0, true},
		{"N/A", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFrameRate(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFrameRate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ParseFrameRate(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseProbe(t *testing.T) {
	out := []byte(`{"streams":[{"width":1920,"height":1080,"r_frame_rate":"30/1","avg_frame_rate":"0/0","nb_frames":"300"}]}`)
	info, err := parseProbe(out)
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	want := VideoInfo{Width: 1920, Height: 1080, FPS: 30, Frames: 300}
	if info != want {
		t.Errorf("parseProbe = %+v, want %+v", info, want)
	}

	if _, err := parseProbe([]byte(`{"streams":[]}`)); err == nil {
		t.Error("expected error for missing stream")
	}
}

func TestDetectMediaKind(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	pngPath := filepath.Join(dir, "still.bin")
	if err := os.WriteFile(pngPath, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	txtPath := filepath.Join(dir, "notes.png")
	if err := os.WriteFile(txtPath, []byte("definitely not pixels\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// Classification follows content, not the extension
	kind, mime, err := DetectMediaKind(pngPath)
	if err != nil || kind != types.ModeImage {
		t.Errorf("DetectMediaKind(png) = %q, %q, %v", kind, mime, err)
	}

	if _, _, err := DetectMediaKind(txtPath); !errors.Is(err, ErrUnsupportedMedia) {
		t.Errorf("DetectMediaKind(text) error = %v, want ErrUnsupportedMedia", err)
	}

	if kind, _, err := DetectMediaKindBytes(buf.Bytes()); err != nil || kind != types.ModeImage {
		t.Errorf("DetectMediaKindBytes(png) = %q, %v", kind, err)
	}
	if _, _, err := DetectMediaKindBytes([]byte("{}")); !errors.Is(err, ErrUnsupportedMedia) {
		t.Errorf("DetectMediaKindBytes(json) error = %v, want ErrUnsupportedMedia", err)
	}
}

func TestEncoderCodecArgs(t *testing.T) {
	if args := EncoderCodecArgs("out.MP4"); args[1] != "libx264" {
		t.Errorf("mp4 codec = %v", args)
	}
	if args := EncoderCodecArgs("out.webm"); args[1] != "libvpx-vp9" {
		t.Errorf("webm codec = %v", args)
	}
}

func TestGenerateSourceID(t *testing.T) {
	tmp, err := os.CreateTemp("", "source_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := GenerateSourceID(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to generate ID: %v", err)
	}

	id2, _ := GenerateSourceID(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := GenerateSourceID(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}
}
