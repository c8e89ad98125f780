package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andresmejia3/muzzle/internal/types"
	"github.com/gabriel-vasile/mimetype"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps exec.Cmd with a buffer capturing Stderr, so a crashed
// child (detector, ffmpeg) still leaves its last words behind.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand prepares a context-bound command without starting it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	detach(cmd)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a boxed error, including captured child logs when s is set.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 MUZZLE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}
	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nCHILD PROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Input Classification ---

// ErrUnsupportedMedia is returned for inputs that are neither image nor video.
var ErrUnsupportedMedia = errors.New("unsupported media type")

// DetectMediaKind sniffs the file content and reports whether it is an image
// or a video. The detected MIME string is returned for logging.
func DetectMediaKind(path string) (types.Mode, string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to inspect %s: %w", path, err)
	}
	return classifyMIME(mt)
}

// DetectMediaKindBytes is DetectMediaKind for in-memory uploads.
func DetectMediaKindBytes(data []byte) (types.Mode, string, error) {
	return classifyMIME(mimetype.Detect(data))
}

func classifyMIME(mt *mimetype.MIME) (types.Mode, string, error) {
	mime := mt.String()
	switch {
	case strings.HasPrefix(mime, "image/"):
		return types.ModeImage, mime, nil
	case strings.HasPrefix(mime, "video/"):
		return types.ModeVideo, mime, nil
	}
	return "", mime, fmt.Errorf("%w: %s", ErrUnsupportedMedia, mime)
}

// ProcessingSize caps width at maxWidth while keeping the aspect ratio.
// Both sides are rounded down to even numbers, which yuv420p encoders require.
func ProcessingSize(width, height, maxWidth int) (int, int) {
	if width <= 0 || height <= 0 {
		return 0, 0
	}
	w, h := width, height
	if maxWidth > 0 && w > maxWidth {
		w = maxWidth
		h = int(float64(maxWidth) * float64(height) / float64(width))
	}
	w, h = w&^1, h&^1
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}
	return w, h
}

// GenerateSourceID creates a deterministic hash for the input file
// based on its path, size, and modification time.
func GenerateSourceID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}

// --- 3. Video Engine ---

// VideoInfo is the subset of ffprobe stream metadata the renderer needs.
type VideoInfo struct {
	Width  int
	Height int
	FPS    float64
	Frames int // 0 when the container does not say
}

type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// ProbeVideo reads dimensions, frame rate and (when cheap) frame count.
func ProbeVideo(ctx context.Context, path string) (VideoInfo, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}
	probe := NewSafeCommand(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames",
		"-of", "json", path)
	out, err := probe.Output()
	if err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe failed: %w (%s)", err, strings.TrimSpace(probe.Stderr.String()))
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (VideoInfo, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return VideoInfo{}, errors.New("no video stream found")
	}
	s := res.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return VideoInfo{}, fmt.Errorf("invalid video dimensions %dx%d", s.Width, s.Height)
	}

	fps, err := ParseFrameRate(s.AvgFrameRate)
	if err != nil {
		fps, err = ParseFrameRate(s.RFrameRate)
		if err != nil {
			return VideoInfo{}, fmt.Errorf("unreadable frame rate: %w", err)
		}
	}

	info := VideoInfo{Width: s.Width, Height: s.Height, FPS: fps}
	if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
		info.Frames = n
	}
	return info, nil
}

// ParseFrameRate parses ffprobe rates such as "30000/1001" or "25".
func ParseFrameRate(rate string) (float64, error) {
	num, den, found := strings.Cut(strings.TrimSpace(rate), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, err
	}
	d := 1.0
	if found {
		if d, err = strconv.ParseFloat(den, 64); err != nil {
			return 0, err
		}
	}
	if n <= 0 || d <= 0 {
		return 0, fmt.Errorf("non-positive frame rate %q", rate)
	}
	return n / d, nil
}

// GetTotalFrames counts packets for the progress bar when the container has
// no frame count. It returns 0 on failure so callers can fall back to a spinner.
func GetTotalFrames(ctx context.Context, path string) int {
	fmt.Fprintf(os.Stderr, "⏳ Metadata missing. Counting frames (this may take a moment)...\n")
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return 0
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		return 0
	}
	return count
}

// NewFFmpegRawDecoder streams the input as raw RGBA frames of width x height.
func NewFFmpegRawDecoder(ctx context.Context, inputPath string, width, height int) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-f", "rawvideo", "-pix_fmt", "rgba", "-")
}

// NewFFmpegEncoder reads raw RGBA frames on stdin and writes outputPath.
// The codec follows the extension: .mp4/.mov get H.264, everything else VP9 WebM.
func NewFFmpegEncoder(ctx context.Context, outputPath string, fps float64, width, height int) *SafeCommand {
	args := []string{"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
	}
	args = append(args, EncoderCodecArgs(outputPath)...)
	args = append(args, outputPath)
	return NewSafeCommand(ctx, "ffmpeg", args...)
}

// EncoderCodecArgs returns the codec flags for the output container.
func EncoderCodecArgs(outputPath string) []string {
	switch strings.ToLower(filepath.Ext(outputPath)) {
	case ".mp4", ".mov", ".m4v":
		return []string{"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p"}
	default:
		return []string{"-c:v", "libvpx-vp9", "-b:v", "0", "-crf", "32", "-pix_fmt", "yuv420p"}
	}
}

