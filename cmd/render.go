package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/muzzle/internal/canvas"
	"github.com/andresmejia3/muzzle/internal/config"
	"github.com/andresmejia3/muzzle/internal/media"
	"github.com/andresmejia3/muzzle/internal/pipeline"
	"github.com/andresmejia3/muzzle/internal/store"
	"github.com/andresmejia3/muzzle/internal/texture"
	"github.com/andresmejia3/muzzle/internal/types"
	"github.com/andresmejia3/muzzle/internal/utils"
	"github.com/andresmejia3/muzzle/internal/worker"
	"github.com/anthonynsimon/bild/imgio"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	renderOpts     Options
	renderInput    string
	renderOutput   string
	renderRealtime bool
)

var renderCmd = &cobra.Command{
	Use:         "render",
	Short:       "Overlay the texture on every face in an image or video",
	Annotations: map[string]string{"db": dbOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyTuningFlags(cmd, renderOpts, &cfg)
		if err := cfg.Validate(); err != nil {
			utils.ShowError("Configuration Error", err, nil)
			return err
		}
		return runRender(cmd.Context(), cfg)
	},
}

func init() {
	renderCmd.Flags().StringVarP(&renderInput, "input", "i", "", "Path to input image or video")
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "Output path (default: <input>_muzzle.png for images, .webm for video)")
	renderCmd.Flags().BoolVar(&renderRealtime, "realtime", false, "Pace video at playback speed. Frames the renderer misses repeat the previous output frame")
	bindTuningFlags(renderCmd, &renderOpts)

	renderCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(renderCmd)
}

var videoExtensions = map[string]bool{".mp4": true, ".mov": true, ".m4v": true, ".webm": true, ".mkv": true}

// defaultOutput derives the output path from the input and media kind.
func defaultOutput(input string, kind types.Mode) string {
	base := strings.TrimSuffix(input, filepath.Ext(input))
	if kind == types.ModeImage {
		return base + "_muzzle.png"
	}
	return base + "_muzzle.webm"
}

// validateRenderFlags checks paths and classifies the input. It fills in
// the default output path.
func validateRenderFlags(input string, output *string, c config.Config) (types.Mode, error) {
	info, err := os.Stat(input)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return "", err
		}
		utils.ShowError("Unable to access input file", err, nil)
		return "", err
	}
	if info.IsDir() {
		err := fmt.Errorf("is a directory")
		utils.ShowError("Input path is a directory, expected an image or video file", err, nil)
		return "", err
	}

	kind, mime, err := utils.DetectMediaKind(input)
	if err != nil {
		utils.ShowError("Unsupported input", err, nil)
		return "", err
	}

	if *output == "" {
		*output = defaultOutput(input, kind)
	}
	ext := strings.ToLower(filepath.Ext(*output))
	switch kind {
	case types.ModeImage:
		if ext != ".png" {
			err := fmt.Errorf("image output must be .png, got %q", *output)
			utils.ShowError("Configuration Error", err, nil)
			return "", err
		}
	case types.ModeVideo:
		if !videoExtensions[ext] {
			err := fmt.Errorf("video output must be one of .webm, .mp4, .mov, .m4v, .mkv, got %q (input is %s)", *output, mime)
			utils.ShowError("Configuration Error", err, nil)
			return "", err
		}
	}

	// Prevent overwriting the input, which corrupts it mid-read.
	inAbs, _ := filepath.Abs(input)
	outAbs, _ := filepath.Abs(*output)
	if inAbs == outAbs {
		err := fmt.Errorf("input and output paths must be different to prevent file corruption")
		utils.ShowError("Configuration Error", err, nil)
		return "", err
	}

	if c.Texture != "" {
		if _, err := os.Stat(c.Texture); err != nil {
			utils.ShowError("Texture file is not accessible", err, nil)
			return "", err
		}
	}
	return kind, nil
}

func runRender(ctx context.Context, c config.Config) error {
	// Child processes die with procCtx. A signal cancels ctx, which pauses a
	// running video render and stops everything else.
	procCtx, kill := context.WithCancel(context.WithoutCancel(ctx))
	defer kill()

	kind, err := validateRenderFlags(renderInput, &renderOutput, c)
	if err != nil {
		return err
	}
	log := logger.WithFields(logrus.Fields{"input": renderInput, "kind": kind})

	tex, err := loadTexture(c.Texture, log)
	if err != nil {
		return err
	}

	interp, err := canvas.ParseInterpolator(c.Interpolation)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Warming up detector...")
	log.WithField("detector", c.DetectorCommandLine()).Debug("starting detector")
	det, err := worker.NewLandmarkWorker(procCtx, 0, c.Worker(), log)
	if err != nil {
		utils.ShowError("Detector startup failed: "+c.DetectorCommandLine(), err, nil)
		return err
	}
	defer det.Close()

	session := pipeline.NewSession(det, tex, c.Pipeline(kind, renderRealtime),
		pipeline.WithLogger(log),
		pipeline.WithSurfaceFactory(func(w, h int) pipeline.Surface {
			return canvas.NewWithInterpolation(w, h, interp)
		}),
	)
	stop := context.AfterFunc(ctx, func() {
		if kind == types.ModeVideo && session.Pause() {
			fmt.Fprintln(os.Stderr, "\n⏸️  Pausing, finalizing output...")
			return
		}
		kill()
	})
	defer stop()

	if err := session.Initialize(procCtx); err != nil {
		utils.ShowError("Detector initialization failed", err, det.Cmd)
		return err
	}

	var res pipeline.Result
	if kind == types.ModeImage {
		res, err = renderImage(procCtx, session, det)
	} else {
		res, err = renderVideo(procCtx, session, det, c, log)
	}
	if err != nil {
		return err
	}

	recordRender(ctx, kind, c.Texture, res, log)

	status := "✅ Done"
	switch {
	case res.Paused:
		status = "⏸️  Paused"
	case errors.Is(ctx.Err(), context.Canceled):
		status = "⏹️  Stopped early"
	}
	fmt.Fprintf(os.Stderr, "%s: %s (%d frames, %d faces, %d skipped triangles, %s)\n",
		status, renderOutput, res.FramesRendered, res.FacesDrawn, res.TrianglesSkipped, res.Elapsed.Round(time.Millisecond))
	return nil
}

func loadTexture(path string, log logrus.FieldLogger) (*texture.Asset, error) {
	if path == "" {
		log.Warn("no texture configured, frames are rendered without an overlay")
		return nil, nil
	}
	tex, err := texture.Load(path)
	if err != nil {
		utils.ShowError("Failed to load texture", err, nil)
		return nil, err
	}
	if tex.Empty() {
		log.WithField("texture", path).Warn("texture has no pixels, overlay disabled")
	}
	return tex, nil
}

func renderImage(ctx context.Context, session *pipeline.Session, det *worker.LandmarkWorker) (pipeline.Result, error) {
	img, err := imgio.Open(renderInput)
	if err != nil {
		session.Reset()
		utils.ShowError("Failed to decode image", err, nil)
		return pipeline.Result{}, err
	}

	out, res, err := session.RenderImage(ctx, img)
	if err != nil {
		session.Reset()
		utils.ShowError("Render failed", err, det.Cmd)
		return res, err
	}
	if err := imgio.Save(renderOutput, out, imgio.PNGEncoder()); err != nil {
		utils.ShowError("Failed to write output", err, nil)
		return res, err
	}
	return res, nil
}

// progressSink advances the bar once per encoded frame.
type progressSink struct {
	pipeline.FrameSink
	bar *progressbar.ProgressBar
}

func (p progressSink) WriteFrame(img *image.RGBA) error {
	if err := p.FrameSink.WriteFrame(img); err != nil {
		return err
	}
	p.bar.Add(1)
	return nil
}

func renderVideo(ctx context.Context, session *pipeline.Session, det *worker.LandmarkWorker, c config.Config, log logrus.FieldLogger) (pipeline.Result, error) {
	info, err := utils.ProbeVideo(ctx, renderInput)
	if err != nil {
		session.Reset()
		utils.ShowError("Failed to probe video", err, nil)
		return pipeline.Result{}, err
	}
	width, height := utils.ProcessingSize(info.Width, info.Height, c.MaxWidth)
	if width == 0 {
		session.Reset()
		err := fmt.Errorf("video reports %dx%d", info.Width, info.Height)
		utils.ShowError("Invalid video dimensions", err, nil)
		return pipeline.Result{}, err
	}

	decoder, err := media.OpenFFmpegSource(ctx, renderInput, width, height, info.FPS)
	if err != nil {
		session.Reset()
		utils.ShowError("Failed to start decoder", err, nil)
		return pipeline.Result{}, err
	}
	defer decoder.Close()

	// The encoder must outlive the render context to write the container
	// trailer. The session always closes it.
	encoder, err := media.OpenFFmpegSink(context.WithoutCancel(ctx), renderOutput, info.FPS, width, height)
	if err != nil {
		session.Reset()
		os.Remove(renderOutput)
		utils.ShowError("Failed to start encoder", err, nil)
		return pipeline.Result{}, err
	}

	total := int64(info.Frames)
	if total <= 0 {
		total = int64(utils.GetTotalFrames(ctx, renderInput))
	}
	if total <= 0 {
		total = -1 // spinner
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("Rendering"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	sink := progressSink{FrameSink: encoder, bar: bar}

	var src pipeline.FrameSource = decoder
	var playback *media.Playback
	if renderRealtime {
		playback = media.NewPlayback(decoder, decoder.FPS())
		src = playback
	}

	log.WithFields(logrus.Fields{
		"source":     fmt.Sprintf("%dx%d", info.Width, info.Height),
		"processing": fmt.Sprintf("%dx%d", width, height),
		"fps":        decoder.FPS(),
		"realtime":   renderRealtime,
	}).Info("starting video render")

	res, err := session.RenderVideo(ctx, src, sink)
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if playback != nil && playback.Skipped > 0 {
		log.WithField("skipped", playback.Skipped).Info("renderer fell behind playback, repeated frames fill the gaps")
	}

	if err := finishVideo(session, renderOutput, res, err, decoder, log); err != nil {
		cmd := pickCmd(encoder.Cmd(), det.Cmd)
		if errors.Is(err, media.ErrDecoderFailed) {
			cmd = decoder.Cmd()
		}
		utils.ShowError("Video render failed", err, cmd)
		return res, err
	}
	return res, nil
}

// finishVideo stops the decoder and settles the outcome of a video render.
// A failed render or decoder resets the session and removes the output. A
// render stopped after some frames keeps what was written.
func finishVideo(session *pipeline.Session, output string, res pipeline.Result, renderErr error, decoder io.Closer, log logrus.FieldLogger) error {
	if decodeErr := decoder.Close(); decodeErr != nil {
		if renderErr == nil {
			renderErr = decodeErr
		} else {
			log.WithError(decodeErr).Debug("decoder failed while unwinding")
		}
	}
	if renderErr == nil {
		return nil
	}
	if errors.Is(renderErr, context.Canceled) && res.FramesRendered > 0 {
		// The encoder was finalized, keep what was rendered.
		return nil
	}
	session.Reset()
	if err := os.Remove(output); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed to remove partial output")
	}
	return renderErr
}

// pickCmd returns the first command that captured child output.
func pickCmd(cmds ...*utils.SafeCommand) *utils.SafeCommand {
	for _, c := range cmds {
		if c != nil && c.Stderr != nil && c.Stderr.Len() > 0 {
			return c
		}
	}
	return nil
}

// recordRender stores the result in the history database when one is
// connected. Failures are logged, not returned.
func recordRender(ctx context.Context, kind types.Mode, texturePath string, res pipeline.Result, log logrus.FieldLogger) {
	if DB == nil {
		return
	}
	// The render context may be cancelled after a Ctrl+C stop.
	ctx = context.WithoutCancel(ctx)

	sourceID, err := utils.GenerateSourceID(renderInput)
	if err != nil {
		log.WithError(err).Warn("failed to fingerprint input, history not recorded")
		return
	}
	src := store.Source{ID: sourceID, Path: renderInput, Kind: string(kind), Width: res.Width, Height: res.Height}
	if err := DB.EnsureSourceMetadata(ctx, src); err != nil {
		log.WithError(err).Warn("failed to record source")
		return
	}
	if err := DB.InsertRender(ctx, renderRecord(sourceID, renderOutput, texturePath, res)); err != nil {
		log.WithError(err).Warn("failed to record render")
	}
}

func renderRecord(sourceID, output, texturePath string, res pipeline.Result) store.Render {
	return store.Render{
		SessionID:        res.SessionID,
		SourceID:         sourceID,
		OutputPath:       output,
		Mode:             string(res.Mode),
		Texture:          texturePath,
		FramesRendered:   res.FramesRendered,
		FramesSkipped:    res.FramesSkipped,
		FacesDrawn:       res.FacesDrawn,
		FacesDropped:     res.FacesDropped,
		TrianglesDrawn:   res.TrianglesDrawn,
		TrianglesSkipped: res.TrianglesSkipped,
		EncoderDropped:   res.EncoderDropped,
		Paused:           res.Paused,
		Elapsed:          res.Elapsed,
	}
}
