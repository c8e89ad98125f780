package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/muzzle/internal/canvas"
	"github.com/andresmejia3/muzzle/internal/config"
	"github.com/andresmejia3/muzzle/internal/pipeline"
	"github.com/andresmejia3/muzzle/internal/types"
	"github.com/andresmejia3/muzzle/internal/utils"
	"github.com/andresmejia3/muzzle/internal/worker"
	"github.com/anthonynsimon/bild/imgio"
	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	_ "golang.org/x/image/webp"
)

var (
	serveOpts   Options
	serveListen string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve still-image renders over HTTP (POST /render)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyTuningFlags(cmd, serveOpts, &cfg)
		if cmd.Flags().Changed("listen") {
			cfg.ListenAddr = serveListen
		}
		if err := cfg.Validate(); err != nil {
			utils.ShowError("Configuration Error", err, nil)
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", config.Default().ListenAddr, "Address to listen on")
	bindTuningFlags(serveCmd, &serveOpts)
	rootCmd.AddCommand(serveCmd)
}

// renderServer serializes requests onto a single session.
type renderServer struct {
	mu      sync.Mutex
	session *pipeline.Session
	log     logrus.FieldLogger
}

func newRenderServer(session *pipeline.Session, log logrus.FieldLogger) *renderServer {
	return &renderServer{session: session, log: log}
}

func newServerApp(s *renderServer, maxUploadMB int) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "muzzle",
		BodyLimit:             maxUploadMB * 1024 * 1024,
		StrictRouting:         true,
		CaseSensitive:         true,
		DisableStartupMessage: true,
		JSONEncoder:           jsoniter.Marshal,
		JSONDecoder:           jsoniter.Unmarshal,
	})
	app.Use(requestLogger(s.log))
	app.Get("/healthz", s.handleHealth)
	app.Post("/render", s.handleRender)
	return app
}

func requestLogger(log logrus.FieldLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		entry := log.WithFields(logrus.Fields{
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     status,
			"latency_ms": time.Since(start).Milliseconds(),
			"ip":         c.IP(),
		})
		switch {
		case status >= 500:
			entry.Error("server error")
		case status >= 400:
			entry.Warn("client error")
		default:
			entry.Info("request served")
		}
		return err
	}
}

func (s *renderServer) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"state":   s.session.State().String(),
		"version": Version,
	})
}

func jsonError(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func (s *renderServer) handleRender(c *fiber.Ctx) error {
	fh, err := c.FormFile("image")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "missing multipart file field 'image'")
	}
	f, err := fh.Open()
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "unreadable upload")
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "unreadable upload")
	}

	kind, mime, err := utils.DetectMediaKindBytes(data)
	if err == nil && kind != types.ModeImage {
		err = fmt.Errorf("%w: %s (only still images are rendered over HTTP)", utils.ErrUnsupportedMedia, mime)
	}
	if err != nil {
		return jsonError(c, fiber.StatusUnsupportedMediaType, err.Error())
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return jsonError(c, fiber.StatusUnprocessableEntity, fmt.Sprintf("failed to decode %s: %v", mime, err))
	}

	s.mu.Lock()
	s.session.Reset()
	out, res, err := s.session.RenderImage(c.UserContext(), img)
	timing := s.session.LastTiming()
	s.mu.Unlock()
	if err != nil {
		status := fiber.StatusInternalServerError
		if errors.Is(err, pipeline.ErrSessionFailed) || errors.Is(err, pipeline.ErrNotInitialized) {
			status = fiber.StatusServiceUnavailable
		}
		s.log.WithError(err).Error("render failed")
		return jsonError(c, status, err.Error())
	}

	var buf bytes.Buffer
	if err := imgio.PNGEncoder()(&buf, out); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "failed to encode png")
	}

	c.Set("X-Muzzle-Session", res.SessionID)
	c.Set("X-Muzzle-Faces", strconv.Itoa(res.FacesDrawn))
	c.Set("X-Muzzle-Triangles", strconv.Itoa(res.TrianglesDrawn))
	c.Set("X-Muzzle-Detect-Ms", strconv.FormatInt(timing.Detection.Milliseconds(), 10))
	c.Set(fiber.HeaderContentType, "image/png")
	return c.Send(buf.Bytes())
}

func runServe(ctx context.Context, c config.Config) error {
	log := logger.WithField("component", "serve")

	tex, err := loadTexture(c.Texture, log)
	if err != nil {
		return err
	}
	interp, err := canvas.ParseInterpolator(c.Interpolation)
	if err != nil {
		return err
	}

	log.WithField("detector", c.DetectorCommandLine()).Debug("starting detector")
	det, err := worker.NewLandmarkWorker(ctx, 0, c.Worker(), log)
	if err != nil {
		utils.ShowError("Detector startup failed: "+c.DetectorCommandLine(), err, nil)
		return err
	}
	defer det.Close()

	session := pipeline.NewSession(det, tex, c.Pipeline(types.ModeImage, false),
		pipeline.WithLogger(log),
		pipeline.WithSurfaceFactory(func(w, h int) pipeline.Surface {
			return canvas.NewWithInterpolation(w, h, interp)
		}),
	)
	if err := session.Initialize(ctx); err != nil {
		utils.ShowError("Detector initialization failed", err, det.Cmd)
		return err
	}

	app := newServerApp(newRenderServer(session, log), c.MaxUploadMB)

	errCh := make(chan error, 1)
	go func() { errCh <- app.Listen(c.ListenAddr) }()
	log.WithField("addr", c.ListenAddr).Info("listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	return app.ShutdownWithTimeout(5 * time.Second)
}
