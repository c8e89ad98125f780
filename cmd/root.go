package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/andresmejia3/muzzle/internal/config"
	mlog "github.com/andresmejia3/muzzle/internal/log"
	"github.com/andresmejia3/muzzle/internal/store"
	"github.com/andresmejia3/muzzle/internal/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Options holds the tuning flags shared by render and serve. Only flags the
// user actually set override the loaded configuration.
type Options struct {
	TexturePath   string
	Smoothing     float64
	MaxFaces      int
	MaxWidth      int
	MinConfidence float64
	Interpolation string
	RefreshRate   float64
	EncoderBuffer int
	FocalLength   float64
	ZScale        float64
	MeshScale     float64
}

var (
	// DB is the optional render history store shared by subcommands.
	DB *store.Store
	// dbURL is the connection string
	dbURL string

	cfg    config.Config
	logger *logrus.Logger

	configPath      string
	logLevel        string
	logFile         string
	detectorCommand string
	detectorTimeout string
)

// ErrNoDatabase is returned by commands that need the history store when no
// connection is configured.
var ErrNoDatabase = errors.New("no database configured (use --db, database_url or POSTGRES_HOST)")

// Version is the application version.
const Version = "0.1.0"

const (
	dbRequired = "required"
	dbOptional = "optional"
)

var rootCmd = &cobra.Command{
	Use:     "muzzle",
	Short:   "Face-following texture overlay for images and video",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			utils.ShowError("Configuration Error", err, nil)
			return err
		}
		if err := applyGlobalFlags(cmd, &cfg); err != nil {
			utils.ShowError("Configuration Error", err, nil)
			return err
		}
		if err := cfg.Validate(); err != nil {
			utils.ShowError("Configuration Error", err, nil)
			return err
		}

		logger, err = mlog.New(cfg.LogLevel, cfg.LogFile)
		if err != nil {
			return err
		}

		need := cmd.Annotations["db"]
		if need == "" {
			return nil
		}
		url := resolveDatabaseURL(dbURL, cfg.DatabaseURL)
		if url == "" {
			if need == dbRequired {
				return ErrNoDatabase
			}
			logger.Debug("no database configured, render history disabled")
			return nil
		}

		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			if need == dbRequired {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			logger.WithError(err).Warn("database unavailable, render history disabled")
			DB = nil
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// The command context may already be cancelled by Ctrl+C.
			DB.Close(context.Background())
		}
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to a YAML config file")
	pf.StringVar(&dbURL, "db", "", "PostgreSQL connection string for render history (optional)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	pf.StringVar(&logFile, "log-file", "", "Also write logs to this rotating file")
	pf.StringVar(&detectorCommand, "detector", "", "Landmark detector command (default: python3 -u python/landmarker.py)")
	pf.StringVar(&detectorTimeout, "detector-timeout", "", "Timeout for a single detector response, e.g. 30s")
}

// resolveDatabaseURL prefers the flag, then the config file, then the
// POSTGRES_* environment. An empty result disables history.
func resolveDatabaseURL(flag, configured string) string {
	if flag != "" {
		return flag
	}
	if configured != "" {
		return configured
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

func applyGlobalFlags(cmd *cobra.Command, c *config.Config) error {
	fs := cmd.Flags()
	if fs.Changed("log-level") {
		c.LogLevel = logLevel
	}
	if fs.Changed("log-file") {
		c.LogFile = logFile
	}
	if fs.Changed("detector") {
		c.DetectorCommand = strings.Fields(detectorCommand)
	}
	if fs.Changed("detector-timeout") {
		d, err := time.ParseDuration(detectorTimeout)
		if err != nil {
			return fmt.Errorf("invalid --detector-timeout (use '30s', '1m'): %w", err)
		}
		c.DetectorTimeout = d
	}
	return nil
}

func bindTuningFlags(cmd *cobra.Command, o *Options) {
	d := config.Default()
	fs := cmd.Flags()
	fs.StringVarP(&o.TexturePath, "texture", "x", "", "Overlay texture image (PNG, JPEG, WebP)")
	fs.Float64Var(&o.Smoothing, "smoothing", d.Smoothing, "Landmark smoothing factor in (0,1]; 1 disables smoothing")
	fs.IntVarP(&o.MaxFaces, "max-faces", "f", d.MaxFaces, "Maximum number of tracked faces")
	fs.IntVar(&o.MaxWidth, "max-width", d.MaxWidth, "Maximum processing width for video")
	fs.Float64VarP(&o.MinConfidence, "min-confidence", "D", d.MinDetectionConfidence, "Minimum face detection confidence")
	fs.StringVar(&o.Interpolation, "interpolation", d.Interpolation, "Texture sampling: nearest, bilinear, approx-bilinear, catmullrom")
	fs.Float64Var(&o.RefreshRate, "refresh-rate", d.RefreshRate, "Render cycles per second in realtime mode")
	fs.IntVar(&o.EncoderBuffer, "encoder-buffer", d.EncoderBuffer, "Frames queued between renderer and encoder")
	fs.Float64Var(&o.FocalLength, "focal-length", d.FocalLength, "Perspective focal length")
	fs.Float64Var(&o.ZScale, "z-scale", d.ZScale, "Depth scale applied to landmark z")
	fs.Float64Var(&o.MeshScale, "mesh-scale", d.MeshScale, "Overlay size relative to the cheek-to-cheek width")
}

// applyTuningFlags copies the flags the user set onto c.
func applyTuningFlags(cmd *cobra.Command, o Options, c *config.Config) {
	fs := cmd.Flags()
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("texture", func() { c.Texture = o.TexturePath })
	set("smoothing", func() { c.Smoothing = o.Smoothing })
	set("max-faces", func() { c.MaxFaces = o.MaxFaces })
	set("max-width", func() { c.MaxWidth = o.MaxWidth })
	set("min-confidence", func() { c.MinDetectionConfidence = o.MinConfidence })
	set("interpolation", func() { c.Interpolation = o.Interpolation })
	set("refresh-rate", func() { c.RefreshRate = o.RefreshRate })
	set("encoder-buffer", func() { c.EncoderBuffer = o.EncoderBuffer })
	set("focal-length", func() { c.FocalLength = o.FocalLength })
	set("z-scale", func() { c.ZScale = o.ZScale })
	set("mesh-scale", func() { c.MeshScale = o.MeshScale })
}
