// Package config holds the tunables shared by the CLI and the HTTP server.
//
// Values are layered: built-in defaults, then an optional YAML file, then a
// .env file and MUZZLE_* environment variables. Command-line flags are
// applied last by the caller. The result is checked with validator tags.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/muzzle/internal/pipeline"
	"github.com/andresmejia3/muzzle/internal/types"
	"github.com/andresmejia3/muzzle/internal/worker"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "MUZZLE_"

type Config struct {
	Smoothing              float64       `yaml:"smoothing" validate:"gt=0,lte=1"`
	FocalLength            float64       `yaml:"focal_length" validate:"gt=0"`
	ZScale                 float64       `yaml:"z_scale" validate:"gt=0"`
	MeshScale              float64       `yaml:"mesh_scale" validate:"gt=0"`
	MaxFaces               int           `yaml:"max_faces" validate:"gte=1,lte=16"`
	MaxWidth               int           `yaml:"max_width" validate:"gte=2"`
	MinDetectionConfidence float64       `yaml:"min_detection_confidence" validate:"gte=0,lte=1"`
	RefreshRate            float64       `yaml:"refresh_rate" validate:"gt=0,lte=1000"`
	Interpolation          string        `yaml:"interpolation" validate:"oneof=nearest bilinear approx-bilinear catmullrom"`
	EncoderBuffer          int           `yaml:"encoder_buffer" validate:"gte=1"`
	DetectorCommand        []string      `yaml:"detector_command" validate:"min=1,dive,required"`
	DetectorTimeout        time.Duration `yaml:"detector_timeout" validate:"gte=0"`
	Texture                string        `yaml:"texture"`
	LogLevel               string        `yaml:"log_level" validate:"oneof=trace debug info warn warning error"`
	LogFile                string        `yaml:"log_file"`
	DatabaseURL            string        `yaml:"database_url" validate:"omitempty,url"`
	ListenAddr             string        `yaml:"listen_addr" validate:"hostname_port"`
	MaxUploadMB            int           `yaml:"max_upload_mb" validate:"gte=1"`
}

func Default() Config {
	return Config{
		Smoothing:              0.6,
		FocalLength:            1500,
		ZScale:                 800,
		MeshScale:              1.5,
		MaxFaces:               2,
		MaxWidth:               1280,
		MinDetectionConfidence: 0.3,
		RefreshRate:            60,
		Interpolation:          "bilinear",
		EncoderBuffer:          32,
		DetectorCommand:        []string{"python3", "-u", "python/landmarker.py"},
		DetectorTimeout:        30 * time.Second,
		LogLevel:               "info",
		ListenAddr:             "127.0.0.1:8080",
		MaxUploadMB:            25,
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty), a .env file in the working directory and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid field by its YAML name.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed '%s' (value %v)", yamlName(fe.StructField()), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// Pipeline maps the tunables onto a render session configuration.
func (c Config) Pipeline(mode types.Mode, realtime bool) pipeline.Config {
	return pipeline.Config{
		Smoothing:              c.Smoothing,
		MaxFaces:               c.MaxFaces,
		MinDetectionConfidence: c.MinDetectionConfidence,
		FocalLength:            c.FocalLength,
		ZScale:                 c.ZScale,
		MeshScale:              c.MeshScale,
		DetectorMode:           mode,
		RefreshRate:            c.RefreshRate,
		Realtime:               realtime,
		EncoderBuffer:          c.EncoderBuffer,
	}
}

func (c Config) Worker() worker.Config {
	return worker.Config{Command: c.DetectorCommand, ReadTimeout: c.DetectorTimeout}
}

// DetectorCommandLine joins the detector argv for display.
func (c Config) DetectorCommandLine() string {
	return strings.Join(c.DetectorCommand, " ")
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	floats := map[string]*float64{
		"SMOOTHING":                &c.Smoothing,
		"FOCAL_LENGTH":             &c.FocalLength,
		"Z_SCALE":                  &c.ZScale,
		"MESH_SCALE":               &c.MeshScale,
		"MIN_DETECTION_CONFIDENCE": &c.MinDetectionConfidence,
		"REFRESH_RATE":             &c.RefreshRate,
	}
	for key, dst := range floats {
		if v, ok := lookup(EnvPrefix + key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = f
		}
	}

	ints := map[string]*int{
		"MAX_FACES":      &c.MaxFaces,
		"MAX_WIDTH":      &c.MaxWidth,
		"ENCODER_BUFFER": &c.EncoderBuffer,
		"MAX_UPLOAD_MB":  &c.MaxUploadMB,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	strs := map[string]*string{
		"INTERPOLATION": &c.Interpolation,
		"TEXTURE":       &c.Texture,
		"LOG_LEVEL":     &c.LogLevel,
		"LOG_FILE":      &c.LogFile,
		"DATABASE_URL":  &c.DatabaseURL,
		"LISTEN_ADDR":   &c.ListenAddr,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "DETECTOR_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sDETECTOR_TIMEOUT: %w", EnvPrefix, err)
		}
		c.DetectorTimeout = d
	}
	if v, ok := lookup(EnvPrefix + "DETECTOR_COMMAND"); ok {
		c.DetectorCommand = strings.Fields(v)
	}
	return nil
}

func yamlName(field string) string {
	if f, ok := reflect.TypeOf(Config{}).FieldByName(field); ok {
		if tag := f.Tag.Get("yaml"); tag != "" {
			return tag
		}
	}
	return field
}
