// Package config loads the ingest service's JSON configuration file.
// Every field is optional; the Get* accessors supply the defaults.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/banshee-data/aura/internal/fsutil"
)

// DefaultConfigPath is the example configuration shipped with the repo.
const DefaultConfigPath = "config/aura.example.json"

// Vision modes.
const (
	VisionModeProcess = "process"
	VisionModeHTTP    = "http"
)

// Defaults returned by the Get* accessors.
const (
	DefaultVisionTimeout    = 10 * time.Second
	DefaultDistanceMeters   = 2.0
	DefaultWorkerPython     = "python3"
	DefaultWorkerScript     = "python/vision_worker.py"
	DefaultVisionURL        = "http://localhost:5000"
	DefaultMaxBodyBytes     = 1 << 20
	DefaultSubscriberBuffer = 4
	DefaultLatencyWindow    = 256
	DefaultCameraInterval   = 2 * time.Second
)

// IngestConfig is the root configuration. Omitted fields keep their
// defaults, so partial files are safe.
type IngestConfig struct {
	// Vision detector
	VisionMode    *string `json:"vision_mode,omitempty"`    // "process" or "http"
	VisionTimeout *string `json:"vision_timeout,omitempty"` // duration string like "10s"
	WorkerPython  *string `json:"worker_python,omitempty"`
	WorkerScript  *string `json:"worker_script,omitempty"`
	WorkerDir     *string `json:"worker_dir,omitempty"`
	VisionURL     *string `json:"vision_url,omitempty"`

	// Fusion
	DefaultDistance *float64 `json:"default_distance_m,omitempty"`

	// Inputs
	ImageDirs      []string `json:"image_dirs,omitempty"`
	MaxBodyBytes   *int64   `json:"max_body_bytes,omitempty"`
	CameraURL      *string  `json:"camera_url,omitempty"`
	CameraInterval *string  `json:"camera_interval,omitempty"`

	// Consumers and diagnostics
	SubscriberBuffer *int `json:"subscriber_buffer,omitempty"`
	LatencyWindow    *int `json:"latency_window,omitempty"`
}

// EmptyIngestConfig returns a config with every field unset.
func EmptyIngestConfig() *IngestConfig {
	return &IngestConfig{}
}

// LoadIngestConfig loads an IngestConfig from a JSON file. The file must
// have a .json extension and be under 1MB.
func LoadIngestConfig(path string) (*IngestConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	const maxFileSize = 1 * 1024 * 1024 // 1MB
	data, err := fsutil.ReadFileLimited(fsutil.OSFileSystem{}, cleanPath, maxFileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyIngestConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *IngestConfig) Validate() error {
	if c.VisionMode != nil {
		switch *c.VisionMode {
		case VisionModeProcess, VisionModeHTTP:
		default:
			return fmt.Errorf("vision_mode must be %q or %q, got %q", VisionModeProcess, VisionModeHTTP, *c.VisionMode)
		}
	}

	if err := validatePositiveDuration("vision_timeout", c.VisionTimeout); err != nil {
		return err
	}
	if err := validatePositiveDuration("camera_interval", c.CameraInterval); err != nil {
		return err
	}

	if c.DefaultDistance != nil {
		d := *c.DefaultDistance
		if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
			return fmt.Errorf("default_distance_m must be a non-negative number, got %v", d)
		}
	}

	if c.GetVisionMode() == VisionModeHTTP && c.VisionURL != nil && *c.VisionURL == "" {
		return fmt.Errorf("vision_url must not be empty in http mode")
	}

	if c.MaxBodyBytes != nil && *c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive, got %d", *c.MaxBodyBytes)
	}
	if c.SubscriberBuffer != nil && *c.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber_buffer must be positive, got %d", *c.SubscriberBuffer)
	}
	if c.LatencyWindow != nil && *c.LatencyWindow <= 0 {
		return fmt.Errorf("latency_window must be positive, got %d", *c.LatencyWindow)
	}

	for _, dir := range c.ImageDirs {
		if dir == "" {
			return fmt.Errorf("image_dirs must not contain empty entries")
		}
	}
	return nil
}

func validatePositiveDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, *v)
	}
	return nil
}

// GetVisionMode returns the detector mode or "process".
func (c *IngestConfig) GetVisionMode() string {
	if c.VisionMode == nil || *c.VisionMode == "" {
		return VisionModeProcess
	}
	return *c.VisionMode
}

// GetVisionTimeout parses and returns the VisionTimeout as a time.Duration.
func (c *IngestConfig) GetVisionTimeout() time.Duration {
	return parseDurationOr(c.VisionTimeout, DefaultVisionTimeout)
}

// GetCameraInterval parses and returns the CameraInterval as a time.Duration.
func (c *IngestConfig) GetCameraInterval() time.Duration {
	return parseDurationOr(c.CameraInterval, DefaultCameraInterval)
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def // default on parse error
	}
	return d
}

// GetDefaultDistance returns the fallback fusion distance in meters.
func (c *IngestConfig) GetDefaultDistance() float64 {
	if c.DefaultDistance == nil {
		return DefaultDistanceMeters
	}
	return *c.DefaultDistance
}

// GetWorkerPython returns the interpreter used for the worker process.
func (c *IngestConfig) GetWorkerPython() string {
	return stringOr(c.WorkerPython, DefaultWorkerPython)
}

// GetWorkerScript returns the worker script path.
func (c *IngestConfig) GetWorkerScript() string {
	return stringOr(c.WorkerScript, DefaultWorkerScript)
}

// GetWorkerDir returns the worker's working directory, or "" for the
// service's own.
func (c *IngestConfig) GetWorkerDir() string {
	return stringOr(c.WorkerDir, "")
}

// GetVisionURL returns the vision backend base URL.
func (c *IngestConfig) GetVisionURL() string {
	return stringOr(c.VisionURL, DefaultVisionURL)
}

// GetCameraURL returns the capture URL polled by the camera poller, or "".
func (c *IngestConfig) GetCameraURL() string {
	return stringOr(c.CameraURL, "")
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

// GetMaxBodyBytes returns the request body limit for ingest endpoints.
func (c *IngestConfig) GetMaxBodyBytes() int64 {
	if c.MaxBodyBytes == nil {
		return DefaultMaxBodyBytes
	}
	return *c.MaxBodyBytes
}

// GetSubscriberBuffer returns the per-subscriber channel depth.
func (c *IngestConfig) GetSubscriberBuffer() int {
	if c.SubscriberBuffer == nil {
		return DefaultSubscriberBuffer
	}
	return *c.SubscriberBuffer
}

// GetLatencyWindow returns the number of samples kept for statistics.
func (c *IngestConfig) GetLatencyWindow() int {
	if c.LatencyWindow == nil {
		return DefaultLatencyWindow
	}
	return *c.LatencyWindow
}

// GetImageDirs returns the directories local frame paths may live in.
func (c *IngestConfig) GetImageDirs() []string {
	return append([]string(nil), c.ImageDirs...)
}
