package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/starstack/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for starstack.
type Config struct {
	Processing Processing `json:"processing" yaml:"processing"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Alignment  Alignment  `json:"alignment" yaml:"alignment"`
	Detection  Detection  `json:"detection" yaml:"detection"`
	Stacking   Stacking   `json:"stacking" yaml:"stacking"`
	Server     Server     `json:"server" yaml:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" yaml:"parallel_jobs"` // frames decoded/detected at once
	QueueWorkers int    `json:"queue_workers" yaml:"queue_workers"` // jobs run at once
	TempDir      string `json:"temp_dir" yaml:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output" yaml:"default_output"`
	DatabasePath  string `json:"database_path" yaml:"database_path"`
}

// Alignment controls matching, transform estimation and resampling.
type Alignment struct {
	Precision        float64 `json:"precision" yaml:"precision"`                 // match radius in pixels
	InlierThreshold  float64 `json:"inlier_threshold" yaml:"inlier_threshold"`   // RANSAC reprojection threshold
	WarpMode         string  `json:"warp_mode" yaml:"warp_mode"`                 // compose, chain
	Solver           string  `json:"solver" yaml:"solver"`                       // ransac, lsq
	Warper           string  `json:"warper" yaml:"warper"`                       // opencv, affine
	Background       float64 `json:"background" yaml:"background"`               // fill for unmapped pixels, 0-1
	SkipFailedFrames bool    `json:"skip_failed_frames" yaml:"skip_failed_frames"`
}

// Detection configures the star detector and the sensitivity probe.
type Detection struct {
	Backend      string  `json:"backend" yaml:"backend"` // opencv
	Sensitivity  int     `json:"sensitivity" yaml:"sensitivity"`
	TargetStars  int     `json:"target_stars" yaml:"target_stars"` // 0 disables the probe
	CeilingStars int     `json:"ceiling_stars" yaml:"ceiling_stars"`
	MinArea      float64 `json:"min_area" yaml:"min_area"`
	MaxArea      float64 `json:"max_area" yaml:"max_area"`
}

// Stacking configures the averaging stage and output encoding.
type Stacking struct {
	Parallel    int `json:"parallel" yaml:"parallel"` // chunks averaged concurrently
	JPEGQuality int `json:"jpeg_quality" yaml:"jpeg_quality"`
	Depth       int `json:"depth" yaml:"depth"` // bits per sample for ImageMagick output
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	Addr     string `json:"addr" yaml:"addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
// STARSTACK_CONFIG overrides the location; .yaml and .yml files are read as YAML.
func Load() (*Config, error) {
	configPath := os.Getenv("STARSTACK_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads one config file over the defaults. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Validate rejects settings no run could honour.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("processing.parallel_jobs must be >= 1, got %d", c.Processing.ParallelJobs))
	}
	if c.Processing.QueueWorkers < 1 {
		errs = append(errs, fmt.Errorf("processing.queue_workers must be >= 1, got %d", c.Processing.QueueWorkers))
	}
	if !(c.Alignment.Precision > 0) || math.IsInf(c.Alignment.Precision, 0) {
		errs = append(errs, fmt.Errorf("alignment.precision must be a positive number, got %v", c.Alignment.Precision))
	}
	if !(c.Alignment.InlierThreshold > 0) {
		errs = append(errs, fmt.Errorf("alignment.inlier_threshold must be positive, got %v", c.Alignment.InlierThreshold))
	}
	if !oneOf(c.Alignment.WarpMode, "compose", "chain") {
		errs = append(errs, fmt.Errorf("alignment.warp_mode must be compose or chain, got %q", c.Alignment.WarpMode))
	}
	if !oneOf(c.Alignment.Solver, "ransac", "lsq") {
		errs = append(errs, fmt.Errorf("alignment.solver must be ransac or lsq, got %q", c.Alignment.Solver))
	}
	if !oneOf(c.Alignment.Warper, "opencv", "affine") {
		errs = append(errs, fmt.Errorf("alignment.warper must be opencv or affine, got %q", c.Alignment.Warper))
	}
	if c.Alignment.Background < 0 || c.Alignment.Background > 1 {
		errs = append(errs, fmt.Errorf("alignment.background must be within [0,1], got %v", c.Alignment.Background))
	}
	if c.Detection.Sensitivity < 1 || c.Detection.Sensitivity > 255 {
		errs = append(errs, fmt.Errorf("detection.sensitivity must be within [1,255], got %d", c.Detection.Sensitivity))
	}
	if c.Detection.TargetStars < 0 {
		errs = append(errs, fmt.Errorf("detection.target_stars must not be negative, got %d", c.Detection.TargetStars))
	}
	if c.Detection.TargetStars > c.Detection.CeilingStars {
		errs = append(errs, fmt.Errorf("detection.target_stars %d exceeds ceiling_stars %d", c.Detection.TargetStars, c.Detection.CeilingStars))
	}
	if c.Detection.MinArea <= 0 || c.Detection.MaxArea < c.Detection.MinArea {
		errs = append(errs, fmt.Errorf("detection area range [%v,%v] is empty", c.Detection.MinArea, c.Detection.MaxArea))
	}
	return errors.Join(errs...)
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueWorkers: 1,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./stacked.tif",
			DatabasePath:  filepath.Join(os.TempDir(), "starstack.db"),
		},
		Alignment: Alignment{
			Precision:       3.5,
			InlierThreshold: 5.0,
			WarpMode:        "compose",
			Solver:          "ransac",
			Warper:          "opencv",
		},
		Detection: Detection{
			Backend:      "opencv",
			Sensitivity:  100,
			CeilingStars: 750,
			MinArea:      5,
			MaxArea:      30,
		},
		Stacking: Stacking{
			Parallel:    1,
			JPEGQuality: 95,
			Depth:       16,
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
