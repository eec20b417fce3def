// Package config defines the YAML configuration of the map tools: the camera, the feature
// pyramid, and mapping settings.
package config

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/fleuryloic/openvsslam/camera"
	"github.com/fleuryloic/openvsslam/data"
	"github.com/fleuryloic/openvsslam/feature"
	"github.com/fleuryloic/openvsslam/logging"
)

// Config describes a map setup.
type Config struct {
	Camera  CameraConfig  `yaml:"camera"`
	Feature FeatureConfig `yaml:"feature"`
	Mapping MappingConfig `yaml:"mapping"`
	// LogLevel is one of debug, info, warn or error. Empty means info.
	LogLevel string `yaml:"log_level"`

	ConfigFilePath string `yaml:"-"`
}

// Ensure validates every section and fills defaults. All violations are reported together.
func (c *Config) Ensure() error {
	var errs error
	errs = multierr.Append(errs, c.Camera.Validate("camera"))
	errs = multierr.Append(errs, c.Feature.Validate("feature"))
	errs = multierr.Append(errs, c.Mapping.Validate("mapping"))
	if c.LogLevel != "" {
		if _, err := logging.LevelFromString(c.LogLevel); err != nil {
			errs = multierr.Append(errs, utils.NewConfigValidationError("log_level", err))
		}
	}
	return errs
}

// Level returns the configured log level.
func (c *Config) Level() logging.Level {
	if c.LogLevel == "" {
		return logging.INFO
	}
	level, err := logging.LevelFromString(c.LogLevel)
	if err != nil {
		return logging.INFO
	}
	return level
}

// CameraConfig describes the camera keyframes are observed through.
type CameraConfig struct {
	Name  string  `yaml:"name"`
	Setup string  `yaml:"setup"`
	Model string  `yaml:"model"`
	Cols  int     `yaml:"cols"`
	Rows  int     `yaml:"rows"`
	Fx    float64 `yaml:"fx"`
	Fy    float64 `yaml:"fy"`
	Cx    float64 `yaml:"cx"`
	Cy    float64 `yaml:"cy"`
}

// Validate ensures all parts of the config are valid.
func (cfg *CameraConfig) Validate(path string) error {
	if cfg.Name == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if cfg.Setup == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "setup")
	}
	if _, err := camera.ParseSetupType(cfg.Setup); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if cfg.Model == "" {
		cfg.Model = camera.Perspective.String()
	}
	if _, err := camera.ParseModelType(cfg.Model); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if err := cfg.intrinsics().CheckValid(); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	return nil
}

func (cfg *CameraConfig) intrinsics() *camera.PinholeIntrinsics {
	return &camera.PinholeIntrinsics{
		Width:  cfg.Cols,
		Height: cfg.Rows,
		Fx:     cfg.Fx,
		Fy:     cfg.Fy,
		Ppx:    cfg.Cx,
		Ppy:    cfg.Cy,
	}
}

// Build returns the camera the config describes.
func (cfg *CameraConfig) Build() (camera.Camera, error) {
	setup, err := camera.ParseSetupType(cfg.Setup)
	if err != nil {
		return nil, err
	}
	model := camera.Perspective
	if cfg.Model != "" {
		if model, err = camera.ParseModelType(cfg.Model); err != nil {
			return nil, err
		}
	}
	return camera.NewBase(cfg.Name, setup, model, cfg.intrinsics())
}

// FeatureConfig describes the ORB pyramid keypoints were extracted on.
type FeatureConfig struct {
	Name             string  `yaml:"name"`
	ScaleFactor      float64 `yaml:"scale_factor"`
	NumLevels        int     `yaml:"num_levels"`
	IniFastThreshold int     `yaml:"ini_fast_threshold"`
	MinFastThreshold int     `yaml:"min_fast_threshold"`
}

// Validate ensures all parts of the config are valid.
func (cfg *FeatureConfig) Validate(path string) error {
	if cfg.Name == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if _, err := cfg.Build(); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	return nil
}

// Build returns the ORB parameters the config describes.
func (cfg *FeatureConfig) Build() (*feature.ORBParams, error) {
	return feature.NewORBParams(cfg.Name, cfg.ScaleFactor, cfg.NumLevels, cfg.IniFastThreshold, cfg.MinFastThreshold)
}

// MappingConfig holds map database settings.
type MappingConfig struct {
	MinNumSharedLandmarks int `yaml:"min_num_shared_lms"`
}

// Validate ensures all parts of the config are valid and fills defaults.
func (cfg *MappingConfig) Validate(path string) error {
	if cfg.MinNumSharedLandmarks < 0 {
		return utils.NewConfigValidationError(path,
			errors.Errorf("min_num_shared_lms must not be negative, got %d", cfg.MinNumSharedLandmarks))
	}
	if cfg.MinNumSharedLandmarks == 0 {
		cfg.MinNumSharedLandmarks = data.DefaultMinNumSharedLandmarks
	}
	return nil
}

// DatabaseOptions returns the map database options the config implies.
func (cfg *MappingConfig) DatabaseOptions() []data.MapDatabaseOption {
	return []data.MapDatabaseOption{data.WithMinNumSharedLandmarks(cfg.MinNumSharedLandmarks)}
}

// RecordResources returns the camera and feature parameters map records are resolved against.
func (c *Config) RecordResources() (data.RecordResources, error) {
	cam, err := c.Camera.Build()
	if err != nil {
		return data.RecordResources{}, errors.Wrap(err, "building camera")
	}
	orbParams, err := c.Feature.Build()
	if err != nil {
		return data.RecordResources{}, errors.Wrap(err, "building feature parameters")
	}
	return data.RecordResources{
		Cameras:   map[string]camera.Camera{cam.Name(): cam},
		ORBParams: map[string]*feature.ORBParams{orbParams.Name: orbParams},
	}, nil
}
