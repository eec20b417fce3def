// Package camera describes the camera models keyframes are observed through. Projection and
// calibration live outside the map core; this package only carries what the core needs: the
// model name used in map records, the sensor setup, and enough intrinsics to back-project a
// keypoint with known depth.
package camera

import (
	"fmt"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ErrNoIntrinsics is when a camera does not have usable intrinsic parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intrinsics are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// SetupType is the sensor configuration the camera is used in.
type SetupType int

// The supported setups.
const (
	Monocular SetupType = iota
	Stereo
	RGBD
)

func (s SetupType) String() string {
	switch s {
	case Monocular:
		return "Monocular"
	case Stereo:
		return "Stereo"
	case RGBD:
		return "RGBD"
	}
	return fmt.Sprintf("SetupType(%d)", int(s))
}

// ParseSetupType parses a case-insensitive setup name.
func ParseSetupType(name string) (SetupType, error) {
	switch strings.ToLower(name) {
	case "monocular":
		return Monocular, nil
	case "stereo":
		return Stereo, nil
	case "rgbd":
		return RGBD, nil
	}
	return Monocular, errors.Errorf("unknown camera setup %q", name)
}

// ModelType is the projection model of the camera.
type ModelType int

// The supported models.
const (
	Perspective ModelType = iota
	Fisheye
	Equirectangular
)

func (m ModelType) String() string {
	switch m {
	case Perspective:
		return "Perspective"
	case Fisheye:
		return "Fisheye"
	case Equirectangular:
		return "Equirectangular"
	}
	return fmt.Sprintf("ModelType(%d)", int(m))
}

// ParseModelType parses a case-insensitive model name.
func ParseModelType(name string) (ModelType, error) {
	switch strings.ToLower(name) {
	case "perspective":
		return Perspective, nil
	case "fisheye":
		return Fisheye, nil
	case "equirectangular":
		return Equirectangular, nil
	}
	return Perspective, errors.Errorf("unknown camera model %q", name)
}

// PinholeIntrinsics holds the pinhole parameters of an undistorted image.
type PinholeIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeIntrinsics have valid inputs.
func (params *PinholeIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("invalid size (%d, %d)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("invalid focal length Fx = %v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("invalid focal length Fy = %v", params.Fy))
	}
	if params.Ppx < 0 || params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("invalid principal point (%v, %v)", params.Ppx, params.Ppy))
	}
	return nil
}

// Camera is what the map core needs from a camera model.
type Camera interface {
	// Name is the identifier written into map records.
	Name() string
	Setup() SetupType
	Model() ModelType
	// BackProject returns the camera-frame point seen at undistorted pixel pt with the given depth.
	BackProject(pt r2.Point, depth float64) (r3.Vector, error)
}

// Base is a Camera backed by pinhole intrinsics.
type Base struct {
	CameraName string
	SetupType  SetupType
	ModelType  ModelType
	Intrinsics *PinholeIntrinsics
}

// NewBase validates the intrinsics and returns a camera.
func NewBase(name string, setup SetupType, model ModelType, intrinsics *PinholeIntrinsics) (*Base, error) {
	if name == "" {
		return nil, errors.New("camera name is required")
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return &Base{CameraName: name, SetupType: setup, ModelType: model, Intrinsics: intrinsics}, nil
}

// Name returns the camera name.
func (c *Base) Name() string {
	return c.CameraName
}

// Setup returns the sensor setup.
func (c *Base) Setup() SetupType {
	return c.SetupType
}

// Model returns the projection model.
func (c *Base) Model() ModelType {
	return c.ModelType
}

// BackProject inverts the pinhole projection. Equirectangular images have no pinhole
// back-projection and return an error.
func (c *Base) BackProject(pt r2.Point, depth float64) (r3.Vector, error) {
	if c.ModelType == Equirectangular {
		return r3.Vector{}, errors.Errorf("cannot back-project with depth for %s camera %q", c.ModelType, c.CameraName)
	}
	if err := c.Intrinsics.CheckValid(); err != nil {
		return r3.Vector{}, err
	}
	return r3.Vector{
		X: (pt.X - c.Intrinsics.Ppx) * depth / c.Intrinsics.Fx,
		Y: (pt.Y - c.Intrinsics.Ppy) * depth / c.Intrinsics.Fy,
		Z: depth,
	}, nil
}
