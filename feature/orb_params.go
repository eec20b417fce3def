package feature

import (
	"math"

	"github.com/pkg/errors"
)

// ORBParams describes the image pyramid the keypoints were extracted on. Name identifies the
// parameter set in map records.
type ORBParams struct {
	Name             string
	ScaleFactor      float64
	NumLevels        int
	IniFastThreshold int
	MinFastThreshold int

	scaleFactors []float64
}

// NewORBParams validates the pyramid description and precomputes per-level scale factors.
func NewORBParams(name string, scaleFactor float64, numLevels, iniFastThr, minFastThr int) (*ORBParams, error) {
	if name == "" {
		return nil, errors.New("feature parameter set name is required")
	}
	if scaleFactor <= 1 {
		return nil, errors.Errorf("scale factor must be greater than 1, got %v", scaleFactor)
	}
	if numLevels < 1 {
		return nil, errors.Errorf("number of levels must be positive, got %d", numLevels)
	}
	if minFastThr > iniFastThr {
		return nil, errors.Errorf("minimum FAST threshold %d exceeds initial threshold %d", minFastThr, iniFastThr)
	}
	params := &ORBParams{
		Name:             name,
		ScaleFactor:      scaleFactor,
		NumLevels:        numLevels,
		IniFastThreshold: iniFastThr,
		MinFastThreshold: minFastThr,
		scaleFactors:     make([]float64, numLevels),
	}
	params.scaleFactors[0] = 1
	for level := 1; level < numLevels; level++ {
		params.scaleFactors[level] = params.scaleFactors[level-1] * scaleFactor
	}
	return params, nil
}

// ScaleFactorAt returns scaleFactor^level.
func (p *ORBParams) ScaleFactorAt(level int) float64 {
	if p.scaleFactors == nil {
		return math.Pow(p.ScaleFactor, float64(level))
	}
	return p.scaleFactors[level]
}

// MaxScaleFactor is the scale factor of the coarsest level.
func (p *ORBParams) MaxScaleFactor() float64 {
	return p.ScaleFactorAt(p.NumLevels - 1)
}
