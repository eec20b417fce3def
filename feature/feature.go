// Package feature holds the per-frame feature observations that keyframes are built from:
// undistorted keypoints, ORB descriptors, and stereo/depth measurements.
package feature

import (
	"encoding/binary"
	"math/bits"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// NoDepth is the sentinel stored in StereoXRight and Depths for keypoints without a measurement.
const NoDepth = -1.0

// DescriptorSize is the length in bytes of an ORB descriptor.
const DescriptorSize = 32

// KeyPoint is an undistorted keypoint with its orientation and pyramid level.
type KeyPoint struct {
	Pt     r2.Point
	Angle  float64
	Octave int
}

// Descriptor is a 256-bit binary ORB descriptor.
type Descriptor [DescriptorSize]byte

// HammingDistance returns the number of differing bits between two descriptors.
func HammingDistance(a, b Descriptor) int {
	dist := 0
	for i := 0; i < DescriptorSize; i += 8 {
		dist += bits.OnesCount64(binary.LittleEndian.Uint64(a[i:]) ^ binary.LittleEndian.Uint64(b[i:]))
	}
	return dist
}

// Words returns the descriptor as eight little-endian 32-bit words, the layout map files use.
func (d Descriptor) Words() []uint32 {
	words := make([]uint32, DescriptorSize/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(d[4*i:])
	}
	return words
}

// DescriptorFromWords is the inverse of Words.
func DescriptorFromWords(words []uint32) (Descriptor, error) {
	var d Descriptor
	if len(words) != DescriptorSize/4 {
		return d, errors.Errorf("descriptor must have %d words, got %d", DescriptorSize/4, len(words))
	}
	for i, w := range words {
		binary.LittleEndian.PutUint32(d[4*i:], w)
	}
	return d, nil
}

// Observation is the immutable set of features extracted from one frame. All slices have
// NumKeypoints entries and are indexed by the same keypoint slot.
type Observation struct {
	NumKeypoints    int
	UndistKeypoints []KeyPoint
	StereoXRight    []float64
	Depths          []float64
	Descriptors     []Descriptor
}

// NewObservation validates slice lengths. Nil stereo or depth slices are filled with NoDepth.
func NewObservation(keypoints []KeyPoint, descriptors []Descriptor, stereoXRight, depths []float64) (Observation, error) {
	n := len(keypoints)
	if len(descriptors) != n {
		return Observation{}, errors.Errorf("got %d descriptors for %d keypoints", len(descriptors), n)
	}
	fill := func(name string, values []float64) ([]float64, error) {
		if values == nil {
			values = make([]float64, n)
			for i := range values {
				values[i] = NoDepth
			}
			return values, nil
		}
		if len(values) != n {
			return nil, errors.Errorf("got %d %s values for %d keypoints", len(values), name, n)
		}
		return values, nil
	}
	stereoXRight, err := fill("stereo x-right", stereoXRight)
	if err != nil {
		return Observation{}, err
	}
	depths, err = fill("depth", depths)
	if err != nil {
		return Observation{}, err
	}
	return Observation{
		NumKeypoints:    n,
		UndistKeypoints: keypoints,
		StereoXRight:    stereoXRight,
		Depths:          depths,
		Descriptors:     descriptors,
	}, nil
}

// HasStereo reports whether slot idx has a right-image (or virtual right-image) measurement.
func (obs *Observation) HasStereo(idx int) bool {
	return obs.StereoXRight[idx] >= 0
}

// HasDepth reports whether slot idx has a depth measurement.
func (obs *Observation) HasDepth(idx int) bool {
	return obs.Depths[idx] > 0
}
