package data

import (
	"slices"

	"github.com/golang/geo/r3"
	"golang.org/x/exp/maps"

	"github.com/fleuryloic/openvsslam/camera"
	"github.com/fleuryloic/openvsslam/feature"
	"github.com/fleuryloic/openvsslam/spatialmath"
)

// Frame is a tracked camera frame that a keyframe can be promoted from.
type Frame struct {
	Timestamp   float64
	Camera      camera.Camera
	ORBParams   *feature.ORBParams
	Observation feature.Observation
	PoseCW      spatialmath.Transform
	// Landmarks has one entry per keypoint; nil entries are unmatched keypoints. A nil slice means
	// no keypoint is matched yet.
	Landmarks  []Landmark
	Markers    []*Marker
	BowVec     BowVector
	BowFeatVec BowFeatureVector
}

// Marker is a fiducial marker with known corner positions in the world frame.
type Marker struct {
	ID             int
	CornersInWorld [4]r3.Vector
}

// BowVector is a bag-of-words vector: word id to weight.
type BowVector map[uint32]float64

// BowFeatureVector maps vocabulary nodes to the keypoint slots that fell into them.
type BowFeatureVector map[uint32][]int

// BowVocabulary turns descriptors into bag-of-words vectors.
type BowVocabulary interface {
	Transform(descriptors []feature.Descriptor) (BowVector, BowFeatureVector)
}

// Words returns the word ids of the vector in ascending order.
func (v BowVector) Words() []uint32 {
	words := maps.Keys(v)
	slices.Sort(words)
	return words
}
