// Package data is the in-memory SLAM map: keyframes, the landmarks they observe, and the
// covisibility graph / spanning tree / loop edges that connect keyframes.
//
// Objects reference each other by id. The MapDatabase is the arena that owns keyframes and
// landmarks and resolves those ids; an erased object is simply no longer resolvable, so nothing
// is kept alive by a stale reference in a graph node or an observer set.
//
// Each keyframe guards its pose and its observations with two separate mutexes. Code that needs
// both takes the observation lock first; Keyframe.withObservationsAndPose is the only place that
// does so. Graph nodes carry their own mutex, and no lock of one keyframe is ever held while a
// lock of another keyframe is acquired.
package data

import (
	"github.com/golang/geo/r3"
)

// KeyframeID identifies a keyframe for the lifetime of a map.
type KeyframeID uint64

// LandmarkID identifies a landmark for the lifetime of a map.
type LandmarkID uint64

// Landmark is a triangulated 3-D point as seen by the map core. A nil Landmark in a keyframe slot
// and a Landmark whose WillBeErased reports true both mean "no landmark".
type Landmark interface {
	ID() LandmarkID
	GetPosInWorld() r3.Vector
	WillBeErased() bool

	// AddObservation records that slot idx of kf observes this landmark.
	AddObservation(kf *Keyframe, idx int)
	// EraseObservation forgets kf. A landmark left with too few observations discards itself,
	// which clears it from the remaining observers and removes it from the registry.
	EraseObservation(registry MapRegistry, kf *Keyframe)
	// IndexInKeyframe returns the slot the landmark last recorded for the keyframe.
	IndexInKeyframe(id KeyframeID) (int, bool)
	// GetObservations returns a snapshot of the observer set.
	GetObservations() map[KeyframeID]int
	// NumObservations counts observers, with stereo observations counting twice.
	NumObservations() int

	ComputeDescriptor()
	UpdateMeanNormalAndObsScaleVariance()
}

// KeyframeArena resolves keyframe ids for graph traversal.
type KeyframeArena interface {
	// GetKeyframe returns nil if the keyframe is not (or no longer) in the map.
	GetKeyframe(id KeyframeID) *Keyframe
	IsOrigin(id KeyframeID) bool
	// MinNumSharedLandmarks is the weight a covisibility edge needs to be listed in a node's
	// ordered covisibilities.
	MinNumSharedLandmarks() int
}

// MapRegistry is the map-level index notified when keyframes and landmarks go away.
type MapRegistry interface {
	IsOrigin(id KeyframeID) bool
	// ReplaceReferenceKeyframe points anything that used erased as its reference keyframe at
	// replacement instead.
	ReplaceReferenceKeyframe(erased, replacement KeyframeID)
	EraseKeyframe(id KeyframeID)
	EraseLandmark(id LandmarkID)
}

// PlaceRecognitionIndex is the bag-of-words database keyframes are registered in.
type PlaceRecognitionIndex interface {
	EraseKeyframe(kf *Keyframe)
}

// ErasureContext carries everything Keyframe.PrepareForErasing needs to know about the map.
type ErasureContext struct {
	// Origin is the root of the spanning tree; it is never erased and adopts orphaned children.
	Origin KeyframeID
	Map    MapRegistry
	// PlaceRecognition may be nil when no bag-of-words database is maintained.
	PlaceRecognition PlaceRecognitionIndex
}

// isValidLandmark reports whether a slot value refers to a live landmark.
func isValidLandmark(lm Landmark) bool {
	return lm != nil && !lm.WillBeErased()
}
