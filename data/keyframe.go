package data

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/fleuryloic/openvsslam/camera"
	"github.com/fleuryloic/openvsslam/feature"
	"github.com/fleuryloic/openvsslam/spatialmath"
)

// Keyframe is a posed camera observation retained in the map.
type Keyframe struct {
	id        KeyframeID
	timestamp float64
	camera    camera.Camera
	orbParams *feature.ORBParams
	// obs is fixed at construction and read without locking.
	obs feature.Observation

	bowMu      sync.Mutex
	bowVec     BowVector
	bowFeatVec BowFeatureVector

	poseMu  sync.Mutex
	poseCW  spatialmath.Transform
	poseWC  spatialmath.Transform
	transWC r3.Vector

	obsMu     sync.Mutex
	landmarks []Landmark
	markers   map[int]*Marker

	graphNode *GraphNode

	cannotBeErased atomic.Bool
	willBeErased   atomic.Bool
}

// NewKeyframeFromFrame promotes a tracked frame. The keyframe adopts the frame's pose,
// observations, markers, bag-of-words vectors and already matched landmarks. Covisibility edges,
// spanning parentage and loop edges are left for the caller to wire.
func NewKeyframeFromFrame(id KeyframeID, frm *Frame, arena KeyframeArena) (*Keyframe, error) {
	landmarks := frm.Landmarks
	if landmarks == nil {
		landmarks = make([]Landmark, frm.Observation.NumKeypoints)
	}
	if len(landmarks) != frm.Observation.NumKeypoints {
		return nil, errors.Errorf("frame has %d landmark slots for %d keypoints", len(landmarks), frm.Observation.NumKeypoints)
	}
	kf, err := newKeyframe(id, frm.Timestamp, frm.PoseCW, frm.Camera, frm.ORBParams, frm.Observation, frm.BowVec, frm.BowFeatVec, arena)
	if err != nil {
		return nil, err
	}
	copy(kf.landmarks, landmarks)
	for _, mkr := range frm.Markers {
		kf.markers[mkr.ID] = mkr
	}
	return kf, nil
}

// NewKeyframe builds a keyframe from persisted fields. All landmark slots start empty; landmarks
// are attached with AddLandmark and the graph is wired through the graph node afterwards.
func NewKeyframe(
	id KeyframeID,
	timestamp float64,
	poseCW spatialmath.Transform,
	cam camera.Camera,
	orbParams *feature.ORBParams,
	obs feature.Observation,
	bowVec BowVector,
	bowFeatVec BowFeatureVector,
	arena KeyframeArena,
) (*Keyframe, error) {
	return newKeyframe(id, timestamp, poseCW, cam, orbParams, obs, bowVec, bowFeatVec, arena)
}

func newKeyframe(
	id KeyframeID,
	timestamp float64,
	poseCW spatialmath.Transform,
	cam camera.Camera,
	orbParams *feature.ORBParams,
	obs feature.Observation,
	bowVec BowVector,
	bowFeatVec BowFeatureVector,
	arena KeyframeArena,
) (*Keyframe, error) {
	if cam == nil {
		return nil, errors.Errorf("keyframe %d has no camera", id)
	}
	if orbParams == nil {
		return nil, errors.Errorf("keyframe %d has no feature parameters", id)
	}
	if arena == nil {
		return nil, errors.Errorf("keyframe %d has no arena", id)
	}
	kf := &Keyframe{
		id:         id,
		timestamp:  timestamp,
		camera:     cam,
		orbParams:  orbParams,
		obs:        obs,
		bowVec:     bowVec,
		bowFeatVec: bowFeatVec,
		landmarks:  make([]Landmark, obs.NumKeypoints),
		markers:    map[int]*Marker{},
	}
	kf.SetPoseCW(poseCW)
	kf.graphNode = newGraphNode(kf, arena)
	return kf, nil
}

// ID returns the keyframe id.
func (kf *Keyframe) ID() KeyframeID {
	return kf.id
}

// Timestamp returns the capture time in seconds.
func (kf *Keyframe) Timestamp() float64 {
	return kf.timestamp
}

// Camera returns the camera the keyframe was observed through.
func (kf *Keyframe) Camera() camera.Camera {
	return kf.camera
}

// ORBParams returns the feature pyramid parameters.
func (kf *Keyframe) ORBParams() *feature.ORBParams {
	return kf.orbParams
}

// Observation returns the immutable feature observations.
func (kf *Keyframe) Observation() *feature.Observation {
	return &kf.obs
}

// GraphNode returns the keyframe's node in the covisibility graph.
func (kf *Keyframe) GraphNode() *GraphNode {
	return kf.graphNode
}

func (kf *Keyframe) String() string {
	return fmt.Sprintf("keyframe %d", kf.id)
}

// SetPoseCW sets the camera-from-world pose and recomputes the cached inverse and camera center
// in one critical section.
func (kf *Keyframe) SetPoseCW(poseCW spatialmath.Transform) {
	poseWC := poseCW.Inverse()
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	kf.poseCW = poseCW
	kf.poseWC = poseWC
	kf.transWC = poseWC.Translation()
}

// GetPoseCW returns the camera-from-world pose.
func (kf *Keyframe) GetPoseCW() spatialmath.Transform {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.poseCW
}

// GetPoseWC returns the world-from-camera pose.
func (kf *Keyframe) GetPoseWC() spatialmath.Transform {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.poseWC
}

// GetTransWC returns the camera center in world coordinates.
func (kf *Keyframe) GetTransWC() r3.Vector {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.transWC
}

// GetRotCW returns the rotation block of the camera-from-world pose.
func (kf *Keyframe) GetRotCW() spatialmath.Transform {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	rot, err := spatialmath.NewTransform(kf.poseCW.Rotation(), r3.Vector{})
	if err != nil {
		// poseCW was validated when it was constructed
		panic(err)
	}
	return rot
}

// GetTransCW returns the translation of the camera-from-world pose.
func (kf *Keyframe) GetTransCW() r3.Vector {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.poseCW.Translation()
}

// withObservationsAndPose runs fn with a copy of the landmark slots and the pose taken atomically
// with respect to both. This is the only place both locks are held, observations first.
func (kf *Keyframe) withObservationsAndPose(fn func(landmarks []Landmark, poseCW spatialmath.Transform)) {
	kf.obsMu.Lock()
	kf.poseMu.Lock()
	landmarks := append([]Landmark(nil), kf.landmarks...)
	poseCW := kf.poseCW
	kf.poseMu.Unlock()
	kf.obsMu.Unlock()
	fn(landmarks, poseCW)
}

// BowIsAvailable reports whether the bag-of-words vectors have been computed.
func (kf *Keyframe) BowIsAvailable() bool {
	kf.bowMu.Lock()
	defer kf.bowMu.Unlock()
	return len(kf.bowVec) != 0 && len(kf.bowFeatVec) != 0
}

// ComputeBow computes the bag-of-words vectors once; later calls keep the cached result.
func (kf *Keyframe) ComputeBow(vocab BowVocabulary) {
	kf.bowMu.Lock()
	defer kf.bowMu.Unlock()
	if len(kf.bowVec) != 0 && len(kf.bowFeatVec) != 0 {
		return
	}
	kf.bowVec, kf.bowFeatVec = vocab.Transform(kf.obs.Descriptors)
}

// BowVector returns the bag-of-words vector, nil until computed. Callers must not modify it.
func (kf *Keyframe) BowVector() BowVector {
	kf.bowMu.Lock()
	defer kf.bowMu.Unlock()
	return kf.bowVec
}

// BowFeatureVector returns the bag-of-words feature vector. Callers must not modify it.
func (kf *Keyframe) BowFeatureVector() BowFeatureVector {
	kf.bowMu.Lock()
	defer kf.bowMu.Unlock()
	return kf.bowFeatVec
}

func (kf *Keyframe) checkSlot(idx int) {
	if idx < 0 || idx >= len(kf.landmarks) {
		panic(fmt.Sprintf("%v: landmark slot %d out of range [0, %d)", kf, idx, len(kf.landmarks)))
	}
}

// AddLandmark stores lm in slot idx, replacing whatever was there.
func (kf *Keyframe) AddLandmark(lm Landmark, idx int) {
	kf.obsMu.Lock()
	defer kf.obsMu.Unlock()
	kf.checkSlot(idx)
	kf.landmarks[idx] = lm
}

// EraseLandmarkWithIndex empties slot idx.
func (kf *Keyframe) EraseLandmarkWithIndex(idx int) {
	kf.obsMu.Lock()
	defer kf.obsMu.Unlock()
	kf.checkSlot(idx)
	kf.landmarks[idx] = nil
}

// EraseLandmark empties the slot lm last recorded for this keyframe. The slot is not checked to
// still hold lm, so callers serialize this against AddLandmark for the same landmark.
func (kf *Keyframe) EraseLandmark(lm Landmark) {
	idx, ok := lm.IndexInKeyframe(kf.id)
	if !ok {
		return
	}
	kf.EraseLandmarkWithIndex(idx)
}

// UpdateLandmarks records this keyframe as an observer of every live landmark in its slots and
// refreshes their descriptor and viewing statistics.
func (kf *Keyframe) UpdateLandmarks() {
	for idx, lm := range kf.GetLandmarks() {
		if !isValidLandmark(lm) {
			continue
		}
		lm.AddObservation(kf, idx)
		lm.UpdateMeanNormalAndObsScaleVariance()
		lm.ComputeDescriptor()
	}
}

// GetLandmarks returns a copy of the landmark slots, including empty and erasing entries.
func (kf *Keyframe) GetLandmarks() []Landmark {
	kf.obsMu.Lock()
	defer kf.obsMu.Unlock()
	return append([]Landmark(nil), kf.landmarks...)
}

// GetLandmark returns the landmark in slot idx, or nil.
func (kf *Keyframe) GetLandmark(idx int) Landmark {
	kf.obsMu.Lock()
	defer kf.obsMu.Unlock()
	kf.checkSlot(idx)
	return kf.landmarks[idx]
}

// NumLandmarkSlots returns the number of slots, which always equals the number of keypoints.
func (kf *Keyframe) NumLandmarkSlots() int {
	kf.obsMu.Lock()
	defer kf.obsMu.Unlock()
	return len(kf.landmarks)
}

// GetValidLandmarks returns each live landmark once, in slot order.
func (kf *Keyframe) GetValidLandmarks() []Landmark {
	kf.obsMu.Lock()
	defer kf.obsMu.Unlock()
	seen := make(map[LandmarkID]struct{}, len(kf.landmarks))
	valid := make([]Landmark, 0, len(kf.landmarks))
	for _, lm := range kf.landmarks {
		if !isValidLandmark(lm) {
			continue
		}
		if _, ok := seen[lm.ID()]; ok {
			continue
		}
		seen[lm.ID()] = struct{}{}
		valid = append(valid, lm)
	}
	return valid
}

// GetNumTrackedLandmarks counts live landmark slots. When minNumObs is positive only landmarks
// with at least that many observations are counted.
func (kf *Keyframe) GetNumTrackedLandmarks(minNumObs int) int {
	kf.obsMu.Lock()
	defer kf.obsMu.Unlock()
	numTracked := 0
	for _, lm := range kf.landmarks {
		if !isValidLandmark(lm) {
			continue
		}
		if minNumObs > 0 && lm.NumObservations() < minNumObs {
			continue
		}
		numTracked++
	}
	return numTracked
}

// ComputeMedianDepth returns the lower median of the camera-frame z of the live landmarks, i.e.
// element (n-1)/2 of the sorted depths. It panics if there are no live landmarks.
func (kf *Keyframe) ComputeMedianDepth(abs bool) float64 {
	var depths []float64
	kf.withObservationsAndPose(func(landmarks []Landmark, poseCW spatialmath.Transform) {
		rotZRow := poseCW.RotationRow(2)
		transZ := poseCW.At(2, 3)
		depths = make([]float64, 0, len(landmarks))
		for _, lm := range landmarks {
			if !isValidLandmark(lm) {
				continue
			}
			depth := rotZRow.Dot(lm.GetPosInWorld()) + transZ
			if abs {
				depth = math.Abs(depth)
			}
			depths = append(depths, depth)
		}
	})
	if len(depths) == 0 {
		panic(fmt.Sprintf("%v: median depth of a keyframe without landmarks", kf))
	}
	sort.Float64s(depths)
	return depths[(len(depths)-1)/2]
}

// DepthIsAvailable reports whether keypoints can carry depth, i.e. the setup is not monocular.
func (kf *Keyframe) DepthIsAvailable() bool {
	return kf.camera.Setup() != camera.Monocular
}

// TriangulateStereo back-projects keypoint idx using its measured depth and returns the point in
// world coordinates.
func (kf *Keyframe) TriangulateStereo(idx int) (r3.Vector, error) {
	if idx < 0 || idx >= kf.obs.NumKeypoints {
		return r3.Vector{}, errors.Errorf("%v: keypoint %d out of range [0, %d)", kf, idx, kf.obs.NumKeypoints)
	}
	if !kf.obs.HasDepth(idx) {
		return r3.Vector{}, errors.Errorf("%v: keypoint %d has no depth", kf, idx)
	}
	posC, err := kf.camera.BackProject(kf.obs.UndistKeypoints[idx].Pt, kf.obs.Depths[idx])
	if err != nil {
		return r3.Vector{}, err
	}
	return kf.GetPoseWC().TransformPoint(posC), nil
}

// AddMarker stores a marker, replacing any marker with the same id.
func (kf *Keyframe) AddMarker(mkr *Marker) {
	kf.obsMu.Lock()
	defer kf.obsMu.Unlock()
	kf.markers[mkr.ID] = mkr
}

// GetMarkers returns the markers ordered by id.
func (kf *Keyframe) GetMarkers() []*Marker {
	kf.obsMu.Lock()
	defer kf.obsMu.Unlock()
	markers := make([]*Marker, 0, len(kf.markers))
	for _, mkr := range kf.markers {
		markers = append(markers, mkr)
	}
	sort.Slice(markers, func(i, j int) bool { return markers[i].ID < markers[j].ID })
	return markers
}

// SetNotToBeErased pins the keyframe so PrepareForErasing leaves it alone.
func (kf *Keyframe) SetNotToBeErased() {
	kf.cannotBeErased.Store(true)
}

// SetToBeErased unpins the keyframe, unless it has a loop edge: keyframes on a loop stay pinned.
func (kf *Keyframe) SetToBeErased() {
	if !kf.graphNode.HasLoopEdge() {
		kf.cannotBeErased.Store(false)
	}
}

// IsPinned reports whether the keyframe is currently protected from erasure.
func (kf *Keyframe) IsPinned() bool {
	return kf.cannotBeErased.Load()
}

// WillBeErased reports whether the keyframe has been erased. Once true it stays true.
func (kf *Keyframe) WillBeErased() bool {
	return kf.willBeErased.Load()
}

// PrepareForErasing removes the keyframe from the map while keeping the map consistent: it
// detaches the keyframe from its landmarks, removes its covisibility edges, re-parents its
// spanning-tree children, and finally unregisters it from the map registry and the place
// recognition index. References to the keyframe move to its spanning parent, or to the origin when
// it has none. The origin and pinned keyframes are left untouched, as are keyframes already
// erased; callers check WillBeErased to see whether anything happened.
func (kf *Keyframe) PrepareForErasing(ctx ErasureContext) {
	if kf.id == ctx.Origin {
		return
	}
	if kf.cannotBeErased.Load() {
		return
	}
	if !kf.willBeErased.CompareAndSwap(false, true) {
		return
	}

	// Landmarks may discard themselves and call back into their other observers, so they are
	// visited without holding the observation lock.
	for _, lm := range kf.GetLandmarks() {
		if !isValidLandmark(lm) {
			continue
		}
		lm.EraseObservation(ctx.Map, kf)
		if !lm.WillBeErased() && lm.NumObservations() > 0 {
			lm.ComputeDescriptor()
			lm.UpdateMeanNormalAndObsScaleVariance()
		}
	}

	kf.graphNode.EraseAllConnections()
	kf.graphNode.RecoverSpanningConnections(ctx.Origin)

	parent, ok := kf.graphNode.GetSpanningParent()
	if !ok {
		parent = ctx.Origin
	}
	ctx.Map.ReplaceReferenceKeyframe(kf.id, parent)
	ctx.Map.EraseKeyframe(kf.id)
	if ctx.PlaceRecognition != nil {
		ctx.PlaceRecognition.EraseKeyframe(kf)
	}
}
