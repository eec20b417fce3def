package data

import (
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"golang.org/x/exp/maps"

	"github.com/fleuryloic/openvsslam/feature"
)

// minNumObservationsToKeep is the observation count at or below which a landmark discards itself
// once it loses an observer.
const minNumObservationsToKeep = 2

// MapLandmark is the Landmark implementation kept in a MapDatabase.
type MapLandmark struct {
	id              LandmarkID
	firstKeyframeID KeyframeID
	arena           KeyframeArena

	posMu        sync.Mutex
	posW         r3.Vector
	meanNormal   r3.Vector
	minValidDist float64
	maxValidDist float64

	obsMu           sync.Mutex
	observations    map[KeyframeID]int
	numObservations int
	refKeyframeID   KeyframeID
	descriptor      feature.Descriptor
	numObservable   int
	numObserved     int

	willBeErased atomic.Bool
}

// NewMapLandmark creates a landmark first triangulated from refKeyframe. The reference keyframe
// is not recorded as an observer; callers add observations explicitly.
func NewMapLandmark(id LandmarkID, posW r3.Vector, refKeyframe KeyframeID, arena KeyframeArena) *MapLandmark {
	return &MapLandmark{
		id:              id,
		firstKeyframeID: refKeyframe,
		arena:           arena,
		posW:            posW,
		observations:    map[KeyframeID]int{},
		refKeyframeID:   refKeyframe,
		numObservable:   1,
		numObserved:     1,
	}
}

// ID returns the landmark id.
func (lm *MapLandmark) ID() LandmarkID {
	return lm.id
}

// FirstKeyframeID is the keyframe the landmark was created from.
func (lm *MapLandmark) FirstKeyframeID() KeyframeID {
	return lm.firstKeyframeID
}

// GetPosInWorld returns the world position.
func (lm *MapLandmark) GetPosInWorld() r3.Vector {
	lm.posMu.Lock()
	defer lm.posMu.Unlock()
	return lm.posW
}

// SetPosInWorld moves the landmark.
func (lm *MapLandmark) SetPosInWorld(posW r3.Vector) {
	lm.posMu.Lock()
	defer lm.posMu.Unlock()
	lm.posW = posW
}

// WillBeErased reports whether the landmark has been discarded.
func (lm *MapLandmark) WillBeErased() bool {
	return lm.willBeErased.Load()
}

// AddObservation records slot idx of kf as an observer. A keyframe already observing the landmark
// keeps its original slot.
func (lm *MapLandmark) AddObservation(kf *Keyframe, idx int) {
	lm.obsMu.Lock()
	defer lm.obsMu.Unlock()
	if _, ok := lm.observations[kf.id]; ok {
		return
	}
	lm.observations[kf.id] = idx
	lm.numObservations += observationWeight(kf, idx)
}

func observationWeight(kf *Keyframe, idx int) int {
	if kf.obs.HasStereo(idx) {
		return 2
	}
	return 1
}

// EraseObservation forgets kf. If kf was the reference keyframe the observer with the lowest id
// takes over. A landmark left with two or fewer observations is discarded.
func (lm *MapLandmark) EraseObservation(registry MapRegistry, kf *Keyframe) {
	discard := false
	lm.obsMu.Lock()
	if idx, ok := lm.observations[kf.id]; ok {
		lm.numObservations -= observationWeight(kf, idx)
		delete(lm.observations, kf.id)
		if lm.refKeyframeID == kf.id {
			if len(lm.observations) > 0 {
				lm.refKeyframeID = slices.Min(maps.Keys(lm.observations))
			}
		}
		discard = lm.numObservations <= minNumObservationsToKeep
	}
	lm.obsMu.Unlock()

	if discard {
		lm.PrepareForErasing(registry)
	}
}

// PrepareForErasing discards the landmark: every remaining observer's slot is cleared and the
// registry forgets it. Only the first call has any effect.
func (lm *MapLandmark) PrepareForErasing(registry MapRegistry) {
	if !lm.willBeErased.CompareAndSwap(false, true) {
		return
	}
	lm.obsMu.Lock()
	observations := lm.observations
	lm.observations = map[KeyframeID]int{}
	lm.numObservations = 0
	lm.obsMu.Unlock()

	for id, idx := range observations {
		if kf := lm.arena.GetKeyframe(id); kf != nil {
			kf.EraseLandmarkWithIndex(idx)
		}
	}
	registry.EraseLandmark(lm.id)
}

// IndexInKeyframe returns the slot the landmark recorded for the keyframe.
func (lm *MapLandmark) IndexInKeyframe(id KeyframeID) (int, bool) {
	lm.obsMu.Lock()
	defer lm.obsMu.Unlock()
	idx, ok := lm.observations[id]
	return idx, ok
}

// IsObservedIn reports whether the keyframe observes the landmark.
func (lm *MapLandmark) IsObservedIn(id KeyframeID) bool {
	_, ok := lm.IndexInKeyframe(id)
	return ok
}

// GetObservations returns a copy of the observer set.
func (lm *MapLandmark) GetObservations() map[KeyframeID]int {
	lm.obsMu.Lock()
	defer lm.obsMu.Unlock()
	observations := make(map[KeyframeID]int, len(lm.observations))
	for id, idx := range lm.observations {
		observations[id] = idx
	}
	return observations
}

// NumObservations counts observers, stereo observers twice.
func (lm *MapLandmark) NumObservations() int {
	lm.obsMu.Lock()
	defer lm.obsMu.Unlock()
	return lm.numObservations
}

// GetRefKeyframeID returns the keyframe used for the scale-invariance range.
func (lm *MapLandmark) GetRefKeyframeID() KeyframeID {
	lm.obsMu.Lock()
	defer lm.obsMu.Unlock()
	return lm.refKeyframeID
}

// GetDescriptor returns the representative descriptor.
func (lm *MapLandmark) GetDescriptor() feature.Descriptor {
	lm.obsMu.Lock()
	defer lm.obsMu.Unlock()
	return lm.descriptor
}

// ComputeDescriptor picks, among the descriptors of all live observers, the one whose lower
// median Hamming distance to the others is smallest.
func (lm *MapLandmark) ComputeDescriptor() {
	if lm.WillBeErased() {
		return
	}
	descriptors := make([]feature.Descriptor, 0, lm.NumObservations())
	for id, idx := range lm.GetObservations() {
		kf := lm.arena.GetKeyframe(id)
		if kf == nil || kf.WillBeErased() {
			continue
		}
		descriptors = append(descriptors, kf.obs.Descriptors[idx])
	}
	if len(descriptors) == 0 {
		return
	}
	// map iteration order is random; make ties resolve the same way every time
	sort.Slice(descriptors, func(i, j int) bool {
		for k := range descriptors[i] {
			if descriptors[i][k] != descriptors[j][k] {
				return descriptors[i][k] < descriptors[j][k]
			}
		}
		return false
	})

	n := len(descriptors)
	dists := make([][]int, n)
	for i := range dists {
		dists[i] = make([]int, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := feature.HammingDistance(descriptors[i], descriptors[j])
			dists[i][j] = d
			dists[j][i] = d
		}
	}
	bestMedian := -1
	bestIdx := 0
	for i := 0; i < n; i++ {
		row := append([]int(nil), dists[i]...)
		sort.Ints(row)
		median := row[(n-1)/2]
		if bestMedian < 0 || median < bestMedian {
			bestMedian = median
			bestIdx = i
		}
	}

	lm.obsMu.Lock()
	lm.descriptor = descriptors[bestIdx]
	lm.obsMu.Unlock()
}

// UpdateMeanNormalAndObsScaleVariance recomputes the mean viewing direction over all observers
// and the distance range over which the landmark stays detectable, derived from the pyramid level
// it was seen at in the reference keyframe.
func (lm *MapLandmark) UpdateMeanNormalAndObsScaleVariance() {
	if lm.WillBeErased() {
		return
	}
	lm.obsMu.Lock()
	observations := make(map[KeyframeID]int, len(lm.observations))
	for id, idx := range lm.observations {
		observations[id] = idx
	}
	refID := lm.refKeyframeID
	lm.obsMu.Unlock()
	if len(observations) == 0 {
		return
	}
	refKf := lm.arena.GetKeyframe(refID)
	if refKf == nil {
		return
	}
	posW := lm.GetPosInWorld()

	var meanNormal r3.Vector
	numNormals := 0
	for id := range observations {
		kf := lm.arena.GetKeyframe(id)
		if kf == nil {
			continue
		}
		normal := posW.Sub(kf.GetTransWC())
		if norm := normal.Norm(); norm > 0 {
			meanNormal = meanNormal.Add(normal.Mul(1 / norm))
			numNormals++
		}
	}
	if numNormals > 0 {
		meanNormal = meanNormal.Mul(1 / float64(numNormals))
	}

	dist := posW.Sub(refKf.GetTransWC()).Norm()
	level := 0
	if idx, ok := observations[refID]; ok {
		level = refKf.obs.UndistKeypoints[idx].Octave
	}
	maxValidDist := dist * refKf.orbParams.ScaleFactorAt(level)
	minValidDist := maxValidDist / refKf.orbParams.MaxScaleFactor()

	lm.posMu.Lock()
	lm.meanNormal = meanNormal
	lm.maxValidDist = maxValidDist
	lm.minValidDist = minValidDist
	lm.posMu.Unlock()
}

// GetMeanNormal returns the average unit viewing direction.
func (lm *MapLandmark) GetMeanNormal() r3.Vector {
	lm.posMu.Lock()
	defer lm.posMu.Unlock()
	return lm.meanNormal
}

// GetMinValidDistance returns the nearest distance the landmark is expected to be detected from.
func (lm *MapLandmark) GetMinValidDistance() float64 {
	lm.posMu.Lock()
	defer lm.posMu.Unlock()
	return lm.minValidDist
}

// GetMaxValidDistance returns the farthest distance the landmark is expected to be detected from.
func (lm *MapLandmark) GetMaxValidDistance() float64 {
	lm.posMu.Lock()
	defer lm.posMu.Unlock()
	return lm.maxValidDist
}

// IncreaseNumObservable counts frames in whose view frustum the landmark fell.
func (lm *MapLandmark) IncreaseNumObservable(num int) {
	lm.obsMu.Lock()
	defer lm.obsMu.Unlock()
	lm.numObservable += num
}

// IncreaseNumObserved counts frames in which the landmark was matched.
func (lm *MapLandmark) IncreaseNumObserved(num int) {
	lm.obsMu.Lock()
	defer lm.obsMu.Unlock()
	lm.numObserved += num
}

// GetNumObservable returns the observable counter.
func (lm *MapLandmark) GetNumObservable() int {
	lm.obsMu.Lock()
	defer lm.obsMu.Unlock()
	return lm.numObservable
}

// GetNumObserved returns the observed counter.
func (lm *MapLandmark) GetNumObserved() int {
	lm.obsMu.Lock()
	defer lm.obsMu.Unlock()
	return lm.numObserved
}

// GetObservedRatio is observed over observable.
func (lm *MapLandmark) GetObservedRatio() float64 {
	lm.obsMu.Lock()
	defer lm.obsMu.Unlock()
	if lm.numObservable == 0 {
		return 0
	}
	return float64(lm.numObserved) / float64(lm.numObservable)
}

func (lm *MapLandmark) setCounters(numObservable, numObserved int) {
	lm.obsMu.Lock()
	defer lm.obsMu.Unlock()
	lm.numObservable = numObservable
	lm.numObserved = numObserved
}
