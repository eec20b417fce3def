package data

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/fleuryloic/openvsslam/logging"
)

// DefaultMinNumSharedLandmarks is the covisibility weight an edge must exceed to appear in a
// node's ordered covisibilities.
const DefaultMinNumSharedLandmarks = 15

// MapDatabase owns the keyframes and landmarks of a map and resolves their ids. It is both the
// KeyframeArena graph nodes traverse and the MapRegistry the erasure protocol reports to.
type MapDatabase struct {
	logger          logging.Logger
	minNumSharedLms int
	metrics         *Metrics
	bowDB           *BowDatabase

	// mu guards only the fields below; no keyframe or landmark method is called with it held.
	mu                sync.RWMutex
	keyframes         btree.Map[KeyframeID, *Keyframe]
	landmarks         btree.Map[LandmarkID, *MapLandmark]
	origin            KeyframeID
	hasOrigin         bool
	refKeyframe       KeyframeID
	hasRefKeyframe    bool
	frameRefKeyframes map[uint64]KeyframeID
}

// MapDatabaseOption configures a MapDatabase.
type MapDatabaseOption func(*MapDatabase)

// WithMinNumSharedLandmarks overrides DefaultMinNumSharedLandmarks.
func WithMinNumSharedLandmarks(n int) MapDatabaseOption {
	return func(db *MapDatabase) {
		db.minNumSharedLms = n
	}
}

// WithMetrics makes the database report to m.
func WithMetrics(m *Metrics) MapDatabaseOption {
	return func(db *MapDatabase) {
		db.metrics = m
	}
}

// WithBowDatabase registers a place recognition index that erased keyframes are removed from.
func WithBowDatabase(bowDB *BowDatabase) MapDatabaseOption {
	return func(db *MapDatabase) {
		db.bowDB = bowDB
	}
}

// NewMapDatabase returns an empty map.
func NewMapDatabase(logger logging.Logger, opts ...MapDatabaseOption) *MapDatabase {
	db := &MapDatabase{
		logger:            logger,
		minNumSharedLms:   DefaultMinNumSharedLandmarks,
		frameRefKeyframes: map[uint64]KeyframeID{},
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// MinNumSharedLandmarks implements KeyframeArena.
func (db *MapDatabase) MinNumSharedLandmarks() int {
	return db.minNumSharedLms
}

// BowDatabase returns the place recognition index, or nil.
func (db *MapDatabase) BowDatabase() *BowDatabase {
	return db.bowDB
}

// AddKeyframe registers kf. Ids are unique for the lifetime of the map.
func (db *MapDatabase) AddKeyframe(kf *Keyframe) error {
	if kf == nil {
		return errors.New("cannot add a nil keyframe")
	}
	db.mu.Lock()
	if _, ok := db.keyframes.Get(kf.id); ok {
		db.mu.Unlock()
		return errors.Errorf("keyframe %d already exists", kf.id)
	}
	db.keyframes.Set(kf.id, kf)
	num := db.keyframes.Len()
	db.mu.Unlock()

	if db.metrics != nil {
		db.metrics.Keyframes.Set(float64(num))
	}
	db.logger.Debugw("keyframe added", "id", kf.id, "keyframes", num)
	return nil
}

// GetKeyframe implements KeyframeArena.
func (db *MapDatabase) GetKeyframe(id KeyframeID) *Keyframe {
	db.mu.RLock()
	defer db.mu.RUnlock()
	kf, _ := db.keyframes.Get(id)
	return kf
}

// EraseKeyframe implements MapRegistry. It only drops the id; use CullKeyframe to run the erasure
// protocol.
func (db *MapDatabase) EraseKeyframe(id KeyframeID) {
	db.mu.Lock()
	_, ok := db.keyframes.Delete(id)
	num := db.keyframes.Len()
	db.mu.Unlock()
	if !ok {
		return
	}
	if db.metrics != nil {
		db.metrics.Keyframes.Set(float64(num))
		db.metrics.KeyframesErased.Inc()
	}
	db.logger.Debugw("keyframe erased", "id", id, "keyframes", num)
}

// GetAllKeyframes returns every keyframe ordered by id.
func (db *MapDatabase) GetAllKeyframes() []*Keyframe {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.keyframes.Values()
}

// NumKeyframes returns the number of keyframes.
func (db *MapDatabase) NumKeyframes() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.keyframes.Len()
}

// AddLandmark registers lm.
func (db *MapDatabase) AddLandmark(lm *MapLandmark) error {
	if lm == nil {
		return errors.New("cannot add a nil landmark")
	}
	db.mu.Lock()
	if _, ok := db.landmarks.Get(lm.id); ok {
		db.mu.Unlock()
		return errors.Errorf("landmark %d already exists", lm.id)
	}
	db.landmarks.Set(lm.id, lm)
	num := db.landmarks.Len()
	db.mu.Unlock()

	if db.metrics != nil {
		db.metrics.Landmarks.Set(float64(num))
	}
	return nil
}

// GetLandmark returns the landmark, or nil.
func (db *MapDatabase) GetLandmark(id LandmarkID) *MapLandmark {
	db.mu.RLock()
	defer db.mu.RUnlock()
	lm, _ := db.landmarks.Get(id)
	return lm
}

// EraseLandmark implements MapRegistry.
func (db *MapDatabase) EraseLandmark(id LandmarkID) {
	db.mu.Lock()
	_, ok := db.landmarks.Delete(id)
	num := db.landmarks.Len()
	db.mu.Unlock()
	if ok && db.metrics != nil {
		db.metrics.Landmarks.Set(float64(num))
		db.metrics.LandmarksErased.Inc()
	}
}

// GetAllLandmarks returns every landmark ordered by id.
func (db *MapDatabase) GetAllLandmarks() []*MapLandmark {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.landmarks.Values()
}

// NumLandmarks returns the number of landmarks.
func (db *MapDatabase) NumLandmarks() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.landmarks.Len()
}

// SetOrigin makes an existing keyframe the root of the spanning tree. The origin never changes
// once set.
func (db *MapDatabase) SetOrigin(id KeyframeID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.keyframes.Get(id); !ok {
		return errors.Errorf("origin keyframe %d is not in the map", id)
	}
	if db.hasOrigin && db.origin != id {
		return errors.Errorf("map already has origin keyframe %d", db.origin)
	}
	db.origin = id
	db.hasOrigin = true
	db.logger.Infow("origin keyframe set", "id", id)
	return nil
}

// Origin returns the origin keyframe id.
func (db *MapDatabase) Origin() (KeyframeID, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.origin, db.hasOrigin
}

// IsOrigin implements KeyframeArena and MapRegistry.
func (db *MapDatabase) IsOrigin(id KeyframeID) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.hasOrigin && db.origin == id
}

// SetReferenceKeyframe sets the keyframe tracking currently localizes against.
func (db *MapDatabase) SetReferenceKeyframe(id KeyframeID) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.refKeyframe = id
	db.hasRefKeyframe = true
}

// GetReferenceKeyframe returns the current reference keyframe id.
func (db *MapDatabase) GetReferenceKeyframe() (KeyframeID, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.refKeyframe, db.hasRefKeyframe
}

// SetFrameReference records the reference keyframe a tracked frame was localized against, so the
// frame's pose can be recovered relative to it later.
func (db *MapDatabase) SetFrameReference(frameID uint64, kfID KeyframeID) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.frameRefKeyframes[frameID] = kfID
}

// GetFrameReference returns the reference keyframe of a tracked frame.
func (db *MapDatabase) GetFrameReference(frameID uint64) (KeyframeID, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	id, ok := db.frameRefKeyframes[frameID]
	return id, ok
}

// ReplaceReferenceKeyframe implements MapRegistry.
func (db *MapDatabase) ReplaceReferenceKeyframe(erased, replacement KeyframeID) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.hasRefKeyframe && db.refKeyframe == erased {
		db.refKeyframe = replacement
	}
	for frameID, id := range db.frameRefKeyframes {
		if id == erased {
			db.frameRefKeyframes[frameID] = replacement
		}
	}
}

// ErasureContext returns the context keyframes of this map are erased with.
func (db *MapDatabase) ErasureContext() ErasureContext {
	origin, _ := db.Origin()
	ctx := ErasureContext{Origin: origin, Map: db}
	if db.bowDB != nil {
		ctx.PlaceRecognition = db.bowDB
	}
	return ctx
}

// CullKeyframe runs the erasure protocol on a keyframe and reports whether it was erased. The
// origin and pinned keyframes are never erased.
func (db *MapDatabase) CullKeyframe(id KeyframeID) bool {
	kf := db.GetKeyframe(id)
	if kf == nil {
		return false
	}
	kf.PrepareForErasing(db.ErasureContext())
	return kf.WillBeErased()
}

// RebuildConnections recomputes covisibility edges of every keyframe in parallel. Spanning tree
// parents already set are kept.
func (db *MapDatabase) RebuildConnections(ctx context.Context) error {
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, kf := range db.GetAllKeyframes() {
		kf := kf
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			kf.GraphNode().UpdateConnections()
			return nil
		})
	}
	err := g.Wait()
	if db.metrics != nil {
		db.metrics.RebuildDurations.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return errors.Wrap(err, "rebuilding covisibility connections")
	}
	db.logger.Debugw("covisibility connections rebuilt", "keyframes", db.NumKeyframes(), "duration", time.Since(start))
	return nil
}

// CheckStructure verifies the structural invariants of the map and returns every violation found.
func (db *MapDatabase) CheckStructure() error {
	err := db.checkStructure()
	if db.metrics != nil {
		if err != nil {
			db.metrics.StructureChecks.WithLabelValues("violation").Inc()
		} else {
			db.metrics.StructureChecks.WithLabelValues("ok").Inc()
		}
	}
	return err
}

func (db *MapDatabase) checkStructure() error {
	var errs error
	keyframes := db.GetAllKeyframes()
	origin, hasOrigin := db.Origin()
	if len(keyframes) > 0 && !hasOrigin {
		errs = multierr.Append(errs, errors.New("map has keyframes but no origin"))
	}
	if hasOrigin && db.GetKeyframe(origin) == nil {
		errs = multierr.Append(errs, errors.Errorf("origin keyframe %d is not in the map", origin))
	}

	for _, kf := range keyframes {
		node := kf.GraphNode()
		if kf.WillBeErased() {
			errs = multierr.Append(errs, errors.Errorf("%v is erased but still in the map", kf))
		}
		if n := kf.NumLandmarkSlots(); n != kf.obs.NumKeypoints {
			errs = multierr.Append(errs, errors.Errorf("%v has %d landmark slots for %d keypoints", kf, n, kf.obs.NumKeypoints))
		}

		parent, hasParent := node.GetSpanningParent()
		switch {
		case hasOrigin && kf.id == origin:
			if hasParent {
				errs = multierr.Append(errs, errors.Errorf("origin %v has spanning parent %d", kf, parent))
			}
		case !hasParent:
			errs = multierr.Append(errs, errors.Errorf("%v has no spanning parent", kf))
		default:
			parentKf := db.GetKeyframe(parent)
			if parentKf == nil {
				errs = multierr.Append(errs, errors.Errorf("%v has spanning parent %d which is not in the map", kf, parent))
			} else if !parentKf.GraphNode().HasSpanningChild(kf.id) {
				errs = multierr.Append(errs, errors.Errorf("%v is not a spanning child of its parent %d", kf, parent))
			}
			if hasOrigin {
				if err := db.checkPathToOrigin(kf.id, origin); err != nil {
					errs = multierr.Append(errs, err)
				}
			}
		}
		for _, childID := range node.GetSpanningChildren() {
			child := db.GetKeyframe(childID)
			if child == nil {
				errs = multierr.Append(errs, errors.Errorf("%v has spanning child %d which is not in the map", kf, childID))
				continue
			}
			if p, ok := child.GraphNode().GetSpanningParent(); !ok || p != kf.id {
				errs = multierr.Append(errs, errors.Errorf("%v lists %v as a child but it is not its parent", kf, child))
			}
		}

		for _, otherID := range node.GetLoopEdges() {
			other := db.GetKeyframe(otherID)
			if other == nil {
				errs = multierr.Append(errs, errors.Errorf("%v has loop edge to %d which is not in the map", kf, otherID))
				continue
			}
			if !other.GraphNode().HasLoopEdgeWith(kf.id) {
				errs = multierr.Append(errs, errors.Errorf("loop edge %d-%d is not symmetric", kf.id, otherID))
			}
		}

		for otherID, weight := range node.GetConnectionWeights() {
			other := db.GetKeyframe(otherID)
			if other == nil {
				continue
			}
			if w := other.GraphNode().GetWeight(kf.id); w != weight {
				errs = multierr.Append(errs, errors.Errorf("covisibility %d-%d has weights %d and %d", kf.id, otherID, weight, w))
			}
		}
	}

	for _, lm := range db.GetAllLandmarks() {
		for kfID, idx := range lm.GetObservations() {
			kf := db.GetKeyframe(kfID)
			if kf == nil {
				errs = multierr.Append(errs, errors.Errorf("landmark %d is observed by missing keyframe %d", lm.id, kfID))
				continue
			}
			if idx < 0 || idx >= kf.NumLandmarkSlots() {
				errs = multierr.Append(errs, errors.Errorf("landmark %d has out of range slot %d in %v", lm.id, idx, kf))
				continue
			}
			if slot := kf.GetLandmark(idx); slot == nil || slot.ID() != lm.id {
				errs = multierr.Append(errs, errors.Errorf("landmark %d is not in slot %d of %v", lm.id, idx, kf))
			}
		}
	}
	return errs
}

func (db *MapDatabase) checkPathToOrigin(id, origin KeyframeID) error {
	start := id
	visited := map[KeyframeID]struct{}{}
	for id != origin {
		if _, ok := visited[id]; ok {
			return errors.Errorf("spanning tree has a cycle through keyframe %d", start)
		}
		visited[id] = struct{}{}
		kf := db.GetKeyframe(id)
		if kf == nil {
			return errors.Errorf("parent chain of keyframe %d reaches missing keyframe %d", start, id)
		}
		parent, ok := kf.GraphNode().GetSpanningParent()
		if !ok {
			return errors.Errorf("parent chain of keyframe %d ends at %d instead of the origin", start, id)
		}
		id = parent
	}
	return nil
}

// Clear empties the map.
func (db *MapDatabase) Clear() {
	db.mu.Lock()
	db.keyframes = btree.Map[KeyframeID, *Keyframe]{}
	db.landmarks = btree.Map[LandmarkID, *MapLandmark]{}
	db.hasOrigin = false
	db.hasRefKeyframe = false
	db.frameRefKeyframes = map[uint64]KeyframeID{}
	db.mu.Unlock()
	if db.metrics != nil {
		db.metrics.Keyframes.Set(0)
		db.metrics.Landmarks.Set(0)
	}
	if db.bowDB != nil {
		db.bowDB.Clear()
	}
	db.logger.Info("map cleared")
}
