package data

import (
	"context"
	"encoding/json"
	"io"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/fleuryloic/openvsslam/camera"
	"github.com/fleuryloic/openvsslam/feature"
	"github.com/fleuryloic/openvsslam/spatialmath"
)

// noID marks an absent id in records: an empty landmark slot or the root's parent.
const noID = -1

// KeyPointRecord is the persisted form of a feature.KeyPoint.
type KeyPointRecord struct {
	Pt    [2]float64 `json:"pt"`
	Angle float64    `json:"ang"`
	Oct   int        `json:"oct"`
}

// KeyframeRecord is the persisted form of a keyframe.
type KeyframeRecord struct {
	Timestamp float64 `json:"ts"`
	Camera    string  `json:"cam"`
	ORBParams string  `json:"orb_params"`
	// RotCW is the camera-from-world rotation as a quaternion [x, y, z, w].
	RotCW           [4]float64       `json:"rot_cw"`
	TransCW         [3]float64       `json:"trans_cw"`
	NumKeypoints    int              `json:"n_keypts"`
	UndistKeypoints []KeyPointRecord `json:"undist_keypts"`
	XRights         []float64        `json:"x_rights"`
	Depths          []float64        `json:"depths"`
	Descriptors     [][]uint32       `json:"descs"`
	LandmarkIDs     []int64          `json:"lm_ids"`
	SpanParent      int64            `json:"span_parent"`
	SpanChildren    []int64          `json:"span_children"`
	LoopEdges       []int64          `json:"loop_edges"`
}

// LandmarkRecord is the persisted form of a MapLandmark.
type LandmarkRecord struct {
	FirstKeyframe int64      `json:"1st_keyfrm"`
	PosW          [3]float64 `json:"pos_w"`
	RefKeyframe   int64      `json:"ref_keyfrm"`
	NumVisible    int        `json:"n_vis"`
	NumFound      int        `json:"n_fnd"`
}

// MapRecord is the persisted form of a whole map.
type MapRecord struct {
	Keyframes map[KeyframeID]KeyframeRecord `json:"keyframes"`
	Landmarks map[LandmarkID]LandmarkRecord `json:"landmarks"`
}

// RecordResources resolves the camera and feature parameter names used in records.
type RecordResources struct {
	Cameras   map[string]camera.Camera
	ORBParams map[string]*feature.ORBParams
}

// ReadMapRecord decodes a JSON map record.
func ReadMapRecord(r io.Reader) (*MapRecord, error) {
	var rec MapRecord
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, errors.Wrap(err, "decoding map record")
	}
	return &rec, nil
}

// WriteMapRecord encodes a map record as JSON.
func WriteMapRecord(w io.Writer, rec *MapRecord) error {
	return errors.Wrap(json.NewEncoder(w).Encode(rec), "encoding map record")
}

func idsToRecord(ids []KeyframeID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

// ToRecord captures the keyframe. Landmark slots and pose are read together so the record is
// consistent with a single instant.
func (kf *Keyframe) ToRecord() KeyframeRecord {
	var (
		landmarks []Landmark
		poseCW    spatialmath.Transform
	)
	kf.withObservationsAndPose(func(lms []Landmark, pose spatialmath.Transform) {
		landmarks = lms
		poseCW = pose
	})

	q := poseCW.Quaternion()
	trans := poseCW.Translation()
	rec := KeyframeRecord{
		Timestamp:       kf.timestamp,
		Camera:          kf.camera.Name(),
		ORBParams:       kf.orbParams.Name,
		RotCW:           [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real},
		TransCW:         [3]float64{trans.X, trans.Y, trans.Z},
		NumKeypoints:    kf.obs.NumKeypoints,
		UndistKeypoints: make([]KeyPointRecord, kf.obs.NumKeypoints),
		XRights:         append([]float64(nil), kf.obs.StereoXRight...),
		Depths:          append([]float64(nil), kf.obs.Depths...),
		Descriptors:     make([][]uint32, kf.obs.NumKeypoints),
		LandmarkIDs:     make([]int64, len(landmarks)),
		SpanParent:      noID,
		SpanChildren:    idsToRecord(kf.graphNode.GetSpanningChildren()),
		LoopEdges:       idsToRecord(kf.graphNode.GetLoopEdges()),
	}
	for i, kp := range kf.obs.UndistKeypoints {
		rec.UndistKeypoints[i] = KeyPointRecord{Pt: [2]float64{kp.Pt.X, kp.Pt.Y}, Angle: kp.Angle, Oct: kp.Octave}
	}
	for i, desc := range kf.obs.Descriptors {
		rec.Descriptors[i] = desc.Words()
	}
	for i, lm := range landmarks {
		if isValidLandmark(lm) {
			rec.LandmarkIDs[i] = int64(lm.ID())
		} else {
			rec.LandmarkIDs[i] = noID
		}
	}
	if parent, ok := kf.graphNode.GetSpanningParent(); ok {
		rec.SpanParent = int64(parent)
	}
	return rec
}

// NewKeyframeFromRecord rebuilds a keyframe's own fields from a record. Landmark slots, spanning
// tree and loop edges reference other objects and are restored by WireKeyframe once every
// keyframe and landmark exists.
func NewKeyframeFromRecord(id KeyframeID, rec KeyframeRecord, res RecordResources, arena KeyframeArena) (*Keyframe, error) {
	cam, ok := res.Cameras[rec.Camera]
	if !ok {
		return nil, errors.Errorf("keyframe %d uses unknown camera %q", id, rec.Camera)
	}
	orbParams, ok := res.ORBParams[rec.ORBParams]
	if !ok {
		return nil, errors.Errorf("keyframe %d uses unknown feature parameters %q", id, rec.ORBParams)
	}
	n := rec.NumKeypoints
	if len(rec.UndistKeypoints) != n || len(rec.LandmarkIDs) != n {
		return nil, errors.Errorf("keyframe %d has %d keypoints and %d landmark ids, expected %d",
			id, len(rec.UndistKeypoints), len(rec.LandmarkIDs), n)
	}

	keypoints := make([]feature.KeyPoint, n)
	for i, kp := range rec.UndistKeypoints {
		if kp.Oct < 0 || kp.Oct >= orbParams.NumLevels {
			return nil, errors.Errorf("keyframe %d keypoint %d has octave %d outside [0, %d)", id, i, kp.Oct, orbParams.NumLevels)
		}
		keypoints[i] = feature.KeyPoint{Pt: r2.Point{X: kp.Pt[0], Y: kp.Pt[1]}, Angle: kp.Angle, Octave: kp.Oct}
	}
	descriptors := make([]feature.Descriptor, len(rec.Descriptors))
	for i, words := range rec.Descriptors {
		desc, err := feature.DescriptorFromWords(words)
		if err != nil {
			return nil, errors.Wrapf(err, "keyframe %d descriptor %d", id, i)
		}
		descriptors[i] = desc
	}
	obs, err := feature.NewObservation(keypoints, descriptors, rec.XRights, rec.Depths)
	if err != nil {
		return nil, errors.Wrapf(err, "keyframe %d", id)
	}

	q := quat.Number{Real: rec.RotCW[3], Imag: rec.RotCW[0], Jmag: rec.RotCW[1], Kmag: rec.RotCW[2]}
	poseCW := spatialmath.NewTransformFromQuaternion(q, r3.Vector{X: rec.TransCW[0], Y: rec.TransCW[1], Z: rec.TransCW[2]})
	return NewKeyframe(id, rec.Timestamp, poseCW, cam, orbParams, obs, nil, nil, arena)
}

// WireKeyframe restores the references a KeyframeRecord holds: landmark slots (registering the
// keyframe as an observer), the spanning parent and children, and loop edges.
func (db *MapDatabase) WireKeyframe(kf *Keyframe, rec KeyframeRecord) error {
	for idx, lmID := range rec.LandmarkIDs {
		if lmID == noID {
			continue
		}
		lm := db.GetLandmark(LandmarkID(lmID))
		if lm == nil {
			return errors.Errorf("%v slot %d references missing landmark %d", kf, idx, lmID)
		}
		kf.AddLandmark(lm, idx)
		lm.AddObservation(kf, idx)
	}

	lookup := func(what string, id int64) (KeyframeID, error) {
		if id < 0 || db.GetKeyframe(KeyframeID(id)) == nil {
			return 0, errors.Errorf("%v references missing %s keyframe %d", kf, what, id)
		}
		return KeyframeID(id), nil
	}
	if rec.SpanParent != noID {
		parent, err := lookup("parent", rec.SpanParent)
		if err != nil {
			return err
		}
		kf.graphNode.SetSpanningParent(parent)
	}
	for _, childID := range rec.SpanChildren {
		child, err := lookup("child", childID)
		if err != nil {
			return err
		}
		kf.graphNode.AddSpanningChild(child)
	}
	for _, otherID := range rec.LoopEdges {
		other, err := lookup("loop edge", otherID)
		if err != nil {
			return err
		}
		kf.graphNode.addLoopEdge(other)
		kf.SetNotToBeErased()
	}
	return nil
}

// ToRecord captures the whole map.
func (db *MapDatabase) ToRecord() *MapRecord {
	rec := &MapRecord{
		Keyframes: map[KeyframeID]KeyframeRecord{},
		Landmarks: map[LandmarkID]LandmarkRecord{},
	}
	for _, kf := range db.GetAllKeyframes() {
		rec.Keyframes[kf.id] = kf.ToRecord()
	}
	for _, lm := range db.GetAllLandmarks() {
		if lm.WillBeErased() {
			continue
		}
		pos := lm.GetPosInWorld()
		rec.Landmarks[lm.id] = LandmarkRecord{
			FirstKeyframe: int64(lm.firstKeyframeID),
			PosW:          [3]float64{pos.X, pos.Y, pos.Z},
			RefKeyframe:   int64(lm.GetRefKeyframeID()),
			NumVisible:    lm.GetNumObservable(),
			NumFound:      lm.GetNumObserved(),
		}
	}
	return rec
}

// LoadRecord fills an empty map from a record: it creates every keyframe and landmark, restores
// the references between them, recomputes landmark statistics, and rebuilds covisibility edges.
// The origin is the keyframe without a spanning parent.
func (db *MapDatabase) LoadRecord(ctx context.Context, rec *MapRecord, res RecordResources) error {
	if db.NumKeyframes() != 0 || db.NumLandmarks() != 0 {
		return errors.New("cannot load a record into a non-empty map")
	}

	var roots []KeyframeID
	keyframes := make(map[KeyframeID]*Keyframe, len(rec.Keyframes))
	for id, kfRec := range rec.Keyframes {
		kf, err := NewKeyframeFromRecord(id, kfRec, res, db)
		if err != nil {
			return err
		}
		if err := db.AddKeyframe(kf); err != nil {
			return err
		}
		keyframes[id] = kf
		if kfRec.SpanParent == noID {
			roots = append(roots, id)
		}
	}
	if len(rec.Keyframes) > 0 {
		if len(roots) != 1 {
			return errors.Errorf("map record must have exactly one keyframe without a parent, got %d", len(roots))
		}
		if err := db.SetOrigin(roots[0]); err != nil {
			return err
		}
	}

	for id, lmRec := range rec.Landmarks {
		if db.GetKeyframe(KeyframeID(lmRec.RefKeyframe)) == nil {
			return errors.Errorf("landmark %d references missing keyframe %d", id, lmRec.RefKeyframe)
		}
		lm := NewMapLandmark(id, r3.Vector{X: lmRec.PosW[0], Y: lmRec.PosW[1], Z: lmRec.PosW[2]}, KeyframeID(lmRec.RefKeyframe), db)
		lm.firstKeyframeID = KeyframeID(lmRec.FirstKeyframe)
		lm.setCounters(lmRec.NumVisible, lmRec.NumFound)
		if err := db.AddLandmark(lm); err != nil {
			return err
		}
	}

	for id, kf := range keyframes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := db.WireKeyframe(kf, rec.Keyframes[id]); err != nil {
			return err
		}
	}
	for _, lm := range db.GetAllLandmarks() {
		lm.ComputeDescriptor()
		lm.UpdateMeanNormalAndObsScaleVariance()
	}

	if err := db.RebuildConnections(ctx); err != nil {
		return err
	}
	db.logger.Infow("map loaded", "keyframes", db.NumKeyframes(), "landmarks", db.NumLandmarks())
	return nil
}
