package data

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/fleuryloic/openvsslam/camera"
	"github.com/fleuryloic/openvsslam/feature"
	"github.com/fleuryloic/openvsslam/logging"
	"github.com/fleuryloic/openvsslam/spatialmath"
)

func testIntrinsics() *camera.PinholeIntrinsics {
	return &camera.PinholeIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}
}

func testCamera(t *testing.T, setup camera.SetupType) camera.Camera {
	t.Helper()
	cam, err := camera.NewBase("test_cam", setup, camera.Perspective, testIntrinsics())
	test.That(t, err, test.ShouldBeNil)
	return cam
}

func testORBParams(t *testing.T) *feature.ORBParams {
	t.Helper()
	params, err := feature.NewORBParams("test_orb", 1.2, 8, 20, 7)
	test.That(t, err, test.ShouldBeNil)
	return params
}

// testObservation builds n monocular keypoints; keypoint i sits at (i, i) on octave i%8 and its
// descriptor has i in its first byte.
func testObservation(t *testing.T, n int) feature.Observation {
	t.Helper()
	keypoints := make([]feature.KeyPoint, n)
	descriptors := make([]feature.Descriptor, n)
	for i := range keypoints {
		keypoints[i] = feature.KeyPoint{Pt: r2.Point{X: float64(i), Y: float64(i)}, Angle: float64(i), Octave: i % 8}
		descriptors[i][0] = byte(i)
	}
	obs, err := feature.NewObservation(keypoints, descriptors, nil, nil)
	test.That(t, err, test.ShouldBeNil)
	return obs
}

// translationPose returns a camera-from-world pose with identity rotation.
func translationPose(x, y, z float64) spatialmath.Transform {
	return spatialmath.NewTransformFromQuaternion(quat.Number{Real: 1}, r3.Vector{X: x, Y: y, Z: z})
}

type testMap struct {
	t   *testing.T
	db  *MapDatabase
	cam camera.Camera
	orb *feature.ORBParams
}

func newTestMap(t *testing.T, opts ...MapDatabaseOption) *testMap {
	t.Helper()
	return &testMap{
		t:   t,
		db:  NewMapDatabase(logging.NewTestLogger(t), opts...),
		cam: testCamera(t, camera.Monocular),
		orb: testORBParams(t),
	}
}

// addKeyframe creates a keyframe with numKeypoints slots and adds it to the map. The first
// keyframe added becomes the origin.
func (tm *testMap) addKeyframe(id KeyframeID, numKeypoints int) *Keyframe {
	tm.t.Helper()
	return tm.addKeyframeWithPose(id, numKeypoints, spatialmath.NewIdentityTransform())
}

func (tm *testMap) addKeyframeWithPose(id KeyframeID, numKeypoints int, poseCW spatialmath.Transform) *Keyframe {
	tm.t.Helper()
	kf, err := NewKeyframe(id, float64(id), poseCW, tm.cam, tm.orb, testObservation(tm.t, numKeypoints), nil, nil, tm.db)
	test.That(tm.t, err, test.ShouldBeNil)
	test.That(tm.t, tm.db.AddKeyframe(kf), test.ShouldBeNil)
	if _, ok := tm.db.Origin(); !ok {
		test.That(tm.t, tm.db.SetOrigin(id), test.ShouldBeNil)
	}
	return kf
}

func (tm *testMap) addLandmark(id LandmarkID, pos r3.Vector, ref KeyframeID) *MapLandmark {
	tm.t.Helper()
	lm := NewMapLandmark(id, pos, ref, tm.db)
	test.That(tm.t, tm.db.AddLandmark(lm), test.ShouldBeNil)
	return lm
}

// observe puts lm in slot idx of kf and records the observation on the landmark.
func observe(lm *MapLandmark, kf *Keyframe, idx int) {
	kf.AddLandmark(lm, idx)
	lm.AddObservation(kf, idx)
}

// connect adds a covisibility edge on both sides.
func connect(a, b *Keyframe, weight int) {
	a.GraphNode().AddConnection(b.ID(), weight)
	b.GraphNode().AddConnection(a.ID(), weight)
}

func keyframeIDs(kfs []*Keyframe) []KeyframeID {
	ids := make([]KeyframeID, len(kfs))
	for i, kf := range kfs {
		ids[i] = kf.ID()
	}
	return ids
}

type fakeVocabulary struct {
	calls int
}

func (v *fakeVocabulary) Transform(descriptors []feature.Descriptor) (BowVector, BowFeatureVector) {
	v.calls++
	vec := BowVector{}
	featVec := BowFeatureVector{}
	for i, desc := range descriptors {
		word := uint32(desc[0]) % 4
		vec[word] += 1
		featVec[word] = append(featVec[word], i)
	}
	return vec, featVec
}
