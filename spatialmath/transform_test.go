package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// rotationZ returns a rotation of theta radians about the z axis.
func rotationZ(theta float64) *mat.Dense {
	c, s := math.Cos(theta), math.Sin(theta)
	return mat.NewDense(3, 3, []float64{c, -s, 0, s, c, 0, 0, 0, 1})
}

func TestNewTransformValidation(t *testing.T) {
	_, err := NewTransform(mat.NewDense(2, 2, nil), r3.Vector{})
	test.That(t, err, test.ShouldBeError, "rotation must be 3x3, got 2x2")

	_, err = NewTransform(mat.NewDense(3, 3, []float64{2, 0, 0, 0, 1, 0, 0, 0, 1}), r3.Vector{})
	test.That(t, err, test.ShouldBeError, "rotation is not orthonormal")

	// A reflection is orthonormal but not a rotation.
	_, err = NewTransform(mat.NewDense(3, 3, []float64{-1, 0, 0, 0, 1, 0, 0, 0, 1}), r3.Vector{})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewTransformFromRowMajor([]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 1, 0, 0, 1})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewTransformFromRowMajor(make([]float64, 12))
	test.That(t, err, test.ShouldBeError, "expected 16 values for a 4x4 transform, got 12")

	tf, err := NewTransform(rotationZ(0.3), r3.Vector{X: 1, Y: 2, Z: 3})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tf.Translation(), test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 3})
	test.That(t, tf.At(3, 3), test.ShouldEqual, 1.)
}

func TestZeroValueIsIdentity(t *testing.T) {
	var tf Transform
	test.That(t, tf.AlmostEqual(NewIdentityTransform(), 0), test.ShouldBeTrue)
	test.That(t, tf.Inverse().AlmostEqual(NewIdentityTransform(), 0), test.ShouldBeTrue)
	test.That(t, tf.TransformPoint(r3.Vector{X: 4, Y: 5, Z: 6}), test.ShouldResemble, r3.Vector{X: 4, Y: 5, Z: 6})
}

func TestInverse(t *testing.T) {
	rot := mat.NewDense(3, 3, nil)
	rot.Mul(rotationZ(0.7), mat.NewDense(3, 3, []float64{1, 0, 0, 0, 0, -1, 0, 1, 0}))
	trans := r3.Vector{X: 0.5, Y: -1.25, Z: 3}
	tf, err := NewTransform(rot, trans)
	test.That(t, err, test.ShouldBeNil)

	inv := tf.Inverse()

	// The rotation block is transposed and the translation is -Rᵀt.
	var rotT mat.Dense
	rotT.CloneFrom(rot.T())
	test.That(t, mat.EqualApprox(inv.Rotation(), &rotT, 1e-12), test.ShouldBeTrue)
	var expectedTrans mat.VecDense
	expectedTrans.MulVec(&rotT, mat.NewVecDense(3, []float64{trans.X, trans.Y, trans.Z}))
	test.That(t, inv.Translation().X, test.ShouldAlmostEqual, -expectedTrans.AtVec(0))
	test.That(t, inv.Translation().Y, test.ShouldAlmostEqual, -expectedTrans.AtVec(1))
	test.That(t, inv.Translation().Z, test.ShouldAlmostEqual, -expectedTrans.AtVec(2))

	// Composing with the inverse yields the identity, and matches gonum's general inverse.
	test.That(t, tf.Compose(inv).AlmostEqual(NewIdentityTransform(), 1e-12), test.ShouldBeTrue)
	var general mat.Dense
	test.That(t, general.Inverse(tf.Matrix()), test.ShouldBeNil)
	test.That(t, mat.EqualApprox(&general, inv.Matrix(), 1e-12), test.ShouldBeTrue)

	p := r3.Vector{X: 1, Y: 2, Z: 3}
	roundTrip := inv.TransformPoint(tf.TransformPoint(p))
	test.That(t, roundTrip.Sub(p).Norm(), test.ShouldBeLessThan, 1e-12)
}

func TestMatrixIsACopy(t *testing.T) {
	tf := NewIdentityTransform()
	m := tf.Matrix()
	m.Set(0, 3, 10)
	test.That(t, tf.At(0, 3), test.ShouldEqual, 0.)
	r := tf.Rotation()
	r.Set(0, 0, 5)
	test.That(t, tf.At(0, 0), test.ShouldEqual, 1.)
}

func TestQuaternionRoundTrip(t *testing.T) {
	for _, theta := range []float64{0, 0.1, math.Pi / 2, math.Pi - 1e-3, -2.5} {
		tf, err := NewTransform(rotationZ(theta), r3.Vector{X: 1})
		test.That(t, err, test.ShouldBeNil)
		q := tf.Quaternion()
		test.That(t, q.Real, test.ShouldBeGreaterThanOrEqualTo, 0.)
		test.That(t, quat.Abs(q), test.ShouldAlmostEqual, 1)

		back := NewTransformFromQuaternion(q, tf.Translation())
		test.That(t, back.AlmostEqual(tf, 1e-9), test.ShouldBeTrue)
	}

	// Half turns are exact in both directions.
	halfTurn := NewTransformFromQuaternion(quat.Number{Kmag: 1}, r3.Vector{})
	test.That(t, halfTurn.Quaternion(), test.ShouldResemble, quat.Number{Kmag: 1})
	test.That(t, halfTurn.At(0, 0), test.ShouldEqual, -1.)
	test.That(t, halfTurn.At(1, 1), test.ShouldEqual, -1.)

	// Non-unit input is normalized.
	scaled := NewTransformFromQuaternion(quat.Number{Real: 2}, r3.Vector{})
	test.That(t, scaled.AlmostEqual(NewIdentityTransform(), 0), test.ShouldBeTrue)

	test.That(t, QuaternionAlmostEqual(quat.Number{Real: 1}, quat.Number{Real: -1}, 1e-9), test.ShouldBeTrue)
	test.That(t, QuaternionAlmostEqual(quat.Number{Real: 1}, quat.Number{Imag: 1}, 1e-9), test.ShouldBeFalse)
}

func TestQuaternionIsKept(t *testing.T) {
	for i := 0; i < 50; i++ {
		a := 0.13 * float64(i)
		q := quat.Number{Real: math.Cos(a), Imag: 0.3 * math.Sin(a), Jmag: -0.5 * math.Sin(a), Kmag: 0.81 * math.Sin(a)}
		tf := NewTransformFromQuaternion(q, r3.Vector{Z: 1})
		unit := tf.Quaternion()
		test.That(t, quat.Abs(unit), test.ShouldAlmostEqual, 1)

		// building from the returned quaternion and reading it back is exact
		again := NewTransformFromQuaternion(unit, tf.Translation())
		test.That(t, again.Quaternion(), test.ShouldResemble, unit)
		test.That(t, again.AlmostEqual(tf, 0), test.ShouldBeTrue)

		test.That(t, QuaternionAlmostEqual(tf.Inverse().Quaternion(), quat.Conj(unit), 1e-12), test.ShouldBeTrue)
		test.That(t, tf.Inverse().Compose(tf).AlmostEqual(NewIdentityTransform(), 1e-12), test.ShouldBeTrue)
	}

	// a quaternion with a negative real part is returned as its positive equivalent
	neg := NewTransformFromQuaternion(quat.Number{Real: -0.6, Kmag: 0.8}, r3.Vector{})
	flipped := neg.Quaternion()
	test.That(t, flipped.Real, test.ShouldEqual, 0.6)
	test.That(t, flipped.Kmag, test.ShouldEqual, -0.8)
}
