package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// unitTolerance is how far from 1 a quaternion norm may be for the quaternion to be used as is.
const unitTolerance = 1e-9

// Quaternion returns the unit quaternion of the rotation block. The sign is chosen so the real
// part is non-negative. A transform built from a quaternion returns that quaternion unchanged, so
// converting back and forth is exact.
func (t Transform) Quaternion() quat.Number {
	if t.hasQuat {
		if t.q.Real < 0 {
			return quat.Scale(-1, t.q)
		}
		return t.q
	}
	m := t.dense()
	m00, m01, m02 := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	m10, m11, m12 := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	m20, m21, m22 := m.At(2, 0), m.At(2, 1), m.At(2, 2)

	var q quat.Number
	trace := m00 + m11 + m22
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{Real: 0.25 / s, Imag: (m21 - m12) * s, Jmag: (m02 - m20) * s, Kmag: (m10 - m01) * s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q
}

// NewTransformFromQuaternion builds a transform from a rotation quaternion and a translation. The
// quaternion is normalized first unless it is already unit; a zero quaternion yields the identity
// rotation.
func NewTransformFromQuaternion(q quat.Number, translation r3.Vector) Transform {
	norm := quat.Abs(q)
	if norm == 0 {
		q = quat.Number{Real: 1}
	} else if math.Abs(norm-1) > unitTolerance {
		q = quat.Scale(1/norm, q)
	}
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	m := mat.NewDense(4, 4, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w), translation.X,
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w), translation.Y,
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y), translation.Z,
		0, 0, 0, 1,
	})
	return Transform{m: m, q: q, hasQuat: true}
}

// QuaternionAlmostEqual is an equality test for quaternions that treats q and -q as the same
// rotation.
func QuaternionAlmostEqual(a, b quat.Number, tol float64) bool {
	same := math.Abs(a.Real-b.Real) < tol && math.Abs(a.Imag-b.Imag) < tol &&
		math.Abs(a.Jmag-b.Jmag) < tol && math.Abs(a.Kmag-b.Kmag) < tol
	if same {
		return true
	}
	return math.Abs(a.Real+b.Real) < tol && math.Abs(a.Imag+b.Imag) < tol &&
		math.Abs(a.Jmag+b.Jmag) < tol && math.Abs(a.Kmag+b.Kmag) < tol
}
