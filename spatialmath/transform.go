// Package spatialmath defines the rigid transforms used for camera poses.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// orthonormalTolerance is how far RᵀR may drift from the identity before a rotation is rejected.
const orthonormalTolerance = 1e-6

// Transform is a 4x4 homogeneous rigid transform [R t; 0 1] with an orthonormal rotation block.
// A Transform is immutable: every accessor returns a copy, so values can be shared between
// goroutines without synchronization. The zero value is the identity.
type Transform struct {
	m *mat.Dense
	// q is the quaternion the rotation was built from, if any.
	q       quat.Number
	hasQuat bool
}

// NewIdentityTransform returns the identity transform.
func NewIdentityTransform() Transform {
	return Transform{m: identity4()}
}

// NewTransform builds a transform from a 3x3 rotation and a translation. It returns an error if
// the rotation is not orthonormal with determinant +1.
func NewTransform(rotation mat.Matrix, translation r3.Vector) (Transform, error) {
	if r, c := rotation.Dims(); r != 3 || c != 3 {
		return Transform{}, errors.Errorf("rotation must be 3x3, got %dx%d", r, c)
	}
	if err := checkRotation(rotation); err != nil {
		return Transform{}, err
	}
	m := identity4()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, rotation.At(i, j))
		}
	}
	m.Set(0, 3, translation.X)
	m.Set(1, 3, translation.Y)
	m.Set(2, 3, translation.Z)
	return Transform{m: m}, nil
}

// NewTransformFromMatrix builds a transform from a 4x4 homogeneous matrix.
func NewTransformFromMatrix(m mat.Matrix) (Transform, error) {
	if r, c := m.Dims(); r != 4 || c != 4 {
		return Transform{}, errors.Errorf("transform must be 4x4, got %dx%d", r, c)
	}
	for j, expected := range []float64{0, 0, 0, 1} {
		if m.At(3, j) != expected {
			return Transform{}, errors.Errorf("transform bottom row must be [0 0 0 1], got %v at column %d", m.At(3, j), j)
		}
	}
	rotation := mat.DenseCopyOf(m).Slice(0, 3, 0, 3)
	return NewTransform(rotation, r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)})
}

// NewTransformFromRowMajor builds a transform from 16 row-major values.
func NewTransformFromRowMajor(values []float64) (Transform, error) {
	if len(values) != 16 {
		return Transform{}, errors.Errorf("expected 16 values for a 4x4 transform, got %d", len(values))
	}
	return NewTransformFromMatrix(mat.NewDense(4, 4, append([]float64(nil), values...)))
}

func identity4() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

func checkRotation(rotation mat.Matrix) error {
	var rtr mat.Dense
	rtr.Mul(rotation.T(), rotation)
	if !mat.EqualApprox(&rtr, identity3(), orthonormalTolerance) {
		return errors.New("rotation is not orthonormal")
	}
	if det := mat.Det(rotation); math.Abs(det-1) > orthonormalTolerance {
		return errors.Errorf("rotation determinant must be +1, got %v", det)
	}
	return nil
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func (t Transform) dense() *mat.Dense {
	if t.m == nil {
		return identity4()
	}
	return t.m
}

// At returns the element at row i, column j.
func (t Transform) At(i, j int) float64 {
	return t.dense().At(i, j)
}

// Matrix returns a copy of the 4x4 matrix.
func (t Transform) Matrix() *mat.Dense {
	return mat.DenseCopyOf(t.dense())
}

// Rotation returns a copy of the 3x3 rotation block.
func (t Transform) Rotation() *mat.Dense {
	return mat.DenseCopyOf(t.dense().Slice(0, 3, 0, 3))
}

// RotationRow returns row i of the rotation block.
func (t Transform) RotationRow(i int) r3.Vector {
	m := t.dense()
	return r3.Vector{X: m.At(i, 0), Y: m.At(i, 1), Z: m.At(i, 2)}
}

// Translation returns the translation column.
func (t Transform) Translation() r3.Vector {
	m := t.dense()
	return r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)}
}

// Inverse returns [Rᵀ -Rᵀt; 0 1].
func (t Transform) Inverse() Transform {
	m := t.dense()
	inv := identity4()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			inv.Set(i, j, m.At(j, i))
		}
	}
	trans := t.Translation()
	for i := 0; i < 3; i++ {
		row := r3.Vector{X: inv.At(i, 0), Y: inv.At(i, 1), Z: inv.At(i, 2)}
		inv.Set(i, 3, -row.Dot(trans))
	}
	return Transform{m: inv, q: quat.Conj(t.q), hasQuat: t.hasQuat}
}

// Compose returns t * other, i.e. other is applied first.
func (t Transform) Compose(other Transform) Transform {
	var out mat.Dense
	out.Mul(t.dense(), other.dense())
	return Transform{m: &out}
}

// TransformPoint applies the transform to a point.
func (t Transform) TransformPoint(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: t.RotationRow(0).Dot(p) + t.At(0, 3),
		Y: t.RotationRow(1).Dot(p) + t.At(1, 3),
		Z: t.RotationRow(2).Dot(p) + t.At(2, 3),
	}
}

// AlmostEqual reports whether every element of the two transforms is within tol.
func (t Transform) AlmostEqual(other Transform, tol float64) bool {
	return mat.EqualApprox(t.dense(), other.dense(), tol)
}
