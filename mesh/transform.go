package mesh

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// IdentityQuat returns the identity rotation
func IdentityQuat() quat.Number {
	return quat.Number{Real: 1}
}

// NormalizeQuat returns q scaled to unit length.
// Returns identity if q has (near) zero length.
func NormalizeQuat(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n < 1e-12 || !isFinite(n) {
		return IdentityQuat()
	}
	return quat.Scale(1/n, q)
}

// InverseRotation returns the inverse of a unit rotation quaternion
func InverseRotation(q quat.Number) quat.Number {
	return quat.Conj(NormalizeQuat(q))
}

// RotateVec rotates v by the unit quaternion q: q * v * conj(q)
func RotateVec(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// QuatAngle returns the angle in radians of the rotation taking a to b.
// q and -q describe the same rotation, so the result is in [0, pi].
func QuatAngle(a, b quat.Number) float64 {
	a = NormalizeQuat(a)
	b = NormalizeQuat(b)
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	dot = math.Min(1, math.Abs(dot))
	return 2 * math.Acos(dot)
}

// IsIdentityPose reports whether p is exactly the zero position with identity
// rotation. The rotation is normalized first, so any non-zero real-only
// quaternion counts as identity.
func IsIdentityPose(p Pose) bool {
	if p.Position != (r3.Vec{}) {
		return false
	}
	q := NormalizeQuat(p.Rotation)
	return (q.Real == 1 || q.Real == -1) && q.Imag == 0 && q.Jmag == 0 && q.Kmag == 0
}

// RodriguesMatrix converts an axis-angle rotation vector to a 3x3 rotation matrix
// R = I cos(t) + (1 - cos(t)) k k^T + sin(t) [k]x
func RodriguesMatrix(rx, ry, rz float64) *mat.Dense {
	theta := math.Sqrt(rx*rx + ry*ry + rz*rz)
	if theta < 1e-12 {
		return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	}

	kx, ky, kz := rx/theta, ry/theta, rz/theta
	c := math.Cos(theta)
	s := math.Sin(theta)
	v := 1 - c

	return mat.NewDense(3, 3, []float64{
		c + kx*kx*v, kx*ky*v - kz*s, kx*kz*v + ky*s,
		ky*kx*v + kz*s, c + ky*ky*v, ky*kz*v - kx*s,
		kz*kx*v - ky*s, kz*ky*v + kx*s, c + kz*kz*v,
	})
}

// QuatToMatrix converts a unit quaternion to a 3x3 rotation matrix
func QuatToMatrix(q quat.Number) *mat.Dense {
	q = NormalizeQuat(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	xx, yy, zz := x*x, y*y, z*z
	xy, xz, yz := x*y, x*z, y*z
	wx, wy, wz := w*x, w*y, w*z

	return mat.NewDense(3, 3, []float64{
		1 - 2*(yy+zz), 2 * (xy - wz), 2 * (xz + wy),
		2 * (xy + wz), 1 - 2*(xx+zz), 2 * (yz - wx),
		2 * (xz - wy), 2 * (yz + wx), 1 - 2*(xx+yy),
	})
}

// MatrixToQuat extracts a unit quaternion from a 3x3 rotation matrix using
// Shepperd's method. ok is false if the matrix does not yield a finite unit
// quaternion.
func MatrixToQuat(m mat.Matrix) (quat.Number, bool) {
	m00, m01, m02 := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	m10, m11, m12 := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	m20, m21, m22 := m.At(2, 0), m.At(2, 1), m.At(2, 2)

	if !isFinite(m00, m01, m02, m10, m11, m12, m20, m21, m22) {
		return IdentityQuat(), false
	}

	var q quat.Number
	trace := m00 + m11 + m22
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q = quat.Number{Real: 0.25 * s, Imag: (m21 - m12) / s, Jmag: (m02 - m20) / s, Kmag: (m10 - m01) / s}
	case m00 > m11 && m00 > m22:
		s := math.Sqrt(1+m00-m11-m22) * 2
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := math.Sqrt(1+m11-m00-m22) * 2
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := math.Sqrt(1+m22-m00-m11) * 2
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}

	n := quat.Abs(q)
	if !isFinite(n) || math.Abs(n-1) > 1e-3 {
		return IdentityQuat(), false
	}
	q = quat.Scale(1/n, q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q, true
}

// Transform is a 4x4 homogeneous transform, row-major
type Transform struct {
	m *mat.Dense
}

// IdentityTransform returns the identity transform
func IdentityTransform() Transform {
	return Transform{m: mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})}
}

// NewTransform builds a TRS transform with uniform scale
func NewTransform(pos r3.Vec, rot quat.Number, scale float64) Transform {
	r := QuatToMatrix(rot)
	t := IdentityTransform()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.m.Set(i, j, r.At(i, j)*scale)
		}
	}
	t.m.Set(0, 3, pos.X)
	t.m.Set(1, 3, pos.Y)
	t.m.Set(2, 3, pos.Z)
	return t
}

// PoseTransform builds a unit-scale transform from a pose
func PoseTransform(p Pose) Transform {
	return NewTransform(p.Position, p.Rotation, 1)
}

// TransformFromMatrix copies a 4x4 matrix into a Transform
func TransformFromMatrix(m mat.Matrix) Transform {
	return Transform{m: mat.DenseCopyOf(m)}
}

// Matrix returns the underlying 4x4 matrix
func (t Transform) Matrix() mat.Matrix {
	return t.dense()
}

// dense treats the zero Transform as identity
func (t Transform) dense() *mat.Dense {
	if t.m == nil {
		return IdentityTransform().m
	}
	return t.m
}

// Mul composes two transforms: result = t * o.
// Applying the result is equivalent to applying o first, then t.
func (t Transform) Mul(o Transform) Transform {
	var out mat.Dense
	out.Mul(t.Matrix(), o.Matrix())
	return Transform{m: &out}
}

// TransformPoint applies the transform to a point (w = 1)
func (t Transform) TransformPoint(p r3.Vec) r3.Vec {
	m := t.Matrix()
	return r3.Vec{
		X: m.At(0, 0)*p.X + m.At(0, 1)*p.Y + m.At(0, 2)*p.Z + m.At(0, 3),
		Y: m.At(1, 0)*p.X + m.At(1, 1)*p.Y + m.At(1, 2)*p.Z + m.At(1, 3),
		Z: m.At(2, 0)*p.X + m.At(2, 1)*p.Y + m.At(2, 2)*p.Z + m.At(2, 3),
	}
}

// Translation returns the translation column
func (t Transform) Translation() r3.Vec {
	m := t.Matrix()
	return r3.Vec{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)}
}

// Linear returns the upper-left 3x3 block
func (t Transform) Linear() *mat.Dense {
	return mat.DenseCopyOf(t.dense().Slice(0, 3, 0, 3))
}

// Scale returns the uniform scale factor: the cube root of |det| of the linear block
func (t Transform) Scale() float64 {
	return math.Cbrt(math.Abs(mat.Det(t.Linear())))
}

// Decompose splits the transform into position, rotation and uniform scale.
// ok is false when the rotation cannot be recovered.
func (t Transform) Decompose() (pos r3.Vec, rot quat.Number, scale float64, ok bool) {
	pos = t.Translation()
	scale = t.Scale()
	if scale < 1e-12 || !isFinite(scale) {
		return pos, IdentityQuat(), scale, false
	}
	lin := t.Linear()
	lin.Scale(1/scale, lin)
	rot, ok = MatrixToQuat(lin)
	return pos, rot, scale, ok
}

// ComposePoses returns a * b: pose b expressed in the frame that a maps to
func ComposePoses(a, b Pose) Pose {
	return Pose{
		Position: r3.Add(a.Position, RotateVec(a.Rotation, b.Position)),
		Rotation: NormalizeQuat(quat.Mul(a.Rotation, b.Rotation)),
	}
}

// InvertPose returns the inverse rigid transform of p
func InvertPose(p Pose) Pose {
	inv := InverseRotation(p.Rotation)
	return Pose{
		Position: r3.Scale(-1, RotateVec(inv, p.Position)),
		Rotation: inv,
	}
}
