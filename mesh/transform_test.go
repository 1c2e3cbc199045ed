package mesh

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const epsilon = 1e-9

// approx compares float fields of vectors and quaternions within tol
func approx(tol float64) cmp.Option {
	return cmpopts.EquateApprox(0, tol)
}

// axisAngle builds a unit quaternion rotating angle radians around axis
func axisAngle(axis r3.Vec, angle float64) quat.Number {
	axis = r3.Unit(axis)
	s := math.Sin(angle / 2)
	return quat.Number{Real: math.Cos(angle / 2), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// assertRotationNear fails if a and b differ by more than tol radians
func assertRotationNear(t *testing.T, want, got quat.Number, tol float64) {
	t.Helper()
	if d := QuatAngle(want, got); d > tol {
		t.Errorf("rotation %v differs from %v by %.6f rad (tol %g)", got, want, d, tol)
	}
}

// randomPose returns a pose with position in [-5, 5]^3 and a random rotation
func randomPose(rng *rand.Rand) Pose {
	axis := r3.Vec{X: rng.Float64()*2 - 1, Y: rng.Float64()*2 - 1, Z: rng.Float64()*2 - 1}
	if r3.Norm(axis) < 1e-3 {
		axis = r3.Vec{X: 0, Y: 1, Z: 0}
	}
	return Pose{
		Position: r3.Vec{X: rng.Float64()*10 - 5, Y: rng.Float64()*10 - 5, Z: rng.Float64()*10 - 5},
		Rotation: axisAngle(axis, rng.Float64()*2*math.Pi),
	}
}

func TestNormalizeQuat(t *testing.T) {
	tests := []struct {
		name string
		in   quat.Number
		want quat.Number
	}{
		{"already unit", quat.Number{Real: 1}, quat.Number{Real: 1}},
		{"scaled", quat.Number{Real: 2}, quat.Number{Real: 1}},
		{"zero becomes identity", quat.Number{}, IdentityQuat()},
		{"nan becomes identity", quat.Number{Real: math.NaN()}, IdentityQuat()},
		{"mixed", quat.Number{Real: 1, Kmag: 1}, quat.Number{Real: math.Sqrt2 / 2, Kmag: math.Sqrt2 / 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeQuat(tt.in)
			if diff := cmp.Diff(tt.want, got, approx(epsilon)); diff != "" {
				t.Errorf("NormalizeQuat() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRotateVec(t *testing.T) {
	tests := []struct {
		name string
		q    quat.Number
		v    r3.Vec
		want r3.Vec
	}{
		{"identity", IdentityQuat(), r3.Vec{X: 1, Y: 2, Z: 3}, r3.Vec{X: 1, Y: 2, Z: 3}},
		{"90 deg about Y", axisAngle(r3.Vec{Y: 1}, math.Pi/2), r3.Vec{X: 1}, r3.Vec{Z: -1}},
		{"90 deg about Z", axisAngle(r3.Vec{Z: 1}, math.Pi/2), r3.Vec{X: 1}, r3.Vec{Y: 1}},
		{"180 deg about X", axisAngle(r3.Vec{X: 1}, math.Pi), r3.Vec{Y: 1, Z: 1}, r3.Vec{Y: -1, Z: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RotateVec(tt.q, tt.v)
			if diff := cmp.Diff(tt.want, got, approx(epsilon)); diff != "" {
				t.Errorf("RotateVec() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestQuatAngle(t *testing.T) {
	q := axisAngle(r3.Vec{X: 1, Y: 1}, 0.7)
	if got := QuatAngle(q, q); got > 1e-6 {
		t.Errorf("QuatAngle(q, q) = %v, want 0", got)
	}
	if got := QuatAngle(q, quat.Scale(-1, q)); got > 1e-6 {
		t.Errorf("QuatAngle(q, -q) = %v, want 0", got)
	}
	if got := QuatAngle(IdentityQuat(), axisAngle(r3.Vec{Z: 1}, 0.5)); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("QuatAngle = %v, want 0.5", got)
	}
}

func TestIsIdentityPose(t *testing.T) {
	tests := []struct {
		name string
		p    Pose
		want bool
	}{
		{"identity", IdentityPose(), true},
		{"negative real", Pose{Rotation: quat.Number{Real: -1}}, true},
		{"unnormalized identity", Pose{Rotation: quat.Number{Real: 2}}, true},
		{"translated", Pose{Position: r3.Vec{X: 1e-9}, Rotation: IdentityQuat()}, false},
		{"rotated", Pose{Rotation: axisAngle(r3.Vec{Y: 1}, 1e-6)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsIdentityPose(tt.p); got != tt.want {
				t.Errorf("IsIdentityPose() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRodriguesMatrix(t *testing.T) {
	t.Run("zero vector is identity", func(t *testing.T) {
		m := RodriguesMatrix(0, 0, 0)
		if !mat.EqualApprox(m, mat.NewDiagDense(3, []float64{1, 1, 1}), epsilon) {
			t.Errorf("RodriguesMatrix(0) = %v, want identity", mat.Formatted(m))
		}
	})

	t.Run("matches quaternion", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		for i := 0; i < 50; i++ {
			axis := r3.Unit(r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()})
			angle := rng.Float64() * math.Pi
			r := r3.Scale(angle, axis)
			got := RodriguesMatrix(r.X, r.Y, r.Z)
			want := QuatToMatrix(axisAngle(axis, angle))
			if !mat.EqualApprox(got, want, 1e-9) {
				t.Fatalf("rvec %v: Rodrigues %v != quaternion %v", r, mat.Formatted(got), mat.Formatted(want))
			}
		}
	})
}

func TestMatrixToQuat(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 100; i++ {
		q := randomPose(rng).Rotation
		got, ok := MatrixToQuat(QuatToMatrix(q))
		if !ok {
			t.Fatalf("MatrixToQuat failed for %v", q)
		}
		if got.Real < 0 {
			t.Errorf("MatrixToQuat(%v) = %v, want non-negative real part", q, got)
		}
		assertRotationNear(t, q, got, 1e-9)
	}

	t.Run("non-finite", func(t *testing.T) {
		m := mat.NewDense(3, 3, []float64{math.NaN(), 0, 0, 0, 1, 0, 0, 0, 1})
		got, ok := MatrixToQuat(m)
		if ok {
			t.Error("expected ok=false for NaN matrix")
		}
		if got != IdentityQuat() {
			t.Errorf("expected identity fallback, got %v", got)
		}
	})

	t.Run("scaled matrix is not a rotation", func(t *testing.T) {
		m := mat.NewDiagDense(3, []float64{2, 2, 2})
		if _, ok := MatrixToQuat(m); ok {
			t.Error("expected ok=false for scaled matrix")
		}
	})
}

func TestTransformMulAndDecompose(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 50; i++ {
		a, b := randomPose(rng), randomPose(rng)

		pos, rot, scale, ok := PoseTransform(a).Mul(PoseTransform(b)).Decompose()
		if !ok {
			t.Fatalf("Decompose failed for %v * %v", a, b)
		}
		want := ComposePoses(a, b)

		if diff := cmp.Diff(want.Position, pos, approx(1e-9)); diff != "" {
			t.Errorf("position mismatch (-want +got):\n%s", diff)
		}
		assertRotationNear(t, want.Rotation, rot, 1e-9)
		if math.Abs(scale-1) > 1e-9 {
			t.Errorf("scale = %v, want 1", scale)
		}
	}
}

func TestTransformScale(t *testing.T) {
	tr := NewTransform(r3.Vec{X: 1}, axisAngle(r3.Vec{Z: 1}, 0.3), 2)
	if got := tr.Scale(); math.Abs(got-2) > epsilon {
		t.Errorf("Scale() = %v, want 2", got)
	}
	pos, _, scale, ok := tr.Decompose()
	if !ok {
		t.Fatal("Decompose failed")
	}
	if math.Abs(scale-2) > epsilon {
		t.Errorf("decomposed scale = %v, want 2", scale)
	}
	if diff := cmp.Diff(r3.Vec{X: 1}, pos, approx(epsilon)); diff != "" {
		t.Errorf("position mismatch (-want +got):\n%s", diff)
	}
}

func TestTransformPoint(t *testing.T) {
	tr := NewTransform(r3.Vec{X: 1, Y: 2, Z: 3}, axisAngle(r3.Vec{Y: 1}, math.Pi/2), 1)
	got := tr.TransformPoint(r3.Vec{X: 1})
	want := r3.Vec{X: 1, Y: 2, Z: 2}
	if diff := cmp.Diff(want, got, approx(epsilon)); diff != "" {
		t.Errorf("TransformPoint() mismatch (-want +got):\n%s", diff)
	}
}

func TestZeroTransformIsIdentity(t *testing.T) {
	var tr Transform
	if got := tr.TransformPoint(r3.Vec{X: 4, Y: 5, Z: 6}); got != (r3.Vec{X: 4, Y: 5, Z: 6}) {
		t.Errorf("zero Transform moved point to %v", got)
	}
}

func TestInvertPose(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 20; i++ {
		p := randomPose(rng)
		id := ComposePoses(p, InvertPose(p))
		if r3.Norm(id.Position) > 1e-9 {
			t.Errorf("p * inv(p) position = %v, want 0", id.Position)
		}
		assertRotationNear(t, IdentityQuat(), id.Rotation, 1e-9)
	}
}
