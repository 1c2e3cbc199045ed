package mesh

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// DeterminantTolerance is how far a basis determinant may stray from +/-1
const DeterminantTolerance = 0.01

// flipY re-expresses a right-handed, Y-down basis in a left-handed, Y-up one
// by negating the Y component of every basis column.
var flipY = mat.NewDiagDense(3, []float64{1, -1, 1})

// PoseNormalizer converts detector rvec/tvec output into left-handed, Y-up
// camera-space poses. It is not safe for concurrent use; each tracking session
// owns one.
type PoseNormalizer struct {
	degraded int
	total    int
}

// NewPoseNormalizer creates a normalizer with zeroed counters
func NewPoseNormalizer() *PoseNormalizer {
	return &PoseNormalizer{}
}

// Normalize converts one detector result and records whether it degraded
func (n *PoseNormalizer) Normalize(rvec, tvec []float64) (CameraSpacePose, error) {
	pose, degraded, err := normalizePose(rvec, tvec)
	if err != nil {
		return CameraSpacePose{}, err
	}
	n.total++
	if degraded {
		n.degraded++
	}
	return pose, nil
}

// Degraded returns how many normalizations fell back to identity rotation
func (n *PoseNormalizer) Degraded() int {
	return n.degraded
}

// Total returns how many normalizations completed
func (n *PoseNormalizer) Total() int {
	return n.total
}

// NormalizePose converts a PnP rotation vector and translation vector
// (right-handed, Y-down, Z-forward; radians and meters) to a camera-space pose
// in the left-handed, Y-up convention used by everything downstream.
//
// Wrong-length or non-finite translation input is rejected. A rotation that
// cannot be turned into a proper rotation degrades to identity with a logged
// warning rather than an error.
func NormalizePose(rvec, tvec []float64) (CameraSpacePose, error) {
	pose, _, err := normalizePose(rvec, tvec)
	return pose, err
}

func normalizePose(rvec, tvec []float64) (CameraSpacePose, bool, error) {
	if len(rvec) != 3 {
		return CameraSpacePose{}, false, fmt.Errorf("rotation vector has %d components, want 3: %w", len(rvec), ErrMalformedVector)
	}
	if len(tvec) != 3 {
		return CameraSpacePose{}, false, fmt.Errorf("translation vector has %d components, want 3: %w", len(tvec), ErrMalformedVector)
	}
	if !isFinite(tvec...) {
		return CameraSpacePose{}, false, fmt.Errorf("translation vector %v is not finite: %w", tvec, ErrMalformedVector)
	}

	pose := CameraSpacePose{
		Position: r3.Vec{X: tvec[0], Y: -tvec[1], Z: tvec[2]},
		Rotation: IdentityQuat(),
	}

	basis, err := NormalizedBasis(rvec[0], rvec[1], rvec[2])
	if err != nil {
		log.Printf("[NORMALIZE] warning: %v, using identity rotation for this cycle", err)
		return pose, true, nil
	}

	rot, ok := MatrixToQuat(basis)
	if !ok {
		log.Printf("[NORMALIZE] warning: quaternion extraction failed for rvec %v, using identity rotation for this cycle", rvec)
		return pose, true, nil
	}
	pose.Rotation = rot
	return pose, false, nil
}

// NormalizedBasis returns the rotation matrix for rvec re-expressed in the
// left-handed, Y-up convention. An improper (reflective) result is corrected
// by negating the third basis column. An error means no proper rotation could
// be produced.
func NormalizedBasis(rx, ry, rz float64) (*mat.Dense, error) {
	if !isFinite(rx, ry, rz) {
		return nil, fmt.Errorf("rotation vector (%g, %g, %g) is not finite", rx, ry, rz)
	}

	var basis mat.Dense
	basis.Mul(flipY, RodriguesMatrix(rx, ry, rz))

	det := mat.Det(&basis)
	if !isFinite(det) {
		return nil, fmt.Errorf("basis determinant is not finite")
	}
	if math.Abs(det+1) <= DeterminantTolerance {
		for i := 0; i < 3; i++ {
			basis.Set(i, 2, -basis.At(i, 2))
		}
		det = mat.Det(&basis)
	}
	if math.Abs(det-1) > DeterminantTolerance {
		return nil, fmt.Errorf("basis determinant %.4f is not a proper rotation", det)
	}
	return &basis, nil
}
