package mesh

import (
	"image"

	"github.com/paulmach/orb"
)

// DefaultMinCornerSpreadPx is the smallest image-space extent, in pixels, the
// detected corners must span on both axes for the PnP result to be trusted.
const DefaultMinCornerSpreadPx = 8.0

// Frame is one camera frame together with the camera's world pose at capture time
type Frame struct {
	Seq        uint64
	Image      image.Image
	CameraPose WorldSpacePose
	// CameraScale is the camera's world scale as reported by the host
	// scene; zero means unit scale.
	CameraScale float64
}

// cameraTransform returns the camera's world transform including its scale
func (f Frame) cameraTransform() Transform {
	scale := f.CameraScale
	if scale == 0 {
		scale = 1
	}
	return NewTransform(f.CameraPose.Position, f.CameraPose.Rotation, scale)
}

// Observation is the detector's output for one frame. The tracking session
// owns a single Observation and resets it before every cycle.
type Observation struct {
	// Corners holds the image-space positions of the matched board corners.
	Corners []orb.Point

	// RVec and TVec are the PnP result; empty when HasPose is false.
	RVec     []float64
	TVec     []float64
	HasPose  bool
	FrameSeq uint64
}

// Reset clears the observation while keeping its buffers
func (o *Observation) Reset() {
	o.Corners = o.Corners[:0]
	o.RVec = o.RVec[:0]
	o.TVec = o.TVec[:0]
	o.HasPose = false
	o.FrameSeq = 0
}

// Correspondences returns the number of matched corners
func (o *Observation) Correspondences() int {
	return len(o.Corners)
}

// CornerSpread returns the width and height of the corners' image bounding box
func (o *Observation) CornerSpread() (float64, float64) {
	if len(o.Corners) == 0 {
		return 0, 0
	}
	b := orb.MultiPoint(o.Corners).Bound()
	return b.Max.X() - b.Min.X(), b.Max.Y() - b.Min.Y()
}

// Detector finds the board in a frame. Implementations fill obs, which has
// been reset by the caller, with the matched corners and, when their PnP solve
// succeeds, the rotation and translation vectors. Returning an error is
// treated as "no pose this cycle".
type Detector interface {
	Detect(frame Frame, intr Intrinsics, board BoardGeometry, obs *Observation) error
}

// DetectorFunc adapts a function to the Detector interface
type DetectorFunc func(frame Frame, intr Intrinsics, board BoardGeometry, obs *Observation) error

// Detect calls f
func (f DetectorFunc) Detect(frame Frame, intr Intrinsics, board BoardGeometry, obs *Observation) error {
	return f(frame, intr, board, obs)
}
