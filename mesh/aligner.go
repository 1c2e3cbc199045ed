package mesh

import (
	"log"
	"sync"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ClientAligner applies a correction offset to a client's top-level
// coordinate root exactly once. Everything tracked or rendered locally must be
// parented under that root; aligning individual objects would leave the rest
// of the local content in the old frame.
type ClientAligner struct {
	root Node

	mu      sync.Mutex
	applied bool
	offset  CorrectionOffset
}

// NewClientAligner creates an aligner for root
func NewClientAligner(root Node) *ClientAligner {
	return &ClientAligner{root: root}
}

// ApplyOffset moves the root into the shared frame:
//
//	root.position = rot * root.position + pos
//	root.rotation = rot * root.rotation
//
// A second call returns ErrAlreadyAligned and leaves the root untouched.
func (a *ClientAligner) ApplyOffset(offset CorrectionOffset) error {
	if a.root == nil {
		return ErrNilTarget
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.applied {
		return ErrAlreadyAligned
	}

	aligned := AlignPose(a.root.LocalPose(), offset)
	a.root.SetLocalPose(aligned, a.root.LocalScale())
	a.applied = true
	a.offset = offset

	log.Printf("[ALIGN] %s aligned to shared frame: pos(%.3f, %.3f, %.3f)",
		a.root.Name(), aligned.Position.X, aligned.Position.Y, aligned.Position.Z)
	return nil
}

// Aligned reports whether the offset has been applied
func (a *ClientAligner) Aligned() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied
}

// Offset returns the applied offset, if any
func (a *ClientAligner) Offset() (CorrectionOffset, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset, a.applied
}

// AlignPose applies offset to p without touching any node
func AlignPose(p Pose, offset CorrectionOffset) Pose {
	rot := NormalizeQuat(offset.Rotation())
	return Pose{
		Position: r3.Add(RotateVec(rot, p.Position), offset.Translation()),
		Rotation: NormalizeQuat(quat.Mul(rot, p.Rotation)),
	}
}
