package mesh

import (
	"fmt"
	"log"
	"math"
	"sync"
)

// ScaleTolerance is the allowed deviation of a composed transform's scale from 1
const ScaleTolerance = 1e-3

// Node is a scene node whose local pose can be read and overwritten
type Node interface {
	Name() string
	LocalPose() Pose
	LocalScale() float64
	SetLocalPose(p Pose, scale float64)
}

// SceneNode is a minimal thread-safe Node
type SceneNode struct {
	name  string
	mu    sync.RWMutex
	pose  Pose
	scale float64
}

// NewSceneNode creates a node at the identity pose with unit scale
func NewSceneNode(name string) *SceneNode {
	return &SceneNode{name: name, pose: IdentityPose(), scale: 1}
}

// Name returns the node name
func (n *SceneNode) Name() string {
	return n.name
}

// LocalPose returns the node's pose relative to its parent
func (n *SceneNode) LocalPose() Pose {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.pose
}

// LocalScale returns the node's uniform scale
func (n *SceneNode) LocalScale() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.scale
}

// SetLocalPose overwrites the node's pose and scale
func (n *SceneNode) SetLocalPose(p Pose, scale float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pose = p
	n.scale = scale
}

// Compose returns the board's world transform: cameraWorld * boardInCamera
func Compose(camSpace CameraSpacePose, cameraWorld Transform) Transform {
	return cameraWorld.Mul(PoseTransform(camSpace))
}

// ComposePose is Compose for a camera world pose, returning the decomposed result
func ComposePose(camSpace CameraSpacePose, cameraWorld Pose) WorldSpacePose {
	return ComposePoses(cameraWorld, camSpace)
}

// Apply decomposes a world transform and writes it onto target.
// The node is always written; a scale that is not 1 within ScaleTolerance is
// reported as ErrScaleDeviation since it means something upstream composed a
// non-rigid transform.
func Apply(world Transform, target Node) error {
	if target == nil {
		return ErrNilTarget
	}

	pos, rot, scale, ok := world.Decompose()
	if !ok {
		log.Printf("[COMPOSE] warning: could not recover rotation for %s, using identity", target.Name())
	}
	target.SetLocalPose(Pose{Position: pos, Rotation: rot}, scale)

	if math.Abs(scale-1) > ScaleTolerance {
		log.Printf("[COMPOSE] warning: %s world scale %.6f deviates from 1", target.Name(), scale)
		return fmt.Errorf("%s scale %.6f: %w", target.Name(), scale, ErrScaleDeviation)
	}
	return nil
}
