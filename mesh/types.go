package mesh

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a rigid transform: a position and a unit rotation quaternion.
// Rotations are stored as quat.Number with Real = w and Imag/Jmag/Kmag = x/y/z.
type Pose struct {
	Position r3.Vec
	Rotation quat.Number
}

// IdentityPose returns the pose at the origin with no rotation.
func IdentityPose() Pose {
	return Pose{Rotation: IdentityQuat()}
}

// CameraSpacePose is the board pose relative to the device camera for one cycle.
type CameraSpacePose = Pose

// WorldSpacePose is a camera-space pose composed with the camera-in-world transform.
type WorldSpacePose = Pose

// Vector3 is the wire representation of a 3D vector
type Vector3 struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

// NewVector3 converts an r3.Vec to its wire form
func NewVector3(v r3.Vec) Vector3 {
	return Vector3{X: v.X, Y: v.Y, Z: v.Z}
}

// Vec returns the vector as an r3.Vec
func (v Vector3) Vec() r3.Vec {
	return r3.Vec{X: v.X, Y: v.Y, Z: v.Z}
}

// Quaternion is the wire representation of a rotation quaternion
type Quaternion struct {
	W float64 `yaml:"w" json:"w"`
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

// NewQuaternion converts a quat.Number to its wire form
func NewQuaternion(q quat.Number) Quaternion {
	return Quaternion{W: q.Real, X: q.Imag, Y: q.Jmag, Z: q.Kmag}
}

// Quat returns the quaternion as a quat.Number
func (q Quaternion) Quat() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

// PoseJSON is the wire representation of a Pose
type PoseJSON struct {
	Position Vector3    `yaml:"position" json:"position"`
	Rotation Quaternion `yaml:"rotation" json:"rotation"`
}

// NewPoseJSON converts a Pose to its wire form
func NewPoseJSON(p Pose) PoseJSON {
	return PoseJSON{Position: NewVector3(p.Position), Rotation: NewQuaternion(p.Rotation)}
}

// Pose returns the wire pose as a Pose. A zero rotation is read as identity
// so that recordings may omit it.
func (p PoseJSON) Pose() Pose {
	rot := p.Rotation.Quat()
	if rot == (quat.Number{}) {
		rot = IdentityQuat()
	}
	return Pose{Position: p.Position.Vec(), Rotation: rot}
}

// Intrinsics holds pinhole camera parameters at the processing resolution
type Intrinsics struct {
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Cx     float64 `json:"cx"`
	Cy     float64 `json:"cy"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// NewIntrinsics derives processing-resolution intrinsics from the physical
// camera parameters and a resolution divider. A divider below 1 is treated as 1.
func NewIntrinsics(cam CameraConfig, divider int) (Intrinsics, error) {
	if cam.Width <= 0 || cam.Height <= 0 {
		return Intrinsics{}, fmt.Errorf("camera resolution must be positive, got %dx%d", cam.Width, cam.Height)
	}
	if cam.Fx <= 0 || cam.Fy <= 0 {
		return Intrinsics{}, fmt.Errorf("camera focal lengths must be positive, got fx=%g fy=%g", cam.Fx, cam.Fy)
	}
	if divider < 1 {
		divider = 1
	}
	d := float64(divider)
	return Intrinsics{
		Fx:     cam.Fx / d,
		Fy:     cam.Fy / d,
		Cx:     cam.Cx / d,
		Cy:     cam.Cy / d,
		Width:  cam.Width / divider,
		Height: cam.Height / divider,
	}, nil
}

// BoardGeometry describes the physical ChArUco board layout
type BoardGeometry struct {
	SquaresX   int     `yaml:"squaresX" json:"squaresX"`
	SquaresY   int     `yaml:"squaresY" json:"squaresY"`
	SquareSize float64 `yaml:"squareSize" json:"squareSize"` // meters
	MarkerSize float64 `yaml:"markerSize" json:"markerSize"` // meters
	Dictionary string  `yaml:"dictionary" json:"dictionary"`
}

// MinCornersFloor is the lowest correspondence count accepted for a PnP solve
const MinCornersFloor = 4

// InnerCorners returns the number of interior chessboard corners
func (b BoardGeometry) InnerCorners() int {
	if b.SquaresX < 2 || b.SquaresY < 2 {
		return 0
	}
	return (b.SquaresX - 1) * (b.SquaresY - 1)
}

// DefaultMinCorners returns a quarter of the inner corners, never below MinCornersFloor
func (b BoardGeometry) DefaultMinCorners() int {
	n := b.InnerCorners() / 4
	if n < MinCornersFloor {
		return MinCornersFloor
	}
	return n
}

// Validate checks that the geometry describes a usable board
func (b BoardGeometry) Validate() error {
	if b.SquaresX < 2 || b.SquaresY < 2 {
		return fmt.Errorf("board must have at least 2x2 squares, got %dx%d", b.SquaresX, b.SquaresY)
	}
	if b.SquareSize <= 0 {
		return fmt.Errorf("board squareSize must be positive")
	}
	if b.MarkerSize <= 0 || b.MarkerSize >= b.SquareSize {
		return fmt.Errorf("board markerSize must be positive and smaller than squareSize")
	}
	if b.Dictionary == "" {
		return fmt.Errorf("board dictionary is required")
	}
	return nil
}

// ReferenceSubmission is sent once per client when it finalizes scanning
type ReferenceSubmission struct {
	BoardPosition  Vector3    `json:"boardPosition"`
	BoardRotation  Quaternion `json:"boardRotation"`
	CameraPosition Vector3    `json:"cameraPosition"`
	CameraRotation Quaternion `json:"cameraRotation"`
	SubmitterID    string     `json:"submitterId"`
	SubmittedAt    int64      `json:"submittedAt,omitempty"`
	// SubmissionID is echoed in the offset or rejection so the client can
	// tell replies to this submission from stale retained ones.
	SubmissionID string `json:"submissionId,omitempty"`
}

// NewReferenceSubmission bundles a board and camera world pose for a submitter
func NewReferenceSubmission(submitterID string, board, camera WorldSpacePose) ReferenceSubmission {
	return ReferenceSubmission{
		BoardPosition:  NewVector3(board.Position),
		BoardRotation:  NewQuaternion(board.Rotation),
		CameraPosition: NewVector3(camera.Position),
		CameraRotation: NewQuaternion(camera.Rotation),
		SubmitterID:    submitterID,
		SubmittedAt:    time.Now().Unix(),
	}
}

// BoardPose returns the submitted board world pose
func (s ReferenceSubmission) BoardPose() Pose {
	return Pose{Position: s.BoardPosition.Vec(), Rotation: s.BoardRotation.Quat()}
}

// CameraPose returns the submitted camera world pose
func (s ReferenceSubmission) CameraPose() Pose {
	return Pose{Position: s.CameraPosition.Vec(), Rotation: s.CameraRotation.Quat()}
}

// CorrectionOffset is the rigid transform a client applies to its local root
type CorrectionOffset struct {
	PositionOffset Vector3    `json:"positionOffset"`
	RotationOffset Quaternion `json:"rotationOffset"`
	SubmitterID    string     `json:"submitterId,omitempty"`
	SessionID      string     `json:"sessionId,omitempty"`
	Authoritative  bool       `json:"authoritative"`
	Suspect        bool       `json:"suspect,omitempty"`
	ComputedAt     int64      `json:"computedAt,omitempty"`
	SubmissionID   string     `json:"submissionId,omitempty"`
}

// Rotation returns the rotation offset as a quat.Number
func (o CorrectionOffset) Rotation() quat.Number {
	return o.RotationOffset.Quat()
}

// Translation returns the position offset as an r3.Vec
func (o CorrectionOffset) Translation() r3.Vec {
	return o.PositionOffset.Vec()
}

// Rejection reasons carried by SubmissionRejection
const (
	RejectGarbage   = "garbage"
	RejectMalformed = "malformed"
)

// SubmissionRejection tells a submitter its submission was refused
type SubmissionRejection struct {
	SubmitterID  string `json:"submitterId"`
	SubmissionID string `json:"submissionId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	Reason       string `json:"reason"`
	Error        string `json:"error"`
}

// NewSubmissionRejection describes err, which must be a protocol error
func NewSubmissionRejection(submitterID, submissionID, sessionID string, err error) SubmissionRejection {
	reason := RejectMalformed
	if errors.Is(err, ErrGarbageSubmission) {
		reason = RejectGarbage
	}
	return SubmissionRejection{
		SubmitterID:  submitterID,
		SubmissionID: submissionID,
		SessionID:    sessionID,
		Reason:       reason,
		Error:        err.Error(),
	}
}

// Err rebuilds the rejection as an error matching the protocol sentinels
func (r SubmissionRejection) Err() error {
	sentinel := ErrMalformedSubmission
	if r.Reason == RejectGarbage {
		sentinel = ErrGarbageSubmission
	}
	return fmt.Errorf("coordinator rejected submission from %s: %s: %w", r.SubmitterID, r.Error, sentinel)
}

// CameraConfig holds physical camera intrinsics at full sensor resolution
type CameraConfig struct {
	Fx     float64 `yaml:"fx" json:"fx"`
	Fy     float64 `yaml:"fy" json:"fy"`
	Cx     float64 `yaml:"cx" json:"cx"`
	Cy     float64 `yaml:"cy" json:"cy"`
	Width  int     `yaml:"width" json:"width"`
	Height int     `yaml:"height" json:"height"`
}

// SessionConfig is the per-device tracking configuration, read-only for the core
type SessionConfig struct {
	Board             BoardGeometry `yaml:"board" json:"board"`
	Camera            CameraConfig  `yaml:"camera" json:"camera"`
	MinCorners        int           `yaml:"minCorners,omitempty" json:"minCorners,omitempty"`
	ResolutionDivider int           `yaml:"resolutionDivider,omitempty" json:"resolutionDivider,omitempty"`
	MinCornerSpreadPx float64       `yaml:"minCornerSpreadPx,omitempty" json:"minCornerSpreadPx,omitempty"`
}

// EffectiveMinCorners returns the configured minimum, the board default when
// unset, and never less than MinCornersFloor.
func (sc SessionConfig) EffectiveMinCorners() int {
	n := sc.MinCorners
	if n <= 0 {
		n = sc.Board.DefaultMinCorners()
	}
	if n < MinCornersFloor {
		n = MinCornersFloor
	}
	return n
}

// CoordinatorConfig holds plausibility thresholds for the reference coordinator
type CoordinatorConfig struct {
	MaxBoardDistance float64 `yaml:"maxBoardDistance,omitempty" json:"maxBoardDistance,omitempty"` // meters
}

// ClientConfig holds the client runtime settings
type ClientConfig struct {
	ID                  string        `yaml:"id,omitempty" json:"id,omitempty"`
	CoordinatorURL      string        `yaml:"coordinatorUrl,omitempty" json:"coordinatorUrl,omitempty"`
	StableCycles        int           `yaml:"stableCycles,omitempty" json:"stableCycles,omitempty"`
	MinResubmitInterval time.Duration `yaml:"minResubmitInterval,omitempty" json:"minResubmitInterval,omitempty"`
	CycleInterval       time.Duration `yaml:"cycleInterval,omitempty" json:"cycleInterval,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Config represents the full configuration file
type Config struct {
	MQTT        MQTTConfig        `yaml:"mqtt" json:"mqtt"`
	Session     SessionConfig     `yaml:"session" json:"session"`
	Coordinator CoordinatorConfig `yaml:"coordinator,omitempty" json:"coordinator,omitempty"`
	Client      ClientConfig      `yaml:"client,omitempty" json:"client,omitempty"`
}

// isFinite reports whether every value is neither NaN nor infinite
func isFinite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
