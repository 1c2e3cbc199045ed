package mesh

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultMaxBoardDistance is the camera-to-board distance, in meters, beyond
// which a submission is flagged as suspect.
const DefaultMaxBoardDistance = 5.0

// CoordinatorState is the reference coordinator's lifecycle state
type CoordinatorState int

const (
	CoordinatorEmpty CoordinatorState = iota
	CoordinatorEstablished
)

func (s CoordinatorState) String() string {
	if s == CoordinatorEstablished {
		return "established"
	}
	return "empty"
}

// ReferenceRecord describes the accepted reference for this session
type ReferenceRecord struct {
	SessionID     string              `json:"sessionId"`
	Authoritative string              `json:"authoritativeSubmitter"`
	EstablishedAt time.Time           `json:"establishedAt"`
	Submission    ReferenceSubmission `json:"submission"`
	Reference     PoseJSON            `json:"reference"`
}

// ReferenceCoordinator accepts the first valid board submission as the shared
// reference and derives a correction offset for every submitter.
type ReferenceCoordinator struct {
	sessionID        string
	maxBoardDistance float64

	mu        sync.Mutex
	state     CoordinatorState
	reference ReferenceRecord
	offsets   map[string]CorrectionOffset
}

// NewReferenceCoordinator creates an empty coordinator
func NewReferenceCoordinator(cfg CoordinatorConfig) *ReferenceCoordinator {
	maxDist := cfg.MaxBoardDistance
	if maxDist <= 0 {
		maxDist = DefaultMaxBoardDistance
	}
	return &ReferenceCoordinator{
		sessionID:        uuid.NewString(),
		maxBoardDistance: maxDist,
		offsets:          make(map[string]CorrectionOffset),
	}
}

// SessionID returns the coordinator's session identifier
func (c *ReferenceCoordinator) SessionID() string {
	return c.sessionID
}

// ComputeOffset returns the correction that maps board to the identity pose:
// rotation = inverse(boardRot), position = -(rotation * boardPos).
func ComputeOffset(board Pose) (r3.Vec, quat.Number) {
	rot := InverseRotation(board.Rotation)
	pos := r3.Scale(-1, RotateVec(rot, board.Position))
	return pos, rot
}

// ValidateSubmission checks a submission for protocol and contract violations
func ValidateSubmission(sub ReferenceSubmission) error {
	if sub.SubmitterID == "" {
		return fmt.Errorf("submitter id is empty: %w", ErrMalformedSubmission)
	}
	board := sub.BoardPose()
	cam := sub.CameraPose()
	if !isFinite(board.Position.X, board.Position.Y, board.Position.Z,
		board.Rotation.Real, board.Rotation.Imag, board.Rotation.Jmag, board.Rotation.Kmag,
		cam.Position.X, cam.Position.Y, cam.Position.Z,
		cam.Rotation.Real, cam.Rotation.Imag, cam.Rotation.Jmag, cam.Rotation.Kmag) {
		return fmt.Errorf("submission from %s is not finite: %w", sub.SubmitterID, ErrMalformedSubmission)
	}
	if quat.Abs(board.Rotation) < 1e-9 {
		return fmt.Errorf("board rotation from %s is the zero quaternion: %w", sub.SubmitterID, ErrMalformedSubmission)
	}
	if IsIdentityPose(board) {
		return fmt.Errorf("submission from %s: %w", sub.SubmitterID, ErrGarbageSubmission)
	}
	return nil
}

// Submit validates a submission, establishes the reference if none exists
// yet, and returns the submitter's correction offset. Only the state
// transition runs under the lock; the offset is a pure function of the
// submitter's own board pose, so resubmitting is safe.
func (c *ReferenceCoordinator) Submit(ctx context.Context, sub ReferenceSubmission) (CorrectionOffset, error) {
	if err := ValidateSubmission(sub); err != nil {
		log.Printf("[COORD] rejected submission: %v", err)
		return CorrectionOffset{}, err
	}
	if err := ctx.Err(); err != nil {
		return CorrectionOffset{}, fmt.Errorf("submit from %s: %w", sub.SubmitterID, err)
	}

	board := sub.BoardPose()
	board.Rotation = NormalizeQuat(board.Rotation)
	pos, rot := ComputeOffset(board)
	suspect := c.plausibility(sub)

	offset := CorrectionOffset{
		PositionOffset: NewVector3(pos),
		RotationOffset: NewQuaternion(rot),
		SubmitterID:    sub.SubmitterID,
		SessionID:      c.sessionID,
		Suspect:        suspect != "",
		ComputedAt:     time.Now().Unix(),
		SubmissionID:   sub.SubmissionID,
	}

	c.mu.Lock()
	won := c.state == CoordinatorEmpty
	if won {
		c.state = CoordinatorEstablished
		c.reference = ReferenceRecord{
			SessionID:     c.sessionID,
			Authoritative: sub.SubmitterID,
			EstablishedAt: time.Now(),
			Submission:    sub,
			Reference:     NewPoseJSON(IdentityPose()),
		}
	}
	offset.Authoritative = c.reference.Authoritative == sub.SubmitterID
	c.offsets[sub.SubmitterID] = offset
	c.mu.Unlock()

	if won {
		log.Printf("[COORD] reference established by %s (session %s)", sub.SubmitterID, c.sessionID)
	}
	if suspect != "" {
		log.Printf("[COORD] warning: submission from %s looks misconfigured: %s", sub.SubmitterID, suspect)
	}
	log.Printf("[COORD] offset for %s: pos(%.3f, %.3f, %.3f) authoritative=%v",
		sub.SubmitterID, pos.X, pos.Y, pos.Z, offset.Authoritative)

	return offset, nil
}

// plausibility returns a reason when the camera-to-board geometry of a
// submission is implausible for a real detection, or "" when it looks fine.
func (c *ReferenceCoordinator) plausibility(sub ReferenceSubmission) string {
	cam := sub.CameraPose()
	rel := r3.Sub(sub.BoardPosition.Vec(), cam.Position)
	dist := r3.Norm(rel)
	if dist > c.maxBoardDistance {
		return fmt.Sprintf("board is %.2fm from camera (max %.2fm)", dist, c.maxBoardDistance)
	}
	// Camera looks down its local +Z in the left-handed convention.
	inCam := RotateVec(InverseRotation(cam.Rotation), rel)
	if inCam.Z < 0 {
		return "board is behind the camera"
	}
	return ""
}

// State returns the coordinator state
func (c *ReferenceCoordinator) State() CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reference returns the accepted reference, if established
func (c *ReferenceCoordinator) Reference() (ReferenceRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reference, c.state == CoordinatorEstablished
}

// Offset returns the last offset computed for a submitter
func (c *ReferenceCoordinator) Offset(submitterID string) (CorrectionOffset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.offsets[submitterID]
	return o, ok
}

// Offsets returns a copy of all computed offsets keyed by submitter
func (c *ReferenceCoordinator) Offsets() map[string]CorrectionOffset {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]CorrectionOffset, len(c.offsets))
	for k, v := range c.offsets {
		out[k] = v
	}
	return out
}
