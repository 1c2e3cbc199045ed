package mesh

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

// TrackingState is the per-device board tracking state
type TrackingState int

const (
	StateIdle TrackingState = iota
	StateSearching
	StateTracking
)

func (s TrackingState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateTracking:
		return "tracking"
	default:
		return fmt.Sprintf("TrackingState(%d)", int(s))
	}
}

// BoardAnchor exposes the current board and camera world poses of a tracking
// component without reaching into its internals.
type BoardAnchor interface {
	State() TrackingState
	BoardPose() (WorldSpacePose, bool)
	CameraPose() WorldSpacePose
}

// CycleResult summarizes one tracking cycle
type CycleResult struct {
	State           TrackingState
	HasPose         bool
	Correspondences int
	BoardPose       WorldSpacePose
	// ScaleDeviation is set when the composed board transform was not rigid.
	// The pose is still applied.
	ScaleDeviation bool
}

// TrackingSession runs the detect -> normalize -> compose pipeline for one
// device, one cycle at a time. Cycle must not be called concurrently; a
// re-entrant call fails with ErrCycleInFlight.
type TrackingSession struct {
	detector   Detector
	target     Node
	normalizer *PoseNormalizer
	intr       Intrinsics
	board      BoardGeometry
	minCorners int
	minSpread  float64

	// obs is reused every cycle and reset before detection.
	obs Observation

	mu         sync.RWMutex
	inFlight   bool
	state      TrackingState
	boardPose  WorldSpacePose
	hasPose    bool
	cameraPose WorldSpacePose
}

// NewTrackingSession creates a session in the Idle state.
// target receives the board world pose each cycle a pose is found.
func NewTrackingSession(detector Detector, target Node, cfg SessionConfig) (*TrackingSession, error) {
	if detector == nil {
		return nil, fmt.Errorf("tracking session: detector is nil")
	}
	if target == nil {
		return nil, fmt.Errorf("tracking session: %w", ErrNilTarget)
	}
	if err := cfg.Board.Validate(); err != nil {
		return nil, fmt.Errorf("tracking session: %w", err)
	}
	intr, err := NewIntrinsics(cfg.Camera, cfg.ResolutionDivider)
	if err != nil {
		return nil, fmt.Errorf("tracking session: %w", err)
	}

	minSpread := cfg.MinCornerSpreadPx
	if minSpread <= 0 {
		minSpread = DefaultMinCornerSpreadPx
	}

	return &TrackingSession{
		detector:   detector,
		target:     target,
		normalizer: NewPoseNormalizer(),
		intr:       intr,
		board:      cfg.Board,
		minCorners: cfg.EffectiveMinCorners(),
		minSpread:  minSpread,
		state:      StateIdle,
		cameraPose: IdentityPose(),
	}, nil
}

// Start moves an idle session to Searching. It is a no-op otherwise.
func (s *TrackingSession) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		s.state = StateSearching
		log.Printf("[TRACK] session started, searching for board (min corners %d)", s.minCorners)
	}
}

// Intrinsics returns the processing-resolution camera intrinsics
func (s *TrackingSession) Intrinsics() Intrinsics {
	return s.intr
}

// MinCorners returns the correspondence threshold in use
func (s *TrackingSession) MinCorners() int {
	return s.minCorners
}

// Normalizer returns the session's pose normalizer
func (s *TrackingSession) Normalizer() *PoseNormalizer {
	return s.normalizer
}

// Cycle runs one detection cycle on frame. Insufficient detections are not
// errors: the result reports HasPose false and the session returns to
// Searching. Errors are reserved for contract violations.
func (s *TrackingSession) Cycle(frame Frame) (CycleResult, error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return CycleResult{}, ErrCycleInFlight
	}
	if s.state == StateIdle {
		s.mu.Unlock()
		return CycleResult{State: StateIdle}, nil
	}
	s.inFlight = true
	s.cameraPose = frame.CameraPose
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	s.obs.Reset()
	s.obs.FrameSeq = frame.Seq

	if err := s.detector.Detect(frame, s.intr, s.board, &s.obs); err != nil {
		log.Printf("[TRACK] frame %d: detector error: %v", frame.Seq, err)
		return s.lose(), nil
	}

	n := s.obs.Correspondences()
	if n < s.minCorners || !s.obs.HasPose {
		return s.lose(), nil
	}
	if w, h := s.obs.CornerSpread(); w < s.minSpread || h < s.minSpread {
		log.Printf("[TRACK] frame %d: %d corners span only %.1fx%.1f px, ignoring", frame.Seq, n, w, h)
		return s.lose(), nil
	}

	camSpace, err := s.normalizer.Normalize(s.obs.RVec, s.obs.TVec)
	if err != nil {
		return s.lose(), fmt.Errorf("frame %d: %w", frame.Seq, err)
	}

	world := Compose(camSpace, frame.cameraTransform())
	scaleDeviation := false
	if err := Apply(world, s.target); err != nil {
		if !errors.Is(err, ErrScaleDeviation) {
			return s.lose(), fmt.Errorf("frame %d: %w", frame.Seq, err)
		}
		scaleDeviation = true
	}
	boardPose := s.target.LocalPose()

	s.mu.Lock()
	if s.state != StateTracking {
		log.Printf("[TRACK] frame %d: board acquired (%d corners)", frame.Seq, n)
	}
	s.state = StateTracking
	s.boardPose = boardPose
	s.hasPose = true
	s.mu.Unlock()

	return CycleResult{
		State:           StateTracking,
		HasPose:         true,
		Correspondences: n,
		BoardPose:       boardPose,
		ScaleDeviation:  scaleDeviation,
	}, nil
}

// lose marks the current cycle as having no valid pose
func (s *TrackingSession) lose() CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTracking {
		log.Printf("[TRACK] board lost, searching")
	}
	s.state = StateSearching
	s.hasPose = false
	return CycleResult{State: StateSearching, Correspondences: s.obs.Correspondences()}
}

// State returns the current tracking state
func (s *TrackingSession) State() TrackingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// HasPose reports whether the last cycle produced a valid board pose
func (s *TrackingSession) HasPose() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasPose
}

// BoardPose returns the board world pose from the last successful cycle
func (s *TrackingSession) BoardPose() (WorldSpacePose, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boardPose, s.hasPose
}

// CameraPose returns the camera world pose of the last cycle
func (s *TrackingSession) CameraPose() WorldSpacePose {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cameraPose
}

// Finalize bundles the current board and camera world poses into a
// submission. It fails with ErrNotTracking unless the session is tracking.
func (s *TrackingSession) Finalize(submitterID string) (ReferenceSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateTracking || !s.hasPose {
		return ReferenceSubmission{}, fmt.Errorf("finalize in state %s: %w", s.state, ErrNotTracking)
	}
	return NewReferenceSubmission(submitterID, s.boardPose, s.cameraPose), nil
}
