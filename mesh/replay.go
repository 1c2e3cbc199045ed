package mesh

import (
	"fmt"
	"os"
	"sync"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"
)

// Recording is a captured sequence of detector outputs
type Recording struct {
	Board  BoardGeometry   `yaml:"board,omitempty"`
	Frames []RecordedFrame `yaml:"frames"`
}

// RecordedFrame is one frame of a Recording. Corners are [x, y] pixel pairs.
// A frame without rvec/tvec had no PnP solution.
type RecordedFrame struct {
	Corners [][]float64 `yaml:"corners,omitempty"`
	RVec    []float64   `yaml:"rvec,omitempty"`
	TVec    []float64   `yaml:"tvec,omitempty"`
	Camera  PoseJSON    `yaml:"camera"`
	Repeat  int         `yaml:"repeat,omitempty"`
}

// LoadRecording reads and validates a YAML recording
func LoadRecording(path string) (*Recording, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recording: %w", err)
	}
	return ParseRecording(data)
}

// ParseRecording parses and validates a YAML recording
func ParseRecording(data []byte) (*Recording, error) {
	var rec Recording
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing recording YAML: %w", err)
	}
	if len(rec.Frames) == 0 {
		return nil, fmt.Errorf("recording has no frames")
	}
	for i, f := range rec.Frames {
		for j, c := range f.Corners {
			if len(c) != 2 {
				return nil, fmt.Errorf("frame %d corner %d: want [x, y], got %d values", i, j, len(c))
			}
		}
		hasR, hasT := len(f.RVec) > 0, len(f.TVec) > 0
		if hasR != hasT {
			return nil, fmt.Errorf("frame %d: rvec and tvec must both be present or both absent", i)
		}
	}
	return &rec, nil
}

// ReplayDetector plays back a Recording. It is both the frame source and the
// Detector for a tracking session, so the client pipeline runs without a camera.
type ReplayDetector struct {
	frames []RecordedFrame

	mu   sync.Mutex
	next uint64
}

// NewReplayDetector expands repeated frames of rec into a playback sequence
func NewReplayDetector(rec *Recording) *ReplayDetector {
	var frames []RecordedFrame
	for _, f := range rec.Frames {
		n := f.Repeat
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			frames = append(frames, f)
		}
	}
	return &ReplayDetector{frames: frames}
}

// Len returns the number of frames in the playback sequence
func (r *ReplayDetector) Len() int {
	return len(r.frames)
}

// Next returns the next frame to feed to the session, or false at the end
func (r *ReplayDetector) Next() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= uint64(len(r.frames)) {
		return Frame{}, false
	}
	seq := r.next
	r.next++
	return Frame{Seq: seq, CameraPose: r.frames[seq].Camera.Pose()}, true
}

// Rewind restarts playback from the first frame
func (r *ReplayDetector) Rewind() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
}

// Detect fills obs with the recorded output for frame.Seq
func (r *ReplayDetector) Detect(frame Frame, _ Intrinsics, _ BoardGeometry, obs *Observation) error {
	if frame.Seq >= uint64(len(r.frames)) {
		return fmt.Errorf("replay: frame %d out of range (%d frames)", frame.Seq, len(r.frames))
	}
	f := r.frames[frame.Seq]
	for _, c := range f.Corners {
		obs.Corners = append(obs.Corners, orb.Point{c[0], c[1]})
	}
	if len(f.RVec) > 0 {
		obs.RVec = append(obs.RVec, f.RVec...)
		obs.TVec = append(obs.TVec, f.TVec...)
		obs.HasPose = true
	}
	return nil
}
