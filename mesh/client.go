package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// FrameSource yields frames for a client's tracking loop
type FrameSource interface {
	Next() (Frame, bool)
}

// ColocationClient runs one device's side of colocation: it tracks the board,
// submits the board pose once tracking has been stable, and aligns its root to
// the shared frame when the correction offset arrives.
//
// The board node must be parented under root so that aligning root moves the
// tracked board along with everything else.
type ColocationClient struct {
	id       string
	session  *TrackingSession
	board    Node
	root     Node
	aligner  *ClientAligner
	ready    *Readiness
	mqtt     *MQTTClient
	url      string
	httpOpts []SubmitOption

	stableCycles int
	minResubmit  time.Duration
	interval     time.Duration
	now          func() time.Time

	mu         sync.Mutex
	stable     int
	lastSubmit time.Time
	submits    int
	offsetSub  *Subscription
	rejectSub  *Subscription
	// sent holds the ids of submissions made by this run; only replies to
	// them are acted on.
	sent map[string]struct{}
}

// NewColocationClient creates a client. Exactly one transport is used: MQTT
// when mqttClient is non-nil, otherwise HTTP to cfg.CoordinatorURL.
func NewColocationClient(id string, session *TrackingSession, board, root Node, cfg ClientConfig, mqttClient *MQTTClient) (*ColocationClient, error) {
	if id == "" {
		return nil, fmt.Errorf("colocation client: id is required")
	}
	if session == nil {
		return nil, fmt.Errorf("colocation client: session is nil")
	}
	if board == nil || root == nil {
		return nil, fmt.Errorf("colocation client: %w", ErrNilTarget)
	}
	if mqttClient == nil && cfg.CoordinatorURL == "" {
		return nil, fmt.Errorf("colocation client: no MQTT broker or coordinator URL configured")
	}

	stable := cfg.StableCycles
	if stable <= 0 {
		stable = DefaultStableCycles
	}
	resubmit := cfg.MinResubmitInterval
	if resubmit <= 0 {
		resubmit = DefaultMinResubmitInterval
	}
	interval := cfg.CycleInterval
	if interval <= 0 {
		interval = DefaultCycleInterval
	}

	return &ColocationClient{
		id:           id,
		session:      session,
		board:        board,
		root:         root,
		aligner:      NewClientAligner(root),
		ready:        NewReadiness(),
		mqtt:         mqttClient,
		url:          cfg.CoordinatorURL,
		stableCycles: stable,
		minResubmit:  resubmit,
		interval:     interval,
		now:          time.Now,
		sent:         make(map[string]struct{}),
	}, nil
}

// SetHTTPOptions sets the options used for HTTP submissions
func (c *ColocationClient) SetHTTPOptions(opts ...SubmitOption) {
	c.httpOpts = opts
}

// ID returns the submitter id
func (c *ColocationClient) ID() string {
	return c.id
}

// Aligner returns the client's root aligner
func (c *ColocationClient) Aligner() *ClientAligner {
	return c.aligner
}

// Readiness becomes Ready once the offset is applied, Failed if the
// coordinator rejects the submission.
func (c *ColocationClient) Readiness() *Readiness {
	return c.ready
}

// Start begins searching for the board and, over MQTT, subscribes to this
// client's offset and rejection topics.
func (c *ColocationClient) Start() error {
	c.session.Start()
	if c.mqtt == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offsetSub != nil {
		return nil
	}
	rejectSub, err := c.mqtt.Subscribe(RejectedTopic(c.mqtt.Prefix(), c.id), 1, c.onRejectedMessage)
	if err != nil {
		return fmt.Errorf("colocation client: %w", err)
	}
	offsetSub, err := c.mqtt.Subscribe(OffsetTopic(c.mqtt.Prefix(), c.id), 1, c.onOffsetMessage)
	if err != nil {
		_ = rejectSub.Close()
		return fmt.Errorf("colocation client: %w", err)
	}
	c.offsetSub = offsetSub
	c.rejectSub = rejectSub
	return nil
}

// Close releases the client's subscriptions
func (c *ColocationClient) Close() error {
	c.mu.Lock()
	offsetSub, rejectSub := c.offsetSub, c.rejectSub
	c.offsetSub, c.rejectSub = nil, nil
	c.mu.Unlock()

	var errs []error
	for _, sub := range []*Subscription{offsetSub, rejectSub} {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Step runs one tracking cycle and submits when tracking has been stable for
// long enough and no offset has been applied yet.
func (c *ColocationClient) Step(ctx context.Context, frame Frame) (CycleResult, error) {
	res, err := c.session.Cycle(frame)
	if err != nil {
		return res, err
	}

	c.mu.Lock()
	if res.HasPose {
		c.stable++
	} else {
		c.stable = 0
	}
	due := c.stable >= c.stableCycles &&
		!c.aligner.Aligned() &&
		c.ready.State() != Failed &&
		(c.lastSubmit.IsZero() || c.now().Sub(c.lastSubmit) >= c.minResubmit)
	c.mu.Unlock()

	if due {
		if err := c.Submit(ctx); err != nil {
			log.Printf("[CLIENT] %s: submission failed: %v", c.id, err)
		}
	}
	return res, nil
}

// Submit finalizes the session and sends the submission. Over HTTP the offset
// comes back in the response and is applied immediately.
func (c *ColocationClient) Submit(ctx context.Context) error {
	sub, err := c.session.Finalize(c.id)
	if err != nil {
		return err
	}

	sub.SubmissionID = uuid.NewString()

	c.mu.Lock()
	c.lastSubmit = c.now()
	c.submits++
	c.sent[sub.SubmissionID] = struct{}{}
	c.mu.Unlock()

	if c.mqtt != nil {
		payload, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("marshaling submission: %w", err)
		}
		log.Printf("[CLIENT] %s: submitting board pose over MQTT", c.id)
		return c.mqtt.Publish(SubmitTopic(c.mqtt.Prefix(), c.id), 1, false, payload)
	}

	log.Printf("[CLIENT] %s: submitting board pose to %s", c.id, c.url)
	offset, err := SubmitToCoordinator(ctx, c.url, sub, c.httpOpts...)
	if err != nil {
		if IsProtocolError(err) {
			c.ready.MarkFailed(err)
		}
		return err
	}
	return c.applyOffset(offset)
}

// awaiting reports whether submissionID belongs to a submission this run sent.
// An empty id matches once anything has been sent.
func (c *ColocationClient) awaiting(submissionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if submissionID == "" {
		return len(c.sent) > 0
	}
	_, ok := c.sent[submissionID]
	return ok
}

func (c *ColocationClient) onOffsetMessage(_ mqtt.Client, msg mqtt.Message) {
	if len(msg.Payload()) == 0 {
		return
	}
	var offset CorrectionOffset
	if err := json.Unmarshal(msg.Payload(), &offset); err != nil {
		log.Printf("[CLIENT] %s: invalid offset JSON: %v", c.id, err)
		return
	}
	if offset.SubmitterID != "" && offset.SubmitterID != c.id {
		log.Printf("[CLIENT] %s: ignoring offset addressed to %s", c.id, offset.SubmitterID)
		return
	}
	if offset.SubmissionID == "" || !c.awaiting(offset.SubmissionID) {
		log.Printf("[CLIENT] %s: ignoring offset for a submission this run did not send (session %s)", c.id, offset.SessionID)
		return
	}
	if err := c.applyOffset(offset); err != nil {
		log.Printf("[CLIENT] %s: %v", c.id, err)
	}
}

func (c *ColocationClient) onRejectedMessage(_ mqtt.Client, msg mqtt.Message) {
	var rej SubmissionRejection
	if err := json.Unmarshal(msg.Payload(), &rej); err != nil {
		log.Printf("[CLIENT] %s: invalid rejection JSON: %v", c.id, err)
		return
	}
	if rej.SubmitterID != c.id || !c.awaiting(rej.SubmissionID) {
		return
	}
	err := rej.Err()
	log.Printf("[CLIENT] %s: %v", c.id, err)
	c.ready.MarkFailed(err)
}

func (c *ColocationClient) applyOffset(offset CorrectionOffset) error {
	err := c.aligner.ApplyOffset(offset)
	if errors.Is(err, ErrAlreadyAligned) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("applying offset: %w", err)
	}
	if offset.Suspect {
		log.Printf("[CLIENT] %s: warning: coordinator flagged this submission as suspect", c.id)
	}
	c.ready.MarkReady()
	return nil
}

// Submits returns how many submissions have been sent
func (c *ColocationClient) Submits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits
}

// AlignedBoardPose returns the tracked board pose expressed in the shared
// frame. Once aligned it is close to identity.
func (c *ColocationClient) AlignedBoardPose() (Pose, bool) {
	board, ok := c.session.BoardPose()
	if !ok {
		board = c.board.LocalPose()
	}
	offset, aligned := c.aligner.Offset()
	if !aligned {
		return board, false
	}
	return AlignPose(board, offset), true
}

// Run feeds frames from src through Step, paced by the cycle interval, until
// the client is aligned, the source runs out or ctx is done.
func (c *ColocationClient) Run(ctx context.Context, src FrameSource) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if c.aligner.Aligned() {
			return nil
		}
		if c.ready.State() == Failed {
			return c.ready.Err()
		}

		frame, ok := src.Next()
		if !ok {
			return fmt.Errorf("frame source exhausted before alignment (state %s)", c.session.State())
		}
		if _, err := c.Step(ctx, frame); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
