package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Transport labels recorded in ClientStatus
const (
	TransportMQTT = "mqtt"
	TransportHTTP = "http"
)

// CoordinatorService binds the reference coordinator to its transports. MQTT
// submissions arrive on the submit wildcard; HTTP submissions go through
// HandleSubmission directly.
type CoordinatorService struct {
	coordinator *ReferenceCoordinator
	state       *StateTracker
	mqtt        *MQTTClient
	publisher   *OffsetPublisher

	mu        sync.Mutex
	sub       *Subscription
	offsetSub *Subscription
	ctx       context.Context
}

// NewCoordinatorService wires a coordinator to a state tracker and an
// optional MQTT client (nil runs HTTP only).
func NewCoordinatorService(coord *ReferenceCoordinator, state *StateTracker, client *MQTTClient) *CoordinatorService {
	s := &CoordinatorService{
		coordinator: coord,
		state:       state,
		mqtt:        client,
		ctx:         context.Background(),
	}
	if client != nil {
		s.publisher = NewOffsetPublisher(client, client.Prefix())
	}
	return s
}

// Coordinator returns the wrapped coordinator
func (s *CoordinatorService) Coordinator() *ReferenceCoordinator {
	return s.coordinator
}

// State returns the client state tracker
func (s *CoordinatorService) State() *StateTracker {
	return s.state
}

// Start publishes the empty reference status, clears retained offsets left by
// earlier sessions and subscribes to submissions. Submissions handled by the
// subscription use ctx.
func (s *CoordinatorService) Start(ctx context.Context) error {
	if s.mqtt == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	s.ctx = ctx

	rec, established := s.coordinator.Reference()
	if !established {
		rec.SessionID = s.coordinator.SessionID()
	}
	if err := s.publisher.PublishReference(rec, established); err != nil {
		log.Printf("[COORD] failed to publish reference status: %v", err)
	}

	offsetSub, err := s.mqtt.Subscribe(OffsetWildcard(s.mqtt.Prefix()), 1, s.onOffsetMessage)
	if err != nil {
		return fmt.Errorf("coordinator subscribe: %w", err)
	}

	sub, err := s.mqtt.Subscribe(SubmitWildcard(s.mqtt.Prefix()), 1, s.onSubmitMessage)
	if err != nil {
		_ = offsetSub.Close()
		return fmt.Errorf("coordinator subscribe: %w", err)
	}
	s.sub = sub
	s.offsetSub = offsetSub
	log.Printf("[COORD] listening for submissions on %s (session %s)", sub.Topic(), s.coordinator.SessionID())
	return nil
}

// Stop closes the service's subscriptions
func (s *CoordinatorService) Stop() error {
	s.mu.Lock()
	sub, offsetSub := s.sub, s.offsetSub
	s.sub, s.offsetSub = nil, nil
	s.mu.Unlock()

	var errs []error
	for _, x := range []*Subscription{offsetSub, sub} {
		if x == nil {
			continue
		}
		if err := x.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// onOffsetMessage clears retained offsets computed by another session so a
// client never aligns to a reference this coordinator does not hold.
func (s *CoordinatorService) onOffsetMessage(_ mqtt.Client, msg mqtt.Message) {
	if len(msg.Payload()) == 0 {
		return
	}
	var offset CorrectionOffset
	if err := json.Unmarshal(msg.Payload(), &offset); err == nil && offset.SessionID == s.coordinator.SessionID() {
		return
	}
	log.Printf("[COORD] clearing stale offset on %s", msg.Topic())
	if err := s.publisher.ClearRetained(msg.Topic()); err != nil {
		log.Printf("[COORD] failed to clear %s: %v", msg.Topic(), err)
	}
}

// reject reports a refused MQTT submission back to its submitter
func (s *CoordinatorService) reject(topicID, submissionID string, err error) {
	rej := NewSubmissionRejection(topicID, submissionID, s.coordinator.SessionID(), err)
	if perr := s.publisher.PublishRejection(rej); perr != nil {
		log.Printf("[COORD] failed to report rejection to %s: %v", topicID, perr)
	}
}

func (s *CoordinatorService) onSubmitMessage(_ mqtt.Client, msg mqtt.Message) {
	topicID, ok := SubmitterFromTopic(s.mqtt.Prefix(), msg.Topic())
	if !ok {
		log.Printf("[COORD] ignoring message on unexpected topic %s", msg.Topic())
		return
	}

	var sub ReferenceSubmission
	if err := json.Unmarshal(msg.Payload(), &sub); err != nil {
		log.Printf("[COORD] invalid submission JSON from %s: %v", topicID, err)
		s.state.RecordRejection(topicID, err)
		s.reject(topicID, "", fmt.Errorf("invalid submission JSON: %v: %w", err, ErrMalformedSubmission))
		return
	}
	if sub.SubmitterID == "" {
		sub.SubmitterID = topicID
	}
	if sub.SubmitterID != topicID {
		err := fmt.Errorf("submitter %q published on topic of %q: %w", sub.SubmitterID, topicID, ErrMalformedSubmission)
		log.Printf("[COORD] %v", err)
		s.state.RecordRejection(topicID, err)
		s.reject(topicID, sub.SubmissionID, err)
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if _, err := s.HandleSubmission(ctx, sub, TransportMQTT); err != nil {
		log.Printf("[COORD] submission from %s failed: %v", topicID, err)
		if IsProtocolError(err) {
			s.reject(topicID, sub.SubmissionID, err)
		}
	}
}

// HandleSubmission runs a submission through the coordinator, records the
// result and, when MQTT is available, delivers the offset to the submitter.
func (s *CoordinatorService) HandleSubmission(ctx context.Context, sub ReferenceSubmission, transport string) (CorrectionOffset, error) {
	wasEstablished := s.coordinator.State() == CoordinatorEstablished

	offset, err := s.coordinator.Submit(ctx, sub)
	if err != nil {
		s.state.RecordRejection(sub.SubmitterID, err)
		return CorrectionOffset{}, err
	}
	s.state.RecordOffset(offset, transport)

	if s.publisher == nil {
		if transport == TransportHTTP {
			s.state.MarkDelivered(sub.SubmitterID)
		}
		return offset, nil
	}

	if !wasEstablished && offset.Authoritative {
		rec, _ := s.coordinator.Reference()
		if err := s.publisher.PublishReference(rec, true); err != nil {
			log.Printf("[COORD] failed to publish reference status: %v", err)
		}
	}

	if err := s.publisher.PublishOffset(offset); err != nil {
		if transport == TransportHTTP {
			// the HTTP response still carries the offset
			s.state.MarkDelivered(sub.SubmitterID)
			return offset, nil
		}
		return offset, fmt.Errorf("delivering offset to %s: %w", sub.SubmitterID, err)
	}
	s.state.MarkDelivered(sub.SubmitterID)
	return offset, nil
}

// IsProtocolError reports whether err is a rejected submission rather than an
// internal failure.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrGarbageSubmission) || errors.Is(err, ErrMalformedSubmission)
}
