package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// ReferenceStatus is the retained message on the reference topic. Late
// joiners read it to learn that a reference exists before they submit.
type ReferenceStatus struct {
	Established   bool     `json:"established"`
	SessionID     string   `json:"sessionId"`
	Authoritative string   `json:"authoritativeSubmitter,omitempty"`
	EstablishedAt int64    `json:"establishedAt,omitempty"`
	Reference     PoseJSON `json:"reference"`
}

// Publisher is the MQTT transport the offset publisher writes through
type Publisher interface {
	Publish(topic string, qos byte, retain bool, payload []byte) error
}

// OffsetPublisher delivers correction offsets point-to-point and keeps the
// reference status retained on the broker.
type OffsetPublisher struct {
	client Publisher
	prefix string
	qos    byte

	mu        sync.RWMutex
	delivered map[string]CorrectionOffset
}

// NewOffsetPublisher creates a publisher writing under prefix
func NewOffsetPublisher(client Publisher, prefix string) *OffsetPublisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return &OffsetPublisher{
		client:    client,
		prefix:    prefix,
		qos:       1,
		delivered: make(map[string]CorrectionOffset),
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *OffsetPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// PublishOffset sends offset only to its submitter's topic. The message is
// retained so a client that reconnects before reading it still receives it.
func (p *OffsetPublisher) PublishOffset(offset CorrectionOffset) error {
	if p.client == nil {
		return fmt.Errorf("offset publisher has no MQTT client")
	}
	if offset.SubmitterID == "" {
		return fmt.Errorf("offset without submitter id: %w", ErrMalformedSubmission)
	}

	payload, err := json.Marshal(offset)
	if err != nil {
		return fmt.Errorf("marshaling offset: %w", err)
	}

	topic := OffsetTopic(p.prefix, offset.SubmitterID)
	if err := p.client.Publish(topic, p.qos, true, payload); err != nil {
		return err
	}

	p.mu.Lock()
	p.delivered[offset.SubmitterID] = offset
	p.mu.Unlock()

	log.Printf("[MQTT] published offset for %s to %s", offset.SubmitterID, topic)
	return nil
}

// PublishRejection tells a submitter its submission was refused. Rejections
// are not retained.
func (p *OffsetPublisher) PublishRejection(rej SubmissionRejection) error {
	if p.client == nil {
		return fmt.Errorf("offset publisher has no MQTT client")
	}
	if rej.SubmitterID == "" {
		return fmt.Errorf("rejection without submitter id: %w", ErrMalformedSubmission)
	}

	payload, err := json.Marshal(rej)
	if err != nil {
		return fmt.Errorf("marshaling rejection: %w", err)
	}
	topic := RejectedTopic(p.prefix, rej.SubmitterID)
	if err := p.client.Publish(topic, p.qos, false, payload); err != nil {
		return err
	}
	log.Printf("[MQTT] published %s rejection for %s to %s", rej.Reason, rej.SubmitterID, topic)
	return nil
}

// ClearRetained removes the retained message on topic
func (p *OffsetPublisher) ClearRetained(topic string) error {
	if p.client == nil {
		return fmt.Errorf("offset publisher has no MQTT client")
	}
	return p.client.Publish(topic, p.qos, true, []byte{})
}

// PublishReference publishes the retained reference status
func (p *OffsetPublisher) PublishReference(rec ReferenceRecord, established bool) error {
	if p.client == nil {
		return fmt.Errorf("offset publisher has no MQTT client")
	}

	status := ReferenceStatus{
		Established: established,
		SessionID:   rec.SessionID,
		Reference:   NewPoseJSON(IdentityPose()),
	}
	if established {
		status.Authoritative = rec.Authoritative
		status.EstablishedAt = rec.EstablishedAt.Unix()
	}

	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshaling reference status: %w", err)
	}
	return p.client.Publish(ReferenceTopic(p.prefix), p.qos, true, payload)
}

// Delivered returns the last offset published for a submitter
func (p *OffsetPublisher) Delivered(submitterID string) (CorrectionOffset, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.delivered[submitterID]
	return o, ok
}

// DeliveredCount returns how many submitters have been sent an offset
func (p *OffsetPublisher) DeliveredCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.delivered)
}
