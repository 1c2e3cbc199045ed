package mesh

import (
	"sort"
	"sync"
	"time"
)

// ClientStatus is the coordinator's view of one submitting client
type ClientStatus struct {
	SubmitterID   string           `json:"submitterId"`
	LastSubmitted time.Time        `json:"lastSubmitted"`
	Submissions   int              `json:"submissions"`
	Offset        CorrectionOffset `json:"offset"`
	Authoritative bool             `json:"authoritative"`
	Suspect       bool             `json:"suspect"`
	Delivered     bool             `json:"delivered"`
	Transport     string           `json:"transport"`
	LastError     string           `json:"lastError,omitempty"`
}

// StateTracker tracks per-client submission status for HTTP endpoints
type StateTracker struct {
	mu       sync.RWMutex
	clients  map[string]*ClientStatus
	rejected int
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		clients: make(map[string]*ClientStatus),
	}
}

// RecordOffset stores the offset computed for a client's submission
func (st *StateTracker) RecordOffset(offset CorrectionOffset, transport string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cs := st.clients[offset.SubmitterID]
	if cs == nil {
		cs = &ClientStatus{SubmitterID: offset.SubmitterID}
		st.clients[offset.SubmitterID] = cs
	}
	cs.LastSubmitted = time.Now()
	cs.Submissions++
	cs.Offset = offset
	cs.Authoritative = offset.Authoritative
	cs.Suspect = offset.Suspect
	cs.Transport = transport
	cs.Delivered = false
	cs.LastError = ""
}

// MarkDelivered records that the client's offset reached the transport
func (st *StateTracker) MarkDelivered(submitterID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if cs := st.clients[submitterID]; cs != nil {
		cs.Delivered = true
	}
}

// RecordRejection counts a rejected submission. A known client keeps its
// previous offset and gets the error attached.
func (st *StateTracker) RecordRejection(submitterID string, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rejected++
	if cs := st.clients[submitterID]; cs != nil && err != nil {
		cs.LastError = err.Error()
	}
}

// Rejected returns the number of rejected submissions
func (st *StateTracker) Rejected() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.rejected
}

// GetClient returns a copy of one client's status
func (st *StateTracker) GetClient(submitterID string) (ClientStatus, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	cs, ok := st.clients[submitterID]
	if !ok {
		return ClientStatus{}, false
	}
	return *cs, true
}

// GetClients returns all client statuses sorted by submitter id
func (st *StateTracker) GetClients() []ClientStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make([]ClientStatus, 0, len(st.clients))
	for _, cs := range st.clients {
		result = append(result, *cs)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SubmitterID < result[j].SubmitterID
	})
	return result
}

// SuspectCount returns how many clients have a suspect submission on record
func (st *StateTracker) SuspectCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := 0
	for _, cs := range st.clients {
		if cs.Suspect {
			n++
		}
	}
	return n
}
