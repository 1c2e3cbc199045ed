package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/kwv/boardmesh/mesh"
)

// maxSubmissionBytes bounds a POST /submit body
const maxSubmissionBytes = 64 << 10

// newHTTPServer creates an HTTP server with all coordinator endpoints
func newHTTPServer(service *mesh.CoordinatorService) http.Handler {
	mux := http.NewServeMux()
	coord := service.Coordinator()
	state := service.State()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			SessionID string    `json:"sessionId"`
			State     string    `json:"state"`
			Clients   int       `json:"clients"`
			Suspect   int       `json:"suspect"`
			Rejected  int       `json:"rejected"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			SessionID: coord.SessionID(),
			State:     coord.State().String(),
			Clients:   len(state.GetClients()),
			Suspect:   state.SuspectCount(),
			Rejected:  state.Rejected(),
		}
		writeJSON(w, http.StatusOK, status)
	})

	// Accepted reference
	mux.HandleFunc("/reference", func(w http.ResponseWriter, r *http.Request) {
		rec, ok := coord.Reference()
		if !ok {
			http.Error(w, "No reference established", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	// Per-client submission status
	mux.HandleFunc("/clients", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, state.GetClients())
	})

	// Reference submission; responds with the submitter's offset
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var sub mesh.ReferenceSubmission
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmissionBytes))
		if err := dec.Decode(&sub); err != nil {
			log.Printf("[HTTP] /submit: invalid JSON from %s: %v", r.RemoteAddr, err)
			http.Error(w, "Invalid submission JSON", http.StatusBadRequest)
			return
		}

		offset, err := service.HandleSubmission(r.Context(), sub, mesh.TransportHTTP)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, offset)
		case mesh.IsProtocolError(err):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, r.Context().Err()) && r.Context().Err() != nil:
			http.Error(w, "Request cancelled", http.StatusServiceUnavailable)
		default:
			log.Printf("[HTTP] /submit from %s failed: %v", sub.SubmitterID, err)
			http.Error(w, "Submission failed", http.StatusInternalServerError)
		}
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] error encoding response: %v", err)
	}
}
