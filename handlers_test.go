package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kwv/boardmesh/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// httpOnlyService returns a coordinator service with no MQTT transport
func httpOnlyService() *mesh.CoordinatorService {
	return mesh.NewCoordinatorService(
		mesh.NewReferenceCoordinator(mesh.CoordinatorConfig{}),
		mesh.NewStateTracker(),
		nil,
	)
}

// submissionJSON encodes a submission with the camera one meter behind the board
func submissionJSON(t *testing.T, id string, board r3.Vec) []byte {
	t.Helper()
	sub := mesh.NewReferenceSubmission(id,
		mesh.Pose{Position: board, Rotation: mesh.IdentityQuat()},
		mesh.Pose{Position: r3.Sub(board, r3.Vec{Z: 1}), Rotation: mesh.IdentityQuat()},
	)
	data, err := json.Marshal(sub)
	if err != nil {
		t.Fatalf("marshal submission: %v", err)
	}
	return data
}

func postSubmit(handler http.Handler, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// /health
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	svc := httpOnlyService()
	handler := newHTTPServer(svc)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body struct {
		Status    string `json:"status"`
		SessionID string `json:"sessionId"`
		State     string `json:"state"`
		Clients   int    `json:"clients"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.SessionID != svc.Coordinator().SessionID() {
		t.Errorf("sessionId = %q, want %q", body.SessionID, svc.Coordinator().SessionID())
	}
	if body.State != mesh.CoordinatorEmpty.String() {
		t.Errorf("state = %q, want %q", body.State, mesh.CoordinatorEmpty.String())
	}
	if body.Clients != 0 {
		t.Errorf("clients = %d, want 0", body.Clients)
	}
}

// ---------------------------------------------------------------------------
// /reference
// ---------------------------------------------------------------------------

func TestReferenceEndpoint(t *testing.T) {
	svc := httpOnlyService()
	handler := newHTTPServer(svc)

	req := httptest.NewRequest(http.MethodGet, "/reference", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status before any submission = %d, want 404", rec.Code)
	}

	if res := postSubmit(handler, submissionJSON(t, "a", r3.Vec{X: 1, Z: 2})); res.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %s", res.Code, res.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reference", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got mesh.ReferenceRecord
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Authoritative != "a" {
		t.Errorf("authoritative = %q, want a", got.Authoritative)
	}
	if got.Reference != mesh.NewPoseJSON(mesh.IdentityPose()) {
		t.Errorf("reference = %+v, want identity", got.Reference)
	}
}

// ---------------------------------------------------------------------------
// /submit
// ---------------------------------------------------------------------------

func TestSubmitEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       []byte
		wantStatus int
		wantBody   string
	}{
		{
			name:       "valid submission",
			method:     http.MethodPost,
			body:       submissionJSON(t, "a", r3.Vec{X: 1, Z: 2}),
			wantStatus: http.StatusOK,
			wantBody:   `"positionOffset"`,
		},
		{
			name:       "wrong method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "invalid json",
			method:     http.MethodPost,
			body:       []byte("{nope"),
			wantStatus: http.StatusBadRequest,
			wantBody:   "Invalid submission JSON",
		},
		{
			name:       "identity board",
			method:     http.MethodPost,
			body:       submissionJSON(t, "a", r3.Vec{}),
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   mesh.ErrGarbageSubmission.Error(),
		},
		{
			name:       "missing submitter",
			method:     http.MethodPost,
			body:       submissionJSON(t, "", r3.Vec{X: 1}),
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   mesh.ErrMalformedSubmission.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newHTTPServer(httpOnlyService())
			req := httptest.NewRequest(tt.method, "/submit", bytes.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestSubmitEndpoint_AllowHeader(t *testing.T) {
	handler := newHTTPServer(httpOnlyService())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/submit", nil))
	if got := rec.Header().Get("Allow"); got != http.MethodPost {
		t.Errorf("Allow = %q, want POST", got)
	}
}

func TestSubmitEndpoint_OffsetAligns(t *testing.T) {
	handler := newHTTPServer(httpOnlyService())
	board := mesh.Pose{Position: r3.Vec{X: -0.4, Y: 1.1, Z: 2.5}, Rotation: mesh.IdentityQuat()}

	rec := postSubmit(handler, submissionJSON(t, "a", board.Position))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var off mesh.CorrectionOffset
	if err := json.NewDecoder(rec.Body).Decode(&off); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !off.Authoritative {
		t.Error("first submission should be authoritative")
	}

	aligned := mesh.AlignPose(board, off)
	if d := r3.Norm(aligned.Position); d > 1e-9 {
		t.Errorf("aligned board is %g from the shared origin", d)
	}
}

// ---------------------------------------------------------------------------
// /clients
// ---------------------------------------------------------------------------

func TestClientsEndpoint(t *testing.T) {
	svc := httpOnlyService()
	handler := newHTTPServer(svc)

	postSubmit(handler, submissionJSON(t, "b", r3.Vec{X: 1}))
	postSubmit(handler, submissionJSON(t, "a", r3.Vec{Y: 1, Z: 1}))
	postSubmit(handler, submissionJSON(t, "c", r3.Vec{}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/clients", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var clients []mesh.ClientStatus
	if err := json.NewDecoder(rec.Body).Decode(&clients); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("got %d clients, want 2 (rejected submitter is not listed)", len(clients))
	}
	if clients[0].SubmitterID != "a" || clients[1].SubmitterID != "b" {
		t.Errorf("clients not sorted: %q, %q", clients[0].SubmitterID, clients[1].SubmitterID)
	}
	if !clients[1].Authoritative {
		t.Error("b submitted first and should be authoritative")
	}
	for _, cs := range clients {
		if !cs.Delivered || cs.Transport != mesh.TransportHTTP {
			t.Errorf("client %s: delivered=%v transport=%q", cs.SubmitterID, cs.Delivered, cs.Transport)
		}
	}
	if svc.State().Rejected() != 1 {
		t.Errorf("rejected = %d, want 1", svc.State().Rejected())
	}
}
