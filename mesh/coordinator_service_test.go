package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func startService(t *testing.T, mock *MockClient) *CoordinatorService {
	t.Helper()
	svc := NewCoordinatorService(
		NewReferenceCoordinator(CoordinatorConfig{}),
		NewStateTracker(),
		NewMQTTClientFrom(mock, "lab"),
	)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func publishSubmission(t *testing.T, mock *MockClient, topicID string, sub ReferenceSubmission) {
	t.Helper()
	payload, err := json.Marshal(sub)
	require.NoError(t, err)
	mock.Publish(SubmitTopic("lab", topicID), 1, false, payload)
}

func retainedStatus(t *testing.T, mock *MockClient) ReferenceStatus {
	t.Helper()
	payload, ok := mock.Retained("lab/reference")
	require.True(t, ok, "reference status not retained")
	var status ReferenceStatus
	require.NoError(t, json.Unmarshal(payload, &status))
	return status
}

func TestCoordinatorService_StartPublishesEmptyStatus(t *testing.T) {
	mock := connectedMock()
	svc := startService(t, mock)

	status := retainedStatus(t, mock)
	assert.False(t, status.Established)
	assert.Equal(t, svc.Coordinator().SessionID(), status.SessionID)
	assert.True(t, mock.HasSubscription("lab/submit/+"))

	require.NoError(t, svc.Start(context.Background()), "second start is a no-op")
	require.NoError(t, svc.Stop())
	assert.False(t, mock.HasSubscription("lab/submit/+"))
	require.NoError(t, svc.Stop())
}

func TestCoordinatorService_MQTTRoundTrip(t *testing.T) {
	mock := connectedMock()
	svc := startService(t, mock)

	boardA := Pose{Position: r3.Vec{X: 1, Z: 2}, Rotation: IdentityQuat()}
	publishSubmission(t, mock, "a", submissionFor("a", boardA))

	status := retainedStatus(t, mock)
	assert.True(t, status.Established)
	assert.Equal(t, "a", status.Authoritative)

	msgs := mock.MessagesOn("lab/offset/a")
	require.Len(t, msgs, 1)
	var offA CorrectionOffset
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &offA))
	assert.True(t, offA.Authoritative)
	assertAligns(t, boardA, offA, 1e-9)

	boardB := Pose{Position: r3.Vec{Y: 1, Z: 3}, Rotation: axisAngle(r3.Vec{Y: 1}, 0.4)}
	publishSubmission(t, mock, "b", submissionFor("b", boardB))

	msgs = mock.MessagesOn("lab/offset/b")
	require.Len(t, msgs, 1)
	var offB CorrectionOffset
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &offB))
	assert.False(t, offB.Authoritative)
	assertAligns(t, boardB, offB, 1e-9)

	assert.Len(t, mock.MessagesOn("lab/offset/a"), 1, "offsets are point-to-point")
	assert.Equal(t, "a", retainedStatus(t, mock).Authoritative)

	clients := svc.State().GetClients()
	require.Len(t, clients, 2)
	for _, cs := range clients {
		assert.True(t, cs.Delivered, cs.SubmitterID)
		assert.Equal(t, TransportMQTT, cs.Transport)
	}
}

func TestCoordinatorService_FillsSubmitterFromTopic(t *testing.T) {
	mock := connectedMock()
	svc := startService(t, mock)

	sub := submissionFor("", Pose{Position: r3.Vec{X: 1}, Rotation: IdentityQuat()})
	publishSubmission(t, mock, "anon", sub)

	_, ok := svc.Coordinator().Offset("anon")
	assert.True(t, ok)
	assert.Len(t, mock.MessagesOn("lab/offset/anon"), 1)
}

func TestCoordinatorService_RejectsBadMessages(t *testing.T) {
	tests := []struct {
		name             string
		publish          func(*testing.T, *MockClient)
		wantReason       string
		wantSubmissionID string
	}{
		{
			name: "invalid json",
			publish: func(_ *testing.T, mock *MockClient) {
				mock.Publish("lab/submit/a", 1, false, []byte("{not json"))
			},
			wantReason: RejectMalformed,
		},
		{
			name: "id does not match topic",
			publish: func(t *testing.T, mock *MockClient) {
				sub := submissionFor("mallory", Pose{Position: r3.Vec{X: 1}, Rotation: IdentityQuat()})
				sub.SubmissionID = "sub-2"
				publishSubmission(t, mock, "a", sub)
			},
			wantReason:       RejectMalformed,
			wantSubmissionID: "sub-2",
		},
		{
			name: "garbage pose",
			publish: func(t *testing.T, mock *MockClient) {
				sub := NewReferenceSubmission("a", IdentityPose(), IdentityPose())
				sub.SubmissionID = "sub-1"
				publishSubmission(t, mock, "a", sub)
			},
			wantReason:       RejectGarbage,
			wantSubmissionID: "sub-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := connectedMock()
			svc := startService(t, mock)

			tt.publish(t, mock)

			assert.Equal(t, 1, svc.State().Rejected())
			assert.Equal(t, CoordinatorEmpty, svc.Coordinator().State())
			assert.Empty(t, mock.MessagesOn("lab/offset/a"))
			assert.False(t, retainedStatus(t, mock).Established)

			msgs := mock.MessagesOn("lab/rejected/a")
			require.Len(t, msgs, 1, "the submitter is told about the rejection")
			assert.False(t, msgs[0].Retain)
			var rej SubmissionRejection
			require.NoError(t, json.Unmarshal(msgs[0].Payload, &rej))
			assert.Equal(t, "a", rej.SubmitterID)
			assert.Equal(t, tt.wantReason, rej.Reason)
			assert.Equal(t, tt.wantSubmissionID, rej.SubmissionID)
			assert.Equal(t, svc.Coordinator().SessionID(), rej.SessionID)
			assert.True(t, IsProtocolError(rej.Err()))
		})
	}
}

func TestCoordinatorService_EchoesSubmissionID(t *testing.T) {
	mock := connectedMock()
	startService(t, mock)

	sub := submissionFor("a", Pose{Position: r3.Vec{X: 1}, Rotation: IdentityQuat()})
	sub.SubmissionID = "sub-7"
	publishSubmission(t, mock, "a", sub)

	payload, ok := mock.Retained("lab/offset/a")
	require.True(t, ok)
	var off CorrectionOffset
	require.NoError(t, json.Unmarshal(payload, &off))
	assert.Equal(t, "sub-7", off.SubmissionID)
}

func TestCoordinatorService_ClearsStaleOffsetsOnStart(t *testing.T) {
	mock := connectedMock()
	old, err := json.Marshal(CorrectionOffset{SubmitterID: "a", SessionID: "previous", RotationOffset: Quaternion{W: 1}})
	require.NoError(t, err)
	mock.Publish("lab/offset/a", 1, true, old)
	mock.Publish("lab/offset/b", 1, true, []byte("garbage"))

	svc := startService(t, mock)

	_, ok := mock.Retained("lab/offset/a")
	assert.False(t, ok, "offset from another session must not survive a restart")
	_, ok = mock.Retained("lab/offset/b")
	assert.False(t, ok)

	board := Pose{Position: r3.Vec{X: 1}, Rotation: IdentityQuat()}
	publishSubmission(t, mock, "a", submissionFor("a", board))
	payload, ok := mock.Retained("lab/offset/a")
	require.True(t, ok, "offsets of the live session stay retained")
	var off CorrectionOffset
	require.NoError(t, json.Unmarshal(payload, &off))
	assert.Equal(t, svc.Coordinator().SessionID(), off.SessionID)

	require.NoError(t, svc.Stop())
	assert.False(t, mock.HasSubscription("lab/offset/+"))
}

func TestSubmissionRejection_Err(t *testing.T) {
	garbage := NewSubmissionRejection("a", "s1", "sess", ErrGarbageSubmission)
	assert.Equal(t, RejectGarbage, garbage.Reason)
	assert.True(t, errors.Is(garbage.Err(), ErrGarbageSubmission))

	malformed := NewSubmissionRejection("a", "", "sess", ErrMalformedSubmission)
	assert.Equal(t, RejectMalformed, malformed.Reason)
	assert.True(t, errors.Is(malformed.Err(), ErrMalformedSubmission))
	assert.Contains(t, malformed.Err().Error(), ErrMalformedSubmission.Error())
}

func TestCoordinatorService_HTTPWithoutMQTT(t *testing.T) {
	svc := NewCoordinatorService(NewReferenceCoordinator(CoordinatorConfig{}), NewStateTracker(), nil)
	require.NoError(t, svc.Start(context.Background()))

	board := Pose{Position: r3.Vec{X: 0.5, Z: 1}, Rotation: IdentityQuat()}
	off, err := svc.HandleSubmission(context.Background(), submissionFor("web", board), TransportHTTP)
	require.NoError(t, err)
	assertAligns(t, board, off, 1e-9)

	cs, ok := svc.State().GetClient("web")
	require.True(t, ok)
	assert.True(t, cs.Delivered)
	assert.Equal(t, TransportHTTP, cs.Transport)

	_, err = svc.HandleSubmission(context.Background(), ReferenceSubmission{SubmitterID: "x"}, TransportHTTP)
	assert.True(t, IsProtocolError(err), "got %v", err)
}

func TestCoordinatorService_DeliveryFailure(t *testing.T) {
	mock := connectedMock()
	svc := startService(t, mock)
	mock.SetPublishError(errors.New("broker full"))

	board := Pose{Position: r3.Vec{X: 1}, Rotation: IdentityQuat()}

	_, err := svc.HandleSubmission(context.Background(), submissionFor("m", board), TransportMQTT)
	assert.Error(t, err)
	assert.False(t, IsProtocolError(err))
	cs, _ := svc.State().GetClient("m")
	assert.False(t, cs.Delivered)

	// HTTP callers still get the offset in the response
	off, err := svc.HandleSubmission(context.Background(), submissionFor("h", board), TransportHTTP)
	require.NoError(t, err)
	assert.Equal(t, "h", off.SubmitterID)
	cs, _ = svc.State().GetClient("h")
	assert.True(t, cs.Delivered)
}

func TestIsProtocolError(t *testing.T) {
	assert.True(t, IsProtocolError(ErrGarbageSubmission))
	assert.True(t, IsProtocolError(errors.Join(errors.New("ctx"), ErrMalformedSubmission)))
	assert.False(t, IsProtocolError(context.Canceled))
	assert.False(t, IsProtocolError(nil))
}
