package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/healthlink/pulse/internal/client/store"
	apperrors "github.com/healthlink/pulse/pkg/errors"
)

type fakeRemote struct {
	createErr error
	decideErr error

	created []Request
	decided []string
	nextID  string
}

func (f *fakeRemote) CreateAccessRequest(_ context.Context, ownerID, resourceID, reason string) (Request, error) {
	if f.createErr != nil {
		return Request{}, f.createErr
	}
	id := f.nextID
	if id == "" {
		id = "req-1"
	}
	created := Request{ID: id, OwnerID: ownerID, ResourceID: resourceID, Reason: reason, Status: Pending}
	f.created = append(f.created, created)
	return created, nil
}

func (f *fakeRemote) Decide(_ context.Context, requestID, decision string) error {
	if f.decideErr != nil {
		return f.decideErr
	}
	f.decided = append(f.decided, requestID+":"+decision)
	return nil
}

type fakeNotifications struct {
	items     map[string]store.Notification
	processed []string
}

func newFakeNotifications() *fakeNotifications {
	return &fakeNotifications{items: make(map[string]store.Notification)}
}

func (f *fakeNotifications) Find(id string) (store.Notification, bool) {
	n, ok := f.items[id]
	return n, ok
}

func (f *fakeNotifications) MarkProcessed(_ context.Context, id, status string) error {
	f.processed = append(f.processed, id+":"+status)
	return nil
}

func TestRequestTransitionsToPending(t *testing.T) {
	remote := &fakeRemote{}
	w := New(remote, newFakeNotifications(), "owner-1", "record-1")

	require.Equal(t, NoRequest, w.Status())
	require.NoError(t, w.Request(context.Background(), "follow-up"))
	require.Equal(t, Pending, w.Status())
	require.Equal(t, "req-1", w.RequestID())
	require.Len(t, remote.created, 1)
	require.Equal(t, "follow-up", remote.created[0].Reason)
}

func TestRequestRejectedWhilePending(t *testing.T) {
	remote := &fakeRemote{}
	w := New(remote, newFakeNotifications(), "owner-1", "record-1")

	require.NoError(t, w.Request(context.Background(), ""))
	err := w.Request(context.Background(), "")
	require.ErrorIs(t, err, apperrors.ErrDuplicateRequest)
	require.Len(t, remote.created, 1)
}

func TestRequestRetriesAfterDenial(t *testing.T) {
	remote := &fakeRemote{}
	w := New(remote, newFakeNotifications(), "owner-1", "record-1")

	require.NoError(t, w.Request(context.Background(), ""))
	w.ApplyDecision("req-1", Denied)
	require.Equal(t, Denied, w.Status())

	remote.nextID = "req-2"
	require.NoError(t, w.Request(context.Background(), "second try"))
	require.Equal(t, Pending, w.Status())
	require.Equal(t, "req-2", w.RequestID())
}

func TestRequestFromApprovedRejected(t *testing.T) {
	w := New(&fakeRemote{}, newFakeNotifications(), "owner-1", "record-1",
		WithInitialState("req-1", Approved))

	err := w.Request(context.Background(), "")
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestRequestRemoteFailureLeavesStateUnchanged(t *testing.T) {
	remote := &fakeRemote{createErr: apperrors.ErrRemoteCall}
	w := New(remote, newFakeNotifications(), "owner-1", "record-1")

	err := w.Request(context.Background(), "")
	require.ErrorIs(t, err, apperrors.ErrRemoteCall)
	require.Equal(t, NoRequest, w.Status())
	require.Empty(t, w.RequestID())
}

func TestAcceptMarksNotificationProcessed(t *testing.T) {
	remote := &fakeRemote{}
	notifications := newFakeNotifications()
	notifications.items["n1"] = store.Notification{
		ID:       "n1",
		Kind:     "access.requested",
		Metadata: map[string]any{"request_id": "req-9"},
	}
	w := New(remote, notifications, "owner-1", "record-1")

	require.NoError(t, w.Accept(context.Background(), "n1"))
	require.Equal(t, []string{"req-9:APPROVED"}, remote.decided)
	require.Equal(t, []string{"n1:APPROVED"}, notifications.processed)
}

func TestDeclineMissingCorrelationFailsBeforeRemoteCall(t *testing.T) {
	remote := &fakeRemote{}
	notifications := newFakeNotifications()
	notifications.items["n1"] = store.Notification{ID: "n1", Kind: "access.requested"}
	w := New(remote, notifications, "owner-1", "record-1")

	err := w.Decline(context.Background(), "n1")
	require.ErrorIs(t, err, apperrors.ErrMissingCorrelation)
	require.Empty(t, remote.decided)
	require.Empty(t, notifications.processed)
}

func TestDecideRemoteFailureSkipsProcessing(t *testing.T) {
	remote := &fakeRemote{decideErr: apperrors.ErrRemoteCall}
	notifications := newFakeNotifications()
	notifications.items["n1"] = store.Notification{
		ID:       "n1",
		Metadata: map[string]any{"request_id": "req-9"},
	}
	w := New(remote, notifications, "owner-1", "record-1")

	err := w.Accept(context.Background(), "n1")
	require.ErrorIs(t, err, apperrors.ErrRemoteCall)
	require.Empty(t, notifications.processed)
}

func TestApplyDecisionIdempotentSideEffects(t *testing.T) {
	var fired []Status
	w := New(&fakeRemote{}, newFakeNotifications(), "owner-1", "record-1",
		WithDecisionHook(func(s Status) { fired = append(fired, s) }))

	require.NoError(t, w.Request(context.Background(), ""))

	w.ApplyDecision("req-1", Denied)
	w.ApplyDecision("req-1", Denied) // replay must not double-fire
	require.Equal(t, Denied, w.Status())
	require.Equal(t, []Status{Denied}, fired)
}

func TestApplyDecisionMonotonic(t *testing.T) {
	w := New(&fakeRemote{}, newFakeNotifications(), "owner-1", "record-1")

	require.NoError(t, w.Request(context.Background(), ""))
	w.ApplyDecision("req-1", Approved)
	require.Equal(t, Approved, w.Status())

	// A conflicting replay never moves a terminal state.
	w.ApplyDecision("req-1", Denied)
	require.Equal(t, Approved, w.Status())
}

func TestApplyDecisionIgnoresOtherRequests(t *testing.T) {
	w := New(&fakeRemote{}, newFakeNotifications(), "owner-1", "record-1")

	require.NoError(t, w.Request(context.Background(), ""))
	w.ApplyDecision("req-other", Approved)
	require.Equal(t, Pending, w.Status())
}
