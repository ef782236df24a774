package purchasing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	require.True(t, StatusClosed.Terminal())
	require.True(t, StatusCancelled.Terminal())
	for _, s := range []Status{StatusDraft, StatusReview, StatusApproved, StatusSent, StatusConfirmed, StatusReceived} {
		require.False(t, s.Terminal(), "status %s", s)
	}
}

func TestStatusLinesMutable(t *testing.T) {
	for _, s := range []Status{StatusDraft, StatusReview, StatusApproved, StatusSent} {
		require.True(t, s.linesMutable(), "status %s", s)
	}
	for _, s := range []Status{StatusConfirmed, StatusReceived, StatusClosed, StatusCancelled} {
		require.False(t, s.linesMutable(), "status %s", s)
	}
}

func TestEnsureStatus(t *testing.T) {
	o := &PurchaseOrder{ID: "PO00000001", Status: StatusDraft}
	require.NoError(t, o.ensureStatus("submit_for_review", StatusDraft, StatusReview))

	err := o.ensureStatus("approve", StatusReview, StatusApproved)
	require.ErrorIs(t, err, ErrInvalidState)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, "approve", stateErr.Op)
	require.Equal(t, StatusDraft, stateErr.Status)
}

func TestSnapshotDetectsChange(t *testing.T) {
	o := PurchaseOrder{ID: "PO00000001", Status: StatusReview}
	before := o.snapshot()
	require.Equal(t, before, o.snapshot())

	o.Status = StatusApproved
	require.NotEqual(t, before, o.snapshot())

	o.Status = StatusReview
	require.Equal(t, before, o.snapshot())

	d := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	o.DeliveryDate = &d
	require.NotEqual(t, before, o.snapshot())
}
