package secretsd

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPendingTableSuspendResumeDeliversResult(t *testing.T) {
	tbl := NewPendingTable()
	id, reply := tbl.Suspend(PendingWorkerResult, func(outcome interface{}, err error) *Result {
		return succeeded()
	})
	require.Equal(t, 1, tbl.Len())

	require.True(t, tbl.Resume(id, nil, nil))
	r := <-reply
	require.True(t, r.Ok())
	require.Equal(t, 0, tbl.Len())
}

func TestPendingTableResumeUnknownIDReturnsFalse(t *testing.T) {
	tbl := NewPendingTable()
	require.False(t, tbl.Resume(uuid.New(), nil, nil))
}

func TestPendingTableResumeTwiceOnlyDeliversOnce(t *testing.T) {
	tbl := NewPendingTable()
	id, _ := tbl.Suspend(PendingWorkerResult, func(outcome interface{}, err error) *Result {
		return succeeded()
	})
	require.True(t, tbl.Resume(id, nil, nil))
	require.False(t, tbl.Resume(id, nil, nil))
}

// TestPendingTableReSuspensionLeavesOriginalReplyOpen exercises Resume's
// re-suspension branch: when a continuation itself returns a Pending
// Result (rather than a terminal one), Resume must not write to or close
// the original reply channel, leaving whatever fresh suspension the
// continuation registered as the sole path to eventual delivery.
func TestPendingTableReSuspensionLeavesOriginalReplyOpen(t *testing.T) {
	tbl := NewPendingTable()
	id, reply := tbl.Suspend(PendingWorkerResult, func(outcome interface{}, err error) *Result {
		return pending(uuid.New().String())
	})

	require.True(t, tbl.Resume(id, nil, nil))
	require.Equal(t, 0, tbl.Len(), "the re-suspending entry itself is still consumed from the table")

	select {
	case <-reply:
		t.Fatal("original reply channel must not receive a value on re-suspension")
	default:
	}
}

func TestPendingTableCancelDeliversGivenResult(t *testing.T) {
	tbl := NewPendingTable()
	id, reply := tbl.Suspend(PendingUserInteraction, func(outcome interface{}, err error) *Result {
		t.Fatal("cancelled request must not run its continuation")
		return nil
	})

	cancelResult := fail(SecretsDaemonLocked, "shutting down")
	require.True(t, tbl.Cancel(id, cancelResult))

	r := <-reply
	require.Equal(t, SecretsDaemonLocked, r.Code)
}

func TestPendingTableCancelUnknownIDReturnsFalse(t *testing.T) {
	tbl := NewPendingTable()
	require.False(t, tbl.Cancel(uuid.New(), fail(Failed, "x")))
}

func TestPendingTableAwaitReturnsSameChannelAsSuspend(t *testing.T) {
	tbl := NewPendingTable()
	id, reply := tbl.Suspend(PendingWorkerResult, func(outcome interface{}, err error) *Result {
		return succeeded()
	})

	got, ok := tbl.Await(id)
	require.True(t, ok)

	tbl.Resume(id, nil, nil)
	r := <-got
	require.True(t, r.Ok())
	_ = reply
}

func TestPendingTableAwaitUnknownIDReturnsFalse(t *testing.T) {
	tbl := NewPendingTable()
	_, ok := tbl.Await(uuid.New())
	require.False(t, ok)
}

func TestPendingTableIDsListsAllPending(t *testing.T) {
	tbl := NewPendingTable()
	id1, _ := tbl.Suspend(PendingWorkerResult, func(interface{}, error) *Result { return succeeded() })
	id2, _ := tbl.Suspend(PendingWorkerResult, func(interface{}, error) *Result { return succeeded() })

	ids := tbl.IDs()
	require.ElementsMatch(t, []uuid.UUID{id1, id2}, ids)
}
