package transaction

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMonitor_SafeVersionTracksOldestSnapshot(t *testing.T) {
	m := NewMonitor(0, 0)
	require.Equal(t, uint32(1), m.SafeVersion())

	t1 := m.Begin()
	t2 := m.Begin()
	require.Equal(t, []uint32{1, 2}, []uint32{t1.ID, t2.ID})
	require.Zero(t, t1.ReadVersion)

	// t2 commits first and takes commit version 1.
	require.NoError(t, m.Commit(t2.ID, 1))
	require.Equal(t, uint32(1), t2.CommitVersion)
	require.Equal(t, uint32(1), m.ReadVersion())
	require.Equal(t, uint32(1), m.SafeVersion(), "t1 still reads at version 0")

	t3 := m.Begin()
	require.Equal(t, uint32(1), t3.ReadVersion)

	require.NoError(t, m.Commit(t1.ID, 2))
	require.Equal(t, uint32(2), m.ReadVersion())
	require.Equal(t, uint32(2), m.SafeVersion(), "t3 reads at version 1")

	require.NoError(t, m.Abort(t3.ID))
	require.Equal(t, TxnStateAborted, t3.State)
	require.Equal(t, uint32(3), m.SafeVersion())
	require.Empty(t, m.Open())
}

func TestMonitor_FinishTwice(t *testing.T) {
	m := NewMonitor(10, 10)
	txn := m.Begin()
	require.Equal(t, uint32(11), txn.ID)
	require.NoError(t, m.Running(txn.ID))
	require.NoError(t, m.Commit(txn.ID, 11))
	require.ErrorIs(t, m.Running(txn.ID), ErrUnknownTransaction)
	require.ErrorIs(t, m.Commit(txn.ID, 12), ErrUnknownTransaction)
	require.ErrorIs(t, m.Abort(99), ErrUnknownTransaction)
	require.Equal(t, uint32(11), m.ReadVersion())

	rolled := m.Begin()
	require.NoError(t, m.Abort(rolled.ID))
	require.ErrorIs(t, m.Running(rolled.ID), ErrUnknownTransaction)
	require.ErrorIs(t, m.Commit(rolled.ID, 12), ErrUnknownTransaction)
}

func TestMonitor_SkipsUsedIDs(t *testing.T) {
	m := NewMonitor(4, 6)
	require.Equal(t, uint32(4), m.ReadVersion())
	require.Equal(t, uint32(7), m.Begin().ID)

	// Commit versions and transaction IDs count independently.
	m = NewMonitor(5, 2)
	require.Equal(t, uint32(3), m.Begin().ID)
}

func TestMonitor_Reset(t *testing.T) {
	m := NewMonitor(3, 3)
	a := m.Begin()
	b := m.Begin()
	require.Equal(t, []uint32{a.ID, b.ID}, m.Reset(1))
	require.Equal(t, TxnStateAborted, a.State)
	require.Empty(t, m.Open())
	require.Equal(t, uint32(1), m.ReadVersion())
	require.Equal(t, uint32(2), m.SafeVersion())
	require.Equal(t, b.ID+1, m.Begin().ID)
}

func TestMonitor_ConcurrentBegin(t *testing.T) {
	m := NewMonitor(0, 0)
	var wg sync.WaitGroup
	ids := make(chan uint32, 400)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ids <- m.Begin().ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint32]bool)
	for id := range ids {
		require.False(t, seen[id])
		seen[id] = true
	}
	require.Len(t, seen, 400)
	require.Len(t, m.Open(), 400)
	require.Equal(t, uint32(1), m.SafeVersion())
}

func TestTransactionState_String(t *testing.T) {
	require.Equal(t, "committed", TxnStateCommitted.String())
	require.Equal(t, "TransactionState(9)", TransactionState(9).String())
}
