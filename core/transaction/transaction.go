package transaction

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// TransactionState represents the in-memory state of a transaction.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Transaction is active, pages are being appended
	TxnStateCommitted                         // Confirm page written
	TxnStateAborted                           // Discarded, pages never indexed
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

var ErrUnknownTransaction = errors.New("unknown or finished transaction")

// Transaction is an in-memory record of an open transaction. Its ID is
// stamped on every log page it writes; ReadVersion is the snapshot bound it
// reads at; CommitVersion is set once it commits.
type Transaction struct {
	ID            uint32
	ReadVersion   uint32
	CommitVersion uint32
	State         TransactionState
}

// Monitor hands out transaction IDs and tracks which are still open, which
// determines the checkpoint safe version and the version readers may see.
type Monitor struct {
	mu            sync.Mutex
	nextID        uint32
	lastCommitted uint32 // newest commit version
	open          map[uint32]*Transaction
}

// NewMonitor returns a monitor whose readers see commit version lastCommitted
// and whose first transaction gets ID highestUsed+1. highestUsed includes
// transactions that left unconfirmed pages behind, so their IDs are never
// handed out again.
func NewMonitor(lastCommitted, highestUsed uint32) *Monitor {
	return &Monitor{
		nextID:        highestUsed + 1,
		lastCommitted: lastCommitted,
		open:          make(map[uint32]*Transaction),
	}
}

// Begin opens a new transaction reading at the newest commit version.
func (m *Monitor) Begin() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := &Transaction{ID: m.nextID, ReadVersion: m.lastCommitted, State: TxnStateRunning}
	m.nextID++
	m.open[txn.ID] = txn
	return txn
}

// Running returns an error wrapping ErrUnknownTransaction unless id is open.
func (m *Monitor) Running(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTransaction, id)
	}
	return nil
}

// Commit closes id as committed at version.
func (m *Monitor) Commit(id, version uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, err := m.finishLocked(id, TxnStateCommitted)
	if err != nil {
		return err
	}
	txn.CommitVersion = version
	if version > m.lastCommitted {
		m.lastCommitted = version
	}
	return nil
}

// Abort closes id as aborted.
func (m *Monitor) Abort(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.finishLocked(id, TxnStateAborted)
	return err
}

func (m *Monitor) finishLocked(id uint32, state TransactionState) (*Transaction, error) {
	txn, ok := m.open[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTransaction, id)
	}
	txn.State = state
	delete(m.open, id)
	return txn, nil
}

// Reset aborts every open transaction and sets the newest commit version.
// Transaction IDs keep counting up. It returns the aborted IDs.
func (m *Monitor) Reset(lastCommitted uint32) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint32, 0, len(m.open))
	for id, txn := range m.open {
		txn.State = TxnStateAborted
		ids = append(ids, id)
	}
	m.open = make(map[uint32]*Transaction)
	m.lastCommitted = lastCommitted
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SafeVersion is one above the oldest snapshot an open transaction reads at,
// or one above the newest commit version when nothing is open. Every version
// strictly below it may be folded into the data file without changing what
// any open transaction reads.
func (m *Monitor) SafeVersion() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	safe := m.lastCommitted
	for _, txn := range m.open {
		if txn.ReadVersion < safe {
			safe = txn.ReadVersion
		}
	}
	return safe + 1
}

// ReadVersion is the newest commit version. Readers resolve pages with it as
// the visibility bound.
func (m *Monitor) ReadVersion() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCommitted
}

// Open returns the IDs of open transactions in ascending order.
func (m *Monitor) Open() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint32, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
