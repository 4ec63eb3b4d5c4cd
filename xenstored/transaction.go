package xenstored

import (
	mathrand "math/rand"

	"golang.org/x/exp/maps"
)

type TransactionManagerSettings struct {
	// concurrently active transactions per connection
	MaxTransactionsPerConn int
	// concurrently active transactions across all connections
	MaxTransactions int
}

func DefaultTransactionManagerSettings() *TransactionManagerSettings {
	return &TransactionManagerSettings{
		MaxTransactionsPerConn: 10,
		MaxTransactions:        256,
	}
}

type transaction struct {
	connId   Id
	domainId DomainId
	changes  *ChangeSet
}

// TransactionManager tracks the active transactions. A transaction is a
// buffered ChangeSet snapshotted at begin; commit validation happens in
// Store.Apply. A transaction id is never reused while live and never 0.
type TransactionManager struct {
	settings *TransactionManagerSettings

	transactions map[TxId]*transaction
	// transaction count per connection
	connCounts map[Id]int

	nextTxId func() TxId
}

func NewTransactionManagerWithDefaults() *TransactionManager {
	return NewTransactionManager(DefaultTransactionManagerSettings())
}

func NewTransactionManager(settings *TransactionManagerSettings) *TransactionManager {
	return &TransactionManager{
		settings:     settings,
		transactions: map[TxId]*transaction{},
		connCounts:   map[Id]int{},
		nextTxId:     mathrand.Uint32,
	}
}

// Begin snapshots the store generation into a fresh transaction and
// returns its id. EBUSY when the per-connection or global limit is hit.
func (self *TransactionManager) Begin(connId Id, domainId DomainId, store *Store) (TxId, error) {
	if self.settings.MaxTransactionsPerConn <= self.connCounts[connId] {
		return 0, Errorf(EBUSY, "connection transaction limit reached for domain %d", domainId)
	}
	if self.settings.MaxTransactions <= len(self.transactions) {
		return 0, Errorf(EBUSY, "global transaction limit reached")
	}

	var txId TxId
	for {
		txId = self.nextTxId()
		if txId == RootTransaction {
			continue
		}
		if _, ok := self.transactions[txId]; !ok {
			break
		}
	}

	self.transactions[txId] = &transaction{
		connId:   connId,
		domainId: domainId,
		changes:  NewChangeSet(store),
	}
	self.connCounts[connId] += 1
	return txId, nil
}

// Get returns the change set for a live transaction. Lookups are scoped
// to the owning connection; a foreign id is indistinguishable from an
// absent one.
func (self *TransactionManager) Get(connId Id, txId TxId) (*ChangeSet, error) {
	txn, ok := self.transactions[txId]
	if !ok || txn.connId != connId {
		return nil, Errorf(ENOENT, "failed to find transaction %d", txId)
	}
	return txn.changes, nil
}

// End completes a transaction. On commit the buffered changes go through
// Store.Apply, which enforces first-committer-wins; the resulting
// mutations come back for the watch registry. Either way the transaction
// is gone afterwards, including after a conflict.
func (self *TransactionManager) End(store *Store, connId Id, txId TxId, commit bool) ([]Mutation, error) {
	if txId == RootTransaction {
		return nil, Errorf(EINVAL, "cannot end the root transaction")
	}
	txn, ok := self.transactions[txId]
	if !ok || txn.connId != connId {
		return nil, Errorf(ENOENT, "failed to find transaction %d", txId)
	}

	delete(self.transactions, txId)
	self.connCounts[connId] -= 1
	if self.connCounts[connId] <= 0 {
		delete(self.connCounts, connId)
	}

	if !commit {
		return nil, nil
	}
	return store.Apply(txn.changes)
}

// Reset discards every transaction owned by a connection. This is the
// normal disconnect path, not an error.
func (self *TransactionManager) Reset(connId Id) {
	for _, txId := range maps.Keys(self.transactions) {
		if self.transactions[txId].connId == connId {
			delete(self.transactions, txId)
		}
	}
	delete(self.connCounts, connId)
}

// Count is the number of live transactions.
func (self *TransactionManager) Count() int {
	return len(self.transactions)
}
