package kvstore

import "context"

// TxnStore is the transactional-keyspace contract every component in this
// repository actually depends on. *Store (the real dragonboat+pebble
// keyspace) implements it; tests use an in-memory fake (see
// kvstoretest.Store) so movekeyslock/initread/snapshot unit tests don't
// need to stand up a real Raft replica.
type TxnStore interface {
	Begin(priority Priority) Txn
}

// Txn is the operations a Transaction exposes, abstracted so fakes can
// stand in for *Transaction in tests.
type Txn interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	GetRange(ctx context.Context, begin, end []byte, limit int) ([]KV, bool, error)
	Set(key, value []byte)
	Clear(key []byte)
	ClearRange(begin, end []byte)
	Commit(ctx context.Context) (uint64, error)
	ReadVersion() uint64
}

var _ TxnStore = (*Store)(nil)
var _ Txn = (*Transaction)(nil)

// Begin adapts NewTransaction (txn.go) to the TxnStore interface, so
// callers that only need the Txn contract can depend on TxnStore instead
// of the concrete *Store.
func (s *Store) Begin(priority Priority) Txn {
	return s.NewTransaction(priority)
}
