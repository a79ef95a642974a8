// Package txn holds the Transaction/Resource/LockType types shared between
// pkg/hash (which needs the Transaction type for its method signatures) and
// pkg/concurrency (which owns transaction/lock management), without creating
// an import cycle between those two packages.
package txn

import (
	"sync"

	"github.com/google/uuid"
)

// Indicates whether a lock is a reader or a writer lock.
type LockType int

const (
	R_LOCK LockType = 0
	W_LOCK LockType = 1
)

// A Resource refers to an entry in our database,
// uniquely identified by tableName and key
type Resource struct {
	tableName string
	key       int64
}

func NewResource(tableName string, key int64) Resource {
	return Resource{tableName: tableName, key: key}
}

func (r *Resource) GetTableName() string {
	return r.tableName
}

func (r *Resource) GetResourceKey() int64 {
	return r.key
}

// Each client will have at most one transaction running at a given time.
// Therefore, the clientID is a unique identifier for both the Transaction and its Client
type Transaction struct {
	clientId        uuid.UUID
	lockedResources map[Resource]LockType // tracks currently locked resources and LockType. Useful for error handling when Locking
	mtx             sync.RWMutex
}

func NewTransaction(clientId uuid.UUID) *Transaction {
	return &Transaction{clientId: clientId, lockedResources: make(map[Resource]LockType)}
}

func (t *Transaction) WLock() {
	t.mtx.Lock()
}

func (t *Transaction) WUnlock() {
	t.mtx.Unlock()
}

func (t *Transaction) RLock() {
	t.mtx.RLock()
}

func (t *Transaction) RUnlock() {
	t.mtx.RUnlock()
}

func (t *Transaction) GetClientID() (clientId uuid.UUID) {
	return t.clientId
}

func (t *Transaction) GetResources() (resources map[Resource]LockType) {
	return t.lockedResources
}
