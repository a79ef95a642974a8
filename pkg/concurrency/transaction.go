package concurrency

import (
	"exthash/pkg/txn"
)

// Transaction, LockType, and Resource live in pkg/txn so that pkg/hash can
// reference the Transaction type without importing pkg/concurrency (which
// imports pkg/database, which imports pkg/hash).
type Transaction = txn.Transaction
type LockType = txn.LockType
type Resource = txn.Resource

const (
	R_LOCK = txn.R_LOCK
	W_LOCK = txn.W_LOCK
)

var NewTransaction = txn.NewTransaction
var NewResource = txn.NewResource
