// Package coordination defines the distributed coordinator adapter
// contract spec.md §6 describes as "optional; consumed" — the rest of
// this module only calls through this interface and never implements
// consensus, replication or delivery guarantees itself. Grounded on
// itsneelabh/gomind's orchestration/workflow_state.go StateStore
// interface + RedisStateStore/InMemoryStateStore pair, generalized from
// workflow-execution persistence to the fuller lock/leader/KV/
// transaction/pub-sub surface spec.md §6 lists, using the same
// go-redis/v8 client and optimistic-locking (Watch+TxPipelined) idiom.
package coordination

import (
	"context"
	"time"
)

// ConsistencyLevel is the guarantee requested of a read/write, per the
// GLOSSARY.
type ConsistencyLevel int

const (
	ConsistencyEventual ConsistencyLevel = iota
	ConsistencySession
	ConsistencyStrong
	ConsistencyLinearizable
)

// LockStatus reports the outcome of a lock acquisition attempt.
type LockStatus int

const (
	LockAcquired LockStatus = iota
	LockHeldByOther
	LockExpired
)

// DeliveryMode is the acknowledgement semantics of a subscription, per
// the GLOSSARY.
type DeliveryMode int

const (
	DeliveryAtMostOnce DeliveryMode = iota
	DeliveryAtLeastOnce
	DeliveryExactlyOnce
)

// Lock is the handle returned by AcquireLock; FencingToken is a
// monotone integer that invalidates stale holders, per the GLOSSARY.
type Lock struct {
	Key          string
	FencingToken int64
	Status       LockStatus
	ExpiresAt    time.Time
}

// LeaderStatus reports one participant's standing in a leader election.
type LeaderStatus struct {
	IsLeader bool
	LeaderID string
	Term     int64
}

// Transaction accumulates operations between BeginTransaction and
// Commit/RollbackTransaction.
type Transaction struct {
	ID         string
	operations []func(ctx context.Context) error
}

// AddOperation queues op for this transaction's eventual commit.
func (t *Transaction) AddOperation(op func(ctx context.Context) error) {
	t.operations = append(t.operations, op)
}

// Message is one pub-sub delivery.
type Message struct {
	Topic   string
	Payload []byte
	ID      string
}

// Coordinator is the full adapter surface spec.md §6 names. Every method
// propagates adapter failures unchanged — this module never retries or
// reinterprets them.
type Coordinator interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	SetState(ctx context.Context, key string, value []byte, level ConsistencyLevel) error
	GetState(ctx context.Context, key string, level ConsistencyLevel) ([]byte, error)
	CompareAndSwap(ctx context.Context, key string, expected, newValue []byte) (bool, error)

	AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error)
	ReleaseLock(ctx context.Context, lock *Lock) error
	ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) (*Lock, error)
	ValidateFencingToken(ctx context.Context, key string, token int64) (bool, error)
	WithFencedAccess(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context, lock *Lock) error) error

	CampaignForLeader(ctx context.Context, electionID, candidateID string, ttl time.Duration) (*LeaderStatus, error)
	GetLeaderStatus(ctx context.Context, electionID string) (*LeaderStatus, error)
	ResignLeadership(ctx context.Context, electionID, candidateID string) error
	HasQuorum(ctx context.Context, electionID string, required int) (bool, error)

	BeginTransaction(ctx context.Context) (*Transaction, error)
	PrepareTransaction(ctx context.Context, tx *Transaction) error
	CommitTransaction(ctx context.Context, tx *Transaction) error
	RollbackTransaction(ctx context.Context, tx *Transaction) error
	ExecuteTransaction(ctx context.Context, tx *Transaction) error
	AtomicUpdate(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error

	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, mode DeliveryMode, handler func(ctx context.Context, msg Message) error) (unsubscribe func(), err error)
	PublishWithDelivery(ctx context.Context, topic string, payload []byte, mode DeliveryMode) error
	AcknowledgeMessage(ctx context.Context, msg Message) error
}
