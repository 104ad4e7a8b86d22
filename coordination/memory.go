package coordination

import (
	"fmt"
	"sync"
	"time"

	"context"

	"github.com/google/uuid"
)

// InMemoryCoordinator implements Coordinator without any external broker,
// for tests and single-process deployments — the counterpart to
// itsneelabh/gomind's InMemoryStateStore.
type InMemoryCoordinator struct {
	mu    sync.Mutex
	state map[string][]byte
	locks map[string]*Lock
	nextToken map[string]int64
	leaders map[string]*LeaderStatus
	subs  map[string][]func(ctx context.Context, msg Message) error
}

// NewInMemoryCoordinator constructs an InMemoryCoordinator.
func NewInMemoryCoordinator() *InMemoryCoordinator {
	return &InMemoryCoordinator{
		state:     map[string][]byte{},
		locks:     map[string]*Lock{},
		nextToken: map[string]int64{},
		leaders:   map[string]*LeaderStatus{},
		subs:      map[string][]func(ctx context.Context, msg Message) error{},
	}
}

func (c *InMemoryCoordinator) Connect(ctx context.Context) error    { return nil }
func (c *InMemoryCoordinator) Disconnect(ctx context.Context) error { return nil }

func (c *InMemoryCoordinator) SetState(ctx context.Context, key string, value []byte, level ConsistencyLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[key] = value
	return nil
}

func (c *InMemoryCoordinator) GetState(ctx context.Context, key string, level ConsistencyLevel) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.state[key]
	if !ok {
		return nil, fmt.Errorf("coordination: key %q not found", key)
	}
	return v, nil
}

func (c *InMemoryCoordinator) CompareAndSwap(ctx context.Context, key string, expected, newValue []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if string(c.state[key]) != string(expected) {
		return false, nil
	}
	c.state[key] = newValue
	return true, nil
}

func (c *InMemoryCoordinator) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.locks[key]; ok && time.Now().Before(existing.ExpiresAt) {
		return &Lock{Key: key, Status: LockHeldByOther}, nil
	}
	c.nextToken[key]++
	lock := &Lock{Key: key, FencingToken: c.nextToken[key], Status: LockAcquired, ExpiresAt: time.Now().Add(ttl)}
	c.locks[key] = lock
	return lock, nil
}

func (c *InMemoryCoordinator) ReleaseLock(ctx context.Context, lock *Lock) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.locks[lock.Key]; ok && existing.FencingToken == lock.FencingToken {
		delete(c.locks, lock.Key)
	}
	return nil
}

func (c *InMemoryCoordinator) ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) (*Lock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.locks[lock.Key]
	if !ok || existing.FencingToken != lock.FencingToken {
		return nil, fmt.Errorf("coordination: stale fencing token for lock %q", lock.Key)
	}
	existing.ExpiresAt = time.Now().Add(ttl)
	return existing, nil
}

func (c *InMemoryCoordinator) ValidateFencingToken(ctx context.Context, key string, token int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.locks[key]
	return ok && existing.FencingToken == token, nil
}

func (c *InMemoryCoordinator) WithFencedAccess(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context, lock *Lock) error) error {
	lock, err := c.AcquireLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	if lock.Status != LockAcquired {
		return fmt.Errorf("coordination: could not acquire lock %q", key)
	}
	defer c.ReleaseLock(ctx, lock)
	return fn(ctx, lock)
}

func (c *InMemoryCoordinator) CampaignForLeader(ctx context.Context, electionID, candidateID string, ttl time.Duration) (*LeaderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.leaders[electionID]; ok && existing.IsLeader {
		if existing.LeaderID == candidateID {
			return existing, nil
		}
		return &LeaderStatus{IsLeader: false, LeaderID: existing.LeaderID, Term: existing.Term}, nil
	}
	term := int64(1)
	if existing, ok := c.leaders[electionID]; ok {
		term = existing.Term + 1
	}
	status := &LeaderStatus{IsLeader: true, LeaderID: candidateID, Term: term}
	c.leaders[electionID] = status
	return status, nil
}

func (c *InMemoryCoordinator) GetLeaderStatus(ctx context.Context, electionID string) (*LeaderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.leaders[electionID]; ok {
		return &LeaderStatus{IsLeader: false, LeaderID: existing.LeaderID, Term: existing.Term}, nil
	}
	return &LeaderStatus{IsLeader: false}, nil
}

func (c *InMemoryCoordinator) ResignLeadership(ctx context.Context, electionID, candidateID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.leaders[electionID]; ok && existing.LeaderID == candidateID {
		delete(c.leaders, electionID)
	}
	return nil
}

func (c *InMemoryCoordinator) HasQuorum(ctx context.Context, electionID string, required int) (bool, error) {
	return required <= 1, nil // a single in-process participant is all this adapter can offer
}

func (c *InMemoryCoordinator) BeginTransaction(ctx context.Context) (*Transaction, error) {
	return &Transaction{ID: uuid.NewString()}, nil
}

func (c *InMemoryCoordinator) PrepareTransaction(ctx context.Context, tx *Transaction) error {
	return nil
}

func (c *InMemoryCoordinator) CommitTransaction(ctx context.Context, tx *Transaction) error {
	return c.ExecuteTransaction(ctx, tx)
}

func (c *InMemoryCoordinator) RollbackTransaction(ctx context.Context, tx *Transaction) error {
	tx.operations = nil
	return nil
}

func (c *InMemoryCoordinator) ExecuteTransaction(ctx context.Context, tx *Transaction) error {
	for _, op := range tx.operations {
		if err := op(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *InMemoryCoordinator) AtomicUpdate(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := fn(c.state[key])
	if err != nil {
		return err
	}
	c.state[key] = next
	return nil
}

func (c *InMemoryCoordinator) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	handlers := append([]func(ctx context.Context, msg Message) error{}, c.subs[topic]...)
	c.mu.Unlock()

	msg := Message{Topic: topic, Payload: payload, ID: uuid.NewString()}
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *InMemoryCoordinator) Subscribe(ctx context.Context, topic string, mode DeliveryMode, handler func(ctx context.Context, msg Message) error) (func(), error) {
	c.mu.Lock()
	c.subs[topic] = append(c.subs[topic], handler)
	idx := len(c.subs[topic]) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		handlers := c.subs[topic]
		if idx < len(handlers) {
			c.subs[topic] = append(handlers[:idx], handlers[idx+1:]...)
		}
	}, nil
}

func (c *InMemoryCoordinator) PublishWithDelivery(ctx context.Context, topic string, payload []byte, mode DeliveryMode) error {
	return c.Publish(ctx, topic, payload)
}

func (c *InMemoryCoordinator) AcknowledgeMessage(ctx context.Context, msg Message) error {
	return nil
}

var _ Coordinator = (*InMemoryCoordinator)(nil)
