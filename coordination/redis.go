package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/itsneelabh/stableinfra/core"
)

// RedisCoordinator implements Coordinator over a go-redis client, using
// the same Watch+TxPipelined optimistic-locking idiom as
// itsneelabh/gomind's RedisStateStore.UpdateExecution/UpdateStepExecution.
type RedisCoordinator struct {
	client *redis.Client
	logger core.Logger

	subMu sync.Mutex
	subs  map[string]*redis.PubSub
}

// NewRedisCoordinator constructs a RedisCoordinator over addr.
func NewRedisCoordinator(addr string, logger core.Logger) *RedisCoordinator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisCoordinator{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		logger: logger,
		subs:   map[string]*redis.PubSub{},
	}
}

func (c *RedisCoordinator) Connect(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCoordinator) Disconnect(ctx context.Context) error {
	c.subMu.Lock()
	for _, ps := range c.subs {
		ps.Close()
	}
	c.subs = map[string]*redis.PubSub{}
	c.subMu.Unlock()
	return c.client.Close()
}

// SetState ignores level — go-redis always talks to one node at the
// consistency its deployment topology provides; the level is accepted
// for interface conformance, matching spec.md §6's adapter-is-consumed
// framing.
func (c *RedisCoordinator) SetState(ctx context.Context, key string, value []byte, level ConsistencyLevel) error {
	return c.client.Set(ctx, stateKey(key), value, 0).Err()
}

func (c *RedisCoordinator) GetState(ctx context.Context, key string, level ConsistencyLevel) ([]byte, error) {
	v, err := c.client.Get(ctx, stateKey(key)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("coordination: key %q not found", key)
	}
	return v, err
}

// CompareAndSwap follows the Watch+TxPipelined pattern of
// RedisStateStore.UpdateExecution: read the current value under a watch,
// only write if it still equals expected.
func (c *RedisCoordinator) CompareAndSwap(ctx context.Context, key string, expected, newValue []byte) (bool, error) {
	k := stateKey(key)
	swapped := false
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if string(current) != string(expected) {
			return nil // not swapped; not an error
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, newValue, 0)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, k)
	return swapped, err
}

func (c *RedisCoordinator) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lockKey := "coord:lock:" + key
	tokenKey := "coord:lock:token:" + key

	token, err := c.client.Incr(ctx, tokenKey).Result()
	if err != nil {
		return nil, err
	}

	ok, err := c.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Lock{Key: key, Status: LockHeldByOther}, nil
	}
	return &Lock{Key: key, FencingToken: token, Status: LockAcquired, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (c *RedisCoordinator) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil || lock.Status != LockAcquired {
		return nil
	}
	valid, err := c.ValidateFencingToken(ctx, lock.Key, lock.FencingToken)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("coordination: stale fencing token for lock %q", lock.Key)
	}
	return c.client.Del(ctx, "coord:lock:"+lock.Key).Err()
}

func (c *RedisCoordinator) ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) (*Lock, error) {
	valid, err := c.ValidateFencingToken(ctx, lock.Key, lock.FencingToken)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, fmt.Errorf("coordination: stale fencing token for lock %q", lock.Key)
	}
	if err := c.client.Expire(ctx, "coord:lock:"+lock.Key, ttl).Err(); err != nil {
		return nil, err
	}
	lock.ExpiresAt = time.Now().Add(ttl)
	return lock, nil
}

func (c *RedisCoordinator) ValidateFencingToken(ctx context.Context, key string, token int64) (bool, error) {
	v, err := c.client.Get(ctx, "coord:lock:"+key).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == token, nil
}

func (c *RedisCoordinator) WithFencedAccess(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context, lock *Lock) error) error {
	lock, err := c.AcquireLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	if lock.Status != LockAcquired {
		return fmt.Errorf("coordination: could not acquire lock %q", key)
	}
	defer func() {
		if relErr := c.ReleaseLock(ctx, lock); relErr != nil {
			c.logger.WarnWithContext(ctx, "coordination: failed to release lock", map[string]interface{}{"key": key, "error": relErr})
		}
	}()
	return fn(ctx, lock)
}

func (c *RedisCoordinator) CampaignForLeader(ctx context.Context, electionID, candidateID string, ttl time.Duration) (*LeaderStatus, error) {
	key := "coord:election:" + electionID
	termKey := "coord:election:term:" + electionID

	ok, err := c.client.SetNX(ctx, key, candidateID, ttl).Result()
	if err != nil {
		return nil, err
	}
	if ok {
		term, err := c.client.Incr(ctx, termKey).Result()
		if err != nil {
			return nil, err
		}
		return &LeaderStatus{IsLeader: true, LeaderID: candidateID, Term: term}, nil
	}
	return c.GetLeaderStatus(ctx, electionID)
}

func (c *RedisCoordinator) GetLeaderStatus(ctx context.Context, electionID string) (*LeaderStatus, error) {
	key := "coord:election:" + electionID
	termKey := "coord:election:term:" + electionID

	leaderID, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return &LeaderStatus{IsLeader: false}, nil
	}
	if err != nil {
		return nil, err
	}
	term, err := c.client.Get(ctx, termKey).Int64()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return &LeaderStatus{IsLeader: false, LeaderID: leaderID, Term: term}, nil
}

func (c *RedisCoordinator) ResignLeadership(ctx context.Context, electionID, candidateID string) error {
	key := "coord:election:" + electionID
	current, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if current != candidateID {
		return nil // not the leader; nothing to resign
	}
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCoordinator) HasQuorum(ctx context.Context, electionID string, required int) (bool, error) {
	count, err := c.client.SCard(ctx, "coord:election:participants:"+electionID).Result()
	if err != nil {
		return false, err
	}
	return int(count) >= required, nil
}

func (c *RedisCoordinator) BeginTransaction(ctx context.Context) (*Transaction, error) {
	return &Transaction{ID: uuid.NewString()}, nil
}

func (c *RedisCoordinator) PrepareTransaction(ctx context.Context, tx *Transaction) error {
	return nil // go-redis has no two-phase prepare; commit applies directly
}

func (c *RedisCoordinator) CommitTransaction(ctx context.Context, tx *Transaction) error {
	return c.ExecuteTransaction(ctx, tx)
}

func (c *RedisCoordinator) RollbackTransaction(ctx context.Context, tx *Transaction) error {
	tx.operations = nil
	return nil
}

// ExecuteTransaction runs every queued operation in order, stopping at
// the first error (queued operations already applied are not undone —
// callers needing true atomicity should express their writes as a single
// AtomicUpdate instead).
func (c *RedisCoordinator) ExecuteTransaction(ctx context.Context, tx *Transaction) error {
	for _, op := range tx.operations {
		if err := op(ctx); err != nil {
			return err
		}
	}
	return nil
}

// AtomicUpdate mirrors RedisStateStore.UpdateStepExecution's
// read-modify-write-under-Watch shape.
func (c *RedisCoordinator) AtomicUpdate(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	k := stateKey(key)
	return c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, next, 0)
			return nil
		})
		return err
	}, k)
}

func (c *RedisCoordinator) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.client.Publish(ctx, topic, payload).Err()
}

func (c *RedisCoordinator) Subscribe(ctx context.Context, topic string, mode DeliveryMode, handler func(ctx context.Context, msg Message) error) (func(), error) {
	ps := c.client.Subscribe(ctx, topic)
	c.subMu.Lock()
	c.subs[topic] = ps
	c.subMu.Unlock()

	ch := ps.Channel()
	go func() {
		for msg := range ch {
			m := Message{Topic: msg.Channel, Payload: []byte(msg.Payload), ID: uuid.NewString()}
			if err := handler(ctx, m); err != nil {
				c.logger.ErrorWithContext(ctx, "coordination: subscriber handler failed", map[string]interface{}{"topic": topic, "error": err})
				if mode == DeliveryAtLeastOnce {
					// leave the message for redelivery semantics the caller's
					// own retry/backoff layer is responsible for; redis
					// pub-sub itself has no replay, so this is advisory.
					continue
				}
			}
		}
	}()

	return func() {
		c.subMu.Lock()
		delete(c.subs, topic)
		c.subMu.Unlock()
		ps.Close()
	}, nil
}

func (c *RedisCoordinator) PublishWithDelivery(ctx context.Context, topic string, payload []byte, mode DeliveryMode) error {
	return c.Publish(ctx, topic, payload)
}

// AcknowledgeMessage is a no-op for redis pub-sub, which has no broker-side
// delivery tracking; kept for interface conformance with brokers that do
// (e.g. streams/queues), per spec.md §6.
func (c *RedisCoordinator) AcknowledgeMessage(ctx context.Context, msg Message) error {
	return nil
}

func stateKey(key string) string {
	return "coord:state:" + key
}

var _ Coordinator = (*RedisCoordinator)(nil)
