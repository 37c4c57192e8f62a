package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"memome/internal/util"
)

// Orphan is a blob key whose best-effort delete failed.
type Orphan struct {
	MessageID  string
	Key        string
	Reason     string
	Attempts   int
	RecordedAt time.Time
}

// RedisOrphanQueue is a durable ledger of orphaned blob keys on a Redis
// stream, consumed through a consumer group so retries survive restarts.
type RedisOrphanQueue struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	maxRetries int
	claimIdle  time.Duration
	maxLen     int64
	readCount  int64
	groupMu    sync.Mutex
	created    bool
}

type RedisOrphanQueueConfig struct {
	// Client is reused when set; otherwise one is built from Addr.
	Client     *redis.Client
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	MaxRetries int
	ClaimIdle  time.Duration
	MaxLen     int64
	ReadCount  int64
}

func NewRedisOrphanQueue(cfg RedisOrphanQueueConfig) (*RedisOrphanQueue, error) {
	client := cfg.Client
	if client == nil {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			return nil, errors.New("redis addr required")
		}
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password})
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "memome:orphans"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "sweeper"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = time.Minute
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 100000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 50
	}
	return &RedisOrphanQueue{
		client:     client,
		stream:     stream,
		group:      group,
		consumer:   consumer,
		maxRetries: maxRetries,
		claimIdle:  claimIdle,
		maxLen:     maxLen,
		readCount:  readCount,
	}, nil
}

// RecordOrphan appends key to the ledger.
func (q *RedisOrphanQueue) RecordOrphan(ctx context.Context, key, reason string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("orphan key required")
	}
	return q.add(ctx, q.client, Orphan{Key: key, Reason: reason, RecordedAt: time.Now().UTC()})
}

// Len reports the number of ledger entries, pending or not.
func (q *RedisOrphanQueue) Len(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.stream).Result()
}

// Drain hands every entry present when the call starts to handler. Entries
// the handler fails are re-appended with one more attempt until MaxRetries,
// then dropped. It returns the number of entries resolved.
func (q *RedisOrphanQueue) Drain(ctx context.Context, handler func(context.Context, Orphan) error) (int, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return 0, err
	}
	budget, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, err
	}
	resolved := 0
	msgs, err := q.claimPending(ctx)
	if err != nil {
		return 0, err
	}
	for budget > 0 {
		if len(msgs) == 0 {
			msgs, err = q.readNew(ctx, min(budget, q.readCount))
			if err != nil {
				return resolved, err
			}
			if len(msgs) == 0 {
				break
			}
		}
		for _, msg := range msgs {
			budget--
			ok, err := q.handleMessage(ctx, msg, handler)
			if err != nil {
				return resolved, err
			}
			if ok {
				resolved++
			}
		}
		msgs = nil
	}
	return resolved, nil
}

// ensureGroup creates the consumer group once. A failed attempt is retried
// on the next call.
func (q *RedisOrphanQueue) ensureGroup(ctx context.Context) error {
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.created {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.created = true
	return nil
}

func (q *RedisOrphanQueue) readNew(ctx context.Context, count int64) ([]redis.XMessage, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (q *RedisOrphanQueue) claimPending(ctx context.Context) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.readCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *RedisOrphanQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, Orphan) error) (bool, error) {
	orphan := decodeOrphan(msg)
	if orphan.Key == "" {
		return false, q.ackAndDel(ctx, q.client, msg.ID)
	}
	if err := handler(ctx, orphan); err == nil {
		return true, q.ackAndDel(ctx, q.client, msg.ID)
	} else if orphan.Attempts+1 >= q.maxRetries {
		util.LoggerFromContext(ctx).Error("orphan dropped after retries",
			"key", orphan.Key, "attempts", orphan.Attempts+1, "err", err)
		return false, q.ackAndDel(ctx, q.client, msg.ID)
	}
	orphan.Attempts++
	return false, q.requeueAndAck(ctx, msg.ID, orphan)
}

func (q *RedisOrphanQueue) add(ctx context.Context, c redis.Cmdable, o Orphan) error {
	return c.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"key":         o.Key,
			"reason":      o.Reason,
			"attempts":    strconv.Itoa(o.Attempts),
			"recorded_at": o.RecordedAt.Format(time.RFC3339Nano),
		},
	}).Err()
}

func (q *RedisOrphanQueue) ackAndDel(ctx context.Context, c redis.Cmdable, msgID string) error {
	if err := c.XAck(ctx, q.stream, q.group, msgID).Err(); err != nil {
		return err
	}
	return c.XDel(ctx, q.stream, msgID).Err()
}

func (q *RedisOrphanQueue) requeueAndAck(ctx context.Context, msgID string, o Orphan) error {
	pipe := q.client.TxPipeline()
	_ = q.add(ctx, pipe, o)
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func decodeOrphan(msg redis.XMessage) Orphan {
	o := Orphan{MessageID: msg.ID}
	o.Key, _ = msg.Values["key"].(string)
	o.Reason, _ = msg.Values["reason"].(string)
	if v, _ := msg.Values["attempts"].(string); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			o.Attempts = n
		}
	}
	if v, _ := msg.Values["recorded_at"].(string); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			o.RecordedAt = t
		}
	}
	return o
}
