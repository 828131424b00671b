package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/log"
	"github.com/nubla/slicer/pkg/types"
)

const (
	// maxAttempts bounds transient redelivery before a message is
	// parked in the dead-letter bucket.
	maxAttempts = 10

	// pollInterval is how often an idle consumer checks for work.
	pollInterval = 250 * time.Millisecond

	// backoffBase and backoffCap shape the redelivery delay.
	backoffBase = time.Second
	backoffCap  = time.Minute
)

// VLANMappingQueue is the conventional name of a zone's mapping queue.
func VLANMappingQueue(zone types.Zone) string {
	return fmt.Sprintf("vlan_mapping_%s", zone)
}

// VMPlacementQueue is the conventional name of a zone's placement queue.
func VMPlacementQueue(zone types.Zone) string {
	return fmt.Sprintf("vm_placement_%s", zone)
}

// Message is one unit of queued work: the in-progress slice request
// document plus delivery bookkeeping.
type Message struct {
	ID         string    `json:"id"`
	Body       []byte    `json:"body"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	NotBefore  time.Time `json:"not_before"`
}

// Handler processes one message. A nil return acks the message. A
// transient error (dependency unavailable) nacks with requeue; any other
// error nacks without requeue to keep poison messages out of the loop.
type Handler func(ctx context.Context, msg *Message) error

// Broker owns the durable queue file. Queues are buckets; message keys
// are the bucket sequence in big-endian so a cursor walks FIFO order.
type Broker struct {
	db *bolt.DB
}

// Open opens (or creates) the queue database in dataDir.
func Open(dataDir string) (*Broker, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "queues.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	return &Broker{db: db}, nil
}

// Close closes the queue database.
func (b *Broker) Close() error {
	return b.db.Close()
}

// Queue returns a handle on the named durable queue.
func (b *Broker) Queue(name string) *Queue {
	return &Queue{db: b.db, name: []byte(name), dead: []byte(name + ".dead")}
}

// Queue is one named durable FIFO.
type Queue struct {
	db   *bolt.DB
	name []byte
	dead []byte
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return string(q.name)
}

// Publish appends a message to the queue.
func (q *Queue) Publish(body []byte) error {
	msg := &Message{
		ID:         uuid.New().String(),
		Body:       body,
		EnqueuedAt: time.Now(),
	}

	return q.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(q.name)
		if err != nil {
			return err
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), data)
	})
}

// Depth returns the number of pending messages.
func (q *Queue) Depth() (int, error) {
	depth := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(q.name)
		if bucket == nil {
			return nil
		}
		depth = bucket.Stats().KeyN
		return nil
	})
	return depth, err
}

// DeadLetters returns the parked messages for operator inspection.
func (q *Queue) DeadLetters() ([]*Message, error) {
	var msgs []*Message
	err := q.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(q.dead)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			msgs = append(msgs, &msg)
			return nil
		})
	})
	return msgs, err
}

// Consume drains the queue until the context is cancelled. One consumer
// per queue gives the prefetch=1 serialization the pipeline relies on:
// the head message is acked (deleted) only after the handler commits.
func (q *Queue) Consume(ctx context.Context, handler Handler) {
	logger := log.WithComponent("queue").With().Str("queue", q.Name()).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		key, msg, err := q.head()
		if err != nil {
			logger.Error().Err(err).Msg("failed to read queue head")
			sleep(ctx, pollInterval)
			continue
		}
		if msg == nil {
			sleep(ctx, pollInterval)
			continue
		}
		if wait := time.Until(msg.NotBefore); wait > 0 {
			sleep(ctx, min(wait, pollInterval))
			continue
		}

		err = q.invoke(ctx, handler, msg)
		switch {
		case err == nil:
			if ackErr := q.ack(key); ackErr != nil {
				logger.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
			}
		case errdefs.Transient(err) && msg.Attempts+1 < maxAttempts:
			logger.Warn().Err(err).Str("msg_id", msg.ID).Int("attempt", msg.Attempts+1).Msg("requeueing message")
			if nackErr := q.requeue(key, msg); nackErr != nil {
				logger.Error().Err(nackErr).Str("msg_id", msg.ID).Msg("failed to requeue message")
			}
		default:
			logger.Error().Err(err).Str("msg_id", msg.ID).Msg("dead-lettering message")
			if nackErr := q.deadLetter(key, msg, err); nackErr != nil {
				logger.Error().Err(nackErr).Str("msg_id", msg.ID).Msg("failed to dead-letter message")
			}
		}
	}
}

// invoke shields the consumer loop from handler panics; a panic is a
// permanent fault for the message in hand.
func (q *Queue) invoke(ctx context.Context, handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

func (q *Queue) head() ([]byte, *Message, error) {
	var key []byte
	var msg *Message
	err := q.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(q.name)
		if bucket == nil {
			return nil
		}

		k, v := bucket.Cursor().First()
		if k == nil {
			return nil
		}

		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		key = append([]byte(nil), k...)
		msg = &m
		return nil
	})
	return key, msg, err
}

func (q *Queue) ack(key []byte) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(q.name)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(key)
	})
}

// requeue rewrites the message in place with an increased attempt count
// and a backoff delay. Keeping the key keeps the message at the head,
// preserving per-zone FIFO order.
func (q *Queue) requeue(key []byte, msg *Message) error {
	msg.Attempts++
	msg.NotBefore = time.Now().Add(backoff(msg.Attempts))

	return q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(q.name)
		if bucket == nil {
			return nil
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
}

func (q *Queue) deadLetter(key []byte, msg *Message, cause error) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(q.name)
		if bucket == nil {
			return nil
		}
		dead, err := tx.CreateBucketIfNotExists(q.dead)
		if err != nil {
			return err
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := dead.Put(key, data); err != nil {
			return err
		}
		return bucket.Delete(key)
	})
}

func backoff(attempts int) time.Duration {
	d := backoffBase << (attempts - 1)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
