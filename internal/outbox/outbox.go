// Package outbox keeps messages whose database write failed during a live
// session and replays them until they are stored.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"medical-translator/internal/db"
	"medical-translator/pkg"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var pendingBucket = []byte("pending_messages")

// Entry is one parked message write.
type Entry struct {
	Key       uint64         `json:"-"`
	SessionID string         `json:"sessionId"`
	LocalID   string         `json:"localId"`
	Message   pkg.NewMessage `json:"message"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"lastError,omitempty"`
	QueuedAt  time.Time      `json:"queuedAt"`
}

// PersistFunc stores one message, typically Repository.CreateMessage.
type PersistFunc func(ctx context.Context, m pkg.NewMessage) (*pkg.Message, error)

// PersistedFunc is told about every replayed write that succeeded.
type PersistedFunc func(e Entry, stored *pkg.Message)

// Outbox is a bbolt-backed queue of failed message writes.
type Outbox struct {
	db          *bolt.DB
	maxAttempts int
	timeout     time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// Open opens or creates the queue file.  maxAttempts <= 0 retries forever.
func Open(path string, maxAttempts int, logger *zap.Logger) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return &Outbox{db: bdb, maxAttempts: maxAttempts, timeout: 10 * time.Second, logger: logger, now: time.Now}, nil
}

// SetPersistTimeout bounds each replayed write.
func (o *Outbox) SetPersistTimeout(d time.Duration) {
	if d > 0 {
		o.timeout = d
	}
}

func (o *Outbox) Close() error { return o.db.Close() }

// Park queues a failed write.  The message creation time is pinned to the
// moment it was parked so a later replay keeps the conversation order.
func (o *Outbox) Park(sessionID, localID string, m pkg.NewMessage, cause error) error {
	now := o.now().UTC()
	if m.CreatedAt == nil {
		m.CreatedAt = &now
	}
	// replays must reuse one ID so a write that did land is not stored twice
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	e := Entry{
		SessionID: sessionID,
		LocalID:   localID,
		Message:   m,
		Attempts:  1,
		QueuedAt:  now,
	}
	if cause != nil {
		e.LastError = cause.Error()
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		enc, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(itob(seq), enc)
	})
}

// Pending returns the queued entries in the order they were parked.
func (o *Outbox) Pending() ([]Entry, error) {
	var out []Entry
	err := o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				o.logger.Warn("skipping malformed outbox entry", zap.Error(err))
				return nil
			}
			e.Key = binary.BigEndian.Uint64(k)
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// Flush replays every pending entry once.  Stored and permanently invalid
// entries are removed; the rest stay queued with their attempt count
// bumped.  It returns how many entries were stored.
func (o *Outbox) Flush(ctx context.Context, persist PersistFunc, onPersisted PersistedFunc) (int, error) {
	entries, err := o.Pending()
	if err != nil {
		return 0, err
	}
	stored := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return stored, ctx.Err()
		}
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		msg, err := persist(callCtx, e.Message)
		cancel()
		switch {
		case err == nil:
			stored++
			if err := o.remove(e.Key); err != nil {
				return stored, err
			}
			if onPersisted != nil {
				onPersisted(e, msg)
			}
		case errors.Is(err, db.ErrValidation):
			o.logger.Error("dropping invalid queued message",
				zap.String("session_id", e.SessionID), zap.String("local_id", e.LocalID), zap.Error(err))
			if err := o.remove(e.Key); err != nil {
				return stored, err
			}
		default:
			e.Attempts++
			e.LastError = err.Error()
			if o.maxAttempts > 0 && e.Attempts >= o.maxAttempts {
				o.logger.Error("giving up on queued message",
					zap.String("session_id", e.SessionID), zap.String("local_id", e.LocalID),
					zap.Int("attempts", e.Attempts), zap.Error(err))
				if err := o.remove(e.Key); err != nil {
					return stored, err
				}
				continue
			}
			if err := o.update(e); err != nil {
				return stored, err
			}
		}
	}
	return stored, nil
}

// Run flushes on every tick until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context, interval time.Duration, persist PersistFunc, onPersisted PersistedFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.Flush(ctx, persist, onPersisted)
			if err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Warn("outbox flush failed", zap.Error(err))
			}
			if n > 0 {
				o.logger.Info("replayed queued messages", zap.Int("count", n))
			}
		}
	}
}

func (o *Outbox) remove(key uint64) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Delete(itob(key))
	})
}

func (o *Outbox) update(e Entry) error {
	enc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Put(itob(e.Key), enc)
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
