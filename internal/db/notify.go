package db

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Notifier wraps the LISTEN/NOTIFY mechanism in PostgreSQL.  It announces
// finished visit analyses on a channel and fans the notifications out to
// in-process subscribers keyed by session ID (the SSE summary stream).
type Notifier struct {
	DB      *sql.DB
	Channel string

	dsn    string
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewNotifier constructs a new Notifier.  The dsn is used to open the
// dedicated listener connection; the channel should match the
// POSTGRES_NOTIFY_CHANNEL setting on every instance.
func NewNotifier(db *sql.DB, dsn, channel string, logger *zap.Logger) *Notifier {
	return &Notifier{
		DB:      db,
		Channel: channel,
		dsn:     dsn,
		logger:  logger,
		subs:    make(map[string]map[chan struct{}]struct{}),
	}
}

// Notify sends a notification to the channel with the session ID as payload.
func (n *Notifier) Notify(ctx context.Context, sessionID string) error {
	_, err := n.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.Channel, sessionID)
	return err
}

// Subscribe registers interest in one session.  The returned channel
// receives a value each time that session is announced; cancel must be
// called to release it.
func (n *Notifier) Subscribe(sessionID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.subs[sessionID] == nil {
		n.subs[sessionID] = make(map[chan struct{}]struct{})
	}
	n.subs[sessionID][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[sessionID], ch)
			if len(n.subs[sessionID]) == 0 {
				delete(n.subs, sessionID)
			}
			n.mu.Unlock()
		})
	}
}

// Run listens on the channel until ctx is cancelled and delivers every
// notification to the matching subscribers.
func (n *Notifier) Run(ctx context.Context) error {
	listener := pq.NewListener(n.dsn, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				n.logger.Warn("notify listener event", zap.Int("event", int(ev)), zap.Error(err))
			}
		})
	defer listener.Close()
	if err := listener.Listen(n.Channel); err != nil {
		return err
	}
	n.logger.Info("listening for visit notifications", zap.String("channel", n.Channel))

	for {
		select {
		case <-ctx.Done():
			return nil
		case note := <-listener.Notify:
			// nil is sent after the listener reconnects
			if note == nil {
				continue
			}
			n.deliver(note.Extra)
		case <-time.After(90 * time.Second):
			go func() {
				if err := listener.Ping(); err != nil {
					n.logger.Warn("notify listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

func (n *Notifier) deliver(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[sessionID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
