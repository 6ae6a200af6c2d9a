package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"medical-translator/internal/db"
	"medical-translator/pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestOutbox(t *testing.T, maxAttempts int) *Outbox {
	t.Helper()
	o, err := Open(filepath.Join(t.TempDir(), "nested", "outbox.bolt"), maxAttempts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func newMessage(sessionID, text string) pkg.NewMessage {
	isClinician := true
	lang := pkg.LangEnglish
	return pkg.NewMessage{
		SessionID:        sessionID,
		IsClinician:      &isClinician,
		OriginalText:     &text,
		OriginalLanguage: &lang,
	}
}

func TestPark_PinsCreatedAtAndKeepsOrder(t *testing.T) {
	o := openTestOutbox(t, 0)
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return fixed }

	require.NoError(t, o.Park("s1", "l1", newMessage("s1", "first"), errors.New("db down")))
	require.NoError(t, o.Park("s1", "l2", newMessage("s1", "second"), nil))

	pending, err := o.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "l1", pending[0].LocalID)
	assert.Equal(t, "l2", pending[1].LocalID)
	assert.Equal(t, "db down", pending[0].LastError)
	require.NotNil(t, pending[0].Message.CreatedAt)
	assert.True(t, pending[0].Message.CreatedAt.Equal(fixed))
}

func TestFlush_StoresAndReportsEntries(t *testing.T) {
	o := openTestOutbox(t, 0)
	require.NoError(t, o.Park("s1", "l1", newMessage("s1", "hello"), nil))

	var confirmed []string
	n, err := o.Flush(context.Background(),
		func(_ context.Context, m pkg.NewMessage) (*pkg.Message, error) {
			return &pkg.Message{ID: "row-1", SessionID: m.SessionID, OriginalText: *m.OriginalText}, nil
		},
		func(e Entry, stored *pkg.Message) {
			confirmed = append(confirmed, e.LocalID+"="+stored.ID)
		})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"l1=row-1"}, confirmed)

	pending, err := o.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFlush_RetriesTransientAndDropsInvalid(t *testing.T) {
	o := openTestOutbox(t, 0)
	require.NoError(t, o.Park("s1", "bad", newMessage("s1", "x"), nil))
	require.NoError(t, o.Park("s1", "later", newMessage("s1", "y"), nil))

	persist := func(_ context.Context, m pkg.NewMessage) (*pkg.Message, error) {
		if *m.OriginalText == "x" {
			return nil, fmt.Errorf("%w: unsupported originalLanguage", db.ErrValidation)
		}
		return nil, errors.New("connection refused")
	}
	n, err := o.Flush(context.Background(), persist, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := o.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "later", pending[0].LocalID)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, "connection refused", pending[0].LastError)
}

func TestFlush_GivesUpAfterMaxAttempts(t *testing.T) {
	o := openTestOutbox(t, 2)
	require.NoError(t, o.Park("s1", "l1", newMessage("s1", "x"), nil))

	_, err := o.Flush(context.Background(), func(context.Context, pkg.NewMessage) (*pkg.Message, error) {
		return nil, errors.New("still down")
	}, nil)
	require.NoError(t, err)

	pending, err := o.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOpen_ReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.bolt")
	o, err := Open(path, 0, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, o.Park("s1", "l1", newMessage("s1", "kept"), nil))
	require.NoError(t, o.Close())

	o, err = Open(path, 0, zap.NewNop())
	require.NoError(t, err)
	defer o.Close()
	pending, err := o.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "kept", *pending[0].Message.OriginalText)
}

// idStore keeps one row per message id, like the messages table.
type idStore struct {
	rows    map[string]pkg.Message
	inserts int
	// failAfterWrite makes the next call store the row and still report an
	// error, as a commit whose reply was lost would.
	failAfterWrite bool
}

func (s *idStore) persist(_ context.Context, m pkg.NewMessage) (*pkg.Message, error) {
	if row, ok := s.rows[m.ID]; ok {
		return &row, nil
	}
	s.inserts++
	row := pkg.Message{ID: m.ID, SessionID: m.SessionID, OriginalText: *m.OriginalText}
	s.rows[m.ID] = row
	if s.failAfterWrite {
		s.failAfterWrite = false
		return nil, errors.New("connection reset")
	}
	return &row, nil
}

func TestFlush_ReplayOfStoredMessageKeepsOneRow(t *testing.T) {
	o := openTestOutbox(t, 0)
	require.NoError(t, o.Park("s1", "l1", newMessage("s1", "hello"), errors.New("timeout")))

	pending, err := o.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	id := pending[0].Message.ID
	require.NotEmpty(t, id)

	store := &idStore{rows: map[string]pkg.Message{}, failAfterWrite: true}
	var confirmed []string
	onPersisted := func(_ Entry, stored *pkg.Message) { confirmed = append(confirmed, stored.ID) }

	n, err := o.Flush(context.Background(), store.persist, onPersisted)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err = o.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].Message.ID, "the id survives a failed attempt")

	n, err = o.Flush(context.Background(), store.persist, onPersisted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.inserts)
	assert.Len(t, store.rows, 1)
	assert.Equal(t, []string{id}, confirmed)
}

func TestPark_KeepsCallerMessageID(t *testing.T) {
	o := openTestOutbox(t, 0)
	m := newMessage("s1", "hello")
	m.ID = "6f1c1f0e-8a43-4d7e-9a41-0a3f6a4c9b10"
	require.NoError(t, o.Park("s1", "l1", m, nil))

	pending, err := o.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, m.ID, pending[0].Message.ID)
}

func TestFlush_BoundsEachWrite(t *testing.T) {
	o := openTestOutbox(t, 0)
	o.SetPersistTimeout(20 * time.Millisecond)
	require.NoError(t, o.Park("s1", "l1", newMessage("s1", "hello"), nil))

	var hadDeadline bool
	n, err := o.Flush(context.Background(),
		func(ctx context.Context, _ pkg.NewMessage) (*pkg.Message, error) {
			_, hadDeadline = ctx.Deadline()
			<-ctx.Done()
			return nil, ctx.Err()
		},
		func(Entry, *pkg.Message) {})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, hadDeadline)

	pending, err := o.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "deadline exceeded")
}
