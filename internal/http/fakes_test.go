package http

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"medical-translator/internal/db"
	"medical-translator/internal/realtime"
	"medical-translator/pkg"
)

type memoryStore struct {
	mu       sync.Mutex
	visits   map[string]*pkg.Visit
	messages map[string][]pkg.Message
	err      error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{visits: map[string]*pkg.Visit{}, messages: map[string][]pkg.Message{}}
}

func (m *memoryStore) CreateVisit(_ context.Context, id string) (*pkg.VisitTimestamps, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session ID is required", db.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	m.visits[id] = &pkg.Visit{ID: id, CreatedAt: now, UpdatedAt: now}
	return &pkg.VisitTimestamps{CreatedAt: now, UpdatedAt: now}, nil
}

func (m *memoryStore) CloseVisit(_ context.Context, id string, clinician, patient *pkg.LanguageCode) error {
	if id == "" {
		return fmt.Errorf("%w: session ID is required", db.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.visits[id]; ok {
		now := time.Now().UTC()
		v.ClinicianLanguage, v.PatientLanguage, v.EndedAt = clinician, patient, &now
	}
	return nil
}

func (m *memoryStore) GetVisit(_ context.Context, id string) (*pkg.Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.visits[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", db.ErrVisitNotFound, id)
	}
	cp := *v
	return &cp, nil
}

func (m *memoryStore) CreateMessage(_ context.Context, nm pkg.NewMessage) (*pkg.Message, error) {
	if err := nm.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrValidation, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.visits[nm.SessionID]; !ok {
		return nil, fmt.Errorf("%w: %s", db.ErrVisitNotFound, nm.SessionID)
	}
	msg := pkg.Message{
		ID:                 fmt.Sprintf("m%d", len(m.messages[nm.SessionID])+1),
		SessionID:          nm.SessionID,
		IsClinician:        *nm.IsClinician,
		OriginalText:       *nm.OriginalText,
		OriginalLanguage:   *nm.OriginalLanguage,
		TranslatedText:     nm.TranslatedText,
		TranslatedLanguage: nm.TranslatedLanguage,
		CreatedAt:          time.Now().UTC(),
	}
	if nm.CreatedAt != nil {
		msg.CreatedAt = *nm.CreatedAt
	}
	m.messages[nm.SessionID] = append(m.messages[nm.SessionID], msg)
	return &msg, nil
}

func (m *memoryStore) ListMessages(_ context.Context, id string) ([]pkg.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]pkg.Message(nil), m.messages[id]...), nil
}

func (m *memoryStore) visit(id string) (*pkg.Visit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[id]
	if !ok {
		return nil, false
	}
	cp := *v
	return &cp, true
}

func (m *memoryStore) markAnalyzed(id, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.visits[id].Summary = &summary
	m.visits[id].AnalyzedAt = &now
}

type stubAnalyzer struct {
	visit *pkg.Visit
	err   error
	calls []string
}

func (a *stubAnalyzer) Analyze(_ context.Context, id string) (*pkg.Visit, error) {
	a.calls = append(a.calls, id)
	return a.visit, a.err
}

type stubSpeaker struct {
	audio []byte
	err   error
	text  string
}

func (s *stubSpeaker) Speech(_ context.Context, text string) ([]byte, error) {
	s.text = text
	return s.audio, s.err
}

type stubCreds struct {
	cred *realtime.Credential
	err  error
}

func (c stubCreds) Mint(context.Context) (*realtime.Credential, error) {
	return c.cred, c.err
}

// channelNotifier is an in-process Subscriber.
type channelNotifier struct {
	mu   sync.Mutex
	subs map[string][]chan struct{}
}

func newChannelNotifier() *channelNotifier {
	return &channelNotifier{subs: map[string][]chan struct{}{}}
}

func (n *channelNotifier) Subscribe(id string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subs[id] = append(n.subs[id], ch)
	n.mu.Unlock()
	return ch, func() {}
}

func (n *channelNotifier) subscribers(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[id])
}

func (n *channelNotifier) deliver(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[id] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type stubEventLog struct {
	events []json.RawMessage
	limit  int
}

func (l *stubEventLog) List(_ context.Context, _ string, limit int) ([]json.RawMessage, error) {
	l.limit = limit
	return l.events, nil
}
