package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"medical-translator/internal/db"
	"medical-translator/internal/llm"
	"medical-translator/internal/realtime"
	"medical-translator/pkg"
)

// memoryStore is an in-memory VisitStore and MessageGateway with the same
// at-most-once analysis write as the database.
type memoryStore struct {
	mu       sync.Mutex
	visits   map[string]*pkg.Visit
	messages map[string][]pkg.Message
	nextID   int

	failAnalyzedAt error
	failCreate     error
	blockClose     bool
	saves          int32
}

func newMemoryStore() *memoryStore {
	return &memoryStore{visits: map[string]*pkg.Visit{}, messages: map[string][]pkg.Message{}}
}

func (m *memoryStore) CreateVisit(_ context.Context, id string) (*pkg.VisitTimestamps, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.visits[id] = &pkg.Visit{ID: id, CreatedAt: now, UpdatedAt: now}
	return &pkg.VisitTimestamps{CreatedAt: now, UpdatedAt: now}, nil
}

func (m *memoryStore) CloseVisit(ctx context.Context, id string, clinician, patient *pkg.LanguageCode) error {
	if m.blockClose {
		<-ctx.Done()
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	v.ClinicianLanguage, v.PatientLanguage, v.EndedAt = clinician, patient, &now
	return nil
}

func (m *memoryStore) CreateMessage(_ context.Context, nm pkg.NewMessage) (*pkg.Message, error) {
	if m.failCreate != nil {
		return nil, m.failCreate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	msg := pkg.Message{
		ID:               fmt.Sprintf("row-%d", m.nextID),
		SessionID:        nm.SessionID,
		IsClinician:      *nm.IsClinician,
		OriginalText:     *nm.OriginalText,
		OriginalLanguage: *nm.OriginalLanguage,
		TranslatedText:   nm.TranslatedText,
		CreatedAt:        *nm.CreatedAt,
	}
	m.messages[nm.SessionID] = append(m.messages[nm.SessionID], msg)
	return &msg, nil
}

func (m *memoryStore) addMessage(sessionID, text string, clinician bool, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[sessionID] = append(m.messages[sessionID], pkg.Message{
		SessionID: sessionID, IsClinician: clinician, OriginalText: text,
		OriginalLanguage: pkg.LangEnglish, CreatedAt: at,
	})
}

func (m *memoryStore) GetAnalyzedAt(_ context.Context, id string) (*time.Time, error) {
	if m.failAnalyzedAt != nil {
		return nil, m.failAnalyzedAt
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[id]
	if !ok {
		return nil, db.ErrVisitNotFound
	}
	return v.AnalyzedAt, nil
}

func (m *memoryStore) GetVisit(_ context.Context, id string) (*pkg.Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[id]
	if !ok {
		return nil, db.ErrVisitNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *memoryStore) ListMessages(_ context.Context, id string) ([]pkg.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pkg.Message{}, m.messages[id]...), nil
}

func (m *memoryStore) SaveAnalysis(_ context.Context, id, summary string, calls []pkg.ToolCallRecord) (*pkg.Visit, error) {
	atomic.AddInt32(&m.saves, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[id]
	if !ok || v.AnalyzedAt != nil {
		return nil, db.ErrAlreadyAnalyzed
	}
	now := time.Now().UTC()
	v.Summary = &summary
	v.AnalyzedAt = &now
	if calls != nil {
		v.ToolCalls = mustJSON(calls)
	}
	cp := *v
	return &cp, nil
}

// scriptedLLM returns fixed answers and counts calls.  When gate is set
// every call blocks until it is closed.
type scriptedLLM struct {
	calls     []llm.ToolCall
	summary   string
	toolErr   error
	gate      chan struct{}
	toolRuns  int32
	summaries int32
	// failSummaries is the number of Summarize calls that fail before one
	// succeeds.
	failSummaries int32
}

func (s *scriptedLLM) wait() {
	if s.gate != nil {
		<-s.gate
	}
}

func (s *scriptedLLM) InvokeTools(context.Context, string, string, []llm.ToolDefinition) ([]llm.ToolCall, error) {
	atomic.AddInt32(&s.toolRuns, 1)
	s.wait()
	return s.calls, s.toolErr
}

func (s *scriptedLLM) Summarize(context.Context, string, string) (string, error) {
	atomic.AddInt32(&s.summaries, 1)
	if atomic.AddInt32(&s.failSummaries, -1) >= 0 {
		return "", errBoom
	}
	return s.summary, nil
}

func (s *scriptedLLM) total() int32 {
	return atomic.LoadInt32(&s.toolRuns) + atomic.LoadInt32(&s.summaries)
}

type countingExecutor struct {
	mu      sync.Mutex
	actions []Action
	fail    map[string]error
}

func (e *countingExecutor) Execute(_ context.Context, _ string, a Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions = append(e.actions, a)
	return e.fail[a.ToolName()]
}

func (e *countingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actions)
}

// memoryLocker is a Locker shared by several analyzers in one test.
type memoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memoryLocker) Acquire(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *recordingNotifier) Notify(_ context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
	return nil
}

// scriptedBridge plays the role of realtime.Bridge without a network.
type scriptedBridge struct {
	id       string
	startErr error
	handler  func(realtime.Event)
	sent     []map[string]any
	stopped  int32
}

func (b *scriptedBridge) StartSession(context.Context) (string, error) {
	if b.startErr != nil {
		return "", b.startErr
	}
	b.handler(realtime.NewEvent(realtime.EventSessionStarted, map[string]any{"sessionId": b.id}))
	return b.id, nil
}

func (b *scriptedBridge) StopSession() {
	if atomic.AddInt32(&b.stopped, 1) == 1 {
		b.handler(realtime.NewEvent(realtime.EventSessionStopped, map[string]any{"sessionId": b.id}))
	}
}

func (b *scriptedBridge) SendClientEvent(ev map[string]any) error {
	if atomic.LoadInt32(&b.stopped) > 0 {
		return realtime.ErrChannelClosed
	}
	b.sent = append(b.sent, ev)
	return nil
}

type recordingParker struct {
	mu      sync.Mutex
	entries []string
	ids     []string
}

func (p *recordingParker) Park(sessionID, localID string, m pkg.NewMessage, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, sessionID+"/"+localID+": "+cause.Error())
	p.ids = append(p.ids, m.ID)
	return nil
}

var errBoom = errors.New("boom")

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func functionCallEvent(calls ...realtime.OutputItem) realtime.Event {
	for i := range calls {
		calls[i].Type = realtime.OutputFunctionCall
	}
	raw := mustJSON(map[string]any{
		"type":     realtime.EventResponseDone,
		"response": map[string]any{"output": calls},
	})
	ev, err := realtime.DecodeEvent(raw)
	if err != nil {
		panic(err)
	}
	return ev
}

// blockingLLM answers only when the context ends.
type blockingLLM struct{}

func (blockingLLM) InvokeTools(ctx context.Context, _, _ string, _ []llm.ToolDefinition) ([]llm.ToolCall, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingLLM) Summarize(ctx context.Context, _, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}
