package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"medical-translator/internal/realtime"
	"medical-translator/pkg"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageGateway persists visits and messages.
type MessageGateway interface {
	CreateVisit(ctx context.Context, sessionID string) (*pkg.VisitTimestamps, error)
	CloseVisit(ctx context.Context, sessionID string, clinician, patient *pkg.LanguageCode) error
	CreateMessage(ctx context.Context, m pkg.NewMessage) (*pkg.Message, error)
}

// MessageParker keeps a failed message write for a later retry.
type MessageParker interface {
	Park(sessionID, localID string, m pkg.NewMessage, cause error) error
}

// EventMirror copies accepted events to shared storage.
type EventMirror interface {
	Push(ctx context.Context, sessionID string, event []byte) error
	Clear(ctx context.Context, sessionID string) error
}

// RealtimeBridge is the connection to the realtime model.
type RealtimeBridge interface {
	StartSession(ctx context.Context) (string, error)
	StopSession()
	SendClientEvent(event map[string]any) error
}

// VisitAnalyzer runs the post-visit analysis.
type VisitAnalyzer interface {
	Analyze(ctx context.Context, sessionID string) (*pkg.Visit, error)
}

type SessionConfig struct {
	Policy         EventPolicy
	MaxEvents      int
	PersistTimeout time.Duration
	AnalyzeTimeout time.Duration
	// AutoAnalyze runs the analysis as soon as the session stops.
	AutoAnalyze bool
}

type SessionDeps struct {
	Gateway  MessageGateway
	Parker   MessageParker
	Mirror   EventMirror
	Analyzer VisitAnalyzer
	// OnEvent receives every realtime event, e.g. to forward it to the browser.
	OnEvent func(realtime.Event)
	// OnRepeatAudio is called when the model asks to replay the last audio.
	OnRepeatAudio func()
	Logger        *zap.Logger
}

// Session ties one realtime connection to its conversation, event log and
// persistence.  Message writes after an optimistic append are asynchronous;
// failures are parked for retry and never roll the append back.
type Session struct {
	cfg  SessionConfig
	deps SessionDeps

	conv   *Conversation
	events *EventLog
	bridge RealtimeBridge

	mu       sync.RWMutex
	id       string
	stopped  bool
	stopOnce sync.Once

	persists sync.WaitGroup
	tasks    sync.WaitGroup
}

func NewSession(cfg SessionConfig, deps SessionDeps) *Session {
	if cfg.PersistTimeout == 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if cfg.AnalyzeTimeout == 0 {
		cfg.AnalyzeTimeout = 2 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Session{
		cfg:    cfg,
		deps:   deps,
		conv:   NewConversation(),
		events: NewEventLog(cfg.Policy, cfg.MaxEvents),
	}
}

// AttachBridge sets the bridge.  The bridge is normally built with
// HandleEvent as its handler, so it is attached after construction.
func (s *Session) AttachBridge(b RealtimeBridge) { s.bridge = b }

func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Session) Conversation() *Conversation { return s.conv }

// Active reports whether the session has not been stopped.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.stopped
}

func (s *Session) Events() *EventLog { return s.events }

// Start clears local state, opens the realtime session and creates the visit.
func (s *Session) Start(ctx context.Context) (string, error) {
	if s.bridge == nil {
		return "", errors.New("no realtime bridge attached")
	}
	s.events.Clear()
	s.conv.Clear()

	id, err := s.bridge.StartSession(ctx)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	s.conv.SetSessionActive(true)

	if _, err := s.deps.Gateway.CreateVisit(ctx, id); err != nil {
		s.deps.Logger.Error("create visit failed", zap.String("session_id", id), zap.Error(err))
		s.bridge.StopSession()
		s.conv.SetSessionActive(false)
		return "", err
	}
	return id, nil
}

// SendClientEvent forwards a browser event to the model.
func (s *Session) SendClientEvent(event map[string]any) error {
	if s.bridge == nil {
		return realtime.ErrChannelClosed
	}
	return s.bridge.SendClientEvent(event)
}

// Stop ends the realtime session and closes the visit with the final
// languages.  Only the first call has an effect.
func (s *Session) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		if s.bridge != nil {
			s.bridge.StopSession()
		}
		s.conv.SetSessionActive(false)
		id := s.ID()
		if id == "" {
			return
		}
		clinician, patient := s.conv.Languages()
		closeCtx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
		defer cancel()
		if err := s.deps.Gateway.CloseVisit(closeCtx, id, clinician, patient); err != nil {
			s.deps.Logger.Error("close visit failed", zap.String("session_id", id), zap.Error(err))
		}
		if s.cfg.AutoAnalyze && s.deps.Analyzer != nil {
			s.tasks.Add(1)
			go s.analyzeWhenPersisted(id)
		}
	})
}

// track adds one to wg unless the session has stopped, so that no Add
// races a Wait that follows Stop.
func (s *Session) track(wg *sync.WaitGroup) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	wg.Add(1)
	return true
}

// Wait blocks until pending message writes and a triggered analysis finish.
func (s *Session) Wait() {
	s.persists.Wait()
	s.tasks.Wait()
}

func (s *Session) analyzeWhenPersisted(id string) {
	defer s.tasks.Done()
	s.persists.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AnalyzeTimeout)
	defer cancel()
	if _, err := s.deps.Analyzer.Analyze(ctx, id); err != nil {
		if errors.Is(err, ErrNoMessages) {
			s.deps.Logger.Info("nothing to analyze", zap.String("session_id", id))
			return
		}
		s.deps.Logger.Error("automatic analysis failed", zap.String("session_id", id), zap.Error(err))
	}
}

// HandleEvent is the bridge callback.
func (s *Session) HandleEvent(ev realtime.Event) {
	id := s.ID()
	if ev.Type == realtime.EventSessionStarted {
		if started := startedSessionID(ev); started != "" {
			id = started
			s.mu.Lock()
			s.id = started
			s.mu.Unlock()
			if s.deps.Mirror != nil {
				s.mirror(func(ctx context.Context) error { return s.deps.Mirror.Clear(ctx, started) })
			}
		}
	}
	if s.events.Add(ev) && s.deps.Mirror != nil && id != "" {
		s.mirror(func(ctx context.Context) error { return s.deps.Mirror.Push(ctx, id, ev.Raw) })
	}
	if s.deps.OnEvent != nil {
		s.deps.OnEvent(ev)
	}

	switch ev.Type {
	case realtime.EventSessionStopped:
		// the channel may have dropped without Stop being called
		if !s.track(&s.tasks) {
			return
		}
		go func() {
			defer s.tasks.Done()
			s.Stop(context.Background())
		}()
	case realtime.EventResponseDone:
		if !s.Active() {
			s.deps.Logger.Debug("ignoring response after stop", zap.String("session_id", id))
			return
		}
		for _, call := range ev.FunctionCalls() {
			s.dispatch(call)
		}
	}
}

func (s *Session) mirror(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.deps.Logger.Warn("event log mirror failed", zap.Error(err))
	}
}

func (s *Session) dispatch(call realtime.OutputItem) {
	action, err := DecodeToolCall(call.Name, call.Arguments)
	if err != nil {
		s.deps.Logger.Warn("ignoring tool call",
			zap.String("session_id", s.ID()), zap.String("tool", call.Name), zap.Error(err))
		return
	}
	switch a := action.(type) {
	case SetLanguageAction:
		if a.Coerced {
			s.deps.Logger.Warn("unsupported language code replaced with other",
				zap.String("session_id", s.ID()), zap.String("arguments", call.Arguments))
		}
		s.conv.SetLanguages(a.ClinicianLanguage, a.PatientLanguage)
	case TranslationAction:
		s.recordMessage(a)
	case RepeatAudioAction:
		if s.deps.OnRepeatAudio != nil {
			s.deps.OnRepeatAudio()
		}
	default:
		s.deps.Logger.Warn("tool not available in a realtime session", zap.String("tool", call.Name))
	}
}

func (s *Session) recordMessage(a TranslationAction) {
	id := s.ID()
	if !s.track(&s.persists) {
		s.deps.Logger.Warn("dropping translation after stop", zap.String("session_id", id))
		return
	}
	now := time.Now().UTC()
	msg := pkg.Message{
		SessionID:          id,
		IsClinician:        a.IsClinician,
		OriginalText:       a.OriginalText,
		OriginalLanguage:   a.OriginalLanguage,
		TranslatedText:     a.TranslatedText,
		TranslatedLanguage: a.TranslatedLanguage,
		CreatedAt:          now,
	}
	localID := s.conv.AppendMessage(msg)

	nm := a.NewMessage(id)
	nm.ID = uuid.NewString()
	nm.CreatedAt = &now
	go func() {
		defer s.persists.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
		defer cancel()
		stored, err := s.deps.Gateway.CreateMessage(ctx, nm)
		if err == nil {
			s.conv.ConfirmPersisted(localID, stored)
			return
		}
		s.deps.Logger.Error("persist message failed",
			zap.String("session_id", id), zap.String("local_id", localID), zap.Error(err))
		if s.deps.Parker == nil {
			return
		}
		if perr := s.deps.Parker.Park(id, localID, nm, err); perr != nil {
			s.deps.Logger.Error("park message failed", zap.String("session_id", id), zap.Error(perr))
		}
	}()
}

func startedSessionID(ev realtime.Event) string {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(ev.Raw, &body); err != nil {
		return ""
	}
	return body.SessionID
}
