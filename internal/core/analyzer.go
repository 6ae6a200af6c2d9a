package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"medical-translator/internal/db"
	"medical-translator/internal/llm"
	"medical-translator/pkg"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrMissingSessionID = errors.New("session ID is required")
	// ErrNoMessages means there is nothing to analyze.  It is not a failure.
	ErrNoMessages = errors.New("no messages found for this session")
	// ErrAnalysisInProgress is returned when another instance holds the
	// analysis lock for the session.
	ErrAnalysisInProgress = errors.New("analysis already in progress")
)

// VisitStore is the subset of the repository the analyzer needs.
type VisitStore interface {
	GetAnalyzedAt(ctx context.Context, sessionID string) (*time.Time, error)
	GetVisit(ctx context.Context, sessionID string) (*pkg.Visit, error)
	ListMessages(ctx context.Context, sessionID string) ([]pkg.Message, error)
	SaveAnalysis(ctx context.Context, sessionID, summary string, toolCalls []pkg.ToolCallRecord) (*pkg.Visit, error)
}

// ActionExecutor carries out a medical action chosen by the model.
type ActionExecutor interface {
	Execute(ctx context.Context, sessionID string, action Action) error
}

// Locker takes a lock shared across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// VisitNotifier announces a finished analysis.
type VisitNotifier interface {
	Notify(ctx context.Context, sessionID string) error
}

type AnalyzerOption func(*Analyzer)

func WithLocker(l Locker) AnalyzerOption { return func(a *Analyzer) { a.locker = l } }

func WithNotifier(n VisitNotifier) AnalyzerOption { return func(a *Analyzer) { a.notifier = n } }

// WithTimeout bounds one analysis run.  The default is two minutes.
func WithTimeout(d time.Duration) AnalyzerOption { return func(a *Analyzer) { a.timeout = d } }

// Analyzer produces the summary and the medical actions of a finished visit.
// A visit is analyzed at most once; later calls return the stored result.
type Analyzer struct {
	store    VisitStore
	llm      llm.Client
	exec     ActionExecutor
	locker   Locker
	notifier VisitNotifier
	logger   *zap.Logger
	tools    []ToolSchema
	timeout  time.Duration
	group    singleflight.Group
}

func NewAnalyzer(store VisitStore, client llm.Client, exec ActionExecutor, logger *zap.Logger, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		store:   store,
		llm:     client,
		exec:    exec,
		logger:  logger,
		tools:   MedicalActionTools(),
		timeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze runs the analysis for sessionID.  Concurrent calls for the same
// session in this process share one run, which outlives a caller whose ctx
// is cancelled; across processes the optional Locker lets one run and fails
// the others with ErrAnalysisInProgress.
func (a *Analyzer) Analyze(ctx context.Context, sessionID string) (*pkg.Visit, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrMissingSessionID
	}
	ch := a.group.DoChan(sessionID, func() (any, error) {
		// shared by every caller, so no single caller may cancel it
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		return a.analyze(runCtx, sessionID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*pkg.Visit), nil
	}
}

func (a *Analyzer) analyze(ctx context.Context, sessionID string) (*pkg.Visit, error) {
	if visit, done, err := a.stored(ctx, sessionID); err != nil || done {
		return visit, err
	}

	if a.locker != nil {
		release, ok, err := a.locker.Acquire(ctx, "analyze:"+sessionID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrAnalysisInProgress
		}
		defer release()
		// another instance may have finished while we waited
		if visit, done, err := a.stored(ctx, sessionID); err != nil || done {
			return visit, err
		}
	}

	messages, err := a.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	if len(messages) == 0 {
		return nil, ErrNoMessages
	}
	transcript := BuildTranscript(messages)

	defs := make([]llm.ToolDefinition, len(a.tools))
	for i, t := range a.tools {
		defs[i] = t.Definition()
	}
	calls, err := a.llm.InvokeTools(ctx, MedicalAnalysisPrompt(a.tools), transcript, defs)
	if err != nil {
		return nil, fmt.Errorf("analyze conversation: %w", err)
	}
	summary, err := a.llm.Summarize(ctx, MedicalSummaryPrompt, transcript)
	if err != nil {
		return nil, fmt.Errorf("generate summary: %w", err)
	}

	// actions run only once both model answers are in hand
	records := a.runActions(ctx, sessionID, calls)

	visit, err := a.store.SaveAnalysis(ctx, sessionID, summary, records)
	if errors.Is(err, db.ErrAlreadyAnalyzed) {
		a.logger.Warn("analysis result discarded, visit analyzed concurrently", zap.String("session_id", sessionID))
		return a.store.GetVisit(ctx, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("update visit: %w", err)
	}

	a.logger.Info("visit analyzed",
		zap.String("session_id", sessionID),
		zap.Int("messages", len(messages)),
		zap.Int("tool_calls", len(records)),
	)
	if a.notifier != nil {
		if err := a.notifier.Notify(ctx, sessionID); err != nil {
			a.logger.Warn("notify analysis failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return visit, nil
}

// stored returns the saved visit when the analysis already happened.
func (a *Analyzer) stored(ctx context.Context, sessionID string) (*pkg.Visit, bool, error) {
	analyzedAt, err := a.store.GetAnalyzedAt(ctx, sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("fetch visit data: %w", err)
	}
	if analyzedAt == nil {
		return nil, false, nil
	}
	visit, err := a.store.GetVisit(ctx, sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("fetch visit data: %w", err)
	}
	return visit, true, nil
}

// runActions executes every recognised medical action.  Unknown tools are
// skipped; bad arguments and failed executions are recorded as unsuccessful.
func (a *Analyzer) runActions(ctx context.Context, sessionID string, calls []llm.ToolCall) []pkg.ToolCallRecord {
	var records []pkg.ToolCallRecord
	for _, call := range calls {
		rec := pkg.ToolCallRecord{ID: call.ID, Name: call.Name}
		if json.Valid([]byte(call.Arguments)) {
			rec.Arguments = json.RawMessage(call.Arguments)
		}

		action, err := DecodeToolCall(call.Name, call.Arguments)
		if err == nil && !a.offered(action.ToolName()) {
			err = fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
		}
		if errors.Is(err, ErrUnknownTool) {
			a.logger.Warn("ignoring unknown tool call", zap.String("session_id", sessionID), zap.String("tool", call.Name))
			continue
		}
		if err == nil {
			err = a.exec.Execute(ctx, sessionID, action)
		}
		if err != nil {
			a.logger.Error("medical action failed",
				zap.String("session_id", sessionID), zap.String("tool", call.Name), zap.Error(err))
			rec.Error = err.Error()
		} else {
			rec.Success = true
		}
		records = append(records, rec)
	}
	return records
}

func (a *Analyzer) offered(name string) bool {
	for _, t := range a.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// BuildTranscript renders one "Speaker: text" line per message.
func BuildTranscript(messages []pkg.Message) string {
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = m.Speaker() + ": " + m.OriginalText
	}
	return strings.Join(lines, "\n")
}
