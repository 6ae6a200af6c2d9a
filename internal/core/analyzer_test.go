package core

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"medical-translator/internal/llm"
	"medical-translator/pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seededStore(t *testing.T) *memoryStore {
	t.Helper()
	store := newMemoryStore()
	_, err := store.CreateVisit(context.Background(), "s1")
	require.NoError(t, err)
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	store.addMessage("s1", "What brings you in today?", true, start)
	store.addMessage("s1", "I have had a cough for two weeks.", false, start.Add(20*time.Second))
	store.addMessage("s1", "I'll send an order for blood work.", true, start.Add(40*time.Second))
	return store
}

func labOrderLLM() *scriptedLLM {
	return &scriptedLLM{
		calls: []llm.ToolCall{
			{ID: "call_1", Name: ToolSendLabOrder, Arguments: `{"patientName":"Ana Ruiz","labTests":["CBC"]}`},
			{ID: "call_2", Name: ToolScheduleFollowup, Arguments: `{"source":"clinician"}`},
		},
		summary: "## Reason for Visit\n- Cough",
	}
}

func TestBuildTranscript(t *testing.T) {
	got := BuildTranscript([]pkg.Message{
		{IsClinician: true, OriginalText: "Hello"},
		{IsClinician: false, OriginalText: "Hola"},
	})
	assert.Equal(t, "Clinician: Hello\nPatient: Hola", got)
}

func TestAnalyze_WritesSummaryAndActions(t *testing.T) {
	store := seededStore(t)
	model := labOrderLLM()
	exec := &countingExecutor{}
	notifier := &recordingNotifier{}
	a := NewAnalyzer(store, model, exec, zap.NewNop(), WithNotifier(notifier))

	visit, err := a.Analyze(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, visit.Summary)
	assert.Equal(t, "## Reason for Visit\n- Cough", *visit.Summary)
	assert.NotNil(t, visit.AnalyzedAt)

	var records []pkg.ToolCallRecord
	require.NoError(t, json.Unmarshal(visit.ToolCalls, &records))
	require.Len(t, records, 2)
	assert.Equal(t, ToolSendLabOrder, records[0].Name)
	assert.True(t, records[0].Success)
	assert.JSONEq(t, `{"patientName":"Ana Ruiz","labTests":["CBC"]}`, string(records[0].Arguments))

	require.Len(t, exec.actions, 2)
	assert.Equal(t, LabOrderAction{PatientName: "Ana Ruiz", LabTests: []string{"CBC"}}, exec.actions[0])
	assert.Equal(t, []string{"s1"}, notifier.ids)
}

func TestAnalyze_IdempotentWithoutExtraCalls(t *testing.T) {
	store := seededStore(t)
	model := labOrderLLM()
	exec := &countingExecutor{}
	a := NewAnalyzer(store, model, exec, zap.NewNop())

	first, err := a.Analyze(context.Background(), "s1")
	require.NoError(t, err)
	calls := model.total()

	second, err := a.Analyze(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, calls, model.total(), "no additional model calls")
	assert.Equal(t, 2, exec.count(), "no additional side effects")
	assert.Equal(t, *first.Summary, *second.Summary)
	assert.JSONEq(t, string(first.ToolCalls), string(second.ToolCalls))
	assert.True(t, first.AnalyzedAt.Equal(*second.AnalyzedAt))
}

func TestAnalyze_EmptySession(t *testing.T) {
	store := newMemoryStore()
	_, err := store.CreateVisit(context.Background(), "empty")
	require.NoError(t, err)
	model := labOrderLLM()
	a := NewAnalyzer(store, model, &countingExecutor{}, zap.NewNop())

	_, err = a.Analyze(context.Background(), "empty")
	assert.ErrorIs(t, err, ErrNoMessages)
	assert.Zero(t, model.total())

	analyzedAt, err := store.GetAnalyzedAt(context.Background(), "empty")
	require.NoError(t, err)
	assert.Nil(t, analyzedAt)
}

func TestAnalyze_FailuresCommitNothing(t *testing.T) {
	store := seededStore(t)
	store.failAnalyzedAt = errBoom
	model := labOrderLLM()
	a := NewAnalyzer(store, model, &countingExecutor{}, zap.NewNop())

	_, err := a.Analyze(context.Background(), "s1")
	assert.ErrorIs(t, err, errBoom)
	assert.Zero(t, model.total(), "state check failure happens before any model call")

	store.failAnalyzedAt = nil
	model.toolErr = errBoom
	_, err = a.Analyze(context.Background(), "s1")
	assert.ErrorIs(t, err, errBoom)
	analyzedAt, err := store.GetAnalyzedAt(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, analyzedAt)
}

func TestAnalyze_MissingSessionID(t *testing.T) {
	a := NewAnalyzer(newMemoryStore(), labOrderLLM(), &countingExecutor{}, zap.NewNop())
	_, err := a.Analyze(context.Background(), " ")
	assert.ErrorIs(t, err, ErrMissingSessionID)
}

func TestAnalyze_RecordsFailedAndSkipsUnknownTools(t *testing.T) {
	store := seededStore(t)
	model := &scriptedLLM{
		calls: []llm.ToolCall{
			{ID: "c1", Name: "sendLabOrder", Arguments: `{}`},
			{ID: "c2", Name: ToolSendLabOrder, Arguments: `{"labTests":["CBC"]}`},
			{ID: "c3", Name: ToolScheduleFollowup, Arguments: `{"source":"patient"}`},
			{ID: "c4", Name: ToolSetLanguage, Arguments: `{"clinicianLanguage":"en","patientLanguage":"es"}`},
		},
		summary: "summary",
	}
	exec := &countingExecutor{fail: map[string]error{ToolScheduleFollowup: errBoom}}
	a := NewAnalyzer(store, model, exec, zap.NewNop())

	visit, err := a.Analyze(context.Background(), "s1")
	require.NoError(t, err)

	var records []pkg.ToolCallRecord
	require.NoError(t, json.Unmarshal(visit.ToolCalls, &records))
	require.Len(t, records, 2)
	assert.Equal(t, "c2", records[0].ID)
	assert.False(t, records[0].Success)
	assert.Contains(t, records[0].Error, "patientName")
	assert.Equal(t, "c3", records[1].ID)
	assert.False(t, records[1].Success)
	assert.Equal(t, "boom", records[1].Error)
	assert.Equal(t, 1, exec.count())
}

func TestAnalyze_NoToolCallsStoresNull(t *testing.T) {
	store := seededStore(t)
	a := NewAnalyzer(store, &scriptedLLM{summary: "s"}, &countingExecutor{}, zap.NewNop())
	visit, err := a.Analyze(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, visit.ToolCalls)
}

func TestAnalyze_ConcurrentCallsRunSideEffectsOnce(t *testing.T) {
	store := seededStore(t)
	model := labOrderLLM()
	model.gate = make(chan struct{})
	exec := &countingExecutor{}
	a := NewAnalyzer(store, model, exec, zap.NewNop())

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*pkg.Visit, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Analyze(context.Background(), "s1")
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(model.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "## Reason for Visit\n- Cough", *results[i].Summary)
	}
	assert.Equal(t, 2, exec.count(), "exactly one set of side effects")
	assert.Equal(t, int32(1), model.toolRuns)
}

func TestAnalyze_LockHeldByAnotherInstance(t *testing.T) {
	store := seededStore(t)
	locker := &memoryLocker{}
	release, ok, err := locker.Acquire(context.Background(), "analyze:s1")
	require.NoError(t, err)
	require.True(t, ok)

	model := labOrderLLM()
	a := NewAnalyzer(store, model, &countingExecutor{}, zap.NewNop(), WithLocker(locker))
	_, err = a.Analyze(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrAnalysisInProgress)
	assert.Zero(t, model.total())

	release()
	_, err = a.Analyze(context.Background(), "s1")
	require.NoError(t, err)
}

func TestAnalyze_TwoInstancesSharedStore(t *testing.T) {
	store := seededStore(t)
	locker := &memoryLocker{}
	exec := &countingExecutor{}
	first := NewAnalyzer(store, labOrderLLM(), exec, zap.NewNop(), WithLocker(locker))
	second := NewAnalyzer(store, labOrderLLM(), exec, zap.NewNop(), WithLocker(locker))

	_, err := first.Analyze(context.Background(), "s1")
	require.NoError(t, err)
	visit, err := second.Analyze(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotNil(t, visit.AnalyzedAt)
	assert.Equal(t, 2, exec.count())
}

func TestAnalyze_SummaryFailureRunsNoActions(t *testing.T) {
	store := seededStore(t)
	model := labOrderLLM()
	model.failSummaries = 1
	exec := &countingExecutor{}
	a := NewAnalyzer(store, model, exec, zap.NewNop())

	_, err := a.Analyze(context.Background(), "s1")
	assert.ErrorIs(t, err, errBoom)
	assert.Zero(t, exec.count(), "no side effects before both model answers")

	visit, err := a.Analyze(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotNil(t, visit.AnalyzedAt)
	assert.Equal(t, 2, exec.count(), "actions ran once across the retry")
}

func TestAnalyze_CancelledCallerDoesNotFailOthers(t *testing.T) {
	store := seededStore(t)
	model := labOrderLLM()
	model.gate = make(chan struct{})
	exec := &countingExecutor{}
	a := NewAnalyzer(store, model, exec, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := a.Analyze(ctx, "s1")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&model.toolRuns) == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		visit *pkg.Visit
		err   error
	}
	second := make(chan result, 1)
	go func() {
		v, err := a.Analyze(context.Background(), "s1")
		second <- result{v, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(model.gate)
	res := <-second
	require.NoError(t, res.err)
	assert.NotNil(t, res.visit.AnalyzedAt)
	assert.Equal(t, 2, exec.count())
	assert.Equal(t, int32(1), atomic.LoadInt32(&model.toolRuns))
}

func TestAnalyze_RunIsBoundedByTimeout(t *testing.T) {
	store := seededStore(t)
	model := &blockingLLM{}
	a := NewAnalyzer(store, model, &countingExecutor{}, zap.NewNop(), WithTimeout(20*time.Millisecond))

	_, err := a.Analyze(context.Background(), "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
