package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"medical-translator/internal/core"

	"go.uber.org/zap"
)

// ActionSink delivers medical actions to the systems that act on them.
type ActionSink interface {
	SendLabOrder(ctx context.Context, a core.LabOrderAction) error
	ScheduleFollowup(ctx context.Context, a core.FollowupAction) error
}

// ActionEvent is published for every executed action.
type ActionEvent struct {
	SessionID  string          `json:"sessionId"`
	Tool       string          `json:"tool"`
	Action     json.RawMessage `json:"action"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// Executor implements core.ActionExecutor.  Without a sink actions are only
// published and logged.
type Executor struct {
	sink        ActionSink
	publisher   Publisher
	topicPrefix string
	logger      *zap.Logger
}

func NewExecutor(sink ActionSink, publisher Publisher, topicPrefix string, logger *zap.Logger) *Executor {
	return &Executor{sink: sink, publisher: publisher, topicPrefix: topicPrefix, logger: logger}
}

func (e *Executor) Execute(ctx context.Context, sessionID string, action core.Action) error {
	var err error
	switch a := action.(type) {
	case core.LabOrderAction:
		if e.sink != nil {
			err = e.sink.SendLabOrder(ctx, a)
		}
	case core.FollowupAction:
		if e.sink != nil {
			err = e.sink.ScheduleFollowup(ctx, a)
		}
	default:
		return fmt.Errorf("%w: %s", core.ErrUnknownTool, action.ToolName())
	}
	if e.sink == nil {
		e.logger.Info("no action webhook configured", zap.String("session_id", sessionID), zap.String("tool", action.ToolName()))
	}
	e.publish(sessionID, action, err)
	return err
}

// Topic returns the topic action events of a session are published to.
func (e *Executor) Topic(sessionID string) string {
	return e.topicPrefix + "/" + sessionID + "/actions"
}

func (e *Executor) publish(sessionID string, action core.Action, execErr error) {
	if e.publisher == nil {
		return
	}
	body, _ := json.Marshal(action)
	ev := ActionEvent{
		SessionID:  sessionID,
		Tool:       action.ToolName(),
		Action:     body,
		Success:    execErr == nil,
		ExecutedAt: time.Now().UTC(),
	}
	if execErr != nil {
		ev.Error = execErr.Error()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("encode action event", zap.Error(err))
		return
	}
	if err := e.publisher.Publish(e.Topic(sessionID), payload); err != nil {
		e.logger.Warn("publish action event failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
