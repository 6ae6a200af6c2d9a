// Package dispatch carries out the medical actions chosen by the post-visit
// analysis.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"medical-translator/internal/core"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type labOrderPayload struct {
	Type      string       `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Data      labOrderData `json:"data"`
}

type labOrderData struct {
	PatientName string   `json:"patientName"`
	LabTests    []string `json:"labTests"`
	Notes       string   `json:"notes"`
}

type followupPayload struct {
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

// WebhookSink posts actions to an HTTP endpoint.  Requests are not retried.
type WebhookSink struct {
	http   *resty.Client
	url    string
	logger *zap.Logger
	now    func() time.Time
}

func NewWebhookSink(url string, timeout time.Duration, logger *zap.Logger) *WebhookSink {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &WebhookSink{http: client, url: url, logger: logger, now: time.Now}
}

func (s *WebhookSink) SendLabOrder(ctx context.Context, a core.LabOrderAction) error {
	tests := a.LabTests
	if tests == nil {
		tests = []string{}
	}
	return s.post(ctx, core.ToolSendLabOrder, labOrderPayload{
		Type:      "lab_order",
		Timestamp: s.now().UTC(),
		Data:      labOrderData{PatientName: a.PatientName, LabTests: tests, Notes: a.Notes},
	})
}

func (s *WebhookSink) ScheduleFollowup(ctx context.Context, a core.FollowupAction) error {
	return s.post(ctx, core.ToolScheduleFollowup, followupPayload{Source: a.Source, CreatedAt: s.now().UTC()})
}

func (s *WebhookSink) post(ctx context.Context, tool string, body any) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("%s webhook: %w", tool, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s webhook: %d %s", tool, resp.StatusCode(), resp.Status())
	}
	s.logger.Info("action delivered", zap.String("tool", tool), zap.Int("status_code", resp.StatusCode()))
	return nil
}
