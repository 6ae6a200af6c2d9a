package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Tool is a function the realtime model may call, in the flat shape the
// realtime sessions endpoint expects.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SessionConfig is sent when minting a credential.
type SessionConfig struct {
	Model        string
	Voice        string
	Instructions string
	Tools        []Tool
}

// Credential is a short-lived client secret.  Raw is the full upstream
// response and is handed to browsers unchanged.
type Credential struct {
	Value     string
	ExpiresAt time.Time
	Raw       json.RawMessage
}

// CredentialSource mints credentials for new realtime sessions.
type CredentialSource interface {
	Mint(ctx context.Context) (*Credential, error)
}

type sessionRequest struct {
	Model         string        `json:"model"`
	Voice         string        `json:"voice,omitempty"`
	TurnDetection turnDetection `json:"turn_detection"`
	Tools         []Tool        `json:"tools"`
	ToolChoice    string        `json:"tool_choice"`
	Instructions  string        `json:"instructions"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type sessionResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Minter requests ephemeral realtime credentials with the long-lived API key.
type Minter struct {
	http   *resty.Client
	cfg    SessionConfig
	logger *zap.Logger
}

// NewMinter builds a Minter against baseURL, e.g. https://api.openai.com/v1.
func NewMinter(baseURL, apiKey string, timeout time.Duration, cfg SessionConfig, logger *zap.Logger) *Minter {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Minter{http: client, cfg: cfg, logger: logger}
}

func (m *Minter) Mint(ctx context.Context) (*Credential, error) {
	req := sessionRequest{
		Model:         m.cfg.Model,
		Voice:         m.cfg.Voice,
		TurnDetection: turnDetection{Type: "server_vad"},
		Tools:         m.cfg.Tools,
		ToolChoice:    "auto",
		Instructions:  m.cfg.Instructions,
	}
	resp, err := m.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/realtime/sessions")
	if err != nil {
		return nil, fmt.Errorf("request realtime session: %w", err)
	}
	if resp.IsError() {
		m.logger.Error("realtime session request rejected",
			zap.Int("status_code", resp.StatusCode()),
			zap.ByteString("body", resp.Body()),
		)
		return nil, fmt.Errorf("request realtime session: upstream status %d", resp.StatusCode())
	}

	var parsed sessionResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("decode realtime session: %w", err)
	}
	if parsed.ClientSecret.Value == "" {
		return nil, errors.New("decode realtime session: missing client_secret.value")
	}
	cred := &Credential{
		Value: parsed.ClientSecret.Value,
		Raw:   json.RawMessage(resp.Body()),
	}
	if parsed.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(parsed.ClientSecret.ExpiresAt, 0).UTC()
	}
	return cred, nil
}
